package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"munin/internal/config"
	"munin/internal/identity"
	"munin/internal/logging"
	"munin/internal/proto"
	"munin/internal/server"
	"munin/internal/testutil"
	"munin/internal/transport"
)

type harness struct {
	t   *testing.T
	net *transport.MemNetwork
	app *app
}

func newHarness(t *testing.T) *harness {
	testutil.IsolateDataDir(t)
	n := transport.NewMemNetwork()
	return &harness{
		t:   t,
		net: n,
		app: newApp(func(secret identity.SecretKey) transport.Dialer {
			return n.Dialer(secret.Public(), "")
		}),
	}
}

func (h *harness) run(args ...string) (int, string, string) {
	h.t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), h.app, append(args, "--timeout", "2s"), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func (h *harness) self() identity.NodeID {
	h.t.Helper()
	code, out, errOut := h.run("whoami")
	require.Equal(h.t, 0, code, errOut)
	id, err := identity.ParseNodeID(strings.TrimSpace(strings.TrimPrefix(out, "I am ")))
	require.NoError(h.t, err)
	return id
}

// daemon answers every request kind with canned data for host.
func (h *harness) daemon(addr, host string, allowed ...identity.NodeID) identity.Ticket {
	h.t.Helper()
	key := testutil.NewSecret(h.t)
	ln, err := h.net.Listen(addr, key.Public())
	require.NoError(h.t, err)

	srv := server.New(config.NewAllowList(allowed...), server.HandlerFunc(func(_ context.Context, req proto.Request) proto.Response {
		switch req.Kind {
		case proto.KindListProcesses:
			return proto.ProcessListResponse([]proto.Process{{PID: 1, Name: "init"}, {PID: 42, Name: "munind"}})
		case proto.KindGetSystemInfo:
			return proto.SystemInfoResponse(proto.SystemInfo{Hostname: host, Uptime: time.Hour})
		case proto.KindKillProcess:
			return proto.FailureResponse(proto.NewOperationError(proto.ErrKindNotFound, "no process %d", req.PID))
		case proto.KindPlayAudio:
			return proto.OKResponse()
		default:
			return proto.FailureResponse(proto.NewOperationError(proto.ErrKindNotImplemented, "%s", req.Kind))
		}
	}), server.Options{Logger: logging.Discard()})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = srv.Serve(ctx, ln)
	}()
	h.t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return identity.NewTicket(key.Public(), []string{addr})
}

func TestWhoamiIsStable(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, h.self(), h.self())
}

func TestNodesAddListRemove(t *testing.T) {
	h := newHarness(t)
	kitchen := h.daemon("kitchen:7447", "kitchen")
	attic := h.daemon("attic:7447", "attic")

	code, out, errOut := h.run("nodes", "add", "kitchen", kitchen.String())
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "added kitchen -> "+kitchen.NodeID.String())
	// a bare id is accepted too
	code, _, errOut = h.run("nodes", "add", "attic", attic.NodeID.String())
	require.Equal(t, 0, code, errOut)

	code, _, _ = h.run("nodes", "add", "kitchen", attic.NodeID.String())
	assert.Equal(t, 1, code)

	code, out, _ = h.run("nodes", "list")
	require.Equal(t, 0, code)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, []string{"attic", attic.NodeID.String()}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"kitchen", kitchen.NodeID.String(), "kitchen:7447"}, strings.Fields(lines[1]))

	code, out, _ = h.run("nodes", "remove", "kitchen")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "removed kitchen from ")
	code, out, _ = h.run("nodes", "remove", "kitchen")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "no alias named kitchen")

	code, out, _ = h.run("nodes", "list")
	require.Equal(t, 0, code)
	assert.NotContains(t, out, "kitchen")
}

func TestNodesAddRejectsGarbage(t *testing.T) {
	h := newHarness(t)
	code, _, errOut := h.run("nodes", "add", "x", "munin://not-base64!")
	assert.Equal(t, 1, code)
	assert.NotEmpty(t, errOut)
}

func TestInfoFansOutToAllAliases(t *testing.T) {
	h := newHarness(t)
	self := h.self()
	kitchen := h.daemon("kitchen:7447", "kitchen-pc", self)
	attic := h.daemon("attic:7447", "attic-pc") // does not know us

	require.Equal(t, 0, first(h.run("nodes", "add", "kitchen", kitchen.String())))
	require.Equal(t, 0, first(h.run("nodes", "add", "attic", attic.String())))

	code, out, errOut := h.run("info")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "Hostname: kitchen-pc")
	assert.Contains(t, out, "munind allow-remote "+self.String())
	assert.Contains(t, errOut, "1 of 2 targets failed")
	// table order
	assert.Less(t, strings.Index(out, "== attic"), strings.Index(out, "== kitchen"))
}

func TestRequestsToOneTarget(t *testing.T) {
	h := newHarness(t)
	self := h.self()
	tk := h.daemon("den:7447", "den", self)
	require.Equal(t, 0, first(h.run("nodes", "add", "den", tk.String())))

	code, out, errOut := h.run("ps", "den")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "PID")
	assert.Contains(t, out, "munind")

	code, out, _ = h.run("kill", "den", "9999")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "failed: not_found")

	code, out, errOut = h.run("play", "alarm", tk.String())
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "OK")

	code, out, _ = h.run("shutdown", tk.NodeID.String())
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "not_implemented")
}

func TestUnresolvedTargetFailsWithoutStoppingOthers(t *testing.T) {
	h := newHarness(t)
	tk := h.daemon("den:7447", "den", h.self())

	code, out, errOut := h.run("info", "nobody", tk.String())
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "Hostname: den")
	assert.Contains(t, out, "nobody")
	assert.Contains(t, errOut, "1 of 2 targets failed")
}

func TestArgumentErrors(t *testing.T) {
	h := newHarness(t)

	code, _, errOut := h.run("info")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "no targets")

	code, _, errOut = h.run("kill", "den", "not-a-pid")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "invalid pid")

	code, _, _ = h.run("play", "kazoo")
	assert.Equal(t, 1, code)

	code, _, _ = h.run("kill", "den")
	assert.Equal(t, 1, code)
}

func first(code int, _, _ string) int {
	return code
}
