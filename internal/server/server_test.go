package server

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"munin/internal/config"
	"munin/internal/identity"
	"munin/internal/logging"
	"munin/internal/proto"
	"munin/internal/testutil"
	"munin/internal/transport"
)

const serverAddr = "daemon:4433"

type harness struct {
	t       *testing.T
	net     *transport.MemNetwork
	server  identity.NodeID
	allow   *config.AllowList
	srv     *Server
	cancel  context.CancelFunc
	stopped chan error
}

func startServer(t *testing.T, h Handler, opts Options) *harness {
	t.Helper()
	hs := &harness{t: t, net: transport.NewMemNetwork(), server: testutil.NewNodeID(t), allow: config.NewAllowList()}
	ln, err := hs.net.Listen(serverAddr, hs.server)
	require.NoError(t, err)
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = 2 * time.Second
	}
	if opts.LingerTimeout == 0 {
		opts.LingerTimeout = 2 * time.Second
	}
	hs.srv = New(hs.allow, h, opts)
	ctx, cancel := context.WithCancel(context.Background())
	hs.cancel = cancel
	hs.stopped = make(chan error, 1)
	go func() { hs.stopped <- hs.srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		_ = ln.Close()
		select {
		case <-hs.stopped:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return hs
}

// send performs one raw exchange from client, from the given host.
func (hs *harness) send(client identity.NodeID, host string, payload []byte) (proto.Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := hs.net.Dialer(client, host).Connect(ctx, hs.server, []string{serverAddr})
	if err != nil {
		return proto.Response{}, err
	}
	defer conn.Close(proto.CodeOK, "")
	s, err := conn.OpenStream(ctx)
	if err != nil {
		return proto.Response{}, err
	}
	if _, err := s.Write(payload); err != nil {
		return proto.Response{}, err
	}
	if err := s.CloseWrite(); err != nil {
		return proto.Response{}, err
	}
	return proto.ReadResponse(s)
}

func (hs *harness) request(client identity.NodeID, req proto.Request) (proto.Response, error) {
	data, err := proto.EncodeRequest(req)
	require.NoError(hs.t, err)
	return hs.send(client, "", data)
}

func requireClosed(t *testing.T, err error, code proto.CloseCode) {
	t.Helper()
	require.Error(t, err)
	ce, ok := transport.AsClosed(err)
	require.True(t, ok, "want close with %s, got %v", code, err)
	assert.Equal(t, code, ce.Code)
	assert.True(t, ce.Remote)
}

type countingHandler struct {
	calls atomic.Int32
	fn    func(ctx context.Context, req proto.Request) proto.Response
}

func (h *countingHandler) Handle(ctx context.Context, req proto.Request) proto.Response {
	h.calls.Add(1)
	if h.fn != nil {
		return h.fn(ctx, req)
	}
	return proto.ProcessListResponse([]proto.Process{{PID: 1, Name: "init"}})
}

func TestAuthorizedExchange(t *testing.T) {
	h := &countingHandler{}
	hs := startServer(t, h, Options{})
	client := testutil.NewNodeID(t)
	hs.allow.Add(client)

	resp, err := hs.request(client, proto.ListProcesses())
	require.NoError(t, err)
	assert.Equal(t, proto.ProcessListResponse([]proto.Process{{PID: 1, Name: "init"}}), resp)
	assert.EqualValues(t, 1, h.calls.Load())

	require.Eventually(t, func() bool {
		snap := hs.srv.Metrics().Snapshot()
		return len(snap.Recent) == 1 && snap.Recent[0].Outcome == "ok"
	}, 2*time.Second, 10*time.Millisecond)
	snap := hs.srv.Metrics().Snapshot()
	assert.Equal(t, "list_processes", snap.Recent[0].Request)
	assert.EqualValues(t, 1, snap.Dispatched["list_processes"])
}

func TestUnauthorizedNodeIsRejected(t *testing.T) {
	h := &countingHandler{}
	hs := startServer(t, h, Options{})
	hs.allow.Add(testutil.NewNodeID(t))

	_, err := hs.request(testutil.NewNodeID(t), proto.KillProcess(1))
	requireClosed(t, err, proto.CodeUnauthorized)
	assert.Zero(t, h.calls.Load(), "handler must not run for unauthorized peers")
	require.Eventually(t, func() bool {
		return hs.srv.Metrics().Snapshot().Rejected["unauthorized"] == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEmptyAllowListRejectsEveryone(t *testing.T) {
	h := &countingHandler{}
	hs := startServer(t, h, Options{})
	_, err := hs.request(testutil.NewNodeID(t), proto.ListProcesses())
	requireClosed(t, err, proto.CodeUnauthorized)
	assert.Zero(t, h.calls.Load())
}

func TestAllowListChangesApplyToNewConnections(t *testing.T) {
	hs := startServer(t, &countingHandler{}, Options{})
	client := testutil.NewNodeID(t)

	_, err := hs.request(client, proto.ListProcesses())
	requireClosed(t, err, proto.CodeUnauthorized)

	hs.allow.Add(client)
	_, err = hs.request(client, proto.ListProcesses())
	require.NoError(t, err)

	hs.allow.Remove(client)
	_, err = hs.request(client, proto.ListProcesses())
	requireClosed(t, err, proto.CodeUnauthorized)
}

func TestSnapshotTakenAtAccept(t *testing.T) {
	allow := config.NewAllowList()
	client, server := testutil.NewNodeID(t), testutil.NewNodeID(t)
	allow.Add(client)
	snap := allow.Snapshot()
	allow.Remove(client)

	h := &countingHandler{}
	srv := New(allow, h, Options{Logger: logging.Discard(), LingerTimeout: time.Second})
	n := transport.NewMemNetwork()
	ln, err := n.Listen(serverAddr, server)
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept(context.Background())
		if err != nil {
			return
		}
		srv.handle(context.Background(), conn, snap)
	}()

	conn, err := n.Dialer(client, "").Connect(context.Background(), server, []string{serverAddr})
	require.NoError(t, err)
	s, err := conn.OpenStream(context.Background())
	require.NoError(t, err)
	require.NoError(t, proto.WriteRequest(s, proto.GetSystemInfo()))
	require.NoError(t, s.CloseWrite())
	_, err = proto.ReadResponse(s)
	require.NoError(t, err, "the snapshot in force at accept time authorizes the request")
	require.NoError(t, conn.Close(proto.CodeOK, ""))
	<-done
	assert.EqualValues(t, 1, h.calls.Load())
}

func TestDecodeFailureClosesConnection(t *testing.T) {
	h := &countingHandler{}
	hs := startServer(t, h, Options{})
	client := testutil.NewNodeID(t)
	hs.allow.Add(client)

	_, err := hs.send(client, "", []byte{0x08, 0x63})
	requireClosed(t, err, proto.CodeDecodeFailed)

	_, err = hs.send(client, "", []byte(strings.Repeat("x", proto.MaxRequestSize+1)))
	requireClosed(t, err, proto.CodeDecodeFailed)

	_, err = hs.send(client, "", nil)
	requireClosed(t, err, proto.CodeDecodeFailed)

	assert.Zero(t, h.calls.Load())
	require.Eventually(t, func() bool {
		return hs.srv.Metrics().Snapshot().Conns.DecodeFailures == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandshakeTimeout(t *testing.T) {
	h := &countingHandler{}
	hs := startServer(t, h, Options{HandshakeTimeout: 50 * time.Millisecond})
	client := testutil.NewNodeID(t)
	hs.allow.Add(client)

	conn, err := hs.net.Dialer(client, "").Connect(context.Background(), hs.server, []string{serverAddr})
	require.NoError(t, err)
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("server did not close idle connection")
	}
	_, err = conn.AcceptStream(context.Background())
	requireClosed(t, err, proto.CodeTimeout)
	assert.Zero(t, h.calls.Load())
}

func TestDispatchTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	h := &countingHandler{fn: func(ctx context.Context, req proto.Request) proto.Response {
		<-release
		return proto.OKResponse()
	}}
	hs := startServer(t, h, Options{DispatchTimeout: 50 * time.Millisecond})
	client := testutil.NewNodeID(t)
	hs.allow.Add(client)

	_, err := hs.request(client, proto.PlayAudio(proto.AudioSource{Kind: proto.AudioAlarm}))
	requireClosed(t, err, proto.CodeTimeout)
	require.Eventually(t, func() bool {
		return hs.srv.Metrics().Snapshot().Conns.Timeouts == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFailedActionIsStillAResponse(t *testing.T) {
	h := &countingHandler{fn: func(ctx context.Context, req proto.Request) proto.Response {
		return proto.FailureResponse(proto.NewOperationError(proto.ErrKindNotFound, "no process with pid %d", req.PID))
	}}
	hs := startServer(t, h, Options{})
	client := testutil.NewNodeID(t)
	hs.allow.Add(client)

	resp, err := hs.request(client, proto.KillProcess(9999))
	require.NoError(t, err)
	require.True(t, resp.Failed())
	assert.Equal(t, proto.ErrKindNotFound, resp.Status.Err.Kind)
	require.Eventually(t, func() bool {
		return hs.srv.Metrics().Snapshot().Conns.HandlerErrors == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOversizedResponseBecomesFailure(t *testing.T) {
	big := make([]proto.Process, 0, 40000)
	for i := 0; i < cap(big); i++ {
		big = append(big, proto.Process{PID: uint32(i), Name: strings.Repeat("p", 30)})
	}
	hs := startServer(t, &countingHandler{fn: func(context.Context, proto.Request) proto.Response {
		return proto.ProcessListResponse(big)
	}}, Options{})
	client := testutil.NewNodeID(t)
	hs.allow.Add(client)

	resp, err := hs.request(client, proto.ListProcesses())
	require.NoError(t, err)
	require.True(t, resp.Failed())
	assert.Equal(t, proto.ErrKindUnavailable, resp.Status.Err.Kind)
}

func TestHandlerPanicIsContained(t *testing.T) {
	hs := startServer(t, &countingHandler{fn: func(context.Context, proto.Request) proto.Response {
		panic("boom")
	}}, Options{})
	client := testutil.NewNodeID(t)
	hs.allow.Add(client)

	resp, err := hs.request(client, proto.Shutdown())
	require.NoError(t, err)
	assert.True(t, resp.Failed())

	resp, err = hs.request(client, proto.Shutdown())
	require.NoError(t, err, "server keeps serving after a panic")
	assert.True(t, resp.Failed())
}

func TestSlowConnectionDoesNotBlockOthers(t *testing.T) {
	release := make(chan struct{})
	h := &countingHandler{fn: func(ctx context.Context, req proto.Request) proto.Response {
		if req.Kind == proto.KindPlayAudio {
			<-release
		}
		return proto.OKResponse()
	}}
	hs := startServer(t, h, Options{})
	client := testutil.NewNodeID(t)
	hs.allow.Add(client)

	slow := make(chan error, 1)
	go func() {
		_, err := hs.request(client, proto.PlayAudio(proto.AudioSource{Kind: proto.AudioWakeUp}))
		slow <- err
	}()
	require.Eventually(t, func() bool { return h.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	resp, err := hs.request(client, proto.GetSystemInfo())
	require.NoError(t, err)
	assert.False(t, resp.Failed())

	close(release)
	require.NoError(t, <-slow)
}

func TestPerIPConnectionCap(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	h := &countingHandler{fn: func(ctx context.Context, req proto.Request) proto.Response {
		if req.Kind == proto.KindPlayAudio {
			entered <- struct{}{}
			<-release
		}
		return proto.OKResponse()
	}}
	hs := startServer(t, h, Options{MaxConnsPerIP: 1})
	client := testutil.NewNodeID(t)
	hs.allow.Add(client)

	held := make(chan error, 1)
	go func() {
		_, err := hs.request(client, proto.PlayAudio(proto.AudioSource{Kind: proto.AudioAlarm}))
		held <- err
	}()
	<-entered

	_, err := hs.send(client, "127.0.0.1", mustEncode(t, proto.GetSystemInfo()))
	requireClosed(t, err, proto.CodeRateLimited)

	_, err = hs.send(client, "10.1.2.3", mustEncode(t, proto.GetSystemInfo()))
	require.NoError(t, err, "other addresses are unaffected")

	close(release)
	require.NoError(t, <-held)
	require.Eventually(t, func() bool {
		_, err := hs.send(client, "127.0.0.1", mustEncode(t, proto.GetSystemInfo()))
		return err == nil
	}, 2*time.Second, 20*time.Millisecond, "slot is released when the connection ends")
}

func TestServeStopsOnCancel(t *testing.T) {
	n := transport.NewMemNetwork()
	ln, err := n.Listen(serverAddr, testutil.NewNodeID(t))
	require.NoError(t, err)
	defer ln.Close()
	srv := New(config.NewAllowList(), &countingHandler{}, Options{Logger: logging.Discard()})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return")
	}
}

func TestAdmission(t *testing.T) {
	a := newAdmission(0, 0, 1)
	rel, ok := a.admit("1.2.3.4")
	require.True(t, ok)
	_, ok = a.admit("1.2.3.4")
	assert.False(t, ok)
	_, ok = a.admit("2.3.4.5")
	assert.True(t, ok)
	rel()
	rel()
	_, ok = a.admit("1.2.3.4")
	assert.True(t, ok)

	burst := newAdmission(0.001, 2, 0)
	_, ok = burst.admit("x")
	assert.True(t, ok)
	_, ok = burst.admit("y")
	assert.True(t, ok)
	_, ok = burst.admit("z")
	assert.False(t, ok, "token bucket exhausted")
}

func mustEncode(t *testing.T, req proto.Request) []byte {
	t.Helper()
	data, err := proto.EncodeRequest(req)
	require.NoError(t, err)
	return data
}
