package actions

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"munin/internal/audio"
	"munin/internal/logging"
	"munin/internal/proto"
)

type fakeOS struct {
	procs    []proto.Process
	procsErr error
	killed   []uint32
	live     map[uint32]bool
	denied   map[uint32]bool
	hostname string
	hostErr  error
	uptime   time.Duration
	upErr    error
}

func (f *fakeOS) Processes(context.Context) ([]proto.Process, error) {
	return f.procs, f.procsErr
}

func (f *fakeOS) Kill(_ context.Context, pid uint32) error {
	if f.denied[pid] {
		return fmt.Errorf("process %d: %w", pid, fs.ErrPermission)
	}
	if !f.live[pid] {
		return fmt.Errorf("process %d: %w", pid, fs.ErrNotExist)
	}
	f.killed = append(f.killed, pid)
	delete(f.live, pid)
	return nil
}

func (f *fakeOS) Hostname() (string, error) {
	return f.hostname, f.hostErr
}

func (f *fakeOS) Uptime(context.Context) (time.Duration, error) {
	return f.uptime, f.upErr
}

type fakePlayer struct {
	played []audio.Clip
	block  bool
	err    error
}

func (p *fakePlayer) Play(ctx context.Context, clip audio.Clip) error {
	if p.block {
		<-ctx.Done()
		return ctx.Err()
	}
	p.played = append(p.played, clip)
	return p.err
}

func newHandlers(host OS, player Player) *Handlers {
	return New(host, player, logging.Discard())
}

func requireFailure(t *testing.T, resp proto.Response, kind proto.ErrorKind) {
	t.Helper()
	require.Equal(t, proto.KindStatus, resp.Kind)
	require.False(t, resp.Status.OK)
	require.NotNil(t, resp.Status.Err)
	assert.Equal(t, kind, resp.Status.Err.Kind, resp.Status.String())
}

func TestListProcesses(t *testing.T) {
	host := &fakeOS{procs: []proto.Process{{PID: 1, Name: "init"}, {PID: 42, Name: "sshd"}}}
	resp := newHandlers(host, nil).Handle(context.Background(), proto.ListProcesses())

	require.Equal(t, proto.KindProcessList, resp.Kind)
	assert.Equal(t, host.procs, resp.Processes)
}

func TestListProcessesNeverFails(t *testing.T) {
	host := &fakeOS{procsErr: errors.New("proc unreadable")}
	resp := newHandlers(host, nil).Handle(context.Background(), proto.ListProcesses())

	require.Equal(t, proto.KindProcessList, resp.Kind)
	assert.NotNil(t, resp.Processes)
	assert.Empty(t, resp.Processes)
}

func TestKillProcess(t *testing.T) {
	host := &fakeOS{live: map[uint32]bool{1234: true}, denied: map[uint32]bool{77: true}}
	h := newHandlers(host, nil)
	ctx := context.Background()

	resp := h.Handle(ctx, proto.KillProcess(1234))
	assert.Equal(t, proto.OKResponse(), resp)
	assert.Equal(t, []uint32{1234}, host.killed)

	requireFailure(t, h.Handle(ctx, proto.KillProcess(9999)), proto.ErrKindNotFound)
	requireFailure(t, h.Handle(ctx, proto.KillProcess(1234)), proto.ErrKindNotFound)
	requireFailure(t, h.Handle(ctx, proto.KillProcess(77)), proto.ErrKindPermissionDenied)
}

func TestKillProcessRefusesSpecialPIDs(t *testing.T) {
	self := uint32(os.Getpid())
	host := &fakeOS{live: map[uint32]bool{0: true, self: true}}
	h := newHandlers(host, nil)

	requireFailure(t, h.Handle(context.Background(), proto.KillProcess(0)), proto.ErrKindInvalidArgument)
	requireFailure(t, h.Handle(context.Background(), proto.KillProcess(self)), proto.ErrKindInvalidArgument)
	assert.Empty(t, host.killed)
}

func TestGetSystemInfo(t *testing.T) {
	host := &fakeOS{hostname: "kitchen-pc", uptime: 90 * time.Minute}
	resp := newHandlers(host, nil).Handle(context.Background(), proto.GetSystemInfo())

	require.Equal(t, proto.KindSystemInfo, resp.Kind)
	assert.Equal(t, proto.SystemInfo{Hostname: "kitchen-pc", Uptime: 90 * time.Minute}, resp.SystemInfo)
}

func TestGetSystemInfoUnavailable(t *testing.T) {
	ctx := context.Background()
	host := &fakeOS{hostErr: errors.New("no hostname")}
	requireFailure(t, newHandlers(host, nil).Handle(ctx, proto.GetSystemInfo()), proto.ErrKindUnavailable)

	host = &fakeOS{hostname: "x", upErr: errors.New("no uptime")}
	requireFailure(t, newHandlers(host, nil).Handle(ctx, proto.GetSystemInfo()), proto.ErrKindUnavailable)
}

func TestPlayAudioBuiltins(t *testing.T) {
	player := &fakePlayer{}
	h := newHandlers(&fakeOS{}, player)
	ctx := context.Background()

	for _, kind := range []proto.AudioKind{proto.AudioWakeUp, proto.AudioAlarm, proto.AudioRickRoll} {
		resp := h.Handle(ctx, proto.PlayAudio(proto.AudioSource{Kind: kind}))
		assert.Equal(t, proto.OKResponse(), resp)
	}
	assert.Equal(t, []audio.Clip{audio.ClipWakeUp, audio.ClipAlarm, audio.ClipRickRoll}, player.played)
}

func TestPlayAudioURLNotImplemented(t *testing.T) {
	player := &fakePlayer{}
	h := newHandlers(&fakeOS{}, player)
	src := proto.AudioSource{Kind: proto.AudioURL, URL: "https://example.com/song.mp3"}

	requireFailure(t, h.Handle(context.Background(), proto.PlayAudio(src)), proto.ErrKindNotImplemented)
	assert.Empty(t, player.played)
}

func TestPlayAudioDeviceErrors(t *testing.T) {
	ctx := context.Background()
	req := proto.PlayAudio(proto.AudioSource{Kind: proto.AudioAlarm})

	requireFailure(t, newHandlers(&fakeOS{}, nil).Handle(ctx, req), proto.ErrKindUnavailable)

	player := &fakePlayer{err: fmt.Errorf("%w: alsa", audio.ErrNoDevice)}
	requireFailure(t, newHandlers(&fakeOS{}, player).Handle(ctx, req), proto.ErrKindUnavailable)
}

func TestPlayAudioRespectsContext(t *testing.T) {
	h := newHandlers(&fakeOS{}, &fakePlayer{block: true})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	resp := h.Handle(ctx, proto.PlayAudio(proto.AudioSource{Kind: proto.AudioWakeUp}))
	requireFailure(t, resp, proto.ErrKindTimeout)
}

func TestShutdownNotImplemented(t *testing.T) {
	requireFailure(t, newHandlers(&fakeOS{}, nil).Handle(context.Background(), proto.Shutdown()), proto.ErrKindNotImplemented)
}

func TestUnknownRequestKind(t *testing.T) {
	resp := newHandlers(&fakeOS{}, nil).Handle(context.Background(), proto.Request{Kind: 99})
	requireFailure(t, resp, proto.ErrKindInvalidArgument)
}

func TestToOperationErrorKeepsStructuredErrors(t *testing.T) {
	orig := proto.NewOperationError(proto.ErrKindUnavailable, "busy")
	assert.Same(t, orig, toOperationError(fmt.Errorf("wrapped: %w", orig)))
	assert.Equal(t, proto.ErrKindUnknown, toOperationError(errors.New("odd")).Kind)
}
