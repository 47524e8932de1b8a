// Package actions executes decoded requests against the local host.
package actions

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"munin/internal/audio"
	"munin/internal/logging"
	"munin/internal/proto"
)

// OS is the slice of the host the handlers act on. Implementations report
// a missing process with fs.ErrNotExist and a refusal with fs.ErrPermission.
type OS interface {
	Processes(ctx context.Context) ([]proto.Process, error)
	Kill(ctx context.Context, pid uint32) error
	Hostname() (string, error)
	Uptime(ctx context.Context) (time.Duration, error)
}

// Player plays a built-in clip and returns once playback ends.
type Player interface {
	Play(ctx context.Context, clip audio.Clip) error
}

type Handlers struct {
	os      OS
	player  Player
	log     *slog.Logger
	selfPID uint32
}

func New(host OS, player Player, log *slog.Logger) *Handlers {
	if log == nil {
		log = logging.For("actions")
	}
	return &Handlers{os: host, player: player, log: log, selfPID: uint32(os.Getpid())}
}

// Handle never fails at the protocol level: action failures come back as a
// Status response.
func (h *Handlers) Handle(ctx context.Context, req proto.Request) proto.Response {
	resp, err := h.handle(ctx, req)
	if err != nil {
		return proto.FailureResponse(toOperationError(err))
	}
	return resp
}

func (h *Handlers) handle(ctx context.Context, req proto.Request) (proto.Response, error) {
	switch req.Kind {
	case proto.KindListProcesses:
		return h.listProcesses(ctx), nil
	case proto.KindKillProcess:
		return h.killProcess(ctx, req.PID)
	case proto.KindGetSystemInfo:
		return h.systemInfo(ctx)
	case proto.KindPlayAudio:
		return h.playAudio(ctx, req.Audio)
	case proto.KindShutdown:
		h.log.Info("shutdown requested")
		return proto.Response{}, proto.NewOperationError(proto.ErrKindNotImplemented, "shutdown is not supported")
	default:
		return proto.Response{}, proto.NewOperationError(proto.ErrKindInvalidArgument, "unknown request %s", req.Kind)
	}
}

func (h *Handlers) listProcesses(ctx context.Context) proto.Response {
	procs, err := h.os.Processes(ctx)
	if err != nil {
		h.log.Warn("enumerating processes failed", "err", err)
		procs = nil
	}
	if procs == nil {
		procs = []proto.Process{}
	}
	return proto.ProcessListResponse(procs)
}

func (h *Handlers) killProcess(ctx context.Context, pid uint32) (proto.Response, error) {
	switch pid {
	case 0:
		// signalling pid 0 would hit the daemon's whole process group
		return proto.Response{}, proto.NewOperationError(proto.ErrKindInvalidArgument, "pid 0 is not a process")
	case h.selfPID:
		return proto.Response{}, proto.NewOperationError(proto.ErrKindInvalidArgument, "refusing to kill the daemon itself")
	}
	if err := h.os.Kill(ctx, pid); err != nil {
		h.log.Info("kill failed", "pid", pid, "err", err)
		return proto.Response{}, err
	}
	h.log.Info("killed process", "pid", pid)
	return proto.OKResponse(), nil
}

func (h *Handlers) systemInfo(ctx context.Context) (proto.Response, error) {
	hostname, err := h.os.Hostname()
	if err != nil {
		return proto.Response{}, proto.NewOperationError(proto.ErrKindUnavailable, "hostname: %v", err)
	}
	uptime, err := h.os.Uptime(ctx)
	if err != nil {
		return proto.Response{}, proto.NewOperationError(proto.ErrKindUnavailable, "uptime: %v", err)
	}
	return proto.SystemInfoResponse(proto.SystemInfo{Hostname: hostname, Uptime: uptime}), nil
}

func (h *Handlers) playAudio(ctx context.Context, src proto.AudioSource) (proto.Response, error) {
	var clip audio.Clip
	switch src.Kind {
	case proto.AudioWakeUp:
		clip = audio.ClipWakeUp
	case proto.AudioAlarm:
		clip = audio.ClipAlarm
	case proto.AudioRickRoll:
		clip = audio.ClipRickRoll
	case proto.AudioURL:
		return proto.Response{}, proto.NewOperationError(proto.ErrKindNotImplemented, "playing audio from a url is not supported")
	default:
		return proto.Response{}, proto.NewOperationError(proto.ErrKindInvalidArgument, "unknown audio source %s", src)
	}
	if h.player == nil {
		return proto.Response{}, audio.ErrNoDevice
	}
	h.log.Info("playing", "clip", clip.String())
	if err := h.player.Play(ctx, clip); err != nil {
		return proto.Response{}, err
	}
	return proto.OKResponse(), nil
}

func toOperationError(err error) *proto.OperationError {
	var opErr *proto.OperationError
	switch {
	case errors.As(err, &opErr):
		return opErr
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, os.ErrProcessDone):
		return &proto.OperationError{Kind: proto.ErrKindNotFound, Message: err.Error()}
	case errors.Is(err, fs.ErrPermission):
		return &proto.OperationError{Kind: proto.ErrKindPermissionDenied, Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &proto.OperationError{Kind: proto.ErrKindTimeout, Message: err.Error()}
	case errors.Is(err, audio.ErrNoDevice):
		return &proto.OperationError{Kind: proto.ErrKindUnavailable, Message: err.Error()}
	default:
		return &proto.OperationError{Kind: proto.ErrKindUnknown, Message: err.Error()}
	}
}
