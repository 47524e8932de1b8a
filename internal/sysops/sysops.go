// Package sysops is the host implementation behind the action handlers,
// backed by gopsutil.
package sysops

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/process"

	"munin/internal/proto"
)

// Host satisfies actions.OS.
type Host struct{}

func New() *Host {
	return &Host{}
}

// Processes lists running processes in the order gopsutil enumerates them.
// A process whose name cannot be read (exited meanwhile, or owned by
// another user on some platforms) is kept with an empty name.
func (h *Host) Processes(ctx context.Context) ([]proto.Process, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	out := make([]proto.Process, 0, len(procs))
	for _, p := range procs {
		if p.Pid < 0 {
			continue
		}
		name, _ := p.NameWithContext(ctx)
		out = append(out, proto.Process{PID: uint32(p.Pid), Name: name})
	}
	return out, nil
}

// Kill terminates pid forcibly (SIGKILL on unix, TerminateProcess on
// windows).
func (h *Host) Kill(ctx context.Context, pid uint32) error {
	if pid > math.MaxInt32 {
		return fmt.Errorf("process %d: %w", pid, fs.ErrNotExist)
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return classify(pid, err)
	}
	if err := p.KillWithContext(ctx); err != nil {
		return classify(pid, err)
	}
	return nil
}

func (h *Host) Hostname() (string, error) {
	return os.Hostname()
}

func (h *Host) Uptime(ctx context.Context) (time.Duration, error) {
	secs, err := host.UptimeWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("uptime: %w", err)
	}
	return time.Duration(secs) * time.Second, nil
}

// classify folds platform errors into fs.ErrNotExist / fs.ErrPermission.
func classify(pid uint32, err error) error {
	switch {
	case errors.Is(err, process.ErrorProcessNotRunning),
		errors.Is(err, os.ErrProcessDone),
		errors.Is(err, syscall.ESRCH):
		return fmt.Errorf("process %d: %w", pid, fs.ErrNotExist)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("process %d: %w", pid, fs.ErrPermission)
	default:
		return fmt.Errorf("process %d: %w", pid, err)
	}
}
