// Package logging builds the process-wide slog logger and hands out
// per-subsystem children.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

// DebugEnv forces debug level when set to "1".
const DebugEnv = "MUNIN_DEBUG"

const (
	FormatText = "text"
	FormatJSON = "json"
)

type Options struct {
	Level     string
	Format    string
	AddSource bool
	NoColor   bool
	// Writer defaults to stderr so command output on stdout stays clean.
	Writer io.Writer
}

// ParseLevel accepts debug, info, warn and error (case-insensitive). An
// empty string means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("invalid log level %q (want debug, info, warn or error)", s)
}

// New builds a logger from opts. MUNIN_DEBUG=1 overrides the level.
func New(opts Options) (*slog.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	if os.Getenv(DebugEnv) == "1" {
		level = slog.LevelDebug
	}
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	var h slog.Handler
	switch strings.ToLower(opts.Format) {
	case "", FormatText:
		h = tint.NewHandler(w, &tint.Options{
			Level:      level,
			AddSource:  opts.AddSource,
			TimeFormat: time.TimeOnly,
			NoColor:    opts.NoColor || !isTerminal(w),
		})
	case FormatJSON:
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level, AddSource: opts.AddSource})
	default:
		return nil, fmt.Errorf("invalid log format %q (want text or json)", opts.Format)
	}
	return slog.New(h), nil
}

// Init builds a logger and installs it as the slog default.
func Init(opts Options) (*slog.Logger, error) {
	l, err := New(opts)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(l)
	return l, nil
}

// For returns a child of the default logger tagged with subsystem.
func For(subsystem string) *slog.Logger {
	return slog.Default().With("subsystem", subsystem)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// Sampler lets through at most one event per key per interval. It keeps
// floods of identical warnings (for example one peer reconnecting in a
// loop) out of the log.
type Sampler struct {
	interval time.Duration
	now      func() time.Time

	mu    sync.Mutex
	last  map[string]time.Time
	sweep time.Time
}

func NewSampler(interval time.Duration) *Sampler {
	return &Sampler{interval: interval, now: time.Now, last: make(map[string]time.Time)}
}

// Allow reports whether an event for key should be logged now.
func (s *Sampler) Allow(key string) bool {
	if s == nil || s.interval <= 0 {
		return true
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.last[key]; ok && now.Sub(last) < s.interval {
		return false
	}
	s.last[key] = now
	if now.Sub(s.sweep) > 2*s.interval {
		for k, ts := range s.last {
			if now.Sub(ts) > 4*s.interval {
				delete(s.last, k)
			}
		}
		s.sweep = now
	}
	return true
}
