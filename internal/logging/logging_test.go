package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"":      slog.LevelInfo,
		"DEBUG": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNewJSON(t *testing.T) {
	t.Setenv(DebugEnv, "")
	var buf bytes.Buffer
	l, err := New(Options{Level: "info", Format: FormatJSON, Writer: &buf})
	require.NoError(t, err)
	l.Debug("hidden")
	l.With("subsystem", "server").Info("accepted", "peer", "abc")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "accepted", rec["msg"])
	assert.Equal(t, "server", rec["subsystem"])
	assert.Equal(t, "abc", rec["peer"])
}

func TestDebugEnvOverridesLevel(t *testing.T) {
	t.Setenv(DebugEnv, "1")
	var buf bytes.Buffer
	l, err := New(Options{Level: "error", Format: FormatText, Writer: &buf})
	require.NoError(t, err)
	l.Debug("visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, err := New(Options{Format: "xml"})
	assert.Error(t, err)
}

func TestSampler(t *testing.T) {
	now := time.Unix(1000, 0)
	s := NewSampler(time.Second)
	s.now = func() time.Time { return now }

	assert.True(t, s.Allow("a"))
	assert.False(t, s.Allow("a"))
	assert.True(t, s.Allow("b"))

	now = now.Add(1500 * time.Millisecond)
	assert.True(t, s.Allow("a"))

	now = now.Add(10 * time.Second)
	assert.True(t, s.Allow("c"))
	s.mu.Lock()
	_, kept := s.last["b"]
	s.mu.Unlock()
	assert.False(t, kept, "stale keys are swept")

	var nilSampler *Sampler
	assert.True(t, nilSampler.Allow("x"))
}
