package settings

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"munin/internal/client"
	"munin/internal/server"
)

func daemonFlagSet(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("munind", pflag.ContinueOnError)
	CommonFlags(fs)
	DaemonFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func clientFlagSet(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("munin", pflag.ContinueOnError)
	CommonFlags(fs)
	ClientFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestDaemonDefaults(t *testing.T) {
	s, err := LoadDaemon(daemonFlagSet(t))
	require.NoError(t, err)

	assert.Equal(t, DefaultListen, s.Listen)
	assert.Equal(t, server.DefaultHandshakeTimeout, s.HandshakeTimeout)
	assert.Equal(t, server.DefaultDispatchTimeout, s.DispatchTimeout)
	assert.Equal(t, server.DefaultLingerTimeout, s.LingerTimeout)
	assert.Equal(t, 32, s.MaxConnsPerIP)
	assert.Zero(t, s.ConnRate)
	assert.Empty(t, s.Advertise)
	assert.Equal(t, "info", s.LogLevel)

	opts, err := s.Logging()
	require.NoError(t, err)
	assert.Equal(t, "info", opts.Level)
	assert.Equal(t, "text", opts.Format)
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("MUNIN_LISTEN", "127.0.0.1:9000")
	t.Setenv("MUNIN_DISPATCH_TIMEOUT", "3s")
	t.Setenv("MUNIN_CONN_RATE", "2.5")
	t.Setenv("MUNIN_ADVERTISE", "10.0.0.1:9000,example.org:9000")
	t.Setenv("MUNIN_ALLOWED_NODES", "abc,def")
	t.Setenv("MUNIN_LOG_FORMAT", "json")

	s, err := LoadDaemon(daemonFlagSet(t))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", s.Listen)
	assert.Equal(t, 3*time.Second, s.DispatchTimeout)
	assert.InDelta(t, 2.5, s.ConnRate, 1e-9)
	assert.Equal(t, []string{"10.0.0.1:9000", "example.org:9000"}, s.Advertise)
	assert.Equal(t, "abc,def", s.AllowedNodes)
	assert.Equal(t, "json", s.LogFormat)
}

func TestPprofSettingsFromEnvironment(t *testing.T) {
	s, err := LoadDaemon(daemonFlagSet(t))
	require.NoError(t, err)
	assert.Empty(t, s.PprofAddr)
	assert.False(t, s.PprofPublic)

	t.Setenv("MUNIN_PPROF_ADDR", "0.0.0.0:6060")
	t.Setenv("MUNIN_PPROF_PUBLIC", "true")
	s, err = LoadDaemon(daemonFlagSet(t))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:6060", s.PprofAddr)
	assert.True(t, s.PprofPublic)
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("MUNIN_LISTEN", "127.0.0.1:9000")
	s, err := LoadDaemon(daemonFlagSet(t, "--listen", "127.0.0.1:9100", "--handshake-timeout", "2s"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9100", s.Listen)
	assert.Equal(t, 2*time.Second, s.HandshakeTimeout)
}

func TestDaemonRejectsBadValues(t *testing.T) {
	cases := map[string][]string{
		"zero timeout":   {"--dispatch-timeout", "0s"},
		"bad level":      {"--log-level", "loud"},
		"bad format":     {"--log-format", "xml"},
		"negative burst": {"--conn-burst", "-1"},
		"empty listen":   {"--listen", ""},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadDaemon(daemonFlagSet(t, args...))
			assert.Error(t, err)
		})
	}
}

func TestClientSettings(t *testing.T) {
	s, err := LoadClient(clientFlagSet(t))
	require.NoError(t, err)
	assert.Equal(t, client.DefaultConcurrency, s.Concurrency)
	assert.Equal(t, client.DefaultExchangeTimeout, s.ExchangeTimeout)

	t.Setenv("MUNIN_TIMEOUT", "5s")
	s, err = LoadClient(clientFlagSet(t, "--concurrency", "2", "--config", "/tmp/munin.toml"))
	require.NoError(t, err)
	assert.Equal(t, 2, s.Concurrency)
	assert.Equal(t, 5*time.Second, s.ExchangeTimeout)
	assert.Equal(t, "/tmp/munin.toml", s.Config)

	_, err = LoadClient(clientFlagSet(t, "--concurrency", "0"))
	assert.Error(t, err)
}
