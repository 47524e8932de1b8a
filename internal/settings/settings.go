// Package settings resolves the runtime knobs of both binaries from
// command-line flags and MUNIN_* environment variables. Flags win over the
// environment, which wins over defaults. Persisted identity and trust state
// lives in package config, not here.
package settings

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"munin/internal/client"
	"munin/internal/logging"
	"munin/internal/server"
)

const EnvPrefix = "MUNIN"

const DefaultListen = "0.0.0.0:7447"

// Common holds the knobs shared by every command.
type Common struct {
	Config    string `mapstructure:"config"`
	LogLevel  string `mapstructure:"log-level"`
	LogFormat string `mapstructure:"log-format"`
}

// Logging converts the log knobs into logging options.
func (c Common) Logging() (logging.Options, error) {
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return logging.Options{}, err
	}
	switch c.LogFormat {
	case logging.FormatText, logging.FormatJSON:
	default:
		return logging.Options{}, fmt.Errorf("invalid log-format %q (want %s or %s)", c.LogFormat, logging.FormatText, logging.FormatJSON)
	}
	return logging.Options{Level: c.LogLevel, Format: c.LogFormat}, nil
}

type Daemon struct {
	Common `mapstructure:",squash"`

	Listen string `mapstructure:"listen"`
	// Advertise lists the addresses put in the ticket; derived from Listen
	// when empty.
	Advertise []string `mapstructure:"advertise"`
	// AllowedNodes is a comma separated list of node ids added to the allow
	// list at start-up.
	AllowedNodes string `mapstructure:"allowed-nodes"`

	HandshakeTimeout time.Duration `mapstructure:"handshake-timeout"`
	DispatchTimeout  time.Duration `mapstructure:"dispatch-timeout"`
	LingerTimeout    time.Duration `mapstructure:"linger-timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle-timeout"`

	ConnRate      float64 `mapstructure:"conn-rate"`
	ConnBurst     int     `mapstructure:"conn-burst"`
	MaxConnsPerIP int     `mapstructure:"max-conns-per-ip"`

	MetricsAddr     string `mapstructure:"metrics-addr"`
	MetricsSnapshot string `mapstructure:"metrics-snapshot"`

	PprofAddr   string `mapstructure:"pprof-addr"`
	PprofPublic bool   `mapstructure:"pprof-public"`
}

type Client struct {
	Common `mapstructure:",squash"`

	Concurrency     int           `mapstructure:"concurrency"`
	ExchangeTimeout time.Duration `mapstructure:"timeout"`
}

// CommonFlags registers the shared flags; intended for a root command's
// persistent flag set.
func CommonFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path of the config file (default under $MUNIN_DATA_DIR or ~/.munin)")
	fs.String("log-level", "info", "log level: debug, info, warn, error")
	fs.String("log-format", logging.FormatText, "log format: text or json")
}

func DaemonFlags(fs *pflag.FlagSet) {
	fs.String("listen", DefaultListen, "UDP address to accept connections on")
	fs.StringSlice("advertise", nil, "addresses to put in the ticket (default: derived from --listen)")
	fs.String("allowed-nodes", "", "comma separated node ids to allow in addition to the config file")
	fs.Duration("handshake-timeout", server.DefaultHandshakeTimeout, "deadline for authorizing a peer and reading its request")
	fs.Duration("dispatch-timeout", server.DefaultDispatchTimeout, "deadline for running an action")
	fs.Duration("linger-timeout", server.DefaultLingerTimeout, "deadline for delivering a response")
	fs.Duration("idle-timeout", 30*time.Second, "transport idle timeout")
	fs.Float64("conn-rate", 0, "accepted connections per second, 0 for unlimited")
	fs.Int("conn-burst", 16, "burst allowance for --conn-rate")
	fs.Int("max-conns-per-ip", 32, "concurrent connections per remote IP, 0 for unlimited")
	fs.String("metrics-addr", "", "serve Prometheus metrics on this TCP address")
	fs.String("metrics-snapshot", "", "write a JSON metrics snapshot to this file on exit")
	fs.String("pprof-addr", "", "serve runtime profiles on this TCP address (loopback only unless --pprof-public)")
	fs.Bool("pprof-public", false, "allow --pprof-addr to bind a non-loopback address")
}

func ClientFlags(fs *pflag.FlagSet) {
	fs.Int("concurrency", client.DefaultConcurrency, "targets contacted at the same time")
	fs.Duration("timeout", client.DefaultExchangeTimeout, "deadline per target, from connect to response")
}

// LoadCommon resolves only the shared knobs, for commands without their
// own flags.
func LoadCommon(fs *pflag.FlagSet) (Common, error) {
	var s Common
	if err := load(fs, &s); err != nil {
		return Common{}, err
	}
	if _, err := s.Logging(); err != nil {
		return Common{}, err
	}
	return s, nil
}

// LoadDaemon resolves daemon settings from fs and the environment.
func LoadDaemon(fs *pflag.FlagSet) (Daemon, error) {
	var s Daemon
	if err := load(fs, &s); err != nil {
		return Daemon{}, err
	}
	if _, err := s.Logging(); err != nil {
		return Daemon{}, err
	}
	for name, d := range map[string]time.Duration{
		"handshake-timeout": s.HandshakeTimeout,
		"dispatch-timeout":  s.DispatchTimeout,
		"linger-timeout":    s.LingerTimeout,
		"idle-timeout":      s.IdleTimeout,
	} {
		if d <= 0 {
			return Daemon{}, fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if s.Listen == "" {
		return Daemon{}, fmt.Errorf("listen address is required")
	}
	if s.ConnRate < 0 || s.ConnBurst < 0 || s.MaxConnsPerIP < 0 {
		return Daemon{}, fmt.Errorf("conn-rate, conn-burst and max-conns-per-ip must not be negative")
	}
	return s, nil
}

// LoadClient resolves client settings from fs and the environment.
func LoadClient(fs *pflag.FlagSet) (Client, error) {
	var s Client
	if err := load(fs, &s); err != nil {
		return Client{}, err
	}
	if _, err := s.Logging(); err != nil {
		return Client{}, err
	}
	if s.Concurrency <= 0 {
		return Client{}, fmt.Errorf("concurrency must be positive, got %d", s.Concurrency)
	}
	if s.ExchangeTimeout <= 0 {
		return Client{}, fmt.Errorf("timeout must be positive, got %s", s.ExchangeTimeout)
	}
	return s, nil
}

func load(fs *pflag.FlagSet, out any) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}
	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	return nil
}
