// Command munin sends requests to munind daemons and manages node aliases.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"munin/internal/config"
	"munin/internal/identity"
	"munin/internal/logging"
	"munin/internal/settings"
	"munin/internal/transport"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return execute(ctx, newApp(nil), args, stdout, stderr)
}

// errTargetsFailed marks a fan-out whose per-target report was already
// printed.
type errTargetsFailed struct {
	err   error
	total int
}

func (e *errTargetsFailed) Error() string {
	return fmt.Sprintf("%d of %d targets failed", len(multierr.Errors(e.err)), e.total)
}

func (e *errTargetsFailed) Unwrap() error {
	return e.err
}

func execute(ctx context.Context, a *app, args []string, stdout, stderr io.Writer) int {
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		var failed *errTargetsFailed
		if errors.As(err, &failed) {
			fmt.Fprintf(stderr, "munin: %s\n", failed.Error())
		} else {
			fmt.Fprintf(stderr, "munin: %v\n", err)
		}
		return 1
	}
	return 0
}

// app carries what the commands need from outside; tests swap the dialer.
type app struct {
	dialer func(identity.SecretKey) transport.Dialer
}

func newApp(dialer func(identity.SecretKey) transport.Dialer) *app {
	if dialer == nil {
		dialer = func(secret identity.SecretKey) transport.Dialer {
			return transport.NewQUICDialer(transport.QUICConfig{Secret: secret})
		}
	}
	return &app{dialer: dialer}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "munin",
		Short:         "Control munind daemons by node id, ticket or alias",
		Long:          "Control munind daemons by node id, ticket or alias.\nCommands that take targets send to every alias when none are given.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	settings.CommonFlags(root.PersistentFlags())
	settings.ClientFlags(root.PersistentFlags())
	root.AddCommand(
		a.psCmd(),
		a.killCmd(),
		a.infoCmd(),
		a.playCmd(),
		a.shutdownCmd(),
		nodesCmd(),
		whoamiCmd(),
	)
	return root
}

// loadClient resolves settings, installs the logger and loads (or creates)
// the client config.
func loadClient(cmd *cobra.Command) (settings.Client, *config.Client, *slog.Logger, error) {
	s, err := settings.LoadClient(cmd.Flags())
	if err != nil {
		return settings.Client{}, nil, nil, err
	}
	opts, err := s.Logging()
	if err != nil {
		return settings.Client{}, nil, nil, err
	}
	opts.Writer = cmd.ErrOrStderr()
	log, err := logging.Init(opts)
	if err != nil {
		return settings.Client{}, nil, nil, err
	}
	path := s.Config
	if path == "" {
		if path, err = config.DefaultPath(config.ComponentClient); err != nil {
			return settings.Client{}, nil, nil, err
		}
	}
	c, _, err := config.LoadOrCreateClient(path, log)
	if err != nil {
		return settings.Client{}, nil, nil, err
	}
	return s, c, log, nil
}
