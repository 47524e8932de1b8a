// Command munind is the daemon side of munin: it serves requests from
// allowed nodes and manages the local allow list.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"munin/internal/config"
	"munin/internal/logging"
	"munin/internal/settings"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return execute(ctx, args, stdout, stderr)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "munind: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "munind",
		Short:         "Serve munin requests from allowed nodes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	settings.CommonFlags(root.PersistentFlags())
	root.AddCommand(
		newRunCmd(),
		newAllowCmd(),
		newDisallowCmd(),
		newAllowedCmd(),
		newTicketCmd(),
		newTestAudioCmd(),
	)
	return root
}

// setup resolves the shared settings, installs the logger and returns the
// daemon config path.
func setup(cmd *cobra.Command, common settings.Common) (*slog.Logger, string, error) {
	opts, err := common.Logging()
	if err != nil {
		return nil, "", err
	}
	opts.Writer = cmd.ErrOrStderr()
	log, err := logging.Init(opts)
	if err != nil {
		return nil, "", err
	}
	path := common.Config
	if path == "" {
		if path, err = config.DefaultPath(config.ComponentDaemon); err != nil {
			return nil, "", err
		}
	}
	return log, path, nil
}

func loadDaemon(cmd *cobra.Command) (*config.Daemon, error) {
	common, err := settings.LoadCommon(cmd.Flags())
	if err != nil {
		return nil, err
	}
	log, path, err := setup(cmd, common)
	if err != nil {
		return nil, err
	}
	d, _, err := config.LoadOrCreateDaemon(path, log)
	return d, err
}
