package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"munin/internal/client"
	"munin/internal/proto"
)

func (a *app) psCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "ps [target...]",
		Aliases: []string{"list-tasks"},
		Short:   "List processes on the targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.send(cmd, args, proto.ListProcesses())
		},
	}
}

func (a *app) killCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "kill <target> <pid>",
		Aliases: []string{"kill-task"},
		Short:   "Forcibly terminate a process on one target",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := strconv.ParseUint(args[1], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid pid %q", args[1])
			}
			return a.send(cmd, args[:1], proto.KillProcess(uint32(pid)))
		},
	}
}

func (a *app) infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "info [target...]",
		Aliases: []string{"system-info"},
		Short:   "Show hostname and uptime of the targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.send(cmd, args, proto.GetSystemInfo())
		},
	}
}

func (a *app) playCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "play <wakeup|alarm|rickroll|url> [target...]",
		Aliases: []string{"play-audio"},
		Short:   "Play a sound on the targets",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := proto.ParseAudioSource(args[0])
			if err != nil {
				return err
			}
			return a.send(cmd, args[1:], proto.PlayAudio(src))
		},
	}
}

func (a *app) shutdownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown [target...]",
		Short: "Ask the targets to shut down (daemons currently refuse)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.send(cmd, args, proto.Shutdown())
		},
	}
}

// send resolves specs, fans req out and prints one block per target. The
// command fails when any target failed, after every target was tried.
func (a *app) send(cmd *cobra.Command, specs []string, req proto.Request) error {
	s, c, log, err := loadClient(cmd)
	if err != nil {
		return err
	}
	targets := client.NewResolver(c.Nodes, c.Addresses).Resolve(specs)
	if len(targets) == 0 {
		return errors.New("no targets: pass node ids, tickets or aliases, or add aliases with `munin nodes add`")
	}
	d := client.NewDispatcher(a.dialer(c.Secret), client.Options{
		Concurrency:     s.Concurrency,
		ExchangeTimeout: s.ExchangeTimeout,
		Logger:          log.With("subsystem", "client"),
	})
	outcomes := d.Run(cmd.Context(), targets, req)
	if err := client.Report(cmd.OutOrStdout(), outcomes, c.Secret.Public()); err != nil {
		return &errTargetsFailed{err: err, total: len(outcomes)}
	}
	return nil
}
