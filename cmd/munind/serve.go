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
	"golang.org/x/sync/errgroup"

	"munin/internal/actions"
	"munin/internal/audio"
	"munin/internal/config"
	"munin/internal/identity"
	"munin/internal/logging"
	"munin/internal/metrics"
	"munin/internal/pprofutil"
	"munin/internal/server"
	"munin/internal/settings"
	"munin/internal/sysops"
	"munin/internal/transport"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Accept requests until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := settings.LoadDaemon(cmd.Flags())
			if err != nil {
				return err
			}
			log, path, err := setup(cmd, s.Common)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cmd.OutOrStdout(), s, path, log)
		},
	}
	settings.DaemonFlags(cmd.Flags())
	return cmd
}

func serve(ctx context.Context, out io.Writer, s settings.Daemon, path string, log *slog.Logger) error {
	d, _, err := config.LoadOrCreateDaemon(path, log)
	if err != nil {
		return err
	}
	if err := seedAllowed(d, s.AllowedNodes, log); err != nil {
		return err
	}
	if s.PprofAddr != "" && !s.PprofPublic && !pprofutil.Loopback(s.PprofAddr) {
		return fmt.Errorf("%w: %s", pprofutil.ErrPublicAddr, s.PprofAddr)
	}

	ln, err := transport.ListenQUIC(s.Listen, transport.QUICConfig{Secret: d.Secret, MaxIdleTimeout: s.IdleTimeout})
	if err != nil {
		return err
	}
	defer ln.Close()

	self := d.Secret.Public()
	printIdentity(out, self, advertiseAddrs(s, ln.Addr()))
	if d.Allowed.Len() == 0 {
		log.Warn("allow list is empty; every connection will be rejected", "hint", "munind allow-remote <node-id>")
	}

	m := metrics.New()
	handlers := actions.New(sysops.New(), audio.NewPlayer(), logging.For("actions"))
	srv := server.New(d.Allowed, handlers, server.Options{
		HandshakeTimeout: s.HandshakeTimeout,
		DispatchTimeout:  s.DispatchTimeout,
		LingerTimeout:    s.LingerTimeout,
		ConnRate:         s.ConnRate,
		ConnBurst:        s.ConnBurst,
		MaxConnsPerIP:    s.MaxConnsPerIP,
		Metrics:          m,
		Logger:           logging.For("server"),
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(ctx, ln)
	})
	if s.MetricsAddr != "" {
		g.Go(func() error {
			ready := make(chan string, 1)
			go func() {
				select {
				case addr := <-ready:
					log.Info("metrics listening", "url", "http://"+addr+"/metrics")
				case <-ctx.Done():
				}
			}()
			if err := metrics.Serve(ctx, s.MetricsAddr, m, ready); err != nil {
				return fmt.Errorf("metrics: %w", err)
			}
			return nil
		})
	}
	if s.PprofAddr != "" {
		g.Go(func() error {
			ready := make(chan string, 1)
			go func() {
				select {
				case addr := <-ready:
					log.Info("pprof enabled", "url", "http://"+addr+"/debug/pprof/")
				case <-ctx.Done():
				}
			}()
			if err := pprofutil.Serve(ctx, s.PprofAddr, s.PprofPublic, ready); err != nil {
				return fmt.Errorf("pprof: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		reloadOnHangup(ctx, d, log)
		return nil
	})
	err = g.Wait()

	if s.MetricsSnapshot != "" {
		if werr := m.WriteSnapshot(s.MetricsSnapshot); werr != nil {
			log.Error("writing metrics snapshot failed", "err", werr)
		}
	}
	log.Info("stopped", "node", self.ShortString())
	return err
}

func printIdentity(out io.Writer, self identity.NodeID, addrs []string) {
	fmt.Fprintf(out, "I am %s\n", self)
	fmt.Fprintf(out, "Ticket: %s\n", identity.NewTicket(self, addrs))
}

// seedAllowed adds the ids from MUNIN_ALLOWED_NODES / --allowed-nodes to the
// allow list and persists them. A malformed entry aborts start-up.
func seedAllowed(d *config.Daemon, list string, log *slog.Logger) error {
	ids, err := config.ParseNodeList(list)
	if err != nil {
		return fmt.Errorf("allowed nodes: %w", err)
	}
	changed := false
	for _, id := range ids {
		if d.Allowed.Add(id) {
			changed = true
			log.Info("allowed node from environment", "node", id.String())
		}
	}
	if !changed {
		return nil
	}
	return d.Save()
}

// reloadOnHangup re-reads the allow list from disk on SIGHUP, so
// allow-remote takes effect without a restart.
func reloadOnHangup(ctx context.Context, d *config.Daemon, log *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := d.Reload(); err != nil {
				log.Error("reloading allow list failed", "err", err)
				continue
			}
			log.Info("reloaded allow list", "allowed", d.Allowed.Len())
		}
	}
}
