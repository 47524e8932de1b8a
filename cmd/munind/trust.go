package main

import (
	"fmt"
	"net"

	"github.com/spf13/cobra"

	"munin/internal/config"
	"munin/internal/identity"
	"munin/internal/settings"
)

func newAllowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "allow-remote <node-id|ticket>...",
		Short: "Allow nodes to send requests to this daemon",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			d, err := loadDaemon(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			changed := false
			for _, id := range ids {
				if d.Allowed.Add(id) {
					changed = true
					fmt.Fprintf(out, "allowed %s\n", id)
				} else {
					fmt.Fprintf(out, "%s is already allowed\n", id)
				}
			}
			if !changed {
				return nil
			}
			if err := d.Save(); err != nil {
				return err
			}
			fmt.Fprintf(out, "saved %s; a running munind picks this up on SIGHUP or restart\n", d.Path())
			return nil
		},
	}
}

func newDisallowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disallow-remote <node-id|ticket>...",
		Short: "Stop accepting requests from nodes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			d, err := loadDaemon(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			changed := false
			for _, id := range ids {
				if d.Allowed.Remove(id) {
					changed = true
					fmt.Fprintf(out, "disallowed %s\n", id)
				} else {
					fmt.Fprintf(out, "%s was not allowed\n", id)
				}
			}
			if !changed {
				return nil
			}
			return d.Save()
		},
	}
}

func newAllowedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "allowed",
		Short: "List the nodes allowed to send requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := loadDaemon(cmd)
			if err != nil {
				return err
			}
			ids := d.Allowed.Snapshot().IDs()
			out := cmd.OutOrStdout()
			if len(ids) == 0 {
				fmt.Fprintln(out, "no nodes allowed; add one with: munind allow-remote <node-id>")
				return nil
			}
			for _, id := range ids {
				fmt.Fprintln(out, id)
			}
			return nil
		},
	}
}

func newTicketCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ticket",
		Short: "Print this node's id and a ticket for reaching it",
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
			d, _, err := config.LoadOrCreateDaemon(path, log)
			if err != nil {
				return err
			}
			printIdentity(cmd.OutOrStdout(), d.Secret.Public(), advertiseAddrs(s, nil))
			return nil
		},
	}
	settings.DaemonFlags(cmd.Flags())
	return cmd
}

func parseIDs(args []string) ([]identity.NodeID, error) {
	ids := make([]identity.NodeID, 0, len(args))
	for _, a := range args {
		id, _, err := identity.ParseIDOrTicket(a)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", a, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// advertiseAddrs picks the addresses put in the ticket: the configured
// ones, the listen host when it is specific, or every non-loopback
// interface address for a wildcard listen. bound, when known, supplies the
// actual port.
func advertiseAddrs(s settings.Daemon, bound net.Addr) []string {
	if len(s.Advertise) > 0 {
		return s.Advertise
	}
	host, port, err := net.SplitHostPort(s.Listen)
	if err != nil {
		return nil
	}
	if udp, ok := bound.(*net.UDPAddr); ok && udp != nil {
		port = fmt.Sprint(udp.Port)
	}
	if ip := net.ParseIP(host); host != "" && (ip == nil || !ip.IsUnspecified()) {
		return []string{net.JoinHostPort(host, port)}
	}
	var out []string
	ifaddrs, _ := net.InterfaceAddrs()
	for _, a := range ifaddrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipnet.IP
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsMulticast() {
			continue
		}
		out = append(out, net.JoinHostPort(ip.String(), port))
	}
	if len(out) == 0 {
		out = append(out, net.JoinHostPort("127.0.0.1", port))
	}
	return out
}
