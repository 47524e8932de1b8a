package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"munin/internal/identity"
)

func nodesCmd() *cobra.Command {
	nodes := &cobra.Command{
		Use:   "nodes",
		Short: "Manage node aliases",
	}
	nodes.AddCommand(
		&cobra.Command{
			Use:     "add <name> <node-id|ticket>",
			Aliases: []string{"add-node"},
			Short:   "Name a node; a ticket also records where to reach it",
			Args:    cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, addrs, err := identity.ParseIDOrTicket(args[1])
				if err != nil {
					return err
				}
				_, c, _, err := loadClient(cmd)
				if err != nil {
					return err
				}
				if err := c.Nodes.Add(args[0], id); err != nil {
					return err
				}
				c.Addresses.Merge(id, addrs...)
				if err := c.Save(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added %s -> %s\n", args[0], id)
				return nil
			},
		},
		&cobra.Command{
			Use:     "remove <name>",
			Aliases: []string{"rm", "remove-node"},
			Short:   "Forget a node alias",
			Args:    cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				_, c, _, err := loadClient(cmd)
				if err != nil {
					return err
				}
				if !c.Forget(args[0]) {
					fmt.Fprintf(cmd.OutOrStdout(), "no alias named %s\n", args[0])
					return nil
				}
				if err := c.Save(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s from %s\n", args[0], c.Path())
				return nil
			},
		},
		&cobra.Command{
			Use:     "list",
			Aliases: []string{"ls", "list-nodes"},
			Short:   "List node aliases",
			Args:    cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				_, c, _, err := loadClient(cmd)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				for _, a := range c.Nodes.Entries() {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", a.Name, a.ID, strings.Join(c.Addresses.Lookup(a.ID), ","))
				}
				return tw.Flush()
			},
		},
	)
	return nodes
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print this client's node id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, c, _, err := loadClient(cmd)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "I am %s\n", c.Secret.Public())
			return nil
		},
	}
}
