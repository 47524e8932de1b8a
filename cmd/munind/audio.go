package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"munin/internal/audio"
	"munin/internal/settings"
)

func newTestAudioCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test-audio [wakeup|alarm|rickroll]",
		Short: "Play a built-in clip on this machine",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := "rickroll"
			if len(args) == 1 {
				name = args[0]
			}
			clip, err := audio.ParseClip(name)
			if err != nil {
				return err
			}
			common, err := settings.LoadCommon(cmd.Flags())
			if err != nil {
				return err
			}
			if _, _, err := setup(cmd, common); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "playing %s (%s)\n", clip, clip.Duration().Round(100*time.Millisecond))
			return audio.NewPlayer().Play(cmd.Context(), clip)
		},
	}
}
