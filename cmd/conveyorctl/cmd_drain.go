package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDrainCmd(configPath *string) *cobra.Command {
	var confirm bool

	cmd := &cobra.Command{
		Use:   "drain <agent>",
		Short: "Clear an agent's waiting queue",
		Long:  "Removes every not-yet-launched job from <agent>'s queue, marking each failed. Jobs already active are left running. Requires --confirm.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return fmt.Errorf("drain: refusing to drain %q without --confirm", args[0])
			}

			d, err := connect(*configPath)
			if err != nil {
				return err
			}
			defer d.close()

			if _, ok := d.cfg.Agents[args[0]]; !ok {
				return fmt.Errorf("drain: unknown agent %q", args[0])
			}

			count, err := d.tracker.DrainQueue(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("drain: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", highlight(fmt.Sprintf("drained %d waiting job(s) from %s", count, args[0])))
			return nil
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "required to actually drain the queue")
	return cmd
}
