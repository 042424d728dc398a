package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"conveyor/pkg/hooks"
)

func newRetryCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <jobId>",
		Short: "Force an agent-level retry of a failed job",
		Long:  "Creates a new job cloned from <jobId>, bypassing the configured retry-attempt cap and firing immediately instead of on the usual backoff schedule.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := connect(*configPath)
			if err != nil {
				return err
			}
			defer d.close()

			retry, err := hooks.ForceRetry(cmd.Context(), &hooks.Handles{Tracker: d.tracker}, args[0])
			if err != nil {
				switch {
				case errors.Is(err, hooks.ErrJobNotFound):
					return fmt.Errorf("retry: no such job %q", args[0])
				case errors.Is(err, hooks.ErrNotRetryable):
					return fmt.Errorf("retry: job %q is not in a failed state", args[0])
				default:
					return fmt.Errorf("retry: %w", err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scheduled retry: %s -> %s\n", args[0], retry.JobID)
			return nil
		},
	}
}
