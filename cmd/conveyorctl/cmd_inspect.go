package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"conveyor/pkg/query"
)

func newInspectCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <jobId>",
		Short: "Show one job's full record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := connect(*configPath)
			if err != nil {
				return err
			}
			defer d.close()

			view, err := query.Status(cmd.Context(), d.tracker, d.authz, cliCallerID, args[0])
			if err != nil {
				if errors.Is(err, query.ErrNotFound) {
					return fmt.Errorf("inspect: no such job %q", args[0])
				}
				return fmt.Errorf("inspect: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), formatJobDetail(view))
			return nil
		},
	}
}

func formatJobDetail(v *query.JobView) string {
	out := fmt.Sprintf("jobId:          %s\n", v.JobID)
	if v.OriginalJobID != "" {
		out += fmt.Sprintf("originalJobId:  %s\n", v.OriginalJobID)
	}
	if v.RetriedByJobID != "" {
		out += fmt.Sprintf("retriedByJobId: %s\n", v.RetriedByJobID)
	}
	out += fmt.Sprintf("dispatchedBy:   %s\n", v.DispatchedBy)
	out += fmt.Sprintf("target:         %s\n", v.Target)
	out += fmt.Sprintf("status:         %s\n", v.Status)
	out += fmt.Sprintf("project:        %s\n", v.Project)
	out += fmt.Sprintf("label:          %s\n", v.Label)
	out += fmt.Sprintf("queuedAt:       %s\n", v.QueuedAt.Format("2006-01-02T15:04:05Z07:00"))
	if v.StartedAt != nil {
		out += fmt.Sprintf("startedAt:      %s\n", v.StartedAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	if v.CompletedAt != nil {
		out += fmt.Sprintf("completedAt:    %s\n", v.CompletedAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	out += fmt.Sprintf("retryCount:     %d\n", v.RetryCount)
	out += fmt.Sprintf("waitingForDeps: %t\n", v.WaitingForDependencies)
	out += fmt.Sprintf("task:           %s\n", v.Task)
	if v.Result != "" {
		out += fmt.Sprintf("result:         %s\n", v.Result)
	}
	if v.Error != "" {
		out += fmt.Sprintf("error:          %s\n", v.Error)
	}
	return out
}
