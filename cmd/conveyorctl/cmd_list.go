package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"conveyor/pkg/query"
)

func newListCmd(configPath *string) *cobra.Command {
	var agent, status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Long:  "Lists jobs newest-first, optionally filtered by --agent and --status (including pending_approval).",
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := connect(*configPath)
			if err != nil {
				return err
			}
			defer d.close()

			views, err := query.List(cmd.Context(), d.tracker, d.approvalsOrNil(), d.authz, query.ListParams{
				Caller: cliCallerID,
				Agent:  agent,
				Status: status,
				Limit:  limit,
			})
			if err != nil {
				return fmt.Errorf("list: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), formatJobTable(views))
			return nil
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "filter to one target agent")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (queued, active, announcing, completed, failed, failed_permanent, retrying, stalled, pending_approval)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows to return (capped at 100)")
	return cmd
}

func formatJobTable(views []query.JobView) string {
	if len(views) == 0 {
		return "No matching jobs.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-24s %-16s %-16s %-14s %-20s %s\n", "JOB ID", "DISPATCHED BY", "TARGET", "STATUS", "QUEUED AT", "TASK")
	for _, v := range views {
		fmt.Fprintf(&b, "%-24s %-16s %-16s %-14s %-20s %s\n",
			v.JobID, v.DispatchedBy, v.Target, v.Status, v.QueuedAt.Format("2006-01-02T15:04:05"), truncate(v.Task, 50))
	}
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
