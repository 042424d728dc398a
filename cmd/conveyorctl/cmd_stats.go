package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"conveyor/pkg/tracker"
)

func newStatsCmd(configPath *string) *cobra.Command {
	var agent string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show per-agent queue stats",
		Long:  "Shows waiting/active/completed/failed/delayed/paused counts, per agent or aggregated for one agent with --agent.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := connect(*configPath)
			if err != nil {
				return err
			}
			defer d.close()

			if agent != "" {
				stats, err := d.tracker.GetQueueStats(context.Background(), agent)
				if err != nil {
					return fmt.Errorf("stats: %w", err)
				}
				fmt.Fprint(cmd.OutOrStdout(), formatStatsTable(map[string]tracker.QueueStats{agent: stats}))
				return nil
			}

			all := make(map[string]tracker.QueueStats, len(d.cfg.Agents))
			for id := range d.cfg.Agents {
				stats, err := d.tracker.GetQueueStats(context.Background(), id)
				if err != nil {
					return fmt.Errorf("stats: %s: %w", id, err)
				}
				all[id] = stats
			}
			fmt.Fprint(cmd.OutOrStdout(), formatStatsTable(all))
			return nil
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "limit to one agent's queue")
	return cmd
}

func formatStatsTable(stats map[string]tracker.QueueStats) string {
	if len(stats) == 0 {
		return "No agents configured.\n"
	}
	ids := make([]string, 0, len(stats))
	for id := range stats {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out string
	out += fmt.Sprintf("%-20s %8s %8s %10s %8s %8s %8s\n", "AGENT", "WAITING", "ACTIVE", "COMPLETED", "FAILED", "DELAYED", "PAUSED")
	for _, id := range ids {
		s := stats[id]
		out += fmt.Sprintf("%-20s %8d %8d %10d %8d %8d %8d\n", id, s.Waiting, s.Active, s.Completed, s.Failed, s.Delayed, s.Paused)
	}
	return out
}
