package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"conveyor/internal/buildinfo"
)

// cliCallerID is the identity conveyorctl presents to the authorization
// layer. It is always treated as a system agent — an operator running
// this CLI already has direct access to the store — so every command
// sees every job regardless of who dispatched it.
const cliCallerID = "conveyorctl"

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "conveyorctl",
		Short:         "Operate a running conveyor deployment",
		Long:          "conveyorctl inspects and intervenes in a conveyor job queue:\nstats, list, inspect, retry, and drain.",
		Version:       fmt.Sprintf("conveyorctl %s", buildinfo.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.PersistentFlags().StringVar(&configPath, "config", "conveyor.yaml", "path to the deployment's YAML config")

	cmd.AddCommand(
		newStatsCmd(&configPath),
		newListCmd(&configPath),
		newInspectCmd(&configPath),
		newRetryCmd(&configPath),
		newDrainCmd(&configPath),
	)

	return cmd
}
