package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"conveyor/internal/authid"
	"conveyor/pkg/approval"
	"conveyor/pkg/config"
	"conveyor/pkg/store"
	"conveyor/pkg/tracker"
)

// dialTimeout bounds how long a CLI invocation waits for the store
// connection, shorter than the gateway's own startup timeout since an
// operator running conveyorctl expects a fast failure, not a hang.
const dialTimeout = 5 * time.Second

// deployment bundles the collaborators every subcommand needs, built
// fresh per invocation and torn down before the command returns.
type deployment struct {
	cfg       *config.Config
	store     store.Store
	tracker   *tracker.Tracker
	authz     *authid.Registry
	approvals *approval.Store
}

// approvalsOrNil returns the deployment's approval store, or nil when the
// config has no approval channel wired — query.List treats a nil
// approvals store as "no pending approvals to report" rather than erroring.
func (d *deployment) approvalsOrNil() *approval.Store { return d.approvals }

func connect(configPath string) (*deployment, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	s, err := store.Dial(ctx, cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.TLS)
	if err != nil {
		return nil, fmt.Errorf("connect to store: %w", err)
	}

	systemAgents := []string{cliCallerID}
	for id, a := range cfg.Agents {
		if a.SystemAgent {
			systemAgents = append(systemAgents, id)
		}
	}

	var approvals *approval.Store
	if cfg.Approval.DiscordChannelID != "" {
		// conveyorctl never creates or decides approvals, only reads the
		// pending set, so it needs no sender or spawner wired.
		approvals = approval.New(s, nil, nil, cfg.Approval.TTLDays, cfg.Approval.DiscordChannelID)
	}

	return &deployment{
		cfg:       cfg,
		store:     s,
		tracker:   tracker.New(s, slog.New(slog.NewTextHandler(io.Discard, nil))),
		authz:     authid.NewRegistry(systemAgents, cfg.Approval.Orchestrators, cfg.Approval.AuthorizedApprovers),
		approvals: approvals,
	}, nil
}

func loadConfig(path string) (*config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := config.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (d *deployment) close() {
	_ = d.store.Close()
}
