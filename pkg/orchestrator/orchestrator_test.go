package orchestrator_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conveyor/pkg/config"
	"conveyor/pkg/orchestrator"
	"conveyor/pkg/queue"
	"conveyor/pkg/store"
	"conveyor/pkg/tracker"
)

func newTestConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Agents = map[string]config.AgentConfig{
		"researcher": {},
	}
	return cfg
}

func TestStartRecoversInterruptedJobsAsFailed(t *testing.T) {
	s := store.NewMemoryStore()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr := tracker.New(s, log)

	job, err := tr.CreateJob(context.Background(), tracker.CreateParams{Target: "researcher", Task: "t", DispatchedBy: "lead"})
	require.NoError(t, err)
	_, err = tr.UpdateJobStatus(context.Background(), job.JobID, queue.StatusActive, nil)
	require.NoError(t, err)
	require.NoError(t, s.Set(context.Background(), queue.ActiveChildrenKey("lead"), "1", 0))

	svc := orchestrator.NewWithStore(newTestConfig(), s, nil, nil, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, svc.Start(ctx))

	updated, err := tr.FindJobByRunID(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, updated.Status)
	assert.Contains(t, updated.Error, "Gateway restart")

	remaining, err := s.Get(context.Background(), queue.ActiveChildrenKey("lead"))
	require.NoError(t, err)
	assert.Equal(t, "0", remaining, "force-failing an interrupted job must release its active-children slot")

	require.NoError(t, svc.Stop(context.Background()))
}

func TestStopClosesStoreAfterStoppingWorkers(t *testing.T) {
	s := store.NewMemoryStore()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := orchestrator.NewWithStore(newTestConfig(), s, nil, nil, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, svc.Start(ctx))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	require.NoError(t, svc.Stop(stopCtx))
}
