package approval

import (
	"context"
	"fmt"

	"conveyor/internal/clock"
	"conveyor/pkg/config"
	"conveyor/pkg/hostapi"
	"conveyor/pkg/queue"
	"conveyor/pkg/store"
	"conveyor/pkg/tracker"
	"conveyor/pkg/worker"
)

// WorkerSpawner adapts pkg/worker.Launch into the Spawner interface
// Approve calls on a CAS-confirmed record: caller depth fixed to 0, child
// depth 1, safety checks disabled (a human already approved), using the
// caller's original session as the announce requester (spec.md §4.9
// step 4).
type WorkerSpawner struct {
	Tracker *tracker.Tracker
	Host    hostapi.SessionHost
	Config  *config.Config
	Store   store.Store
	Clock   *clock.Clock
}

// Spawn implements Spawner.
func (w *WorkerSpawner) Spawn(ctx context.Context, record *queue.ApprovalRecord) (runID, sessionKey string, err error) {
	job, err := w.Tracker.CreateJob(ctx, tracker.CreateParams{
		Target:               record.Target,
		Task:                 WrapApprovedTask(record.Task),
		DispatchedBy:         record.Caller,
		Project:              record.Project,
		Label:                record.Label,
		Model:                record.Model,
		ThinkingLevel:        record.Thinking,
		Cleanup:              record.Cleanup,
		Depth:                1,
		TimeoutMs:            record.TimeoutMs,
		DispatcherSessionKey: record.DispatcherSessionKey,
		DispatcherAgentID:    record.DispatcherAgentID,
		DispatcherOrigin:     queue.DispatcherOrigin{},
	})
	if err != nil {
		return "", "", fmt.Errorf("approval spawner: create job: %w", err)
	}

	requester := hostapi.SessionRef{
		SessionKey: record.DispatcherSessionKey,
		AgentID:    record.DispatcherAgentID,
		Depth:      0,
	}

	runID, err = worker.Launch(ctx, w.Tracker, w.Host, w.Config, job, 0, requester, false, w.Store, w.Clock)
	if err != nil {
		return "", "", fmt.Errorf("approval spawner: launch: %w", err)
	}

	updated, err := w.Tracker.FindJobByRunID(ctx, job.JobID)
	if err != nil || updated == nil {
		return runID, "", nil
	}
	return runID, updated.OpenclawSessionKey, nil
}
