package tracker_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conveyor/pkg/queue"
	"conveyor/pkg/store"
	"conveyor/pkg/tracker"
)

func newTracker() *tracker.Tracker {
	return tracker.New(store.NewMemoryStore(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCreateJob_NoDependencies(t *testing.T) {
	ctx := context.Background()
	tr := newTracker()

	job, err := tr.CreateJob(ctx, tracker.CreateParams{Target: "researcher", Task: "look into X", DispatchedBy: "lead"})
	require.NoError(t, err)
	assert.NotEmpty(t, job.JobID)
	assert.Equal(t, queue.StatusQueued, job.Status)
	assert.False(t, job.WaitingForDependencies)

	found, err := tr.FindJobByRunID(ctx, job.JobID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, job.Task, found.Task)
}

func TestCreateFlow_MissingDependency(t *testing.T) {
	ctx := context.Background()
	tr := newTracker()

	_, err := tr.CreateJob(ctx, tracker.CreateParams{
		Target:       "researcher",
		Task:         "depends on a ghost",
		DispatchedBy: "lead",
		DependsOn:    []string{"does-not-exist"},
	})
	require.Error(t, err)
	var notFound *tracker.ErrDependencyNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestCreateFlow_WithDependencies(t *testing.T) {
	ctx := context.Background()
	tr := newTracker()

	dep, err := tr.CreateJob(ctx, tracker.CreateParams{Target: "researcher", Task: "step 1", DispatchedBy: "lead"})
	require.NoError(t, err)

	parent, err := tr.CreateJob(ctx, tracker.CreateParams{
		Target:       "writer",
		Task:         "step 2",
		DispatchedBy: "lead",
		DependsOn:    []string{dep.JobID},
	})
	require.NoError(t, err)
	assert.True(t, parent.WaitingForDependencies)
}

func TestUpdateJobStatus_RejectsIllegalTransition(t *testing.T) {
	ctx := context.Background()
	tr := newTracker()

	job, err := tr.CreateJob(ctx, tracker.CreateParams{Target: "researcher", Task: "t", DispatchedBy: "lead"})
	require.NoError(t, err)

	_, err = tr.UpdateJobStatus(ctx, job.JobID, queue.StatusCompleted, nil)
	assert.Error(t, err, "queued cannot jump straight to completed")

	updated, err := tr.UpdateJobStatus(ctx, job.JobID, queue.StatusActive, nil)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusActive, updated.Status)
}

func TestSessionIndex_RoundTrip(t *testing.T) {
	ctx := context.Background()
	tr := newTracker()

	job, err := tr.CreateJob(ctx, tracker.CreateParams{Target: "researcher", Task: "t", DispatchedBy: "lead"})
	require.NoError(t, err)

	require.NoError(t, tr.IndexJobBySessionKey(ctx, "agent:researcher:subagent:abc", job.JobID, "bull:agent-researcher"))

	found, err := tr.FindJobBySessionKey(ctx, "agent:researcher:subagent:abc")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, job.JobID, found.JobID)
}

func TestGetQueueStats(t *testing.T) {
	ctx := context.Background()
	tr := newTracker()

	j1, err := tr.CreateJob(ctx, tracker.CreateParams{Target: "researcher", Task: "t1", DispatchedBy: "lead"})
	require.NoError(t, err)
	_, err = tr.CreateJob(ctx, tracker.CreateParams{Target: "researcher", Task: "t2", DispatchedBy: "lead"})
	require.NoError(t, err)

	_, err = tr.UpdateJobStatus(ctx, j1.JobID, queue.StatusActive, nil)
	require.NoError(t, err)

	stats, err := tr.GetQueueStats(ctx, "researcher")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Waiting)
	assert.Equal(t, 1, stats.Active)
}

func TestCleanupStaleIndexEntries(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	tr := tracker.New(s, slog.New(slog.NewTextHandler(io.Discard, nil)))

	job, err := tr.CreateJob(ctx, tracker.CreateParams{Target: "researcher", Task: "t", DispatchedBy: "lead"})
	require.NoError(t, err)

	require.NoError(t, s.Del(ctx, "orch:job:"+job.JobID))

	removed, err := tr.CleanupStaleIndexEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestAllJobs_ReturnsEveryIndexedJob(t *testing.T) {
	ctx := context.Background()
	tr := newTracker()

	_, err := tr.CreateJob(ctx, tracker.CreateParams{Target: "researcher", Task: "a", DispatchedBy: "lead"})
	require.NoError(t, err)
	_, err = tr.CreateJob(ctx, tracker.CreateParams{Target: "writer", Task: "b", DispatchedBy: "lead"})
	require.NoError(t, err)

	jobs, err := tr.AllJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestCreateDelayedJob_NotDueUntilDelayElapses(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	tr := tracker.New(s, slog.New(slog.NewTextHandler(io.Discard, nil)))

	job, err := tr.CreateDelayedJob(ctx, tracker.CreateParams{Target: "researcher", Task: "t", DispatchedBy: "lead", OriginalJobID: "job-0", RetryCount: 1}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "job-0", job.OriginalJobID)
	assert.Equal(t, 1, job.RetryCount)

	due, err := s.ZRangeByScore(ctx, queue.QueueName("researcher")+":wait", 0, float64(time.Now().UnixNano()), 0)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestDrainQueue_FailsWaitingJobsLeavesActiveAlone(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	tr := tracker.New(s, slog.New(slog.NewTextHandler(io.Discard, nil)))

	waiting, err := tr.CreateJob(ctx, tracker.CreateParams{Target: "researcher", Task: "waiting", DispatchedBy: "lead"})
	require.NoError(t, err)
	active, err := tr.CreateJob(ctx, tracker.CreateParams{Target: "researcher", Task: "active", DispatchedBy: "lead"})
	require.NoError(t, err)
	// Mimic the worker's real dequeue: a job leaves the wait set before
	// its status moves to active, so drain never sees it.
	require.NoError(t, s.ZRem(ctx, queue.QueueName("researcher")+":wait", active.JobID))
	_, err = tr.UpdateJobStatus(ctx, active.JobID, queue.StatusActive, nil)
	require.NoError(t, err)

	drained, err := tr.DrainQueue(ctx, "researcher")
	require.NoError(t, err)
	assert.Equal(t, 1, drained)

	waitingJob, err := tr.FindJobByRunID(ctx, waiting.JobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, waitingJob.Status)

	activeJob, err := tr.FindJobByRunID(ctx, active.JobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusActive, activeJob.Status)
}
