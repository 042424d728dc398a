package hooks_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conveyor/internal/clock"
	"conveyor/pkg/config"
	"conveyor/pkg/hooks"
	"conveyor/pkg/hostapi"
	"conveyor/pkg/queue"
	"conveyor/pkg/store"
	"conveyor/pkg/tracker"
)

type fakeHost struct {
	history  []hostapi.HistoryMessage
	sentTo   string
	sentBody string
	fetchErr error
}

func (f *fakeHost) StartSession(context.Context, hostapi.StartSessionRequest) (string, error) {
	return "", nil
}
func (f *fakeHost) PatchSession(context.Context, string, hostapi.SessionPatch) error { return nil }
func (f *fakeHost) SendToSession(_ context.Context, sessionKey, content string) error {
	f.sentTo = sessionKey
	f.sentBody = content
	return nil
}

func (f *fakeHost) FetchSessionHistory(context.Context, string, int) ([]hostapi.HistoryMessage, error) {
	return f.history, f.fetchErr
}
func (f *fakeHost) RegisterSubagentRun(context.Context, string, hostapi.SessionRef) error { return nil }
func (f *fakeHost) ResolveDepth(context.Context, string) (int, error)                     { return 0, nil }

func newFixture(t *testing.T) (*hooks.Handles, *fakeHost) {
	t.Helper()
	s := store.NewMemoryStore()
	tr := tracker.New(s, slog.New(slog.NewTextHandler(io.Discard, nil)))
	cfg := config.Defaults()
	host := &fakeHost{}
	return &hooks.Handles{
		Tracker: tr,
		Store:   s,
		Host:    host,
		Config:  cfg,
		Clock:   clock.System,
		Log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, host
}

func TestAfterToolCall_CreatesTrackingJob(t *testing.T) {
	ctx := context.Background()
	h, _ := newFixture(t)

	err := hooks.AfterToolCall(ctx, h, hooks.SpawnEvent{
		RunID:        "run-1",
		SessionKey:   "agent:researcher:subagent:abc",
		Target:       "researcher",
		DispatchedBy: "lead",
		Task:         "direct spawn",
	})
	require.NoError(t, err)

	job, err := h.Tracker.FindJobBySessionKey(ctx, "agent:researcher:subagent:abc")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, queue.StatusActive, job.Status)
	assert.Equal(t, "run-1", job.OpenclawRunID)
}

func TestAgentEnd_CompletesSuccessfulJob(t *testing.T) {
	ctx := context.Background()
	h, _ := newFixture(t)

	job, err := h.Tracker.CreateJob(ctx, tracker.CreateParams{Target: "researcher", Task: "t", DispatchedBy: "lead"})
	require.NoError(t, err)
	_, err = h.Tracker.UpdateJobStatus(ctx, job.JobID, queue.StatusActive, func(j *queue.JobRecord) {
		j.OpenclawSessionKey = "agent:researcher:subagent:abc"
	})
	require.NoError(t, err)
	require.NoError(t, h.Tracker.IndexJobBySessionKey(ctx, "agent:researcher:subagent:abc", job.JobID, queue.QueueName("researcher")))
	require.NoError(t, h.Store.Set(ctx, queue.ActiveChildrenKey("lead"), "1", 0))

	err = hooks.AgentEnd(ctx, h, hooks.EndEvent{SessionKey: "agent:researcher:subagent:abc", Success: true})
	require.NoError(t, err)

	updated, err := h.Tracker.FindJobByRunID(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, updated.Status)
	assert.NotNil(t, updated.CompletedAt)

	remaining, err := h.Store.Get(ctx, queue.ActiveChildrenKey("lead"))
	require.NoError(t, err)
	assert.Equal(t, "0", remaining, "completing a job must release its active-children slot")
}

func TestAgentEnd_CapturesResultWhenOptedIn(t *testing.T) {
	ctx := context.Background()
	h, host := newFixture(t)
	host.history = []hostapi.HistoryMessage{{Role: "assistant", Content: "the answer is 42"}}

	job, err := h.Tracker.CreateJob(ctx, tracker.CreateParams{Target: "researcher", Task: "t", DispatchedBy: "lead", StoreResult: true})
	require.NoError(t, err)
	_, err = h.Tracker.UpdateJobStatus(ctx, job.JobID, queue.StatusActive, func(j *queue.JobRecord) {
		j.OpenclawSessionKey = "agent:researcher:subagent:abc"
	})
	require.NoError(t, err)
	require.NoError(t, h.Tracker.IndexJobBySessionKey(ctx, "agent:researcher:subagent:abc", job.JobID, queue.QueueName("researcher")))

	require.NoError(t, hooks.AgentEnd(ctx, h, hooks.EndEvent{SessionKey: "agent:researcher:subagent:abc", Success: true}))

	updated, err := h.Tracker.FindJobByRunID(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, "the answer is 42", updated.Result)
}

func TestAgentEnd_RetriesOnFailure(t *testing.T) {
	ctx := context.Background()
	h, _ := newFixture(t)
	h.Config.Retry.AgentFailureAttempts = 3

	job, err := h.Tracker.CreateJob(ctx, tracker.CreateParams{Target: "researcher", Task: "t", DispatchedBy: "lead"})
	require.NoError(t, err)
	_, err = h.Tracker.UpdateJobStatus(ctx, job.JobID, queue.StatusActive, func(j *queue.JobRecord) {
		j.OpenclawSessionKey = "agent:researcher:subagent:abc"
	})
	require.NoError(t, err)
	require.NoError(t, h.Tracker.IndexJobBySessionKey(ctx, "agent:researcher:subagent:abc", job.JobID, queue.QueueName("researcher")))
	require.NoError(t, h.Store.Set(ctx, queue.ActiveChildrenKey("lead"), "1", 0))

	require.NoError(t, hooks.AgentEnd(ctx, h, hooks.EndEvent{SessionKey: "agent:researcher:subagent:abc", Success: false, Error: "boom"}))

	updated, err := h.Tracker.FindJobByRunID(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusRetrying, updated.Status)
	assert.NotEmpty(t, updated.RetriedByJobID)

	retry, err := h.Tracker.FindJobByRunID(ctx, updated.RetriedByJobID)
	require.NoError(t, err)
	require.NotNil(t, retry)
	assert.Equal(t, 1, retry.RetryCount)
	assert.Equal(t, job.JobID, retry.OriginalJobID)

	remaining, err := h.Store.Get(ctx, queue.ActiveChildrenKey("lead"))
	require.NoError(t, err)
	assert.Equal(t, "0", remaining, "the failed attempt must release its active-children slot even though a new retry record was created")
}

func TestAgentEnd_TerminatesAndNotifiesAfterExhaustingRetries(t *testing.T) {
	ctx := context.Background()
	h, host := newFixture(t)
	h.Config.Retry.AgentFailureAttempts = 1

	job, err := h.Tracker.CreateJob(ctx, tracker.CreateParams{
		Target: "researcher", Task: "t", DispatchedBy: "lead",
		DispatcherSessionKey: "agent:lead:main",
	})
	require.NoError(t, err)
	_, err = h.Tracker.UpdateJobStatus(ctx, job.JobID, queue.StatusActive, func(j *queue.JobRecord) {
		j.OpenclawSessionKey = "agent:researcher:subagent:abc"
	})
	require.NoError(t, err)
	require.NoError(t, h.Tracker.IndexJobBySessionKey(ctx, "agent:researcher:subagent:abc", job.JobID, queue.QueueName("researcher")))
	require.NoError(t, h.Store.Set(ctx, queue.ActiveChildrenKey("lead"), "1", 0))

	require.NoError(t, hooks.AgentEnd(ctx, h, hooks.EndEvent{SessionKey: "agent:researcher:subagent:abc", Success: false, Error: "boom"}))

	updated, err := h.Tracker.FindJobByRunID(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailedPermanent, updated.Status)
	assert.Equal(t, "agent:lead:main", host.sentTo)
	assert.NotEmpty(t, host.sentBody)

	remaining, err := h.Store.Get(ctx, queue.ActiveChildrenKey("lead"))
	require.NoError(t, err)
	assert.Equal(t, "0", remaining, "terminating a job after exhausting retries must release its active-children slot")
}

func TestAgentEnd_UnknownSessionKeyReturnsErrJobNotFound(t *testing.T) {
	ctx := context.Background()
	h, _ := newFixture(t)

	err := hooks.AgentEnd(ctx, h, hooks.EndEvent{SessionKey: "no-such-session", Success: true})
	assert.ErrorIs(t, err, hooks.ErrJobNotFound)
}

func TestForceRetry_RelinksTerminalJobWithoutMutatingItsStatus(t *testing.T) {
	ctx := context.Background()
	h, _ := newFixture(t)

	job, err := h.Tracker.CreateJob(ctx, tracker.CreateParams{Target: "researcher", Task: "t", DispatchedBy: "lead"})
	require.NoError(t, err)
	_, err = h.Tracker.UpdateJobStatus(ctx, job.JobID, queue.StatusActive, nil)
	require.NoError(t, err)
	_, err = h.Tracker.UpdateJobStatus(ctx, job.JobID, queue.StatusFailed, func(j *queue.JobRecord) { j.Error = "boom" })
	require.NoError(t, err)
	_, err = h.Tracker.UpdateJobStatus(ctx, job.JobID, queue.StatusFailedPermanent, nil)
	require.NoError(t, err)

	retry, err := hooks.ForceRetry(ctx, h, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.JobID, retry.OriginalJobID)
	assert.Equal(t, 1, retry.RetryCount)

	original, err := h.Tracker.FindJobByRunID(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailedPermanent, original.Status)
	assert.Equal(t, retry.JobID, original.RetriedByJobID)
}

func TestForceRetry_RejectsNonFailedJob(t *testing.T) {
	ctx := context.Background()
	h, _ := newFixture(t)

	job, err := h.Tracker.CreateJob(ctx, tracker.CreateParams{Target: "researcher", Task: "t", DispatchedBy: "lead"})
	require.NoError(t, err)

	_, err = hooks.ForceRetry(ctx, h, job.JobID)
	assert.ErrorIs(t, err, hooks.ErrNotRetryable)
}
