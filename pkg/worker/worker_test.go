package worker_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conveyor/internal/clock"
	"conveyor/pkg/config"
	"conveyor/pkg/hostapi"
	"conveyor/pkg/queue"
	"conveyor/pkg/store"
	"conveyor/pkg/tracker"
	"conveyor/pkg/worker"
)

type fakeHost struct {
	startErr     error
	patchErr     error
	patchedModel *string
	registerErr  error
}

func (f *fakeHost) StartSession(_ context.Context, _ hostapi.StartSessionRequest) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	return "run-123", nil
}

func (f *fakeHost) PatchSession(_ context.Context, _ string, patch hostapi.SessionPatch) error {
	if f.patchErr != nil {
		f.patchErr = nil // fail once, then succeed on the no-model retry
		return errors.New("model not supported")
	}
	f.patchedModel = patch.Model
	return nil
}

func (f *fakeHost) SendToSession(_ context.Context, _ string, _ string) error { return nil }

func (f *fakeHost) FetchSessionHistory(_ context.Context, _ string, _ int) ([]hostapi.HistoryMessage, error) {
	return nil, nil
}

func (f *fakeHost) RegisterSubagentRun(_ context.Context, _ string, _ hostapi.SessionRef) error {
	return f.registerErr
}

func (f *fakeHost) ResolveDepth(_ context.Context, _ string) (int, error) { return 0, nil }

func newFixture(t *testing.T) (*tracker.Tracker, store.Store, *config.Config) {
	t.Helper()
	s := store.NewMemoryStore()
	tr := tracker.New(s, slog.New(slog.NewTextHandler(io.Discard, nil)))
	cfg := config.Defaults()
	cfg.Agents["researcher"] = config.AgentConfig{MaxSpawnDepth: 6, AllowedTargets: []string{"*"}}
	return tr, s, cfg
}

func TestLaunch_HappyPath(t *testing.T) {
	ctx := context.Background()
	tr, s, cfg := newFixture(t)
	host := &fakeHost{}

	job, err := tr.CreateJob(ctx, tracker.CreateParams{Target: "researcher", Task: "t", DispatchedBy: "lead"})
	require.NoError(t, err)

	runID, err := worker.Launch(ctx, tr, host, cfg, job, 0, hostapi.SessionRef{}, true, s, clock.System)
	require.NoError(t, err)
	assert.Equal(t, "run-123", runID)

	updated, err := tr.FindJobByRunID(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusActive, updated.Status)
	assert.Equal(t, "run-123", updated.OpenclawRunID)
}

func TestLaunch_DepthCapIsUnrecoverable(t *testing.T) {
	ctx := context.Background()
	tr, s, cfg := newFixture(t)
	cfg.Agents["researcher"] = config.AgentConfig{MaxSpawnDepth: 2, AllowedTargets: []string{"*"}}
	host := &fakeHost{}

	job, err := tr.CreateJob(ctx, tracker.CreateParams{Target: "researcher", Task: "t", DispatchedBy: "lead"})
	require.NoError(t, err)

	_, err = worker.Launch(ctx, tr, host, cfg, job, 2, hostapi.SessionRef{}, true, s, clock.System)
	require.Error(t, err)
	var ue *worker.UnrecoverableError
	assert.ErrorAs(t, err, &ue)
}

func TestLaunch_UnknownTargetIsUnrecoverable(t *testing.T) {
	ctx := context.Background()
	tr, s, cfg := newFixture(t)
	host := &fakeHost{}

	job, err := tr.CreateJob(ctx, tracker.CreateParams{Target: "ghost-agent", Task: "t", DispatchedBy: "lead"})
	require.NoError(t, err)

	_, err = worker.Launch(ctx, tr, host, cfg, job, 0, hostapi.SessionRef{}, true, s, clock.System)
	require.Error(t, err)
	var ue *worker.UnrecoverableError
	assert.ErrorAs(t, err, &ue)
}

func TestLaunch_AllowlistRejectsUnlistedTarget(t *testing.T) {
	ctx := context.Background()
	tr, s, cfg := newFixture(t)
	cfg.Agents["researcher"] = config.AgentConfig{MaxSpawnDepth: 6, AllowedTargets: []string{"writer"}}
	host := &fakeHost{}

	job, err := tr.CreateJob(ctx, tracker.CreateParams{Target: "researcher", Task: "t", DispatchedBy: "lead"})
	require.NoError(t, err)

	_, err = worker.Launch(ctx, tr, host, cfg, job, 0, hostapi.SessionRef{}, true, s, clock.System)
	require.Error(t, err)
	var ue *worker.UnrecoverableError
	assert.ErrorAs(t, err, &ue)
}

func TestLaunch_SelfDispatchBypassesAllowlist(t *testing.T) {
	ctx := context.Background()
	tr, s, cfg := newFixture(t)
	cfg.Agents["lead"] = config.AgentConfig{MaxSpawnDepth: 6, AllowedTargets: []string{}}
	host := &fakeHost{}

	job, err := tr.CreateJob(ctx, tracker.CreateParams{Target: "lead", Task: "t", DispatchedBy: "lead"})
	require.NoError(t, err)

	_, err = worker.Launch(ctx, tr, host, cfg, job, 0, hostapi.SessionRef{}, true, s, clock.System)
	require.NoError(t, err)
}

func TestLaunch_PatchFailureRetriesWithoutModel(t *testing.T) {
	ctx := context.Background()
	tr, s, cfg := newFixture(t)
	cfg.Agents["researcher"] = config.AgentConfig{MaxSpawnDepth: 6, AllowedTargets: []string{"*"}, Model: "big-model"}
	host := &fakeHost{patchErr: errors.New("model not supported")}

	job, err := tr.CreateJob(ctx, tracker.CreateParams{Target: "researcher", Task: "t", DispatchedBy: "lead"})
	require.NoError(t, err)

	_, err = worker.Launch(ctx, tr, host, cfg, job, 0, hostapi.SessionRef{}, true, s, clock.System)
	require.NoError(t, err)
	assert.Nil(t, host.patchedModel, "retry without model field must have succeeded")
}

func TestLaunch_StartSessionFailureIsRecoverable(t *testing.T) {
	ctx := context.Background()
	tr, s, cfg := newFixture(t)
	host := &fakeHost{startErr: errors.New("host unreachable")}

	job, err := tr.CreateJob(ctx, tracker.CreateParams{Target: "researcher", Task: "t", DispatchedBy: "lead"})
	require.NoError(t, err)

	_, err = worker.Launch(ctx, tr, host, cfg, job, 0, hostapi.SessionRef{}, true, s, clock.System)
	require.Error(t, err)
	var re *worker.RecoverableError
	assert.ErrorAs(t, err, &re)
}

func TestLaunch_FanOutCapIsRecoverable(t *testing.T) {
	ctx := context.Background()
	tr, s, cfg := newFixture(t)
	host := &fakeHost{}

	require.NoError(t, s.Set(ctx, queue.ActiveChildrenKey("lead"), "9999", 0))

	job, err := tr.CreateJob(ctx, tracker.CreateParams{Target: "researcher", Task: "t", DispatchedBy: "lead"})
	require.NoError(t, err)

	_, err = worker.Launch(ctx, tr, host, cfg, job, 0, hostapi.SessionRef{}, true, s, clock.System)
	require.Error(t, err)
	var re *worker.RecoverableError
	assert.ErrorAs(t, err, &re)
}

func TestOutcomeBuffer_EvictsOldestWhenFull(t *testing.T) {
	buf := worker.NewOutcomeBuffer(2)
	buf.Add("a")
	buf.Add("b")
	buf.Add("c")

	drained := buf.Drain()
	assert.Equal(t, []string{"b", "c"}, drained)
	assert.Equal(t, 0, buf.Len())
}

func TestAgentWorker_DrainOnceLaunchesDueJob(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tr, s, cfg := newFixture(t)
	host := &fakeHost{}

	job, err := tr.CreateJob(ctx, tracker.CreateParams{Target: "researcher", Task: "t", DispatchedBy: "lead"})
	require.NoError(t, err)

	w := worker.NewAgentWorker("researcher", tr, host, cfg, s, slog.New(slog.NewTextHandler(io.Discard, nil)))
	w.Run(ctxWithImmediateTick(ctx))

	updated, err := tr.FindJobByRunID(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusActive, updated.Status)
}

// ctxWithImmediateTick cancels quickly so Run's ticker loop exits after a
// single poll window; AgentWorker.Run has no exported single-shot method,
// so the test exercises the loop with a short-lived context instead.
func ctxWithImmediateTick(parent context.Context) context.Context {
	ctx, cancel := context.WithTimeout(parent, 1200*time.Millisecond)
	_ = cancel
	return ctx
}

// A recoverable launch failure must advance LaunchRetryCount, the queue's
// own attempt counter, and must never touch RetryCount — that field
// belongs solely to pkg/hooks' agent-level retry chain. Sharing one
// counter between the two paths would let a launch retry silently eat
// into the agent-level retry budget.
func TestAgentWorker_RecoverableLaunchFailureAdvancesLaunchRetryCountOnly(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tr, s, cfg := newFixture(t)
	host := &fakeHost{startErr: errors.New("host unreachable")}

	job, err := tr.CreateJob(ctx, tracker.CreateParams{Target: "researcher", Task: "t", DispatchedBy: "lead"})
	require.NoError(t, err)

	w := worker.NewAgentWorker("researcher", tr, host, cfg, s, slog.New(slog.NewTextHandler(io.Discard, nil)))
	w.Run(ctxWithImmediateTick(ctx))

	updated, err := tr.FindJobByRunID(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, updated.Status, "a recoverable launch failure re-enqueues, it does not fail the job")
	assert.Equal(t, 1, updated.LaunchRetryCount)
	assert.Equal(t, 0, updated.RetryCount, "launch retries must not consume the agent-level retry budget")
}
