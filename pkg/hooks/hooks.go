// Package hooks translates session-host lifecycle events into job-record
// state transitions, per spec.md §4.6. It is the execution-lifecycle
// counterpart to pkg/worker's dispatch-launch lifecycle (spec.md §9's
// "two overlapping lifecycles" design note): the queue's own retry
// handles a launch that never got off the ground, while AgentEnd here
// handles a child session that launched, ran, and then failed.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"conveyor/internal/clock"
	"conveyor/internal/text"
	"conveyor/pkg/config"
	"conveyor/pkg/hostapi"
	"conveyor/pkg/queue"
	"conveyor/pkg/redact"
	"conveyor/pkg/store"
	"conveyor/pkg/tracker"
)

// Handles is the set of collaborators hooks need, resolved lazily at
// call time rather than captured at hook-registration time. Per spec.md
// §9's "null-captured references" design note, the orchestrator service
// may finish wiring after the session host has already registered its
// hooks, so every field here is read fresh on each call through a
// pointer the orchestrator owns and mutates exactly once during startup.
type Handles struct {
	Tracker *tracker.Tracker
	Store   store.Store
	Host    hostapi.SessionHost
	Sender  hostapi.MessageSender
	Config  *config.Config
	Clock   *clock.Clock
	Log     *slog.Logger
}

// SpawnEvent carries a direct sessions_spawn invocation observed outside
// of the dispatch tool, per spec.md §4.6's AfterToolCall.
type SpawnEvent struct {
	RunID        string
	SessionKey   string
	Target       string
	DispatchedBy string
	Task         string
	Depth        int
}

// AfterToolCall implements spec.md §4.6's backward-compatibility path:
// an agent that still calls the direct spawn tool (bypassing dispatch)
// gets a tracking job created after the fact, with status jumped
// straight to active and both job-id and session-key indexes written, so
// it appears in status/list/activity queries like any dispatched job.
func AfterToolCall(ctx context.Context, h *Handles, ev SpawnEvent) error {
	if h.Tracker == nil {
		return nil
	}

	job, err := h.Tracker.CreateJob(ctx, tracker.CreateParams{
		Target:       ev.Target,
		Task:         ev.Task,
		DispatchedBy: ev.DispatchedBy,
		Depth:        ev.Depth,
	})
	if err != nil {
		h.Log.Error("hooks: after_tool_call create tracking job failed", "runId", ev.RunID, "err", err)
		return fmt.Errorf("hooks: create tracking job: %w", err)
	}

	now := h.Clock.Now()
	if _, err := h.Tracker.UpdateJobStatus(ctx, job.JobID, queue.StatusActive, func(j *queue.JobRecord) {
		j.OpenclawRunID = ev.RunID
		j.OpenclawSessionKey = ev.SessionKey
		j.StartedAt = &now
	}); err != nil {
		return fmt.Errorf("hooks: mark tracking job active: %w", err)
	}

	if err := h.Tracker.IndexJobBySessionKey(ctx, ev.SessionKey, job.JobID, queue.QueueName(ev.Target)); err != nil {
		return fmt.Errorf("hooks: index tracking job: %w", err)
	}
	return nil
}

// EndEvent carries a child session's completion, per spec.md §4.6's
// agent_end hook.
type EndEvent struct {
	SessionKey string
	Success    bool
	Error      string
}

// ErrJobNotFound is returned by AgentEnd when no job resolves against
// ev.SessionKey; the caller (an agent that was never tracked, or whose
// index entry has already been pruned) has nothing more to do.
var ErrJobNotFound = errors.New("hooks: no job indexed for session key")

// AgentEnd implements spec.md §4.6: resolve the job via the session-key
// index, move it to completed or failed, opt-in result capture on
// success, and agent-level retry on failure.
func AgentEnd(ctx context.Context, h *Handles, ev EndEvent) error {
	if h.Tracker == nil {
		return nil
	}

	job, err := h.Tracker.FindJobBySessionKey(ctx, ev.SessionKey)
	if err != nil {
		return fmt.Errorf("hooks: resolve job by session key: %w", err)
	}
	if job == nil {
		return ErrJobNotFound
	}

	now := h.Clock.Now()
	if ev.Success {
		return completeJob(ctx, h, job, now)
	}
	return failJob(ctx, h, job, ev.Error, now)
}

func completeJob(ctx context.Context, h *Handles, job *queue.JobRecord, now time.Time) error {
	result := ""
	if job.StoreResult {
		result = captureResult(ctx, h, job)
	}

	if job.Status == queue.StatusActive {
		if _, err := h.Tracker.UpdateJobStatus(ctx, job.JobID, queue.StatusAnnouncing, nil); err != nil {
			return fmt.Errorf("hooks: mark job announcing: %w", err)
		}
	}
	if _, err := h.Tracker.UpdateJobStatus(ctx, job.JobID, queue.StatusCompleted, func(j *queue.JobRecord) {
		j.CompletedAt = &now
		if result != "" {
			j.Result = result
		}
	}); err != nil {
		return fmt.Errorf("hooks: mark job completed: %w", err)
	}
	decrementActiveChildren(ctx, h, job)
	return nil
}

// decrementActiveChildren releases the caller's active-children slot
// (spec.md §4.5 step 4) this job held since pkg/worker.Launch incremented
// it. Called from every path that moves a launched job to a terminal
// state, so the counter tracks live concurrency rather than a lifetime
// launch count. Best-effort: a failure here must never block the status
// transition it follows.
func decrementActiveChildren(ctx context.Context, h *Handles, job *queue.JobRecord) {
	if h.Store == nil {
		return
	}
	if _, err := h.Store.Decr(ctx, queue.ActiveChildrenKey(job.DispatchedBy)); err != nil {
		h.Log.Warn("hooks: decrement active-children counter failed", "job", job.JobID, "err", err)
	}
}

// captureResult reads the last assistant message and truncates it to
// spec.md §3's 5,000-rune cap, by rune count with a trailing ellipsis on
// truncation, per SPEC_FULL.md §3's pinned truncation semantics.
// Failures are logged and swallowed — result capture is opt-in
// best-effort, never a reason to fail the completion itself.
func captureResult(ctx context.Context, h *Handles, job *queue.JobRecord) string {
	history, err := h.Host.FetchSessionHistory(ctx, job.OpenclawSessionKey, 1)
	if err != nil {
		h.Log.Warn("hooks: fetch session history for result capture failed", "job", job.JobID, "err", err)
		return ""
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "assistant" {
			return text.TruncateRunes(history[i].Content, queue.MaxResultRunes)
		}
	}
	return ""
}

func failJob(ctx context.Context, h *Handles, job *queue.JobRecord, errMsg string, now time.Time) error {
	if _, err := h.Tracker.UpdateJobStatus(ctx, job.JobID, queue.StatusFailed, func(j *queue.JobRecord) {
		j.Error = errMsg
		j.CompletedAt = &now
	}); err != nil {
		return fmt.Errorf("hooks: mark job failed: %w", err)
	}
	decrementActiveChildren(ctx, h, job)

	attempts := h.Config.Retry.AgentFailureAttempts
	if attempts <= 0 {
		attempts = queue.DefaultAgentFailureAttempts
	}
	if job.RetryCount < attempts-1 {
		return retryJob(ctx, h, job, errMsg)
	}
	return terminateJob(ctx, h, job, errMsg)
}

// retryJob implements spec.md §4.6's agent-level retry: a brand new job
// record (new jobId), originalJobId pointing at the root of the chain,
// retryCount+1, delayed by baseDelay*2^retryCount. The failed job's
// status becomes retrying and its retriedByJobId points forward to the
// new record — this is the one documented status loop, and it always
// goes through a new jobId rather than mutating the failed one in place
// (spec.md §3 invariant 2).
func retryJob(ctx context.Context, h *Handles, job *queue.JobRecord, errMsg string) error {
	baseDelay := time.Duration(h.Config.Retry.AgentFailureBaseDelayMs) * time.Millisecond
	if baseDelay <= 0 {
		baseDelay = queue.DefaultAgentFailureBaseDelay
	}
	delay := baseDelay * time.Duration(1<<job.RetryCount)

	originalID := job.OriginalJobID
	if originalID == "" {
		originalID = job.JobID
	}

	retry, err := h.Tracker.CreateDelayedJob(ctx, tracker.CreateParams{
		Target:               job.Target,
		Task:                 job.Task,
		DispatchedBy:         job.DispatchedBy,
		Project:              job.Project,
		Label:                job.Label,
		Model:                job.Model,
		ThinkingLevel:        job.ThinkingLevel,
		SystemPromptAddition: job.SystemPromptAddition,
		Cleanup:              job.Cleanup,
		Depth:                job.Depth,
		TimeoutMs:            job.TimeoutMs,
		StoreResult:          job.StoreResult,
		DispatcherSessionKey: job.DispatcherSessionKey,
		DispatcherAgentID:    job.DispatcherAgentID,
		DispatcherDepth:      job.DispatcherDepth,
		DispatcherOrigin:     job.DispatcherOrigin,
		OriginalJobID:        originalID,
		RetryCount:           job.RetryCount + 1,
	}, delay)
	if err != nil {
		return fmt.Errorf("hooks: create agent-level retry job: %w", err)
	}

	if _, err := h.Tracker.UpdateJobStatus(ctx, job.JobID, queue.StatusRetrying, func(j *queue.JobRecord) {
		j.RetriedByJobID = retry.JobID
	}); err != nil {
		return fmt.Errorf("hooks: mark job retrying: %w", err)
	}

	h.Log.Info("hooks: agent-level retry scheduled", "job", job.JobID, "retry", retry.JobID, "delay", delay)
	return nil
}

// terminateJob marks the job permanently failed once no agent-level
// retries remain and sends a redacted DLQ notification to the
// dispatcher's session — terminal jobs only, per spec.md §4.6
// ("intermediate retry records do not notify").
func terminateJob(ctx context.Context, h *Handles, job *queue.JobRecord, errMsg string) error {
	if _, err := h.Tracker.UpdateJobStatus(ctx, job.JobID, queue.StatusFailedPermanent, nil); err != nil {
		return fmt.Errorf("hooks: mark job failed_permanent: %w", err)
	}

	if h.Store != nil {
		if err := h.Store.Publish(ctx, queue.FailedEventChannel(job.Target), job.JobID); err != nil {
			h.Log.Warn("hooks: publish failed-event failed", "job", job.JobID, "err", err)
		}
	}

	if job.DispatcherSessionKey == "" || h.Host == nil {
		return nil
	}
	notice := buildTerminalNotice(job, errMsg)
	if err := h.Host.SendToSession(ctx, job.DispatcherSessionKey, notice); err != nil {
		h.Log.Warn("hooks: terminal failure notice failed", "job", job.JobID, "err", err)
	}
	return nil
}

// ErrNotRetryable is returned by ForceRetry when jobID does not name a
// failed or failed_permanent job.
var ErrNotRetryable = errors.New("hooks: job is not in a failed state")

// ForceRetry implements the conveyorctl "retry" command: an operator
// override of spec.md §4.6's agent-level retry that ignores the
// agentFailureAttempts cap and fires immediately (zero delay) rather than
// on the exponential backoff schedule. Unlike the automatic path, a
// failed_permanent record is left untouched — its status is already
// terminal — only its retriedByJobId is linked forward to the new job.
func ForceRetry(ctx context.Context, h *Handles, jobID string) (*queue.JobRecord, error) {
	job, err := h.Tracker.FindJobByRunID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("hooks: force retry: resolve job: %w", err)
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	if job.Status != queue.StatusFailed && job.Status != queue.StatusFailedPermanent {
		return nil, ErrNotRetryable
	}

	originalID := job.OriginalJobID
	if originalID == "" {
		originalID = job.JobID
	}

	retry, err := h.Tracker.CreateDelayedJob(ctx, tracker.CreateParams{
		Target:               job.Target,
		Task:                 job.Task,
		DispatchedBy:         job.DispatchedBy,
		Project:              job.Project,
		Label:                job.Label,
		Model:                job.Model,
		ThinkingLevel:        job.ThinkingLevel,
		SystemPromptAddition: job.SystemPromptAddition,
		Cleanup:              job.Cleanup,
		Depth:                job.Depth,
		TimeoutMs:            job.TimeoutMs,
		StoreResult:          job.StoreResult,
		DispatcherSessionKey: job.DispatcherSessionKey,
		DispatcherAgentID:    job.DispatcherAgentID,
		DispatcherDepth:      job.DispatcherDepth,
		DispatcherOrigin:     job.DispatcherOrigin,
		OriginalJobID:        originalID,
		RetryCount:           job.RetryCount + 1,
	}, 0)
	if err != nil {
		return nil, fmt.Errorf("hooks: force retry: create job: %w", err)
	}

	if job.Status == queue.StatusFailed {
		if _, err := h.Tracker.UpdateJobStatus(ctx, job.JobID, queue.StatusRetrying, func(j *queue.JobRecord) {
			j.RetriedByJobID = retry.JobID
		}); err != nil {
			return nil, fmt.Errorf("hooks: force retry: mark job retrying: %w", err)
		}
	} else if _, err := h.Tracker.PatchJob(ctx, job.JobID, func(j *queue.JobRecord) {
		j.RetriedByJobID = retry.JobID
	}); err != nil {
		return nil, fmt.Errorf("hooks: force retry: link terminal job to retry: %w", err)
	}

	return retry, nil
}

func buildTerminalNotice(job *queue.JobRecord, errMsg string) string {
	raw := fmt.Sprintf("Job %s to %s failed permanently after %d attempts: %s", job.JobID, job.Target, job.RetryCount+1, errMsg)
	return text.TruncateRunes(redact.ForAlert(raw), queue.MaxAlertChars)
}
