// Package worker implements the per-agent worker pool: one goroutine per
// configured agent consuming its queue with concurrency 1, running the
// 14-step launch sequence from spec.md §4.5. Launching a child session is
// the "dispatch-launch" lifecycle; the child's own execution lifecycle is
// observed independently by pkg/hooks.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"conveyor/internal/clock"
	"conveyor/internal/idgen"
	"conveyor/pkg/config"
	"conveyor/pkg/hostapi"
	"conveyor/pkg/queue"
	"conveyor/pkg/store"
	"conveyor/pkg/tracker"
)

// maxPendingAnnouncements bounds each worker's outcome buffer, which
// records the run id of every successful launch; nothing in the worker
// drains it.
const maxPendingAnnouncements = 100

// Launch is shared by the ordinary worker pool and the approval spawner
// (spec.md §9's Cyclic References note): it runs the 14-step sequence
// parameterized by depth, the requester reference for announce routing,
// and whether the usual safety checks (depth/fan-out/allowlist) apply.
// Approval-gated dispatches already passed those checks once at approval
// time, so the spawner calls Launch with safetyChecksEnabled=false.
func Launch(
	ctx context.Context,
	tr *tracker.Tracker,
	host hostapi.SessionHost,
	cfg *config.Config,
	job *queue.JobRecord,
	callerDepth int,
	requester hostapi.SessionRef,
	safetyChecksEnabled bool,
	s store.Store,
	c *clock.Clock,
) (runID string, err error) {
	agentCfg, ok := cfg.Agents[job.Target]
	if !ok {
		return "", &UnrecoverableError{JobID: job.JobID, Target: job.Target, Reason: "unknown target agent"}
	}

	if safetyChecksEnabled {
		if err := validateDepth(job, agentCfg, callerDepth); err != nil {
			return "", err
		}
		if err := validateFanOut(ctx, s, job, cfg); err != nil {
			return "", err
		}
		if err := validateAllowlist(job, requester, agentCfg); err != nil {
			return "", err
		}
	}

	childSessionKey := idgen.ChildSessionKey(job.Target)
	childDepth := callerDepth + 1

	model, thinking := resolveModelAndThinking(job, agentCfg, cfg)

	patch := hostapi.SessionPatch{Depth: &childDepth}
	if model != "" {
		patch.Model = &model
	}
	if thinking != "" {
		patch.ThinkingLevel = &thinking
	}
	if err := patchSessionWithModelFallback(ctx, host, childSessionKey, patch); err != nil {
		return "", &RecoverableError{JobID: job.JobID, Target: job.Target, Reason: "patch session: " + err.Error()}
	}

	systemPrompt := buildSubagentSystemPrompt(job)

	runID, err = host.StartSession(ctx, hostapi.StartSessionRequest{
		Target:               job.Target,
		SessionKey:           childSessionKey,
		Task:                 job.Task,
		SystemPromptAddition: systemPrompt,
		Depth:                childDepth,
		Model:                model,
		ThinkingLevel:        thinking,
		Deliver:              false,
		Requester:            requester,
	})
	if err != nil {
		return "", &RecoverableError{JobID: job.JobID, Target: job.Target, Reason: "start session: " + err.Error()}
	}

	if err := host.RegisterSubagentRun(ctx, runID, requester); err != nil {
		return "", &RecoverableError{JobID: job.JobID, Target: job.Target, Reason: "register subagent run: " + err.Error()}
	}

	now := c.Now()
	if _, err := tr.UpdateJobStatus(ctx, job.JobID, queue.StatusActive, func(j *queue.JobRecord) {
		j.OpenclawRunID = runID
		j.OpenclawSessionKey = childSessionKey
		j.StartedAt = &now
	}); err != nil {
		return "", fmt.Errorf("worker: update job status after launch: %w", err)
	}

	if err := tr.IndexJobBySessionKey(ctx, childSessionKey, job.JobID, queue.QueueName(job.Target)); err != nil {
		return "", fmt.Errorf("worker: index session key: %w", err)
	}

	if safetyChecksEnabled {
		_, _ = s.Incr(ctx, queue.ActiveChildrenKey(job.DispatchedBy), 0)
	}

	return runID, nil
}

func validateDepth(job *queue.JobRecord, agentCfg config.AgentConfig, callerDepth int) error {
	maxDepth := agentCfg.MaxSpawnDepth
	if maxDepth == 0 {
		maxDepth = queue.DefaultMaxSpawnDepth
	}
	if callerDepth >= maxDepth {
		return &UnrecoverableError{JobID: job.JobID, Target: job.Target, Reason: "caller depth at or above max spawn depth"}
	}
	return nil
}

// validateFanOut caps a caller's concurrently-active children (spec.md
// §4.5 step 4) — a separate limit from the target queue's own depth cap
// (spec.md §4.7 step 6, validated in pkg/dispatch), configured
// independently via RateLimit.MaxChildrenPerAgent.
func validateFanOut(ctx context.Context, s store.Store, job *queue.JobRecord, cfg *config.Config) error {
	maxChildren := cfg.RateLimit.MaxChildrenPerAgent
	if maxChildren <= 0 {
		maxChildren = queue.DefaultMaxChildrenPerAgent
	}
	raw, err := s.Get(ctx, queue.ActiveChildrenKey(job.DispatchedBy))
	if err != nil {
		return &RecoverableError{JobID: job.JobID, Target: job.Target, Reason: "read active-children counter: " + err.Error()}
	}
	current, _ := strconv.Atoi(raw)
	if current >= maxChildren {
		return &RecoverableError{JobID: job.JobID, Target: job.Target, Reason: "caller active-children cap reached"}
	}
	return nil
}

func validateAllowlist(job *queue.JobRecord, requester hostapi.SessionRef, agentCfg config.AgentConfig) error {
	if job.Target == job.DispatchedBy {
		return nil
	}
	for _, allowed := range agentCfg.AllowedTargets {
		if allowed == "*" || allowed == job.Target {
			return nil
		}
	}
	return &UnrecoverableError{JobID: job.JobID, Target: job.Target, Reason: "target not in caller's allowlist"}
}

// resolveModelAndThinking applies the layered fallback from spec.md §4.5
// step 7: job-level override > target-agent config > platform default.
func resolveModelAndThinking(job *queue.JobRecord, agentCfg config.AgentConfig, cfg *config.Config) (model, thinking string) {
	model = job.Model
	if model == "" {
		model = agentCfg.Model
	}
	thinking = job.ThinkingLevel
	if thinking == "" {
		thinking = agentCfg.ThinkingLevel
	}
	return model, thinking
}

// patchSessionWithModelFallback applies patch in one round trip; if the
// combined patch fails, it retries with the model field cleared, per
// spec.md §4.5 step 8 ("if the combined patch fails on a recoverable
// model error, retry without the model field").
func patchSessionWithModelFallback(ctx context.Context, host hostapi.SessionHost, sessionKey string, patch hostapi.SessionPatch) error {
	if err := host.PatchSession(ctx, sessionKey, patch); err != nil {
		if patch.Model == nil {
			return err
		}
		retry := patch
		retry.Model = nil
		return host.PatchSession(ctx, sessionKey, retry)
	}
	return nil
}

func buildSubagentSystemPrompt(job *queue.JobRecord) string {
	if job.SystemPromptAddition == "" {
		return ""
	}
	return job.SystemPromptAddition
}

// AgentWorker consumes one agent's queue with concurrency 1, launching
// each job it dequeues via Launch.
type AgentWorker struct {
	agentID string
	tracker *tracker.Tracker
	host    hostapi.SessionHost
	cfg     *config.Config
	store   store.Store
	clock   *clock.Clock
	log     *slog.Logger
	buffer  *OutcomeBuffer

	pollInterval time.Duration
}

// NewAgentWorker builds the worker for one agent's queue.
func NewAgentWorker(agentID string, tr *tracker.Tracker, host hostapi.SessionHost, cfg *config.Config, s store.Store, log *slog.Logger) *AgentWorker {
	return &AgentWorker{
		agentID:      agentID,
		tracker:      tr,
		host:         host,
		cfg:          cfg,
		store:        s,
		clock:        clock.System,
		log:          log,
		buffer:       NewOutcomeBuffer(maxPendingAnnouncements),
		pollInterval: time.Second,
	}
}

// Run polls the agent's wait sorted set until ctx is cancelled, launching
// one job at a time (concurrency 1, per spec.md §5: "parallelism is
// across queues, never within one").
func (w *AgentWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drainOnce(ctx)
		}
	}
}

func (w *AgentWorker) drainOnce(ctx context.Context) {
	queueName := queue.QueueName(w.agentID)
	waitKey := queueName + ":wait"

	entries, err := w.store.ZRangeByScore(ctx, waitKey, 0, float64(w.clock.Now().UnixNano()), 1)
	if err != nil {
		w.log.Error("worker: poll wait set failed", "agent", w.agentID, "err", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	jobID := entries[0].Member

	if err := w.store.ZRem(ctx, waitKey, jobID); err != nil {
		w.log.Error("worker: dequeue failed", "agent", w.agentID, "job", jobID, "err", err)
		return
	}

	job, err := w.tracker.FindJobByRunID(ctx, jobID)
	if err != nil || job == nil {
		w.log.Error("worker: dequeued job not found", "agent", w.agentID, "job", jobID, "err", err)
		return
	}

	callerDepth := job.Depth
	if job.DispatcherDepth != nil {
		callerDepth = *job.DispatcherDepth
	}

	requester := hostapi.SessionRef{
		SessionKey: job.DispatcherSessionKey,
		AgentID:    job.DispatcherAgentID,
		Depth:      callerDepth,
	}

	runID, err := Launch(ctx, w.tracker, w.host, w.cfg, job, callerDepth, requester, true, w.store, w.clock)
	if err != nil {
		w.handleLaunchFailure(ctx, job, err)
		return
	}

	w.buffer.Add(runID)
	w.log.Info("worker: launched child session", "agent", w.agentID, "job", job.JobID, "runId", runID)
}

// handleLaunchFailure applies spec.md §4.5's launch-failure split:
// unrecoverable errors (bad config, depth/allowlist violations) bypass
// retry entirely; recoverable errors go through the queue's native retry
// (3 attempts, 5s exponential base) before the job is marked failed.
func (w *AgentWorker) handleLaunchFailure(ctx context.Context, job *queue.JobRecord, err error) {
	if ue, ok := err.(*UnrecoverableError); ok {
		w.log.Warn("worker: unrecoverable launch failure, no retry", "job", job.JobID, "reason", ue.Reason)
		w.markFailed(ctx, job, err)
		return
	}

	if job.LaunchRetryCount >= queue.DefaultLaunchRetryAttempts-1 {
		w.log.Warn("worker: launch retries exhausted", "job", job.JobID)
		w.markFailed(ctx, job, err)
		return
	}

	w.requeueWithBackoff(ctx, job)
}

func (w *AgentWorker) markFailed(ctx context.Context, job *queue.JobRecord, err error) {
	now := w.clock.Now()
	if _, uerr := w.tracker.UpdateJobStatus(ctx, job.JobID, queue.StatusFailed, func(j *queue.JobRecord) {
		j.Error = err.Error()
		j.CompletedAt = &now
	}); uerr != nil {
		w.log.Error("worker: failed to record launch failure", "job", job.JobID, "err", uerr)
		return
	}
	if perr := w.store.Publish(ctx, queue.FailedEventChannel(w.agentID), job.JobID); perr != nil {
		w.log.Warn("worker: publish failed-event failed", "job", job.JobID, "err", perr)
	}
}

// requeueWithBackoff re-enqueues the same job at a delayed score, leaving
// its status at queued — this is the queue's own attempt mechanism
// operating on one job record, distinct from the agent-level retry in
// pkg/hooks which creates a new job with a new id. It tracks attempts in
// LaunchRetryCount, not RetryCount, so a launch retry never counts
// against the agent-level retry budget pkg/hooks enforces on the same
// record.
func (w *AgentWorker) requeueWithBackoff(ctx context.Context, job *queue.JobRecord) {
	delay := queue.DefaultLaunchRetryBaseDelay * time.Duration(1<<job.LaunchRetryCount)
	retryAt := w.clock.Now().Add(delay)

	waitKey := queue.QueueName(w.agentID) + ":wait"
	if err := w.store.ZAdd(ctx, waitKey, float64(retryAt.UnixNano()), job.JobID); err != nil {
		w.log.Error("worker: requeue for retry failed", "job", job.JobID, "err", err)
		return
	}
	if _, err := w.tracker.PatchJob(ctx, job.JobID, func(j *queue.JobRecord) {
		j.LaunchRetryCount++
	}); err != nil {
		w.log.Error("worker: persist retry count failed", "job", job.JobID, "err", err)
	}
}
