// Package tracker owns the job-record CRUD, the jobId->queue and
// sessionKey->job indexes, dependency-gate flow creation, and the
// periodic stale-index sweep, per spec.md §4.4.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"conveyor/internal/clock"
	"conveyor/internal/idgen"
	"conveyor/pkg/queue"
	"conveyor/pkg/store"
)

const (
	jobIndexKey     = "bull:job-index"
	sessionIndexKey = "bull:session-index"
	depGatesZSet    = "bull:dep-gates:wait"
	cleanupBatch    = 50
)

func jobKey(jobID string) string { return "orch:job:" + jobID }

func waitZSet(queueName string) string { return queueName + ":wait" }

func pendingGatesKey(parentJobID string) string { return "orch:pending-gates:" + parentJobID }

// GateKey is the store key for one dependency-gate job's durable record,
// shared with pkg/depgate so both sides address the same key without
// duplicating the prefix literal.
func GateKey(gateID string) string { return "orch:gate:" + gateID }

// ErrDependencyNotFound is returned by CreateFlow when a dependsOn entry
// does not resolve to an existing job.
type ErrDependencyNotFound struct {
	JobID string
}

func (e *ErrDependencyNotFound) Error() string {
	return fmt.Sprintf("tracker: dependency job %q not found", e.JobID)
}

// CreateParams carries the fields the dispatch tool collects for a new
// job, before the tracker assigns identity and lifecycle fields.
type CreateParams struct {
	Target               string
	Task                 string
	DispatchedBy         string
	Project              string
	Label                string
	Model                string
	ThinkingLevel        string
	SystemPromptAddition string
	Cleanup              queue.Cleanup
	Depth                int
	DependsOn            []string
	TimeoutMs            int
	StoreResult          bool
	DispatcherSessionKey string
	DispatcherAgentID    string
	DispatcherDepth      *int
	DispatcherOrigin     queue.DispatcherOrigin

	// OriginalJobID and RetryCount are set only by pkg/hooks' agent-level
	// retry path (spec.md §4.6): a retry job is a new record, not a
	// mutation of the failed one, carrying a pointer back to the root of
	// its retry chain and the next attempt number.
	OriginalJobID string
	RetryCount    int
}

// Tracker implements spec.md §4.4 over a Store.
type Tracker struct {
	store store.Store
	clock *clock.Clock
	log   *slog.Logger
}

// New returns a Tracker bound to s.
func New(s store.Store, log *slog.Logger) *Tracker {
	return &Tracker{store: s, clock: clock.System, log: log}
}

// CreateJob creates a job with no dependencies: writes the record and the
// jobId->queue index, and enqueues it on the target's wait sorted set
// (score = queuedAt, so dequeue order is FIFO-by-enqueue-time per spec.md
// §2's "no priority beyond FIFO").
func (t *Tracker) CreateJob(ctx context.Context, p CreateParams) (*queue.JobRecord, error) {
	if len(p.DependsOn) > 0 {
		return t.CreateFlow(ctx, p)
	}

	job := t.newRecord(p)
	queueName := queue.QueueName(p.Target)

	if err := t.putJob(ctx, job); err != nil {
		return nil, err
	}
	if err := t.store.HSet(ctx, jobIndexKey, job.JobID, queueName); err != nil {
		return nil, fmt.Errorf("tracker: index job: %w", err)
	}
	if err := t.store.ZAdd(ctx, waitZSet(queueName), float64(job.QueuedAt.UnixNano()), job.JobID); err != nil {
		return nil, fmt.Errorf("tracker: enqueue job: %w", err)
	}
	return job, nil
}

// CreateFlow creates a job with dependsOn ≠ ∅: the new job is the parent,
// held out of its target queue (invariant 4, spec.md §3) until one
// dep-gate child per dependency completes. Every referenced job must
// already exist.
func (t *Tracker) CreateFlow(ctx context.Context, p CreateParams) (*queue.JobRecord, error) {
	for _, depID := range p.DependsOn {
		queueName, err := t.store.HGet(ctx, jobIndexKey, depID)
		if err != nil {
			return nil, fmt.Errorf("tracker: resolve dependency %s: %w", depID, err)
		}
		if queueName == "" {
			return nil, &ErrDependencyNotFound{JobID: depID}
		}
	}

	job := t.newRecord(p)
	job.WaitingForDependencies = true

	if err := t.putJob(ctx, job); err != nil {
		return nil, err
	}
	// The parent is indexed (so status()/dependents can find it) but
	// deliberately not added to its agent's wait set — only the gate
	// worker, on the last dependency completing, enqueues it.
	if err := t.store.HSet(ctx, jobIndexKey, job.JobID, queue.QueueName(p.Target)); err != nil {
		return nil, fmt.Errorf("tracker: index job: %w", err)
	}

	if err := t.store.Set(ctx, pendingGatesKey(job.JobID), fmt.Sprint(len(p.DependsOn)), 0); err != nil {
		return nil, fmt.Errorf("tracker: init gate counter: %w", err)
	}

	for _, depID := range p.DependsOn {
		gate := GateJob{
			GateID:          idgen.JobID(),
			DependencyJobID: depID,
			ParentJobID:     job.JobID,
			ParentTarget:    job.Target,
			CreatedAt:       t.clock.Now(),
		}
		data, err := json.Marshal(gate)
		if err != nil {
			return nil, fmt.Errorf("tracker: marshal gate job: %w", err)
		}
		if err := t.store.Set(ctx, GateKey(gate.GateID), string(data), 0); err != nil {
			return nil, fmt.Errorf("tracker: write gate job: %w", err)
		}
		if err := t.store.ZAdd(ctx, depGatesZSet, float64(gate.CreatedAt.UnixNano()), gate.GateID); err != nil {
			return nil, fmt.Errorf("tracker: enqueue gate job: %w", err)
		}
	}

	return job, nil
}

// GateJob is the payload for one dependency-gate queue entry. CreatedAt is
// reset on each poll-cap timeout so it always marks the start of the
// current 30-minute polling window, per spec.md §4.8's "timeout is
// recoverable; retries allowed" — Attempts is the number of windows
// consumed so far.
type GateJob struct {
	GateID          string    `json:"gateId"`
	DependencyJobID string    `json:"dependencyJobId"`
	ParentJobID     string    `json:"parentJobId"`
	ParentTarget    string    `json:"parentTarget"`
	CreatedAt       time.Time `json:"createdAt"`
	Attempts        int       `json:"attempts"`
}

func (t *Tracker) newRecord(p CreateParams) *queue.JobRecord {
	return &queue.JobRecord{
		JobID:                idgen.JobID(),
		OriginalJobID:        p.OriginalJobID,
		Target:               p.Target,
		Task:                 p.Task,
		DispatchedBy:         p.DispatchedBy,
		Project:              p.Project,
		Label:                p.Label,
		Model:                p.Model,
		ThinkingLevel:        p.ThinkingLevel,
		SystemPromptAddition: p.SystemPromptAddition,
		Cleanup:              p.Cleanup,
		Depth:                p.Depth,
		DependsOn:            p.DependsOn,
		Status:               queue.StatusQueued,
		QueuedAt:             t.clock.Now(),
		TimeoutMs:            p.TimeoutMs,
		RetryCount:           p.RetryCount,
		StoreResult:          p.StoreResult,
		DispatcherSessionKey: p.DispatcherSessionKey,
		DispatcherAgentID:    p.DispatcherAgentID,
		DispatcherDepth:      p.DispatcherDepth,
		DispatcherOrigin:     p.DispatcherOrigin,
	}
}

// CreateDelayedJob creates a job exactly like CreateJob (no dependsOn
// support — agent-level retries never carry one forward) but enqueues it
// at a future score instead of now, implementing the
// "baseDelay*2^retryCount" backoff pkg/hooks' agent-level retry path
// needs (spec.md §4.6). The returned record's QueuedAt still reflects
// creation time; only the wait-set score is delayed.
func (t *Tracker) CreateDelayedJob(ctx context.Context, p CreateParams, delay time.Duration) (*queue.JobRecord, error) {
	job := t.newRecord(p)
	queueName := queue.QueueName(p.Target)

	if err := t.putJob(ctx, job); err != nil {
		return nil, err
	}
	if err := t.store.HSet(ctx, jobIndexKey, job.JobID, queueName); err != nil {
		return nil, fmt.Errorf("tracker: index job: %w", err)
	}
	releaseAt := t.clock.Now().Add(delay)
	if err := t.store.ZAdd(ctx, waitZSet(queueName), float64(releaseAt.UnixNano()), job.JobID); err != nil {
		return nil, fmt.Errorf("tracker: enqueue delayed job: %w", err)
	}
	return job, nil
}

func (t *Tracker) putJob(ctx context.Context, job *queue.JobRecord) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("tracker: marshal job: %w", err)
	}
	if err := t.store.Set(ctx, jobKey(job.JobID), string(data), 0); err != nil {
		return fmt.Errorf("tracker: write job: %w", err)
	}
	return nil
}

// UpdateJobStatus validates the transition and writes the new status plus
// any extras (result, error, timestamps) onto the job record. It reads
// the job record directly by jobId (the jobId->queue index is not
// consulted); a missing record is reported as not found.
func (t *Tracker) UpdateJobStatus(ctx context.Context, jobID string, next queue.Status, mutate func(*queue.JobRecord)) (*queue.JobRecord, error) {
	job, err := t.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("tracker: job %s not found", jobID)
	}
	if !job.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("tracker: invalid transition %s -> %s for job %s", job.Status, next, jobID)
	}
	job.Status = next
	if mutate != nil {
		mutate(job)
	}
	if err := t.putJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// PatchJob applies mutate to the job record without changing its status,
// used for bookkeeping fields (retry counters, result capture) that don't
// represent a lifecycle transition.
func (t *Tracker) PatchJob(ctx context.Context, jobID string, mutate func(*queue.JobRecord)) (*queue.JobRecord, error) {
	job, err := t.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("tracker: job %s not found", jobID)
	}
	mutate(job)
	if err := t.putJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (t *Tracker) getJob(ctx context.Context, jobID string) (*queue.JobRecord, error) {
	raw, err := t.store.Get(ctx, jobKey(jobID))
	if err != nil {
		return nil, fmt.Errorf("tracker: get job %s: %w", jobID, err)
	}
	if raw == "" {
		return nil, nil
	}
	var job queue.JobRecord
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("tracker: unmarshal job %s: %w", jobID, err)
	}
	return &job, nil
}

// FindJobByRunID resolves a job by its id.
func (t *Tracker) FindJobByRunID(ctx context.Context, jobID string) (*queue.JobRecord, error) {
	return t.getJob(ctx, jobID)
}

// FindJobBySessionKey resolves a job via the sessionKey->job reverse
// index, written by IndexJobBySessionKey once a worker learns the child
// session key (spec.md §4.5 step 13).
func (t *Tracker) FindJobBySessionKey(ctx context.Context, sessionKey string) (*queue.JobRecord, error) {
	raw, err := t.store.HGet(ctx, sessionIndexKey, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("tracker: session index lookup: %w", err)
	}
	if raw == "" {
		return nil, nil
	}
	var entry sessionIndexEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("tracker: unmarshal session index entry: %w", err)
	}
	return t.getJob(ctx, entry.JobID)
}

type sessionIndexEntry struct {
	JobID     string `json:"jobId"`
	QueueName string `json:"queueName"`
}

// IndexJobBySessionKey writes the sessionKey->job reverse index entry.
func (t *Tracker) IndexJobBySessionKey(ctx context.Context, sessionKey, jobID, queueName string) error {
	data, err := json.Marshal(sessionIndexEntry{JobID: jobID, QueueName: queueName})
	if err != nil {
		return fmt.Errorf("tracker: marshal session index entry: %w", err)
	}
	if err := t.store.HSet(ctx, sessionIndexKey, sessionKey, string(data)); err != nil {
		return fmt.Errorf("tracker: write session index: %w", err)
	}
	return nil
}

// QueueStats is the per-queue counter set spec.md §4.4 requires.
type QueueStats struct {
	Waiting   int
	Active    int
	Completed int
	Failed    int
	Delayed   int
	Paused    int
}

// GetQueueStats returns per-queue counters, scoped to one agent if
// agentID is non-empty, otherwise summed across every indexed job.
func (t *Tracker) GetQueueStats(ctx context.Context, agentID string) (QueueStats, error) {
	var stats QueueStats

	index, err := t.store.HGetAll(ctx, jobIndexKey)
	if err != nil {
		return stats, fmt.Errorf("tracker: read job index: %w", err)
	}

	var queueFilter string
	if agentID != "" {
		queueFilter = queue.QueueName(agentID)
	}

	for jobID, queueName := range index {
		if queueFilter != "" && queueName != queueFilter {
			continue
		}
		job, err := t.getJob(ctx, jobID)
		if err != nil || job == nil {
			continue
		}
		switch job.Status {
		case queue.StatusQueued:
			stats.Waiting++
		case queue.StatusActive, queue.StatusAnnouncing:
			stats.Active++
		case queue.StatusCompleted:
			stats.Completed++
		case queue.StatusFailed, queue.StatusFailedPermanent:
			stats.Failed++
		case queue.StatusRetrying:
			stats.Delayed++
		case queue.StatusStalled:
			stats.Paused++
		}
	}
	return stats, nil
}

// AllJobs returns every job record the job index currently knows about.
// pkg/query uses this as the base set for the status/list/activity
// queries (spec.md §6.1) before applying status/project/agent filters and
// per-caller authorization projection; it is not meant for any path that
// needs index-freshness guarantees stronger than "as of this read".
func (t *Tracker) AllJobs(ctx context.Context) ([]*queue.JobRecord, error) {
	index, err := t.store.HGetAll(ctx, jobIndexKey)
	if err != nil {
		return nil, fmt.Errorf("tracker: read job index: %w", err)
	}
	jobs := make([]*queue.JobRecord, 0, len(index))
	for jobID := range index {
		job, err := t.getJob(ctx, jobID)
		if err != nil || job == nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// DrainQueue removes every job still waiting in agentID's queue —
// queued and not-yet-due retrying entries alike — marking each one
// failed with a drain notice, per the conveyorctl "drain" command
// (BullMQ's drain semantics: clear what hasn't started, leave anything
// already active alone). It returns the number of jobs drained.
func (t *Tracker) DrainQueue(ctx context.Context, agentID string) (int, error) {
	waitKey := queue.QueueName(agentID) + ":wait"
	entries, err := t.store.ZRangeByScore(ctx, waitKey, 0, math.MaxFloat64, 0)
	if err != nil {
		return 0, fmt.Errorf("tracker: drain: read wait set: %w", err)
	}

	drained := 0
	now := t.clock.Now()
	for _, entry := range entries {
		if err := t.store.ZRem(ctx, waitKey, entry.Member); err != nil {
			t.log.Error("tracker: drain: dequeue failed", "agent", agentID, "job", entry.Member, "err", err)
			continue
		}
		job, err := t.getJob(ctx, entry.Member)
		if err != nil || job == nil {
			continue
		}
		if !job.Status.CanTransitionTo(queue.StatusFailed) {
			continue
		}
		job.Status = queue.StatusFailed
		job.Error = "drained by operator"
		job.CompletedAt = &now
		if err := t.putJob(ctx, job); err != nil {
			t.log.Error("tracker: drain: persist failed job failed", "agent", agentID, "job", job.JobID, "err", err)
			continue
		}
		drained++
	}
	return drained, nil
}

// CleanupStaleIndexEntries scans both indexes in batches of 50 and drops
// entries whose underlying job no longer exists, per spec.md §4.4.
func (t *Tracker) CleanupStaleIndexEntries(ctx context.Context) (removed int, err error) {
	jobIndex, err := t.store.HGetAll(ctx, jobIndexKey)
	if err != nil {
		return 0, fmt.Errorf("tracker: read job index: %w", err)
	}
	removed += t.pruneInBatches(ctx, jobIndexKey, jobIndex, func(jobID string) bool {
		job, err := t.getJob(ctx, jobID)
		return err == nil && job == nil
	})

	sessionIndex, err := t.store.HGetAll(ctx, sessionIndexKey)
	if err != nil {
		return removed, fmt.Errorf("tracker: read session index: %w", err)
	}
	removed += t.pruneInBatches(ctx, sessionIndexKey, sessionIndex, func(sessionKey string) bool {
		var entry sessionIndexEntry
		if err := json.Unmarshal([]byte(sessionIndex[sessionKey]), &entry); err != nil {
			return true
		}
		job, err := t.getJob(ctx, entry.JobID)
		return err == nil && job == nil
	})

	return removed, nil
}

func (t *Tracker) pruneInBatches(ctx context.Context, indexKey string, entries map[string]string, stale func(field string) bool) int {
	removed := 0
	batch := make([]string, 0, cleanupBatch)
	for field := range entries {
		if stale(field) {
			batch = append(batch, field)
		}
		if len(batch) == cleanupBatch {
			removed += t.flushBatch(ctx, indexKey, batch)
			batch = batch[:0]
		}
	}
	removed += t.flushBatch(ctx, indexKey, batch)
	return removed
}

func (t *Tracker) flushBatch(ctx context.Context, indexKey string, batch []string) int {
	if len(batch) == 0 {
		return 0
	}
	if err := t.store.HDel(ctx, indexKey, batch...); err != nil {
		t.log.Error("tracker: prune stale index entries failed", "index", indexKey, "err", err)
		return 0
	}
	return len(batch)
}

// RunPeriodicCleanup runs CleanupStaleIndexEntries once per interval
// until ctx is cancelled, swallowing and logging failures (spec.md §4.4:
// "every 1h, non-blocking, failures logged and swallowed").
func (t *Tracker) RunPeriodicCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := t.CleanupStaleIndexEntries(ctx)
			if err != nil {
				t.log.Error("tracker: periodic cleanup failed", "err", err)
				continue
			}
			if removed > 0 {
				t.log.Info("tracker: pruned stale index entries", "removed", removed)
			}
		}
	}
}
