// Package queue holds the tuning constants and the job/approval/learning
// record schema shared by every other package. Keeping these in one leaf
// package (no internal dependencies beyond the standard library) mirrors
// the teacher's pkg/protocol: a single source of truth for wire/record
// shapes that tracker, worker, dispatch, hooks, and approval all import.
package queue

import "time"

// Queue tuning constants. Per spec.md §4.3 these are safety invariants,
// not defaults an operator is expected to override casually.
const (
	// DefaultLockDuration is the minimum lock duration for a launch job.
	// Spec.md §4.3: "An implementation must not choose a lower default."
	DefaultLockDuration = 5 * time.Minute

	DefaultStallCheckInterval = 3 * time.Minute
	DefaultMaxStalledCount    = 2

	DefaultLaunchRetryAttempts  = 3
	DefaultLaunchRetryBaseDelay = 5 * time.Second

	DefaultCompletedRetentionAge   = 7 * 24 * time.Hour
	DefaultCompletedRetentionCount = 1000
	DefaultFailedRetentionAge      = 30 * 24 * time.Hour
	DefaultFailedRetentionCount    = 5000

	// DefaultWorkerConcurrency is per-agent-queue concurrency. Parallelism
	// is across queues, never within one (spec.md §4.3, §5).
	DefaultWorkerConcurrency = 1

	// DepGateLockDuration must exceed DepGatePollCap plus buffer (spec.md
	// §4.8: "strictly greater than the polling cap plus buffer").
	DepGateLockDuration = 35 * time.Minute
	DepGatePollInterval = 5 * time.Second
	DepGatePollCap      = 30 * time.Minute
	DepGateConcurrency  = 10

	DefaultAgentRateLimitPerMinute = 10
	DefaultMaxQueueDepth           = 50
	DefaultMaxSpawnDepth           = 6

	// DefaultMaxChildrenPerAgent caps a caller's concurrently-active
	// children (spec.md §4.5 step 4) — distinct from DefaultMaxQueueDepth,
	// which caps a target queue's own wait+delayed+active depth (spec.md
	// §4.7 step 6). The two happen to share a default value but are
	// independently configurable.
	DefaultMaxChildrenPerAgent = 50

	DefaultAgentFailureAttempts  = 3
	DefaultAgentFailureBaseDelay = 5 * time.Minute

	DefaultApprovalTTLDays = 7
	DefaultLearningTTLDays = 365

	DefaultBreakerFailureThreshold = 5
	DefaultBreakerResetTimeout     = 30 * time.Second

	MaxTaskRunes           = 50000
	MaxResultRunes         = 5000
	MaxDependsOn           = 20
	MaxApprovalNoticeChars = 500
	MaxAlertChars          = 200
)

// QueuePrefix is the keyspace prefix for all queue infrastructure, per
// spec.md §4.1.
const QueuePrefix = "bull:"

// RecordPrefix is the keyspace prefix for orchestrator-owned durable
// records, per spec.md §4.1.
const RecordPrefix = "orch:"

// DepGateQueueName is the single queue all dependency-gate jobs live on.
const DepGateQueueName = QueuePrefix + "dep-gates"

// FailedEventChannel is the pub/sub channel a per-agent queue's terminal
// failures (launch retries exhausted, or agent-level retries exhausted)
// are published on, per spec.md §4.10's "subscribe to failed-event
// streams per queue for DLQ alerting." pkg/worker and pkg/hooks publish;
// pkg/dlq subscribes.
func FailedEventChannel(agentID string) string {
	return QueuePrefix + "events:failed:" + agentID
}

// QueueName returns the canonical per-agent queue name. Per SPEC_FULL.md
// §3, this implementation standardizes on the hyphenated form
// (agent-{id}), resolving spec.md §9's open naming question; every other
// package must construct queue names through this function.
func QueueName(agentID string) string {
	return QueuePrefix + "agent-" + agentID
}

// ActiveChildrenKey is the counter key holding a caller's currently-active
// children (spec.md §4.5 step 4). pkg/worker increments it on every
// successful launch and pkg/hooks/pkg/orchestrator decrement it whenever
// one of that caller's children reaches a terminal state, so it tracks
// live concurrency rather than a lifetime launch count.
func ActiveChildrenKey(callerID string) string {
	return RecordPrefix + "active-children:" + callerID
}

// Status is a job record's lifecycle status (spec.md §3).
type Status string

const (
	StatusQueued          Status = "queued"
	StatusActive          Status = "active"
	StatusAnnouncing      Status = "announcing"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusFailedPermanent Status = "failed_permanent"
	StatusRetrying        Status = "retrying"
	StatusStalled         Status = "stalled"
)

// IsTerminal reports whether status is a terminal state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailedPermanent
}

// forwardPath is the single happy-path progression; status transitions
// outside of this chain are only valid via the failed/retrying escape
// hatches handled explicitly by CanTransitionTo.
var forwardPath = map[Status]Status{
	StatusQueued:     StatusActive,
	StatusActive:     StatusAnnouncing,
	StatusAnnouncing: StatusCompleted,
}

// CanTransitionTo reports whether moving from s to next is a legal
// one-way transition under spec.md §3 invariant 2: "status transitions
// are one-way except queued→active→announcing→completed, with failed
// reachable from any non-terminal state, and failed→retrying→queued (new
// record) the only loop, via a new jobId".
func (s Status) CanTransitionTo(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	if forwardPath[s] == next {
		return true
	}
	if next == StatusFailed {
		return true
	}
	if s == StatusFailed && next == StatusRetrying {
		return true
	}
	if s == StatusFailed && next == StatusFailedPermanent {
		return true
	}
	if s == StatusStalled && next == StatusActive {
		return true
	}
	if next == StatusStalled {
		return true
	}
	return false
}

// Cleanup controls whether a session host resource is deleted or kept
// after the job completes.
type Cleanup string

const (
	CleanupDelete Cleanup = "delete"
	CleanupKeep   Cleanup = "keep"
)

// DispatcherOrigin carries the chat-platform coordinates the dispatching
// session was talking from, so results and approvals can be routed back.
type DispatcherOrigin struct {
	Channel   string `json:"channel,omitempty"`
	AccountID string `json:"accountId,omitempty"`
	To        string `json:"to,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`
}

// JobRecord is the durable payload per job, per spec.md §3.
type JobRecord struct {
	// Identity
	JobID          string `json:"jobId"`
	OriginalJobID  string `json:"originalJobId,omitempty"`
	RetriedByJobID string `json:"retriedByJobId,omitempty"`

	// Dispatch
	Target               string   `json:"target"`
	Task                 string   `json:"task"`
	DispatchedBy         string   `json:"dispatchedBy"`
	Project              string   `json:"project,omitempty"`
	Label                string   `json:"label,omitempty"`
	Model                string   `json:"model,omitempty"`
	ThinkingLevel        string   `json:"thinkingLevel,omitempty"`
	SystemPromptAddition string   `json:"systemPromptAddition,omitempty"`
	Cleanup              Cleanup  `json:"cleanup,omitempty"`
	Depth                int      `json:"depth"`
	DependsOn            []string `json:"dependsOn,omitempty"`

	// Lifecycle
	Status      Status     `json:"status"`
	QueuedAt    time.Time  `json:"queuedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	// Result
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`

	// Dispatcher context
	DispatcherSessionKey string           `json:"dispatcherSessionKey,omitempty"`
	DispatcherAgentID    string           `json:"dispatcherAgentId,omitempty"`
	DispatcherDepth      *int             `json:"dispatcherDepth,omitempty"`
	DispatcherOrigin     DispatcherOrigin `json:"dispatcherOrigin,omitempty"`

	// Session-host linkage
	OpenclawRunID      string `json:"openclawRunId,omitempty"`
	OpenclawSessionKey string `json:"openclawSessionKey,omitempty"`

	// Timeouts / retry
	TimeoutMs int `json:"timeoutMs,omitempty"`

	// RetryCount is the agent-level retry chain's attempt number (spec.md
	// §4.6) — carried forward onto each new job record pkg/hooks creates,
	// never mutated on an existing record.
	RetryCount int `json:"retryCount"`

	// LaunchRetryCount is the queue's own native launch-retry attempt
	// number (spec.md §4.5) — mutated in place on this same job record by
	// pkg/worker and never read by pkg/hooks. Distinct storage from
	// RetryCount so the two retry paths (spec.md §4.6's "orthogonal and
	// both are needed") don't share a counter.
	LaunchRetryCount int  `json:"launchRetryCount,omitempty"`
	StoreResult      bool `json:"storeResult,omitempty"`

	// WaitingForDependencies is persisted on the record: pkg/tracker sets
	// it when CreateFlow holds the job back for its dependencies, and
	// pkg/depgate clears it when the last gate releases the job.
	WaitingForDependencies bool `json:"waitingForDependencies,omitempty"`
}

// ApprovalStatus is an approval record's lifecycle status (spec.md §3).
type ApprovalStatus string

const (
	ApprovalPending             ApprovalStatus = "pending"
	ApprovalApproved            ApprovalStatus = "approved"
	ApprovalRejected            ApprovalStatus = "rejected"
	ApprovalExpired             ApprovalStatus = "expired"
	ApprovalApprovedSpawnFailed ApprovalStatus = "approved_spawn_failed"
)

// ApprovalRecord is the durable payload for a human-gated dispatch,
// per spec.md §3.
type ApprovalRecord struct {
	ID     string         `json:"id"`
	Status ApprovalStatus `json:"status"`

	Caller    string  `json:"caller"`
	Target    string  `json:"target"`
	Task      string  `json:"task"`
	Label     string  `json:"label,omitempty"`
	Project   string  `json:"project,omitempty"`
	Model     string  `json:"model,omitempty"`
	Thinking  string  `json:"thinking,omitempty"`
	TimeoutMs int     `json:"timeoutMs,omitempty"`
	Cleanup   Cleanup `json:"cleanup,omitempty"`
	Reason    string  `json:"reason,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	ApprovedAt *time.Time `json:"approvedAt,omitempty"`
	RejectedAt *time.Time `json:"rejectedAt,omitempty"`
	ExpiredAt  *time.Time `json:"expiredAt,omitempty"`

	NotificationMessageID string `json:"notificationMessageId,omitempty"`
	NotificationChannelID string `json:"notificationChannelId,omitempty"`

	// DispatcherSessionKey/DispatcherAgentID identify the caller's original
	// session, so the approved-agent spawner can route the result back to
	// it as the announce requester (spec.md §4.9 step 4).
	DispatcherSessionKey string `json:"dispatcherSessionKey,omitempty"`
	DispatcherAgentID    string `json:"dispatcherAgentId,omitempty"`

	SpawnRunID      string `json:"spawnRunId,omitempty"`
	SpawnSessionKey string `json:"spawnSessionKey,omitempty"`
}

// LearningEntry is an append-only knowledge-store record, per spec.md §3.
type LearningEntry struct {
	ID            string    `json:"id"`
	JobID         string    `json:"jobId"`
	PreviousJobID string    `json:"previousJobId,omitempty"`
	ProjectID     string    `json:"projectId"`
	Phase         string    `json:"phase,omitempty"`
	AgentID       string    `json:"agentId"`
	Learning      string    `json:"learning"`
	Tags          []string  `json:"tags,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
