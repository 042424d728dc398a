// Package dispatch implements the dispatch tool, the single entry point
// every caller's dispatch request passes through (spec.md §4.7): direct-
// spawn fallback when the store is unreachable, parameter and allowlist
// validation, approval routing, rate limiting, queue-depth capping, and
// finally a breaker-guarded create-job-or-fallback.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"conveyor/internal/authid"
	"conveyor/internal/clock"
	"conveyor/internal/idgen"
	"conveyor/pkg/approval"
	"conveyor/pkg/breaker"
	"conveyor/pkg/config"
	"conveyor/pkg/hostapi"
	"conveyor/pkg/queue"
	"conveyor/pkg/store"
	"conveyor/pkg/tracker"
)

func rateLimitKey(callerID string) string { return "bull:ratelimit:dispatch:" + callerID }

// defaultRateLimitWindow is the TTL applied to the per-caller counter on
// its first increment in a window, per spec.md §4.1's
// bull:ratelimit:dispatch:{callerAgentId} key.
const defaultRateLimitWindow = 60 * time.Second

// Status is the dispatch tool's result discriminant — per spec.md §6.1,
// the tool never throws to its caller; every outcome is encoded here.
type Status string

const (
	StatusQueued          Status = "queued"
	StatusPendingApproval Status = "pending_approval"
	StatusDispatched      Status = "dispatched"
	StatusError           Status = "error"
	StatusForbidden       Status = "forbidden"
	StatusNotFound        Status = "not_found"
	StatusRateLimited     Status = "rate_limited"
	StatusQueueFull       Status = "queue_full"
	StatusUnauthorized    Status = "unauthorized"
)

// Params carries the dispatch tool's inputs, per spec.md §6.1.
type Params struct {
	Target                string
	Task                  string
	Label                 string
	Project               string
	Model                 string
	ThinkingLevel         string
	RunTimeoutSeconds     int
	Cleanup               queue.Cleanup
	DependsOn             []string
	SystemPromptAddition  string
	Depth                 int
	StoreResult           bool
	RequiresApproval      bool
	Reason                string

	DispatchedBy         string
	DispatcherSessionKey string
	DispatcherAgentID    string
	DispatcherDepth      *int
	DispatcherOrigin     queue.DispatcherOrigin
}

// Result is the dispatch tool's structured response, per spec.md §6.1.
type Result struct {
	JobID          string
	ApprovalID     string
	Status         Status
	Target         string
	Fallback       bool
	FallbackReason string
	Error          string
}

// Dispatcher wires the collaborators spec.md §4.7's sequence needs. A nil
// Tracker models an unreachable store: every call takes the direct-spawn
// fallback path immediately (step 1).
type Dispatcher struct {
	Store     store.Store
	Tracker   *tracker.Tracker
	Host      hostapi.SessionHost
	Config    *config.Config
	Breaker   *breaker.Breaker
	Authz     *authid.Registry
	Approvals *approval.Store
	Clock     *clock.Clock
	Log       *slog.Logger
}

// Dispatch runs the full spec.md §4.7 sequence. Every outcome, rejections
// and failures included, is encoded in the returned Result; the error
// return is always nil.
func (d *Dispatcher) Dispatch(ctx context.Context, p Params) (*Result, error) {
	if d.Tracker == nil {
		return d.directSpawnFallback(ctx, p, "store unreachable")
	}

	if err := validateParams(p); err != nil {
		return &Result{Status: StatusError, Error: err.Error()}, nil
	}

	if _, ok := d.Config.Agents[p.Target]; !ok {
		return &Result{Status: StatusNotFound, Error: fmt.Sprintf("dispatch: unknown target agent %q", p.Target)}, nil
	}
	if err := d.validateAllowlist(p); err != nil {
		return &Result{Status: StatusForbidden, Error: err.Error()}, nil
	}
	if p.SystemPromptAddition != "" && !d.Authz.IsSystemAgent(p.DispatchedBy) {
		return &Result{Status: StatusForbidden, Error: "dispatch: systemPromptAddition is restricted to system agents"}, nil
	}

	if p.RequiresApproval || !d.Authz.IsOrchestrator(p.DispatchedBy) {
		return d.routeThroughApproval(ctx, p)
	}

	if blocked, result := d.checkRateLimit(ctx, p); blocked {
		return result, nil
	}
	if blocked, result := d.checkQueueDepth(ctx, p); blocked {
		return result, nil
	}

	return d.dispatchViaBreaker(ctx, p)
}

func validateParams(p Params) error {
	if runes := []rune(p.Task); len(runes) > queue.MaxTaskRunes {
		return fmt.Errorf("dispatch: task exceeds %d runes", queue.MaxTaskRunes)
	}
	if len(p.DependsOn) > queue.MaxDependsOn {
		return fmt.Errorf("dispatch: dependsOn exceeds %d entries", queue.MaxDependsOn)
	}
	if p.Target == "" {
		return fmt.Errorf("dispatch: target is required")
	}
	return nil
}

// validateAllowlist enforces the dispatching caller's own allowlist: a
// caller may always dispatch to itself, otherwise its configured
// allowedTargets must name the target (or "*").
func (d *Dispatcher) validateAllowlist(p Params) error {
	if p.Target == p.DispatchedBy {
		return nil
	}
	callerCfg, ok := d.Config.Agents[p.DispatchedBy]
	if !ok {
		return fmt.Errorf("dispatch: caller %q has no configured allowlist", p.DispatchedBy)
	}
	for _, allowed := range callerCfg.AllowedTargets {
		if allowed == "*" || allowed == p.Target {
			return nil
		}
	}
	return fmt.Errorf("dispatch: %q is not in %q's allowlist", p.Target, p.DispatchedBy)
}

func (d *Dispatcher) routeThroughApproval(ctx context.Context, p Params) (*Result, error) {
	record, err := d.Approvals.Create(ctx, approval.CreateParams{
		Caller:                p.DispatchedBy,
		Target:                p.Target,
		Task:                  p.Task,
		Label:                 p.Label,
		Project:               p.Project,
		Model:                 p.Model,
		Thinking:              p.ThinkingLevel,
		TimeoutMs:             p.RunTimeoutSeconds * 1000,
		Cleanup:               p.Cleanup,
		Reason:                p.Reason,
		DispatcherSessionKey:  p.DispatcherSessionKey,
		DispatcherAgentID:     p.DispatcherAgentID,
		NotificationChannelID: d.Config.Approval.DiscordChannelID,
	})
	if err != nil {
		return &Result{Status: StatusForbidden, Error: err.Error()}, nil
	}
	return &Result{ApprovalID: record.ID, Status: StatusPendingApproval, Target: p.Target}, nil
}

// checkRateLimit applies the per-caller atomic increment, per spec.md
// §4.7 step 5. A zero limit means unlimited.
func (d *Dispatcher) checkRateLimit(ctx context.Context, p Params) (bool, *Result) {
	limit := d.Config.RateLimit.DispatchesPerMinute
	if limit <= 0 {
		return false, nil
	}
	current, err := d.Store.Incr(ctx, rateLimitKey(p.DispatchedBy), defaultRateLimitWindow)
	if err != nil {
		return true, &Result{Status: StatusError, Error: fmt.Sprintf("dispatch: rate limit check failed: %v", err)}
	}
	if current > int64(limit) {
		return true, &Result{Status: StatusRateLimited, Error: "dispatch: rate limit exceeded", Target: p.Target}
	}
	return false, nil
}

// checkQueueDepth rejects once wait+delayed+active for the target queue
// reaches the configured cap, per spec.md §4.7 step 6.
func (d *Dispatcher) checkQueueDepth(ctx context.Context, p Params) (bool, *Result) {
	maxDepth := d.Config.RateLimit.MaxQueueDepth
	if maxDepth <= 0 {
		maxDepth = queue.DefaultMaxQueueDepth
	}
	stats, err := d.Tracker.GetQueueStats(ctx, p.Target)
	if err != nil {
		return true, &Result{Status: StatusError, Error: fmt.Sprintf("dispatch: queue stats failed: %v", err)}
	}
	if stats.Waiting+stats.Active+stats.Delayed >= maxDepth {
		return true, &Result{Status: StatusQueueFull, Error: "dispatch: target queue is at capacity", Target: p.Target}
	}
	return false, nil
}

// dispatchViaBreaker runs spec.md §4.7 step 7: primary creates the job
// through the tracker, fallback calls startSession directly.
func (d *Dispatcher) dispatchViaBreaker(ctx context.Context, p Params) (*Result, error) {
	createParams := tracker.CreateParams{
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
		TimeoutMs:            p.RunTimeoutSeconds * 1000,
		StoreResult:          p.StoreResult,
		DispatcherSessionKey: p.DispatcherSessionKey,
		DispatcherAgentID:    p.DispatcherAgentID,
		DispatcherDepth:      p.DispatcherDepth,
		DispatcherOrigin:     p.DispatcherOrigin,
	}

	primary := func(ctx context.Context) (any, error) {
		job, err := d.Tracker.CreateJob(ctx, createParams)
		if err != nil {
			return nil, err
		}
		return job, nil
	}
	fallback := func(ctx context.Context) (any, error) {
		return d.startSessionDirect(ctx, p)
	}

	out, err := d.Breaker.Dispatch(ctx, primary, fallback)
	if err != nil {
		return &Result{Status: StatusError, Error: err.Error(), Target: p.Target}, nil
	}

	switch v := out.(type) {
	case *queue.JobRecord:
		return &Result{JobID: v.JobID, Status: StatusQueued, Target: p.Target}, nil
	case fallbackOutcome:
		return &Result{
			JobID:          v.jobID,
			Status:         StatusDispatched,
			Target:         p.Target,
			Fallback:       true,
			FallbackReason: v.reason,
		}, nil
	default:
		return &Result{Status: StatusError, Error: "dispatch: unexpected breaker result", Target: p.Target}, nil
	}
}

// fallbackOutcome is the breaker fallback path's typed result, carrying
// the sentinel jobId format spec.md §4.7 step 7 requires.
type fallbackOutcome struct {
	jobID  string
	reason string
}

func (d *Dispatcher) startSessionDirect(ctx context.Context, p Params) (fallbackOutcome, error) {
	sessionKey := idgen.ChildSessionKey(p.Target)
	runID, err := d.Host.StartSession(ctx, hostapi.StartSessionRequest{
		Target:               p.Target,
		SessionKey:           sessionKey,
		Task:                 p.Task,
		SystemPromptAddition: p.SystemPromptAddition,
		Depth:                p.Depth + 1,
		Model:                p.Model,
		ThinkingLevel:        p.ThinkingLevel,
		Deliver:              false,
		Requester: hostapi.SessionRef{
			SessionKey: p.DispatcherSessionKey,
			AgentID:    p.DispatcherAgentID,
			Depth:      p.Depth,
		},
	})
	if err != nil {
		return fallbackOutcome{}, fmt.Errorf("dispatch: direct startSession failed: %w", err)
	}
	return fallbackOutcome{jobID: "__fallback__:" + runID, reason: "breaker open"}, nil
}

// directSpawnFallback is spec.md §4.7 step 1: when the store itself is
// unreachable there is no tracker to create a job in, so the dispatch
// tool calls startSession directly and returns a synthetic jobId.
func (d *Dispatcher) directSpawnFallback(ctx context.Context, p Params, reason string) (*Result, error) {
	if err := validateParams(p); err != nil {
		return &Result{Status: StatusError, Error: err.Error()}, nil
	}
	sessionKey := idgen.ChildSessionKey(p.Target)
	if _, err := d.Host.StartSession(ctx, hostapi.StartSessionRequest{
		Target:               p.Target,
		SessionKey:           sessionKey,
		Task:                 p.Task,
		SystemPromptAddition: p.SystemPromptAddition,
		Depth:                p.Depth + 1,
		Model:                p.Model,
		ThinkingLevel:        p.ThinkingLevel,
		Deliver:              false,
		Requester: hostapi.SessionRef{
			SessionKey: p.DispatcherSessionKey,
			AgentID:    p.DispatcherAgentID,
			Depth:      p.Depth,
		},
	}); err != nil {
		return &Result{Status: StatusError, Error: fmt.Sprintf("dispatch: fallback startSession failed: %v", err), Target: p.Target}, nil
	}
	return &Result{
		JobID:          idgen.FallbackJobID(d.Clock.Now().UnixNano()),
		Status:         StatusDispatched,
		Target:         p.Target,
		Fallback:       true,
		FallbackReason: reason,
	}, nil
}
