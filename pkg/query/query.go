// Package query implements the read-side operations exposed to
// dispatching agents (spec.md §6.1): status, list, activity, and the
// add_learning/learnings pass-through to pkg/learning. Every operation
// here enforces the authorization non-leakage property from spec.md §8
// item 6: a non-system caller only sees jobs it dispatched or that
// target it, and openclawSessionKey is never included in a projection.
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"conveyor/internal/authid"
	"conveyor/pkg/approval"
	"conveyor/pkg/learning"
	"conveyor/pkg/queue"
	"conveyor/pkg/tracker"
	"time"
)

// ErrNotFound is returned by Status when jobID resolves to no record.
var ErrNotFound = errors.New("query: job not found")

// ErrForbidden is returned by Status when caller is not authorized to
// view the resolved job.
var ErrForbidden = errors.New("query: caller may not view this job")

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// JobView is a job record projected to the fields spec.md §6.1 exposes to
// callers — deliberately missing openclawSessionKey and every other
// session-host linkage field, per the non-leakage property.
type JobView struct {
	JobID                  string
	OriginalJobID          string
	RetriedByJobID         string
	Target                 string
	Task                   string
	DispatchedBy           string
	Project                string
	Label                  string
	Status                 string
	QueuedAt               time.Time
	StartedAt              *time.Time
	CompletedAt            *time.Time
	Result                 string
	Error                  string
	RetryCount             int
	WaitingForDependencies bool
}

func project(job *queue.JobRecord) JobView {
	return JobView{
		JobID:                  job.JobID,
		OriginalJobID:          job.OriginalJobID,
		RetriedByJobID:         job.RetriedByJobID,
		Target:                 job.Target,
		Task:                   job.Task,
		DispatchedBy:           job.DispatchedBy,
		Project:                job.Project,
		Label:                  job.Label,
		Status:                 string(job.Status),
		QueuedAt:                job.QueuedAt,
		StartedAt:              job.StartedAt,
		CompletedAt:            job.CompletedAt,
		Result:                 job.Result,
		Error:                  job.Error,
		RetryCount:             job.RetryCount,
		WaitingForDependencies: job.WaitingForDependencies,
	}
}

// approvalView projects a pending approval record into the same shape
// list() returns for jobs, so callers filtering by status=pending_approval
// get a uniform result set.
func approvalView(r *queue.ApprovalRecord) JobView {
	return JobView{
		JobID:        r.ID,
		Target:       r.Target,
		Task:         r.Task,
		DispatchedBy: r.Caller,
		Project:      r.Project,
		Label:        r.Label,
		Status:       "pending_approval",
		QueuedAt:     r.CreatedAt,
	}
}

// Status resolves jobID and projects it for caller, enforcing
// non-leakage and adding waitingForDependencies (already tracked on the
// record by pkg/depgate, so no extra lookup is needed here).
func Status(ctx context.Context, tr *tracker.Tracker, authz *authid.Registry, caller, jobID string) (*JobView, error) {
	job, err := tr.FindJobByRunID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("query: status: %w", err)
	}
	if job == nil {
		return nil, ErrNotFound
	}
	if !authz.CanView(caller, job.DispatchedBy, job.Target) {
		return nil, ErrForbidden
	}
	v := project(job)
	return &v, nil
}

// ListParams carries the list tool's inputs, per spec.md §6.1.
type ListParams struct {
	Caller  string
	Agent   string
	Status  string
	Project string
	Limit   int
}

// List returns jobs (or pending approvals, when Status is
// "pending_approval") matching the filter, newest-enqueued first,
// authorization-projected for Caller. Approvals is optional; a nil value
// simply means a pending_approval filter returns no rows, which is the
// correct behavior when the caller has no approval subsystem wired (the
// direct-fallback-only configuration).
func List(ctx context.Context, tr *tracker.Tracker, approvals *approval.Store, authz *authid.Registry, p ListParams) ([]JobView, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	var views []JobView
	if p.Status == "pending_approval" {
		views = pendingApprovalViews(ctx, approvals, p)
	} else {
		jobs, err := tr.AllJobs(ctx)
		if err != nil {
			return nil, fmt.Errorf("query: list: %w", err)
		}
		views = jobViews(jobs, p)
	}

	authorized := make([]JobView, 0, len(views))
	for _, v := range views {
		if authz.CanView(p.Caller, v.DispatchedBy, v.Target) {
			authorized = append(authorized, v)
		}
	}

	sort.Slice(authorized, func(i, j int) bool { return authorized[i].QueuedAt.After(authorized[j].QueuedAt) })
	if len(authorized) > limit {
		authorized = authorized[:limit]
	}
	return authorized, nil
}

func jobViews(jobs []*queue.JobRecord, p ListParams) []JobView {
	out := make([]JobView, 0, len(jobs))
	for _, job := range jobs {
		if p.Agent != "" && job.Target != p.Agent {
			continue
		}
		if p.Status != "" && string(job.Status) != p.Status {
			continue
		}
		if p.Project != "" && job.Project != p.Project {
			continue
		}
		out = append(out, project(job))
	}
	return out
}

func pendingApprovalViews(ctx context.Context, approvals *approval.Store, p ListParams) []JobView {
	if approvals == nil {
		return nil
	}
	records, err := approvals.ListPending(ctx)
	if err != nil {
		return nil
	}
	out := make([]JobView, 0, len(records))
	for _, r := range records {
		if p.Agent != "" && r.Target != p.Agent {
			continue
		}
		if p.Project != "" && r.Project != p.Project {
			continue
		}
		out = append(out, approvalView(r))
	}
	return out
}

// AgentActivity is one agent's entry in the activity query's response.
type AgentActivity struct {
	Status         string
	Pending        int
	Active         int
	CompletedTotal int
	FailedTotal    int
	Job            string
	Since          *time.Time
}

// ActivityResult is the activity operation's full response.
type ActivityResult struct {
	Agents  map[string]AgentActivity
	Summary string
}

// Activity aggregates every configured agent's current queue state.
// SPEC_FULL.md pins the open question of what "offline" means for an
// agent with no session-host heartbeat signal in this core: an agent is
// "working" when it has a currently active job, "idle" otherwise — this
// implementation never reports "offline" because the core has no
// independent liveness signal for an agent that simply has no pending
// work (see DESIGN.md).
func Activity(ctx context.Context, tr *tracker.Tracker, agentIDs []string) (*ActivityResult, error) {
	jobs, err := tr.AllJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("query: activity: %w", err)
	}

	byAgent := make(map[string][]*queue.JobRecord, len(agentIDs))
	for _, id := range agentIDs {
		byAgent[id] = nil
	}
	for _, job := range jobs {
		byAgent[job.Target] = append(byAgent[job.Target], job)
	}

	result := &ActivityResult{Agents: make(map[string]AgentActivity, len(byAgent))}
	working := 0
	for agentID, agentJobs := range byAgent {
		activity := AgentActivity{Status: "idle"}
		for _, job := range agentJobs {
			switch job.Status {
			case queue.StatusQueued:
				activity.Pending++
			case queue.StatusActive, queue.StatusAnnouncing:
				activity.Active++
				activity.Status = "working"
				activity.Job = job.JobID
				activity.Since = job.StartedAt
			case queue.StatusCompleted:
				activity.CompletedTotal++
			case queue.StatusFailed, queue.StatusFailedPermanent:
				activity.FailedTotal++
			}
		}
		if activity.Status == "working" {
			working++
		}
		result.Agents[agentID] = activity
	}
	result.Summary = fmt.Sprintf("%d/%d agents working", working, len(byAgent))
	return result, nil
}

// AddLearningAuthorized enforces spec.md §6.1's "system agents only"
// write restriction before delegating to pkg/learning.
func AddLearningAuthorized(ctx context.Context, l *learning.Store, authz *authid.Registry, caller string, p learning.AddParams) (*queue.LearningEntry, error) {
	if !authz.IsSystemAgent(caller) {
		return nil, ErrForbidden
	}
	return l.Add(ctx, p)
}
