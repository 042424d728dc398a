// Package authid classifies caller identities against the orchestrator's
// configured privileged sets. The core never authenticates a caller itself
// (spec.md §1: "the core receives an opaque callerId from the host") — it
// only decides what an already-authenticated id is allowed to do.
package authid

// Registry holds the configured privileged identity sets. A nil or
// zero-value Registry treats every set as empty, which is fail-secure for
// System/Orchestrator/Approver checks.
type Registry struct {
	SystemAgents        map[string]bool
	Orchestrators       map[string]bool
	AuthorizedApprovers map[string]bool
}

// NewRegistry builds a Registry from plain id lists (as loaded from
// pkg/config). Empty or nil lists resolve to "nobody is authorized",
// matching spec.md §4.9's fail-secure reaction-handler rule.
func NewRegistry(systemAgents, orchestrators, approvers []string) *Registry {
	return &Registry{
		SystemAgents:        toSet(systemAgents),
		Orchestrators:       toSet(orchestrators),
		AuthorizedApprovers: toSet(approvers),
	}
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

// IsSystemAgent reports whether id is in the privileged system-agent set.
func (r *Registry) IsSystemAgent(id string) bool {
	if r == nil {
		return false
	}
	return r.SystemAgents[id]
}

// IsOrchestrator reports whether id is exempt from approval gating by
// default.
func (r *Registry) IsOrchestrator(id string) bool {
	if r == nil {
		return false
	}
	return r.Orchestrators[id]
}

// IsAuthorizedApprover reports whether id may approve/reject approval
// records. An empty configured set means nobody is authorized (fail-secure).
func (r *Registry) IsAuthorizedApprover(id string) bool {
	if r == nil || len(r.AuthorizedApprovers) == 0 {
		return false
	}
	return r.AuthorizedApprovers[id]
}

// CanView reports whether caller may see a job dispatched by dispatchedBy
// targeting target, per the authorization non-leakage property (spec.md
// §8 item 6): system agents see everything; everyone else only sees jobs
// they dispatched or that target them.
func (r *Registry) CanView(caller, dispatchedBy, target string) bool {
	if r.IsSystemAgent(caller) {
		return true
	}
	return caller == dispatchedBy || caller == target
}
