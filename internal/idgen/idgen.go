// Package idgen centralizes ID generation so every caller produces the
// same shapes the store's keyspace contract expects.
package idgen

import (
	"fmt"

	"github.com/google/uuid"
)

// JobID returns a fresh job identifier. It is intentionally a bare UUID so
// it can double as the session host's runId per the data model (jobId "may
// equal the session host's runId").
func JobID() string {
	return uuid.NewString()
}

// ApprovalID returns a fresh approval record identifier.
func ApprovalID() string {
	return uuid.NewString()
}

// LearningID returns a fresh learning entry identifier.
func LearningID() string {
	return uuid.NewString()
}

// ChildSessionKey builds the canonical child session key
// agent:{target}:subagent:{uuid} used when a worker launches a subagent.
func ChildSessionKey(target string) string {
	return fmt.Sprintf("agent:%s:subagent:%s", target, uuid.NewString())
}

// FallbackJobID builds the synthetic jobId used by the direct-spawn
// fallback path, per spec.md §9 ("Fallback jobIds are synthetic
// (fallback-{timestamp})").
func FallbackJobID(unixNano int64) string {
	return fmt.Sprintf("fallback-%d", unixNano)
}
