package worker

import "fmt"

// UnrecoverableError represents a launch failure that must never be
// retried by the queue's native retry policy: bad configuration,
// depth-cap or allowlist violations, malformed input. It enables typed
// error discrimination via errors.As so the queue's retry wrapper can
// tell launch failures apart from ordinary transient errors.
type UnrecoverableError struct {
	JobID  string
	Target string
	Reason string
}

func (e *UnrecoverableError) Error() string {
	return fmt.Sprintf("unrecoverable launch failure for job %s (target %s): %s", e.JobID, e.Target, e.Reason)
}

// RecoverableError represents a launch failure the queue's native retry
// should handle normally: the caller's active-children cap, or a
// transient session-host RPC failure.
type RecoverableError struct {
	JobID  string
	Target string
	Reason string
}

func (e *RecoverableError) Error() string {
	return fmt.Sprintf("recoverable launch failure for job %s (target %s): %s", e.JobID, e.Target, e.Reason)
}
