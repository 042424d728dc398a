// Package hostapi defines the interfaces conveyor consumes from the
// session host and the chat-platform message sender. Per spec.md §1
// these are external collaborators — "interfaces only" — the session host
// itself (the LLM agent runtime) and the notification channel are never
// implemented in this module.
package hostapi

import "context"

// SessionRef identifies a session the announce pipeline can route results
// back to.
type SessionRef struct {
	SessionKey string
	AgentID    string
	Depth      int
}

// StartSessionRequest carries everything needed to start a child session.
// Deliver controls whether the session host delivers results itself; the
// worker pool always starts children with Deliver=false because the
// announce pipeline handles delivery independently (spec.md §4.5 step 10).
type StartSessionRequest struct {
	Target               string
	SessionKey           string
	Task                 string
	SystemPromptAddition string
	Depth                int
	Model                string
	ThinkingLevel        string
	Deliver              bool
	Requester            SessionRef
}

// SessionPatch carries an in-place update to an already-created session.
// PatchSession is used to set Depth and optional Model/ThinkingLevel in a
// single round trip (spec.md §4.5 step 8).
type SessionPatch struct {
	Depth         *int
	Model         *string
	ThinkingLevel *string
}

// HistoryMessage is one entry from a session's transcript, used by the
// agent_end hook's opt-in result capture (spec.md §4.6).
type HistoryMessage struct {
	Role    string
	Content string
}

// SessionHost is the external LLM agent runtime. conveyor never executes a
// model call itself; every blocking call here must respect ctx per
// spec.md §5 (10-15s per-call RPC timeouts).
type SessionHost interface {
	// StartSession launches a new child session and returns its runId.
	StartSession(ctx context.Context, req StartSessionRequest) (runID string, err error)

	// PatchSession applies patch to an existing session, identified by its
	// internal session key.
	PatchSession(ctx context.Context, sessionKey string, patch SessionPatch) error

	// SendToSession delivers a message into an existing session (used by
	// pkg/hooks to send the terminal-failure notice to the dispatcher's
	// session).
	SendToSession(ctx context.Context, sessionKey string, content string) error

	// FetchSessionHistory returns up to limit of the most recent messages
	// for result capture.
	FetchSessionHistory(ctx context.Context, sessionKey string, limit int) ([]HistoryMessage, error)

	// RegisterSubagentRun tells the announce pipeline to route the result
	// of runID back to requester once the child session completes
	// (spec.md §4.5 step 11).
	RegisterSubagentRun(ctx context.Context, runID string, requester SessionRef) error

	// ResolveDepth looks up the caller depth for a session key when the
	// dispatcher did not supply dispatcherDepth explicitly (spec.md §4.5
	// step 3: "callerDepth = dispatcherDepth ?? lookup(dispatcherSessionKey)").
	ResolveDepth(ctx context.Context, sessionKey string) (depth int, err error)
}

// MessageSender is the chat-platform delivery collaborator used for
// approval notifications and DLQ alerts (spec.md §1).
type MessageSender interface {
	Send(ctx context.Context, channel, target, content, idempotencyKey string) error
}

// ReactionRemover removes a single reaction from a channel message, used
// by the approval reaction handler to clear the opposing emoji after a
// decision (spec.md §4.9).
type ReactionRemover interface {
	RemoveReaction(ctx context.Context, channel, messageID, emoji, userID string) error
}
