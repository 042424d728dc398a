// Package approval implements the human-gated dispatch mini-workflow from
// spec.md §4.9: a pending approval record backed by a sanitized chat
// notification, an atomic approve/reject compare-and-swap, and an
// approved-agent spawner that reuses pkg/worker's launch sequence with
// the usual safety checks switched off (a human already decided).
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"conveyor/internal/authid"
	"conveyor/internal/clock"
	"conveyor/internal/idgen"
	"conveyor/internal/text"
	"conveyor/pkg/hostapi"
	"conveyor/pkg/queue"
	"conveyor/pkg/redact"
	"conveyor/pkg/store"
)

func recordKey(id string) string { return "orch:approval:" + id }

func statusKey(id string) string { return "orch:approval:" + id + ":status" }

func pendingZSet() string { return "orch:approvals:pending" }

func projectZSet(project string) string { return "orch:approvals:project:" + project }

func notificationIndexKey(notificationID string) string { return "orch:approvals:msg:" + notificationID }

// approvedPreamble prefixes the task handed to the approved-agent spawner,
// per spec.md §4.9 step 4 ("wraps the task in a sanitized 'Kevin has
// approved' preamble").
const approvedPreamble = "[Kevin has approved this request]\n\n"

// ErrNoApprovalChannel is returned by Create when no notification channel
// is configured; dispatch must reject outright rather than create an
// approval nobody can ever see (spec.md §4.7 step 4).
var ErrNoApprovalChannel = errors.New("approval: no notification channel configured")

// ErrApprovalNotFound is returned when input resolves to no pending
// approval, by full id or prefix.
type ErrApprovalNotFound struct{ Input string }

func (e *ErrApprovalNotFound) Error() string {
	return fmt.Sprintf("approval: no pending approval matches %q", e.Input)
}

// ErrApprovalAmbiguous is returned when a prefix matches more than one
// pending approval.
type ErrApprovalAmbiguous struct {
	Input string
	Count int
}

func (e *ErrApprovalAmbiguous) Error() string {
	return fmt.Sprintf("approval: %q matches %d pending approvals, be more specific", e.Input, e.Count)
}

// ErrApprovalExpired is returned by Approve/Reject once a record's ttl has
// elapsed; the record has already been marked expired as a side effect.
type ErrApprovalExpired struct{ ID string }

func (e *ErrApprovalExpired) Error() string { return fmt.Sprintf("approval: %s has expired", e.ID) }

// ErrApprovalConflict is returned when the CAS loses the race: the record
// was already moved to a status this call cannot transition from.
type ErrApprovalConflict struct {
	ID            string
	CurrentStatus string
}

func (e *ErrApprovalConflict) Error() string {
	return fmt.Sprintf("approval: %s is already %s", e.ID, e.CurrentStatus)
}

// ErrSpawnFailed is returned by Approve when the CAS to approved
// succeeded but the approved-agent spawner itself failed; the record is
// left in approved_spawn_failed, which is retry-eligible.
type ErrSpawnFailed struct {
	ID  string
	Err error
}

func (e *ErrSpawnFailed) Error() string {
	return fmt.Sprintf("approval: %s approved but spawn failed: %v", e.ID, e.Err)
}

func (e *ErrSpawnFailed) Unwrap() error { return e.Err }

// Spawner runs the simplified worker-launch sequence for an approved
// dispatch (spec.md §4.9 step 4): no depth/fan-out/allowlist checks, the
// caller's original session as the announce requester.
type Spawner interface {
	Spawn(ctx context.Context, record *queue.ApprovalRecord) (runID, sessionKey string, err error)
}

// CreateParams carries the dispatch tool's approval-routing inputs.
type CreateParams struct {
	Caller                string
	Target                string
	Task                  string
	Label                 string
	Project               string
	Model                 string
	Thinking              string
	TimeoutMs             int
	Cleanup               queue.Cleanup
	Reason                string
	DispatcherSessionKey  string
	DispatcherAgentID     string
	NotificationChannelID string
}

// Store implements the approval record lifecycle over a Store.
type Store struct {
	store     store.Store
	sender    hostapi.MessageSender
	spawner   Spawner
	clock     *clock.Clock
	ttlDays   int
	channelID string
}

// New returns a Store that sends notifications via sender and spawns
// approved dispatches via spawner. channelID is the configured approval
// channel, used by the reaction handler to reject reactions from other
// channels.
func New(s store.Store, sender hostapi.MessageSender, spawner Spawner, ttlDays int, channelID string) *Store {
	return &Store{store: s, sender: sender, spawner: spawner, clock: clock.System, ttlDays: ttlDays, channelID: channelID}
}

// NewWithClock is New with an injected time source, for tests that need
// to simulate ttl expiry without waiting out real time.
func NewWithClock(s store.Store, sender hostapi.MessageSender, spawner Spawner, ttlDays int, channelID string, c *clock.Clock) *Store {
	st := New(s, sender, spawner, ttlDays, channelID)
	st.clock = c
	return st
}

// Create builds a pending approval record, sends its notification, and
// only then persists the record — per spec.md §4.9's "send before create;
// abort on failure, no orphan record".
func (a *Store) Create(ctx context.Context, p CreateParams) (*queue.ApprovalRecord, error) {
	if p.NotificationChannelID == "" {
		return nil, ErrNoApprovalChannel
	}

	now := a.clock.Now()
	record := &queue.ApprovalRecord{
		ID:                    idgen.ApprovalID(),
		Status:                queue.ApprovalPending,
		Caller:                p.Caller,
		Target:                p.Target,
		Task:                  p.Task,
		Label:                 p.Label,
		Project:               p.Project,
		Model:                 p.Model,
		Thinking:              p.Thinking,
		TimeoutMs:             p.TimeoutMs,
		Cleanup:               p.Cleanup,
		Reason:                p.Reason,
		CreatedAt:             now,
		DispatcherSessionKey:  p.DispatcherSessionKey,
		DispatcherAgentID:     p.DispatcherAgentID,
		NotificationChannelID: p.NotificationChannelID,
	}

	if err := a.sender.Send(ctx, p.NotificationChannelID, "", buildNotification(record), record.ID); err != nil {
		return nil, fmt.Errorf("approval: send notification: %w", err)
	}
	// The idempotency key doubles as the notification's addressable id:
	// hostapi.MessageSender has no return channel for a platform-native
	// message id, so the reverse index keys off the id we control.
	record.NotificationMessageID = record.ID

	ttl := ttlDuration(a.ttlDays)
	if err := a.put(ctx, record, ttl); err != nil {
		return nil, err
	}
	if err := a.store.Set(ctx, statusKey(record.ID), string(queue.ApprovalPending), ttl); err != nil {
		return nil, fmt.Errorf("approval: write status key: %w", err)
	}
	if err := a.store.ZAdd(ctx, pendingZSet(), float64(now.UnixNano()), record.ID); err != nil {
		return nil, fmt.Errorf("approval: index pending: %w", err)
	}
	if record.Project != "" {
		if err := a.store.ZAdd(ctx, projectZSet(record.Project), float64(now.UnixNano()), record.ID); err != nil {
			return nil, fmt.Errorf("approval: index project: %w", err)
		}
	}
	if err := a.store.Set(ctx, notificationIndexKey(record.NotificationMessageID), record.ID, ttl); err != nil {
		return nil, fmt.Errorf("approval: index notification: %w", err)
	}

	return record, nil
}

func buildNotification(r *queue.ApprovalRecord) string {
	raw := fmt.Sprintf("Approval requested — %s → %s\nid: %s\n\n%s", r.Caller, r.Target, r.ID, r.Task)
	return text.TruncateRunes(redact.ForNotification(raw), queue.MaxApprovalNoticeChars)
}

// Approve resolves input (full id or unambiguous prefix), CASes the
// record from pending/approved_spawn_failed to approved, and on success
// invokes the approved-agent spawner inline. A spawn failure leaves the
// record in approved_spawn_failed and is reported as ErrSpawnFailed, not
// a transaction rollback — the record stays retry-eligible.
func (a *Store) Approve(ctx context.Context, input, approver string) (*queue.ApprovalRecord, error) {
	id, err := a.resolveID(ctx, input)
	if err != nil {
		return nil, err
	}
	record, err := a.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, &ErrApprovalNotFound{Input: input}
	}
	if a.isExpired(record) {
		a.expire(ctx, record)
		return nil, &ErrApprovalExpired{ID: id}
	}

	ok, err := a.store.CAS(ctx, statusKey(id), []string{string(queue.ApprovalPending), string(queue.ApprovalApprovedSpawnFailed)}, string(queue.ApprovalApproved), false, ttlDuration(a.ttlDays))
	if err != nil {
		return nil, fmt.Errorf("approval: cas approve: %w", err)
	}
	if !ok {
		cur, _ := a.store.Get(ctx, statusKey(id))
		return nil, &ErrApprovalConflict{ID: id, CurrentStatus: cur}
	}

	now := a.clock.Now()
	record.Status = queue.ApprovalApproved
	record.ApprovedAt = &now
	if err := a.put(ctx, record, ttlDuration(a.ttlDays)); err != nil {
		return nil, err
	}

	runID, sessionKey, spawnErr := a.spawner.Spawn(ctx, record)
	if spawnErr != nil {
		_, _ = a.store.CAS(ctx, statusKey(id), []string{string(queue.ApprovalApproved)}, string(queue.ApprovalApprovedSpawnFailed), false, ttlDuration(a.ttlDays))
		record.Status = queue.ApprovalApprovedSpawnFailed
		_ = a.put(ctx, record, ttlDuration(a.ttlDays))
		return record, &ErrSpawnFailed{ID: id, Err: spawnErr}
	}

	record.SpawnRunID = runID
	record.SpawnSessionKey = sessionKey
	if err := a.put(ctx, record, ttlDuration(a.ttlDays)); err != nil {
		return nil, err
	}
	a.cleanupIndexes(ctx, record)
	return record, nil
}

// Reject CASes the record from pending only, never overwriting an
// approved/approved_spawn_failed/rejected record — this is what prevents
// a near-simultaneous approve/reject race from undoing a spawn.
func (a *Store) Reject(ctx context.Context, input, rejector string) (*queue.ApprovalRecord, error) {
	id, err := a.resolveID(ctx, input)
	if err != nil {
		return nil, err
	}
	record, err := a.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, &ErrApprovalNotFound{Input: input}
	}
	if a.isExpired(record) {
		a.expire(ctx, record)
		return nil, &ErrApprovalExpired{ID: id}
	}

	ok, err := a.store.CAS(ctx, statusKey(id), []string{string(queue.ApprovalPending)}, string(queue.ApprovalRejected), false, ttlDuration(a.ttlDays))
	if err != nil {
		return nil, fmt.Errorf("approval: cas reject: %w", err)
	}
	if !ok {
		cur, _ := a.store.Get(ctx, statusKey(id))
		return nil, &ErrApprovalConflict{ID: id, CurrentStatus: cur}
	}

	now := a.clock.Now()
	record.Status = queue.ApprovalRejected
	record.RejectedAt = &now
	if err := a.put(ctx, record, ttlDuration(a.ttlDays)); err != nil {
		return nil, err
	}
	a.cleanupIndexes(ctx, record)
	return record, nil
}

// ReactionEvent is a platform reaction the caller has already filtered to
// add events (not removals) on some message.
type ReactionEvent struct {
	Channel      string
	MessageID    string
	Emoji        string
	ReactorID    string
	BotOriginated bool
}

// HandleReaction implements spec.md §4.9's reaction-handler gates: correct
// channel, not bot-originated, emoji in {✅,❌}, reactor authorized (fail
// secure on an empty approver set). Unauthorized reactions are silently
// removed; after a successful decision the opposing emoji is cleared;
// after a spawn failure the approver's ✅ is removed so they can re-react.
func (a *Store) HandleReaction(ctx context.Context, ev ReactionEvent, authz *authid.Registry, remover hostapi.ReactionRemover) error {
	if ev.BotOriginated {
		return nil
	}
	if a.channelID != "" && ev.Channel != a.channelID {
		return nil
	}
	if ev.Emoji != "✅" && ev.Emoji != "❌" {
		return nil
	}
	if !authz.IsAuthorizedApprover(ev.ReactorID) {
		return remover.RemoveReaction(ctx, ev.Channel, ev.MessageID, ev.Emoji, ev.ReactorID)
	}

	id, err := a.idFromNotification(ctx, ev.MessageID)
	if err != nil || id == "" {
		return err
	}

	switch ev.Emoji {
	case "✅":
		_, err := a.Approve(ctx, id, ev.ReactorID)
		var spawnFailed *ErrSpawnFailed
		if errors.As(err, &spawnFailed) {
			return remover.RemoveReaction(ctx, ev.Channel, ev.MessageID, "✅", ev.ReactorID)
		}
		if err != nil {
			return err
		}
		return remover.RemoveReaction(ctx, ev.Channel, ev.MessageID, "❌", "")
	case "❌":
		if _, err := a.Reject(ctx, id, ev.ReactorID); err != nil {
			return err
		}
		return remover.RemoveReaction(ctx, ev.Channel, ev.MessageID, "✅", "")
	}
	return nil
}

func (a *Store) idFromNotification(ctx context.Context, messageID string) (string, error) {
	id, err := a.store.Get(ctx, notificationIndexKey(messageID))
	if err != nil {
		return "", fmt.Errorf("approval: resolve notification: %w", err)
	}
	return id, nil
}

func (a *Store) isExpired(record *queue.ApprovalRecord) bool {
	expiry := record.CreatedAt.Add(time.Duration(a.ttlDays) * 24 * time.Hour)
	return a.clock.Now().After(expiry)
}

func (a *Store) expire(ctx context.Context, record *queue.ApprovalRecord) {
	_, _ = a.store.CAS(ctx, statusKey(record.ID), []string{string(queue.ApprovalPending)}, string(queue.ApprovalExpired), false, ttlDuration(a.ttlDays))
	now := a.clock.Now()
	record.Status = queue.ApprovalExpired
	record.ExpiredAt = &now
	_ = a.put(ctx, record, ttlDuration(a.ttlDays))
	a.cleanupIndexes(ctx, record)
}

func (a *Store) cleanupIndexes(ctx context.Context, record *queue.ApprovalRecord) {
	_ = a.store.ZRem(ctx, pendingZSet(), record.ID)
	if record.Project != "" {
		_ = a.store.ZRem(ctx, projectZSet(record.Project), record.ID)
	}
}

// resolveID resolves input against the pending set: a full match short
// circuits, otherwise a unique prefix match proceeds and zero or multiple
// matches reject (spec.md §4.9's approve-path step 1).
func (a *Store) resolveID(ctx context.Context, input string) (string, error) {
	if record, err := a.get(ctx, input); err == nil && record != nil {
		return input, nil
	}

	ids, err := a.pendingIDs(ctx)
	if err != nil {
		return "", err
	}
	var matches []string
	for _, id := range ids {
		if strings.HasPrefix(id, input) {
			matches = append(matches, id)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return "", &ErrApprovalNotFound{Input: input}
	default:
		return "", &ErrApprovalAmbiguous{Input: input, Count: len(matches)}
	}
}

// ListPending returns every currently-pending approval record, newest
// first, for pkg/query's list operation (spec.md §6.1: list's status
// filter includes "pending_approval", which names approval records, not
// job records).
func (a *Store) ListPending(ctx context.Context) ([]*queue.ApprovalRecord, error) {
	ids, err := a.pendingIDs(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]*queue.ApprovalRecord, 0, len(ids))
	for _, id := range ids {
		record, err := a.get(ctx, id)
		if err != nil || record == nil {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

func (a *Store) pendingIDs(ctx context.Context) ([]string, error) {
	farFuture := float64(a.clock.Now().Add(10 * 365 * 24 * time.Hour).UnixNano())
	members, err := a.store.ZRevRangeByScore(ctx, pendingZSet(), farFuture, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("approval: list pending: %w", err)
	}
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.Member
	}
	return ids, nil
}

func (a *Store) get(ctx context.Context, id string) (*queue.ApprovalRecord, error) {
	raw, err := a.store.Get(ctx, recordKey(id))
	if err != nil {
		return nil, fmt.Errorf("approval: get %s: %w", id, err)
	}
	if raw == "" {
		return nil, nil
	}
	var record queue.ApprovalRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("approval: unmarshal %s: %w", id, err)
	}
	return &record, nil
}

func (a *Store) put(ctx context.Context, record *queue.ApprovalRecord, ttl time.Duration) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("approval: marshal %s: %w", record.ID, err)
	}
	if err := a.store.Set(ctx, recordKey(record.ID), string(data), ttl); err != nil {
		return fmt.Errorf("approval: write %s: %w", record.ID, err)
	}
	return nil
}

func ttlDuration(days int) time.Duration {
	if days <= 0 {
		return 0
	}
	return time.Duration(days) * 24 * time.Hour
}

// WrapApprovedTask prefixes task with the approved-dispatch preamble, per
// spec.md §4.9 step 4. Exported so a Spawner implementation outside this
// package (pkg/orchestrator's wiring) can build the same task text the
// record's notification described.
func WrapApprovedTask(task string) string {
	return approvedPreamble + task
}
