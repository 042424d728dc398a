// Package learning is the append-only project-scoped knowledge store
// (spec.md §3, §4.12): each entry is written once via AddLearning and
// never mutated, indexed per-project in timestamp order and per-job in
// insertion order. It replaces the teacher's SQLite-and-FTS pkg/memory
// with the store-backed shape spec.md actually asks for — no full-text
// search, no embeddings, no consolidation.
package learning

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"conveyor/internal/clock"
	"conveyor/internal/idgen"
	"conveyor/pkg/queue"
	"conveyor/pkg/store"
)

const (
	maxLearningRunes = 1024
	maxTags          = 10
	defaultListLimit = 20
	maxListLimit     = 100
)

func entryKey(id string) string { return "orch:learning:" + id }

func projectIndexKey(projectID string) string { return "orch:learnings:" + projectID }

func jobIndexKey(jobID string) string { return "orch:learnings:job:" + jobID }

// ErrTooManyTags is returned when AddLearning is called with more than
// maxTags tags.
type ErrTooManyTags struct{ Count int }

func (e *ErrTooManyTags) Error() string {
	return fmt.Sprintf("learning: %d tags exceeds the 10-tag limit", e.Count)
}

// ErrLearningTooLong is returned when the learning text exceeds
// maxLearningRunes.
type ErrLearningTooLong struct{ Runes int }

func (e *ErrLearningTooLong) Error() string {
	return fmt.Sprintf("learning: %d runes exceeds the 1024-rune limit", e.Runes)
}

// AddParams carries the add_learning tool's inputs (spec.md §6.1).
type AddParams struct {
	ProjectID     string
	JobID         string
	PreviousJobID string
	AgentID       string
	Phase         string
	Learning      string
	Tags          []string
}

// Store is the append-only learning index over a Store.
type Store struct {
	store store.Store
	clock *clock.Clock
	ttl   int // days
}

// New returns a Store with the given TTL in days (spec.md §6.4
// learnings.ttlDays, default 365).
func New(s store.Store, ttlDays int) *Store {
	return &Store{store: s, clock: clock.System, ttl: ttlDays}
}

// Add writes a new learning entry and indexes it per-project and
// per-job. System-agent-only write authorization is enforced by the
// caller (pkg/query's tool dispatch layer), not here.
func (l *Store) Add(ctx context.Context, p AddParams) (*queue.LearningEntry, error) {
	if len(p.Tags) > maxTags {
		return nil, &ErrTooManyTags{Count: len(p.Tags)}
	}
	if runes := []rune(p.Learning); len(runes) > maxLearningRunes {
		return nil, &ErrLearningTooLong{Runes: len(runes)}
	}

	entry := &queue.LearningEntry{
		ID:            idgen.LearningID(),
		JobID:         p.JobID,
		PreviousJobID: p.PreviousJobID,
		ProjectID:     p.ProjectID,
		Phase:         p.Phase,
		AgentID:       p.AgentID,
		Learning:      p.Learning,
		Tags:          p.Tags,
		Timestamp:     l.clock.Now(),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("learning: marshal entry: %w", err)
	}

	ttl := ttlDuration(l.ttl)
	if err := l.store.Set(ctx, entryKey(entry.ID), string(data), ttl); err != nil {
		return nil, fmt.Errorf("learning: write entry: %w", err)
	}
	if err := l.store.ZAdd(ctx, projectIndexKey(entry.ProjectID), float64(entry.Timestamp.UnixNano()), entry.ID); err != nil {
		return nil, fmt.Errorf("learning: index by project: %w", err)
	}
	if err := l.store.LPush(ctx, jobIndexKey(entry.JobID), entry.ID); err != nil {
		return nil, fmt.Errorf("learning: index by job: %w", err)
	}

	return entry, nil
}

// ListParams carries the learnings tool's inputs (spec.md §6.1): exactly
// one of ProjectID or JobID must be set.
type ListParams struct {
	ProjectID string
	JobID     string
	Tags      []string
	Limit     int
}

// List returns matching entries newest-first, per spec.md §6.1.
func (l *Store) List(ctx context.Context, p ListParams) ([]queue.LearningEntry, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	var ids []string
	var err error
	switch {
	case p.ProjectID != "":
		ids, err = l.idsByProject(ctx, p.ProjectID)
	case p.JobID != "":
		ids, err = l.store.LRange(ctx, jobIndexKey(p.JobID), 0, -1)
	default:
		return nil, fmt.Errorf("learning: list requires projectId or jobId")
	}
	if err != nil {
		return nil, fmt.Errorf("learning: resolve index: %w", err)
	}

	entries := make([]queue.LearningEntry, 0, len(ids))
	for _, id := range ids {
		entry, err := l.get(ctx, id)
		if err != nil || entry == nil {
			continue
		}
		if !matchesTags(entry.Tags, p.Tags) {
			continue
		}
		entries = append(entries, *entry)
	}
	sortNewestFirst(entries)
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// idsByProject returns every id in the project index, newest-first; the
// project sorted set is already scored by timestamp, so a descending
// range over the full score space does the ordering for free.
func (l *Store) idsByProject(ctx context.Context, projectID string) ([]string, error) {
	farFuture := float64(l.clock.Now().Add(10 * 365 * 24 * time.Hour).UnixNano())
	members, err := l.store.ZRevRangeByScore(ctx, projectIndexKey(projectID), farFuture, 0, 0)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.Member
	}
	return ids, nil
}

func (l *Store) get(ctx context.Context, id string) (*queue.LearningEntry, error) {
	raw, err := l.store.Get(ctx, entryKey(id))
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	var entry queue.LearningEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func matchesTags(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, w := range want {
		if set[w] {
			return true
		}
	}
	return false
}

// sortNewestFirst re-sorts by timestamp descending. The per-job path's
// insertion order (LPush) already happens to be newest-first and the
// per-project path's ZRevRangeByScore already returns newest-first, but
// both are re-asserted here rather than assumed, per spec.md §6.1
// ("newest first").
func sortNewestFirst(entries []queue.LearningEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
}

func ttlDuration(days int) time.Duration {
	if days <= 0 {
		return 0
	}
	return time.Duration(days) * 24 * time.Hour
}
