// Package depgate implements the dependency-gate worker: a fixed pool
// polling the shared dep-gates queue and unlocking a flow's parent job
// once every dependency it waits on resolves, per spec.md §4.8.
package depgate

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"conveyor/internal/clock"
	"conveyor/pkg/queue"
	"conveyor/pkg/store"
	"conveyor/pkg/tracker"
)

func pendingGatesKey(parentJobID string) string { return "orch:pending-gates:" + parentJobID }

func waitKey() string { return queue.DepGateQueueName + ":wait" }

// Worker polls the dep-gates queue with queue.DepGateConcurrency
// goroutines, each on its own queue.DepGatePollInterval ticker.
type Worker struct {
	store   store.Store
	tracker *tracker.Tracker
	clock   *clock.Clock
	log     *slog.Logger

	concurrency  int
	pollInterval time.Duration
	pollCap      time.Duration
	retryBase    time.Duration
}

// Option customizes a Worker; used by tests to inject a fake clock or
// shrink the poll cadence.
type Option func(*Worker)

// WithClock overrides the worker's time source.
func WithClock(c *clock.Clock) Option {
	return func(w *Worker) { w.clock = c }
}

// WithPollInterval overrides the polling cadence, for tests that cannot
// wait out the 5s production interval.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) { w.pollInterval = d }
}

// New returns a Worker bound to s and tr with the spec.md §4.8 defaults.
func New(s store.Store, tr *tracker.Tracker, log *slog.Logger, opts ...Option) *Worker {
	w := &Worker{
		store:        s,
		tracker:      tr,
		clock:        clock.System,
		log:          log,
		concurrency:  queue.DepGateConcurrency,
		pollInterval: queue.DepGatePollInterval,
		pollCap:      queue.DepGatePollCap,
		retryBase:    queue.DefaultLaunchRetryBaseDelay,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run starts the worker pool and blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.DrainOnce(ctx)
		}
	}
}

// DrainOnce dequeues and processes one due gate job, if any. Exported so
// tests can step the worker without waiting out a real ticker.
func (w *Worker) DrainOnce(ctx context.Context) {
	entries, err := w.store.ZRangeByScore(ctx, waitKey(), 0, float64(w.clock.Now().UnixNano()), 1)
	if err != nil {
		w.log.Error("depgate: poll failed", "err", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	gateID := entries[0].Member

	if err := w.store.ZRem(ctx, waitKey(), gateID); err != nil {
		w.log.Error("depgate: dequeue failed", "gate", gateID, "err", err)
		return
	}

	gate, err := w.getGate(ctx, gateID)
	if err != nil {
		w.log.Error("depgate: read gate job failed", "gate", gateID, "err", err)
		return
	}
	if gate == nil {
		w.log.Warn("depgate: gate job record missing, dropping", "gate", gateID)
		return
	}

	w.process(ctx, gate)
}

func (w *Worker) getGate(ctx context.Context, gateID string) (*tracker.GateJob, error) {
	raw, err := w.store.Get(ctx, tracker.GateKey(gateID))
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	var g tracker.GateJob
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (w *Worker) putGate(ctx context.Context, g *tracker.GateJob) error {
	data, err := json.Marshal(g)
	if err != nil {
		return err
	}
	return w.store.Set(ctx, tracker.GateKey(g.GateID), string(data), 0)
}

// process applies spec.md §4.8's three-way split: a completed dependency
// resolves the gate, a failed one fails it unrecoverably (the parent is
// left permanently blocked — fail-fast, no auto-failure propagation), and
// an unresolved one either waits for the next poll or, past the 30-minute
// cap, is treated as a recoverable timeout and retried in a fresh window.
func (w *Worker) process(ctx context.Context, gate *tracker.GateJob) {
	dep, err := w.tracker.FindJobByRunID(ctx, gate.DependencyJobID)
	if err != nil {
		w.log.Error("depgate: resolve dependency failed", "gate", gate.GateID, "err", err)
		w.requeue(ctx, gate.GateID, w.pollInterval)
		return
	}
	if dep == nil {
		w.log.Error("depgate: dependency job vanished, dropping gate", "gate", gate.GateID, "dependency", gate.DependencyJobID)
		return
	}

	switch {
	case dep.Status == queue.StatusCompleted:
		w.resolveGate(ctx, gate)
	case dep.Status == queue.StatusFailed || dep.Status == queue.StatusFailedPermanent:
		w.log.Warn("depgate: dependency failed, parent stays blocked", "gate", gate.GateID, "parent", gate.ParentJobID, "dependency", gate.DependencyJobID)
	case w.clock.Now().Sub(gate.CreatedAt) >= w.pollCap:
		gate.Attempts++
		gate.CreatedAt = w.clock.Now()
		if err := w.putGate(ctx, gate); err != nil {
			w.log.Error("depgate: persist timeout retry failed", "gate", gate.GateID, "err", err)
			return
		}
		w.log.Warn("depgate: poll cap exceeded, retrying", "gate", gate.GateID, "attempts", gate.Attempts)
		w.requeue(ctx, gate.GateID, w.retryBase)
	default:
		w.requeue(ctx, gate.GateID, w.pollInterval)
	}
}

func (w *Worker) requeue(ctx context.Context, gateID string, delay time.Duration) {
	nextAt := w.clock.Now().Add(delay)
	if err := w.store.ZAdd(ctx, waitKey(), float64(nextAt.UnixNano()), gateID); err != nil {
		w.log.Error("depgate: requeue failed", "gate", gateID, "err", err)
	}
}

func (w *Worker) resolveGate(ctx context.Context, gate *tracker.GateJob) {
	remaining, err := w.store.Decr(ctx, pendingGatesKey(gate.ParentJobID))
	if err != nil {
		w.log.Error("depgate: decrement gate counter failed", "gate", gate.GateID, "parent", gate.ParentJobID, "err", err)
		return
	}
	if remaining > 0 {
		return
	}
	w.unlockParent(ctx, gate.ParentJobID, gate.ParentTarget)
}

func (w *Worker) unlockParent(ctx context.Context, parentJobID, parentTarget string) {
	parent, err := w.tracker.PatchJob(ctx, parentJobID, func(j *queue.JobRecord) {
		j.WaitingForDependencies = false
	})
	if err != nil {
		w.log.Error("depgate: unlock parent failed", "parent", parentJobID, "err", err)
		return
	}
	if err := w.store.ZAdd(ctx, queue.QueueName(parentTarget)+":wait", float64(w.clock.Now().UnixNano()), parent.JobID); err != nil {
		w.log.Error("depgate: enqueue unlocked parent failed", "parent", parentJobID, "err", err)
	}
}
