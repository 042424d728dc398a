// Package orchestrator wires every other package into the running
// service described by spec.md §4.10: one worker per configured agent,
// the dependency-gate pool, a DLQ subscription per agent, periodic index
// cleanup, and the one-shot startup recovery scan that reconciles jobs
// left mid-flight by an unclean shutdown.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"conveyor/internal/authid"
	"conveyor/internal/clock"
	"conveyor/pkg/approval"
	"conveyor/pkg/breaker"
	"conveyor/pkg/config"
	"conveyor/pkg/depgate"
	"conveyor/pkg/dlq"
	"conveyor/pkg/hostapi"
	"conveyor/pkg/learning"
	"conveyor/pkg/queue"
	"conveyor/pkg/store"
	"conveyor/pkg/tracker"
	"conveyor/pkg/worker"
)

// storeReadyTimeout bounds how long Start waits for the initial store
// connection to come up before giving up, per spec.md §4.10.
const storeReadyTimeout = 10 * time.Second

// cleanupInterval is how often the tracker prunes stale index entries
// (spec.md §4.4).
const cleanupInterval = time.Hour

// interruptedJobError is recorded on any active/announcing job found
// during the startup recovery scan — the session host's own state for
// that run is unknown after an unclean restart, so the job cannot be
// resumed, only failed.
const interruptedJobError = "Gateway restart during execution — job state unknown"

// Service owns every long-running collaborator the gateway process needs
// and their shutdown order.
type Service struct {
	Config *config.Config
	Log    *slog.Logger

	Store     store.Store
	Tracker   *tracker.Tracker
	Approvals *approval.Store
	Learnings *learning.Store
	Authz     *authid.Registry
	Breaker   *breaker.Breaker

	host hostapi.SessionHost

	depgate *depgate.Worker
	dlqSub  *dlq.Subscription

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Service from cfg and its collaborators, dialing Redis with
// the spec.md §4.10 readiness timeout. host and sender may be nil in
// configurations that never launch sessions or send notifications (e.g.
// a read-only query-only deployment); the affected subsystems simply
// stay idle.
func New(ctx context.Context, cfg *config.Config, host hostapi.SessionHost, sender hostapi.MessageSender, log *slog.Logger) (*Service, error) {
	s, err := dialWithTimeout(ctx, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: store not ready: %w", err)
	}
	return NewWithStore(cfg, s, host, sender, log), nil
}

// NewWithStore builds a Service around an already-connected Store,
// skipping the dial step — used directly by tests against
// store.NewMemoryStore, and by New once it has a live Redis connection.
func NewWithStore(cfg *config.Config, s store.Store, host hostapi.SessionHost, sender hostapi.MessageSender, log *slog.Logger) *Service {
	tr := tracker.New(s, log)
	authz := authid.NewRegistry(systemAgentIDs(cfg), cfg.Approval.Orchestrators, cfg.Approval.AuthorizedApprovers)
	brk := breaker.New(cfg.CircuitBreaker.FailureThreshold, time.Duration(cfg.CircuitBreaker.ResetTimeoutMs)*time.Millisecond)

	var approvals *approval.Store
	if cfg.Approval.DiscordChannelID != "" {
		spawner := &approval.WorkerSpawner{Tracker: tr, Host: host, Config: cfg, Store: s, Clock: clock.System}
		approvals = approval.New(s, sender, spawner, cfg.Approval.TTLDays, cfg.Approval.DiscordChannelID)
	}
	learnings := learning.New(s, cfg.Learnings.TTLDays)

	alerter := &dlq.Alerter{Sender: sender, ChannelID: cfg.Approval.DiscordChannelID, Log: log}

	return &Service{
		Config:    cfg,
		Log:       log,
		Store:     s,
		Tracker:   tr,
		Approvals: approvals,
		Learnings: learnings,
		Authz:     authz,
		Breaker:   brk,
		host:      host,
		depgate:   depgate.New(s, tr, log),
		dlqSub:    dlq.New(s, tr, alerter, log),
	}
}

func dialWithTimeout(ctx context.Context, rc config.RedisConfig) (store.Store, error) {
	dialCtx, cancel := context.WithTimeout(ctx, storeReadyTimeout)
	defer cancel()
	return store.Dial(dialCtx, rc.Addr(), rc.Password, rc.TLS)
}

func systemAgentIDs(cfg *config.Config) []string {
	var ids []string
	for id, a := range cfg.Agents {
		if a.SystemAgent {
			ids = append(ids, id)
		}
	}
	return ids
}

// Start runs the startup recovery scan, then launches the worker pool,
// the dependency-gate pool, one DLQ subscription per agent, and the
// periodic cleanup loop, all tied to ctx. Start returns once every
// goroutine has been launched; it does not block for their lifetime.
func (s *Service) Start(ctx context.Context) error {
	if err := s.recoverInterruptedJobs(ctx); err != nil {
		s.Log.Error("orchestrator: recovery scan failed", "err", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.spawn(func() { s.Tracker.RunPeriodicCleanup(runCtx, cleanupInterval) })
	s.spawn(func() { s.depgate.Run(runCtx) })
	s.spawn(func() {
		store.MonitorConnection(runCtx, s.Store, 30*time.Second,
			func(err error) { s.Breaker.ForceOpen(err.Error()) }, s.Breaker.ForceClose)
	})

	if s.host != nil {
		for agentID := range s.Config.Agents {
			w := worker.NewAgentWorker(agentID, s.Tracker, s.host, s.Config, s.Store, s.Log)
			s.spawn(func() { w.Run(runCtx) })
		}
	}

	for agentID := range s.Config.Agents {
		id := agentID
		s.spawn(func() {
			if err := s.dlqSub.Watch(runCtx, id); err != nil {
				s.Log.Error("orchestrator: dlq subscription ended", "agent", id, "err", err)
			}
		})
	}

	return nil
}

func (s *Service) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// recoverInterruptedJobs implements spec.md §4.10's one-shot startup
// reconciliation: any job still marked active or announcing from before
// this process started cannot be trusted — the session host that was
// running it may no longer exist — so it is force-failed rather than
// resumed.
func (s *Service) recoverInterruptedJobs(ctx context.Context) error {
	jobs, err := s.Tracker.AllJobs(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: list jobs for recovery: %w", err)
	}
	recovered := 0
	for _, job := range jobs {
		if job.Status != queue.StatusActive && job.Status != queue.StatusAnnouncing {
			continue
		}
		if err := s.forceFail(ctx, job); err != nil {
			s.Log.Error("orchestrator: force-fail interrupted job failed", "job", job.JobID, "err", err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		s.Log.Warn("orchestrator: recovered interrupted jobs on startup", "count", recovered)
	}
	return nil
}

// forceFail moves job straight to failed regardless of its current
// non-terminal state, bypassing the normal one-way transition table — the
// recovery scan is the one caller allowed to do this, since the source of
// truth for "is this job still running" no longer exists.
func (s *Service) forceFail(ctx context.Context, job *queue.JobRecord) error {
	now := clock.System.Now()
	_, err := s.Tracker.PatchJob(ctx, job.JobID, func(j *queue.JobRecord) {
		j.Status = queue.StatusFailed
		j.Error = interruptedJobError
		j.CompletedAt = &now
	})
	if err != nil {
		return err
	}

	// job was active/announcing, so it still holds the active-children
	// slot pkg/worker.Launch incremented; release it now that the
	// recovery scan is force-failing it rather than letting it finish
	// normally through pkg/hooks.
	if _, err := s.Store.Decr(ctx, queue.ActiveChildrenKey(job.DispatchedBy)); err != nil {
		s.Log.Warn("orchestrator: decrement active-children counter failed", "job", job.JobID, "err", err)
	}

	return s.Store.Publish(ctx, queue.FailedEventChannel(job.Target), job.JobID)
}

// Stop cancels every background goroutine and closes the store
// connection last, in the shutdown order spec.md §4.10 requires: workers
// and subscriptions first, store last, so nothing tries to use a closed
// connection mid-shutdown.
func (s *Service) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.Log.Warn("orchestrator: shutdown deadline exceeded, closing store anyway")
	}
	return s.Store.Close()
}
