// Package dlq subscribes to the per-agent failed-event channels pkg/worker
// and pkg/hooks publish on (queue.FailedEventChannel) and composes the
// redacted operator alert spec.md §7 and §2's "DLQ alerting & redaction"
// component require. The redaction primitives themselves live in
// pkg/redact, shared with the approval subsystem's notification builder
// so the two sanitization policies cannot drift apart.
package dlq

import (
	"context"
	"fmt"
	"log/slog"

	"conveyor/internal/text"
	"conveyor/pkg/hostapi"
	"conveyor/pkg/queue"
	"conveyor/pkg/redact"
	"conveyor/pkg/store"
	"conveyor/pkg/tracker"
)

// Alerter sends a redacted notice to the configured operator channel for
// every terminally-failed job it is told about.
type Alerter struct {
	Sender    hostapi.MessageSender
	ChannelID string
	Log       *slog.Logger
}

// Alert composes and sends the redacted DLQ notice for job. A job with no
// recorded error still gets a generic notice; Alert never fails loudly —
// a notification-send failure is itself a Transient error per spec.md §7
// and is only logged.
func (a *Alerter) Alert(ctx context.Context, job *queue.JobRecord) {
	if a.ChannelID == "" || a.Sender == nil {
		return
	}
	notice := buildAlert(job)
	if err := a.Sender.Send(ctx, a.ChannelID, "", notice, "dlq:"+job.JobID); err != nil {
		a.Log.Warn("dlq: alert send failed", "job", job.JobID, "err", err)
	}
}

func buildAlert(job *queue.JobRecord) string {
	errMsg := job.Error
	if errMsg == "" {
		errMsg = "no error recorded"
	}
	raw := fmt.Sprintf("DLQ: job %s (%s -> %s) failed permanently after %d attempt(s): %s",
		job.JobID, job.DispatchedBy, job.Target, job.RetryCount+1, errMsg)
	return text.TruncateRunes(redact.ForAlert(raw), queue.MaxAlertChars)
}

// Subscription owns one goroutine per agent's failed-event channel,
// resolving the published jobId back to a record and handing it to an
// Alerter. One Subscription instance covers every configured agent;
// pkg/orchestrator starts it alongside the worker pool and stops it
// before closing the store connection (spec.md §4.10's shutdown order).
type Subscription struct {
	store   store.Store
	tracker *tracker.Tracker
	alerter *Alerter
	log     *slog.Logger
}

// New returns a Subscription wired to alert via alerter.
func New(s store.Store, tr *tracker.Tracker, alerter *Alerter, log *slog.Logger) *Subscription {
	return &Subscription{store: s, tracker: tr, alerter: alerter, log: log}
}

// Watch subscribes to agentID's failed-event channel and alerts on every
// message until ctx is cancelled. Callers run one Watch per configured
// agent, each in its own goroutine.
func (s *Subscription) Watch(ctx context.Context, agentID string) error {
	ch, cancel, err := s.store.Subscribe(ctx, queue.FailedEventChannel(agentID))
	if err != nil {
		return fmt.Errorf("dlq: subscribe to %s failed-events: %w", agentID, err)
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case jobID, ok := <-ch:
			if !ok {
				return nil
			}
			s.handle(ctx, jobID)
		}
	}
}

func (s *Subscription) handle(ctx context.Context, jobID string) {
	job, err := s.tracker.FindJobByRunID(ctx, jobID)
	if err != nil {
		s.log.Error("dlq: resolve failed job failed", "job", jobID, "err", err)
		return
	}
	if job == nil {
		return
	}
	s.alerter.Alert(ctx, job)
}
