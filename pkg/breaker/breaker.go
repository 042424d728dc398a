// Package breaker implements the circuit breaker guarding calls into the
// shared store and the session host: closed/open/half-open state with a
// typed fallback path, per spec.md §4.2.
package breaker

import (
	"context"
	"sync"
	"time"

	"conveyor/internal/clock"
)

// State is the breaker's current mode.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Breaker counts consecutive primary-call failures and skips straight to
// a fallback once the threshold is crossed, probing recovery after a
// reset timeout. It is process-local; no cross-process synchronization is
// attempted (spec.md §4.2's ordering guarantee note).
type Breaker struct {
	mu sync.Mutex

	failureThreshold int
	resetTimeout     time.Duration
	clock            *clock.Clock

	state           State
	failures        int
	lastFailureTime time.Time
	forcedReason    string
}

// Option configures a Breaker at construction time.
type Option func(*Breaker)

// WithClock overrides the breaker's time source, for deterministic tests.
func WithClock(c *clock.Clock) Option {
	return func(b *Breaker) { b.clock = c }
}

// New returns a closed Breaker with the given failure threshold and reset
// timeout (spec.md §4.2 defaults: 5 failures, 30s).
func New(failureThreshold int, resetTimeout time.Duration, opts ...Option) *Breaker {
	b := &Breaker{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		clock:            clock.System,
		state:            StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// State reports the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Dispatch runs primary when the breaker allows it, recording the
// outcome, and falls back to fallback when the breaker is open (or when
// primary itself fails). Per spec.md §4.2:
//   - closed: run primary; success resets the failure count; failure
//     increments it and opens the breaker at the threshold.
//   - open: if resetTimeout has elapsed since the last failure, probe via
//     half-open by running primary; otherwise go straight to fallback.
//   - half-open: success closes the breaker; failure re-opens it.
func (b *Breaker) Dispatch(ctx context.Context, primary, fallback func(context.Context) (any, error)) (any, error) {
	if b.shouldProbe() {
		return b.runPrimary(ctx, primary, fallback)
	}
	return fallback(ctx)
}

// shouldProbe decides whether this call gets to attempt primary, and
// transitions open->half-open as a side effect when the reset timeout has
// elapsed.
func (b *Breaker) shouldProbe() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if b.clock.Now().Sub(b.lastFailureTime) >= b.resetTimeout {
			b.state = StateHalfOpen
			return true
		}
		return false
	default:
		return false
	}
}

func (b *Breaker) runPrimary(ctx context.Context, primary, fallback func(context.Context) (any, error)) (any, error) {
	result, err := primary(ctx)
	if err == nil {
		b.recordSuccess()
		return result, nil
	}
	b.recordFailure()
	return fallback(ctx)
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = StateClosed
	b.forcedReason = ""
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailureTime = b.clock.Now()

	if b.state == StateHalfOpen {
		b.state = StateOpen
		return
	}

	b.failures++
	if b.failures >= b.failureThreshold {
		b.state = StateOpen
	}
}

// ForceOpen immediately trips the breaker regardless of failure count,
// for conditions that warrant skipping the normal threshold entirely —
// an auth failure classified by pkg/store, for instance. Calling it while
// already open replaces the reason and restarts the reset timeout.
func (b *Breaker) ForceOpen(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateOpen
	b.failures = b.failureThreshold
	b.lastFailureTime = b.clock.Now()
	b.forcedReason = reason
}

// ForceClose resets the breaker to closed, used once the orchestrator's
// connection monitor confirms the store has recovered.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.forcedReason = ""
}

// ForcedReason returns the reason passed to the most recent ForceOpen
// call, or "" if the breaker was not force-opened (or has since closed).
func (b *Breaker) ForcedReason() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.forcedReason
}
