package breaker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conveyor/internal/clock"
	"conveyor/pkg/breaker"
)

func ok(_ context.Context) (any, error)       { return "ok", nil }
func boom(_ context.Context) (any, error)     { return nil, errors.New("boom") }
func fallback(_ context.Context) (any, error) { return "fallback", nil }

func TestBreaker_ClosedSuccess(t *testing.T) {
	b := breaker.New(5, 30*time.Second)
	v, err := b.Dispatch(context.Background(), ok, fallback)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, breaker.StateClosed, b.State())
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b := breaker.New(3, 30*time.Second)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		v, err := b.Dispatch(ctx, boom, fallback)
		require.NoError(t, err)
		assert.Equal(t, "fallback", v)
	}

	assert.Equal(t, breaker.StateOpen, b.State())
}

func TestBreaker_OpenSkipsPrimaryUntilResetTimeout(t *testing.T) {
	fc := &clock.Clock{Now: func() time.Time { return time.Unix(0, 0) }}
	b := breaker.New(1, 10*time.Second, breaker.WithClock(fc))
	ctx := context.Background()

	primaryCalls := 0
	failing := func(_ context.Context) (any, error) {
		primaryCalls++
		return nil, errors.New("boom")
	}

	_, err := b.Dispatch(ctx, failing, fallback)
	require.NoError(t, err)
	assert.Equal(t, breaker.StateOpen, b.State())

	// Still within resetTimeout: fallback only, primary not retried.
	_, err = b.Dispatch(ctx, failing, fallback)
	require.NoError(t, err)
	assert.Equal(t, 1, primaryCalls)

	// Advance past resetTimeout: breaker probes via half-open.
	fc.Now = func() time.Time { return time.Unix(20, 0) }
	v, err := b.Dispatch(ctx, ok, fallback)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, breaker.StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	fc := &clock.Clock{Now: func() time.Time { return time.Unix(0, 0) }}
	b := breaker.New(1, 10*time.Second, breaker.WithClock(fc))
	ctx := context.Background()

	_, _ = b.Dispatch(ctx, boom, fallback)
	assert.Equal(t, breaker.StateOpen, b.State())

	fc.Now = func() time.Time { return time.Unix(20, 0) }
	_, _ = b.Dispatch(ctx, boom, fallback)
	assert.Equal(t, breaker.StateOpen, b.State(), "failed probe must re-open, not stay half-open")
}

func TestBreaker_ForceOpenIsImmediate(t *testing.T) {
	b := breaker.New(5, 30*time.Second)
	b.ForceOpen("auth failure")

	assert.Equal(t, breaker.StateOpen, b.State())
	assert.Equal(t, "auth failure", b.ForcedReason())

	v, err := b.Dispatch(context.Background(), ok, fallback)
	require.NoError(t, err)
	assert.Equal(t, "fallback", v, "force-opened breaker must not attempt primary before resetTimeout")
}

func TestBreaker_ForceClose(t *testing.T) {
	b := breaker.New(1, 30*time.Second)
	b.ForceOpen("auth failure")
	b.ForceClose()

	assert.Equal(t, breaker.StateClosed, b.State())
	assert.Empty(t, b.ForcedReason())

	v, err := b.Dispatch(context.Background(), ok, fallback)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}
