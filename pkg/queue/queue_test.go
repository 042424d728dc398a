package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueueName(t *testing.T) {
	assert.Equal(t, "bull:agent-researcher", QueueName("researcher"))
	assert.Equal(t, "bull:agent-code-reviewer", QueueName("code-reviewer"))
}

func TestStatus_IsTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailedPermanent.IsTerminal())
	assert.False(t, StatusQueued.IsTerminal())
	assert.False(t, StatusFailed.IsTerminal())
	assert.False(t, StatusRetrying.IsTerminal())
}

func TestStatus_CanTransitionTo_HappyPath(t *testing.T) {
	assert.True(t, StatusQueued.CanTransitionTo(StatusActive))
	assert.True(t, StatusActive.CanTransitionTo(StatusAnnouncing))
	assert.True(t, StatusAnnouncing.CanTransitionTo(StatusCompleted))
}

func TestStatus_CanTransitionTo_FailedFromAnyNonTerminal(t *testing.T) {
	for _, s := range []Status{StatusQueued, StatusActive, StatusAnnouncing, StatusRetrying, StatusStalled} {
		assert.True(t, s.CanTransitionTo(StatusFailed), "expected %s -> failed", s)
	}
}

func TestStatus_CanTransitionTo_RetryLoop(t *testing.T) {
	assert.True(t, StatusFailed.CanTransitionTo(StatusRetrying))
	assert.True(t, StatusFailed.CanTransitionTo(StatusFailedPermanent))
	assert.True(t, StatusStalled.CanTransitionTo(StatusActive))
}

func TestStatus_CanTransitionTo_TerminalIsSink(t *testing.T) {
	for _, next := range []Status{StatusActive, StatusAnnouncing, StatusFailed, StatusRetrying, StatusStalled} {
		assert.False(t, StatusCompleted.CanTransitionTo(next))
		assert.False(t, StatusFailedPermanent.CanTransitionTo(next))
	}
}

func TestStatus_CanTransitionTo_RejectsSkips(t *testing.T) {
	assert.False(t, StatusQueued.CanTransitionTo(StatusAnnouncing))
	assert.False(t, StatusQueued.CanTransitionTo(StatusCompleted))
	assert.False(t, StatusActive.CanTransitionTo(StatusCompleted))
}

func TestDepGateLockDuration_ExceedsPollCapPlusBuffer(t *testing.T) {
	assert.Greater(t, DepGateLockDuration, DepGatePollCap)
}
