package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conveyor/pkg/config"
)

func TestDefaults(t *testing.T) {
	cfg := config.Defaults()

	assert.Equal(t, 5, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 30000, cfg.CircuitBreaker.ResetTimeoutMs)
	assert.Equal(t, 10, cfg.RateLimit.DispatchesPerMinute)
	assert.Equal(t, 50, cfg.RateLimit.MaxQueueDepth)
	assert.Equal(t, 50, cfg.RateLimit.MaxChildrenPerAgent)
	assert.Equal(t, 3, cfg.Retry.AgentFailureAttempts)
	assert.Equal(t, 300000, cfg.Retry.AgentFailureBaseDelayMs)
	assert.Equal(t, 7, cfg.Approval.TTLDays)
	assert.Equal(t, 365, cfg.Learnings.TTLDays)
}

func TestParse_OverridesDefaults(t *testing.T) {
	doc := []byte(`
redis:
  host: redis.internal
  port: 6380
rateLimit:
  dispatchesPerMinute: 25
  maxChildrenPerAgent: 12
approval:
  orchestrators: [lead-agent]
  authorizedApprovers: [kevin]
  ttlDays: 3
agents:
  researcher:
    maxSpawnDepth: 2
    allowedTargets: [writer, reviewer]
`)

	cfg, err := config.Parse(doc)
	require.NoError(t, err)

	assert.Equal(t, "redis.internal", cfg.Redis.Host)
	assert.Equal(t, 6380, cfg.Redis.Port)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr())

	// Untouched defaults survive a partial override document.
	assert.Equal(t, 50, cfg.RateLimit.MaxQueueDepth)
	assert.Equal(t, 25, cfg.RateLimit.DispatchesPerMinute)
	assert.Equal(t, 12, cfg.RateLimit.MaxChildrenPerAgent)

	assert.Equal(t, 3, cfg.Approval.TTLDays)
	assert.Equal(t, []string{"lead-agent"}, cfg.Approval.Orchestrators)
	assert.Equal(t, []string{"kevin"}, cfg.Approval.AuthorizedApprovers)

	researcher, ok := cfg.Agents["researcher"]
	require.True(t, ok)
	assert.Equal(t, 2, researcher.MaxSpawnDepth)
	assert.Equal(t, []string{"writer", "reviewer"}, researcher.AllowedTargets)
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := config.Parse([]byte("redis: [this is not a mapping"))
	require.Error(t, err)
}
