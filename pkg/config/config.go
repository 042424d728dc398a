// Package config is the typed configuration struct described by spec.md
// §6.4, loaded from YAML the way the teacher's pkg/langprofile loads its
// project config. The binary entrypoint that reads this from disk is out
// of scope; this package only defines the shape and its defaults.
package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document, per spec.md §6.4.
type Config struct {
	Redis          RedisConfig          `yaml:"redis"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"`
	RateLimit      RateLimitConfig      `yaml:"rateLimit"`
	Retry          RetryConfig          `yaml:"retry"`
	Approval       ApprovalConfig       `yaml:"approval"`
	Learnings      LearningsConfig      `yaml:"learnings"`
	BullBoard      BullBoardConfig      `yaml:"bullBoard"`

	// Agents lists every agent id the orchestrator is allowed to dispatch
	// to, keyed by id, with its own spawn/allowlist policy (spec.md §4.5).
	Agents map[string]AgentConfig `yaml:"agents"`
}

// RedisConfig holds the shared store connection parameters.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	TLS      bool   `yaml:"tls"`
}

// CircuitBreakerConfig controls the breaker guarding store access.
type CircuitBreakerConfig struct {
	FailureThreshold int `yaml:"failureThreshold"`
	ResetTimeoutMs   int `yaml:"resetTimeout"`
}

// RateLimitConfig controls per-caller and per-target dispatch caps.
type RateLimitConfig struct {
	DispatchesPerMinute int `yaml:"dispatchesPerMinute"`

	// MaxQueueDepth caps a target queue's own wait+delayed+active depth
	// (spec.md §4.7 step 6).
	MaxQueueDepth int `yaml:"maxQueueDepth"`

	// MaxChildrenPerAgent caps a caller's concurrently-active children
	// (spec.md §4.5 step 4) — a separate concept from MaxQueueDepth even
	// though they share a default.
	MaxChildrenPerAgent int `yaml:"maxChildrenPerAgent"`
}

// RetryConfig controls the agent-level retry policy for child sessions
// that launched and then failed (pkg/hooks); launch retries use the
// fixed pkg/queue launch-retry constants instead.
type RetryConfig struct {
	AgentFailureAttempts    int `yaml:"agentFailureAttempts"`
	AgentFailureBaseDelayMs int `yaml:"agentFailureBaseDelayMs"`
}

// ApprovalConfig controls the human-gated dispatch flow.
type ApprovalConfig struct {
	Orchestrators       []string `yaml:"orchestrators"`
	AuthorizedApprovers []string `yaml:"authorizedApprovers"`
	DiscordChannelID    string   `yaml:"discordChannelId"`
	TTLDays             int      `yaml:"ttlDays"`
}

// LearningsConfig controls the append-only knowledge store's retention.
type LearningsConfig struct {
	TTLDays int `yaml:"ttlDays"`
}

// BullBoardConfig controls the optional monitoring endpoint.
type BullBoardConfig struct {
	AuthToken string `yaml:"authToken"`
}

// AgentConfig is the per-agent spawn policy: max spawn depth, allowed
// targets it may dispatch to, and whether it is a system agent (allowed
// to set systemPromptAddition and write learnings, and to see every job).
// Exemption from approval gating comes from the orchestrators list in
// ApprovalConfig, not from this flag.
type AgentConfig struct {
	SystemAgent    bool     `yaml:"systemAgent"`
	MaxSpawnDepth  int      `yaml:"maxSpawnDepth"`
	AllowedTargets []string `yaml:"allowedTargets"`
	Model          string   `yaml:"model"`
	ThinkingLevel  string   `yaml:"thinkingLevel"`
}

// Defaults returns a Config populated with the defaults named in spec.md
// §6.4 and §4.3. Callers should apply this before unmarshalling a
// partial document over it, or merge field-by-field after Parse.
func Defaults() *Config {
	return &Config{
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			ResetTimeoutMs:   30000,
		},
		RateLimit: RateLimitConfig{
			DispatchesPerMinute: 10,
			MaxQueueDepth:       50,
			MaxChildrenPerAgent: 50,
		},
		Retry: RetryConfig{
			AgentFailureAttempts:    3,
			AgentFailureBaseDelayMs: 300000,
		},
		Approval: ApprovalConfig{
			TTLDays: 7,
		},
		Learnings: LearningsConfig{
			TTLDays: 365,
		},
		Agents: map[string]AgentConfig{},
	}
}

// Parse unmarshals a YAML document into cfg, starting from Defaults().
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	return cfg, nil
}

// Addr returns the "host:port" form go-redis expects.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}
