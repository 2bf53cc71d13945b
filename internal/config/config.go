// Package config provides configuration types and loading for the aegis
// proxy. Configuration is read from aegis.yaml plus environment variables;
// the environment names follow the deployment contract (LLM_PROVIDER,
// DECISION_TIMEOUT_MS, ...) and override file values.
package config

import (
	"time"

	"github.com/aegis-gateway/aegis/internal/domain/decision"
)

// Config is the top-level configuration for the aegis proxy.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// LLM configures the language-model judge.
	LLM LLMConfig `yaml:"llm" mapstructure:"llm"`

	// Decision configures the hybrid decision engine.
	Decision DecisionConfig `yaml:"decision" mapstructure:"decision"`

	// Cache configures the two-tier decision cache.
	Cache CacheConfig `yaml:"cache" mapstructure:"cache"`

	// RateLimit configures the default sliding-window rate limit.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// PolicyStore configures policy persistence.
	PolicyStore PolicyStoreConfig `yaml:"policy_store" mapstructure:"policy_store"`

	// Audit configures the append-only audit store.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// Upstreams points at the upstream list file and bounds.
	Upstreams UpstreamsConfig `yaml:"upstreams" mapstructure:"upstreams"`

	// Enrichment configures the context enrichers.
	Enrichment EnrichmentConfig `yaml:"enrichment" mapstructure:"enrichment"`

	// Auth configures bearer-token authentication at the HTTP edge.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// DevMode enables verbose text logging.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP transport.
type ServerConfig struct {
	// Port is the HTTP listening port (POST JSON-RPC + GET SSE share it).
	Port int `yaml:"port" mapstructure:"port" validate:"omitempty,min=1,max=65535"`

	// LogLevel sets the minimum log level: debug, info, warn, error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`

	// RequestTimeoutMs bounds a whole request through the pipeline.
	RequestTimeoutMs int `yaml:"request_timeout_ms" mapstructure:"request_timeout_ms" validate:"omitempty,min=100"`
}

// RequestTimeout returns the request deadline as a duration.
func (s ServerConfig) RequestTimeout() time.Duration {
	if s.RequestTimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.RequestTimeoutMs) * time.Millisecond
}

// LLMConfig selects and tunes the LLM judge.
type LLMConfig struct {
	// Provider names the API flavor. Only "openai" (OpenAI-compatible
	// chat completions) is built in.
	Provider string `yaml:"provider" mapstructure:"provider"`
	// Model is the model identifier sent to the provider.
	Model string `yaml:"model" mapstructure:"model"`
	// APIKey authenticates to the provider.
	APIKey string `yaml:"api_key" mapstructure:"api_key"`
	// BaseURL overrides the provider endpoint (self-hosted gateways).
	BaseURL string `yaml:"base_url" mapstructure:"base_url" validate:"omitempty,url"`
	// Temperature is kept low for decision consistency.
	Temperature float64 `yaml:"temperature" mapstructure:"temperature" validate:"omitempty,min=0,max=0.2"`
	// MaxAttempts bounds calls including retries on transient errors.
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts" validate:"omitempty,min=1,max=10"`
	// RetryInitialDelayMs is the first backoff delay.
	RetryInitialDelayMs int `yaml:"retry_initial_delay_ms" mapstructure:"retry_initial_delay_ms"`
	// RetryBackoffFactor multiplies the delay per attempt.
	RetryBackoffFactor float64 `yaml:"retry_backoff_factor" mapstructure:"retry_backoff_factor"`
}

// DecisionConfig tunes the PDP.
type DecisionConfig struct {
	// TimeoutMs bounds one decision; exceeding it yields INDETERMINATE.
	TimeoutMs int `yaml:"timeout_ms" mapstructure:"timeout_ms" validate:"omitempty,min=100"`
	// ConfidenceThreshold gates LLM decisions to INDETERMINATE below it.
	ConfidenceThreshold float64 `yaml:"confidence_threshold" mapstructure:"confidence_threshold" validate:"omitempty,min=0,max=1"`
	// ConflictStrategy combines outcomes from multiple policies.
	ConflictStrategy string `yaml:"conflict_strategy" mapstructure:"conflict_strategy" validate:"omitempty,oneof=priority strict permissive consensus"`
}

// Timeout returns the decision deadline as a duration.
func (d DecisionConfig) Timeout() time.Duration {
	if d.TimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(d.TimeoutMs) * time.Millisecond
}

// Threshold returns the confidence gate, defaulted.
func (d DecisionConfig) Threshold() float64 {
	if d.ConfidenceThreshold <= 0 {
		return 0.7
	}
	return d.ConfidenceThreshold
}

// Strategy returns the conflict strategy, defaulted to priority.
func (d DecisionConfig) Strategy() decision.ConflictStrategy {
	s := decision.ConflictStrategy(d.ConflictStrategy)
	if !s.Valid() {
		return decision.StrategyPriority
	}
	return s
}

// CacheConfig configures the decision cache.
type CacheConfig struct {
	// Enabled turns the cache on. Default true.
	Enabled *bool `yaml:"enabled" mapstructure:"enabled"`
	// L1Size bounds the in-process tier.
	L1Size int `yaml:"l1_size" mapstructure:"l1_size" validate:"omitempty,min=1"`
	// PermitTTLMs / DenyTTLMs are outcome-dependent lifetimes.
	PermitTTLMs int `yaml:"permit_ttl_ms" mapstructure:"permit_ttl_ms"`
	DenyTTLMs   int `yaml:"deny_ttl_ms" mapstructure:"deny_ttl_ms"`
	// RedisAddr enables the shared L2 tier when non-empty.
	RedisAddr string `yaml:"redis_addr" mapstructure:"redis_addr" validate:"omitempty,hostname_port"`
}

// IsEnabled reports whether caching is on (default true).
func (c CacheConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Size returns the L1 capacity, defaulted.
func (c CacheConfig) Size() int {
	if c.L1Size <= 0 {
		return 10000
	}
	return c.L1Size
}

// PermitTTL returns the lifetime for PERMIT entries (default 5m).
func (c CacheConfig) PermitTTL() time.Duration {
	if c.PermitTTLMs <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.PermitTTLMs) * time.Millisecond
}

// DenyTTL returns the lifetime for DENY entries (default 1m).
func (c CacheConfig) DenyTTL() time.Duration {
	if c.DenyTTLMs <= 0 {
		return time.Minute
	}
	return time.Duration(c.DenyTTLMs) * time.Millisecond
}

// RateLimitConfig is the default per-agent sliding-window limit applied
// when a rate-limit constraint does not specify its own.
type RateLimitConfig struct {
	// Limit is the admission cap per window (default 1000).
	Limit int `yaml:"limit" mapstructure:"limit" validate:"omitempty,min=1"`
	// WindowMs is the sliding window length (default 60000).
	WindowMs int `yaml:"window_ms" mapstructure:"window_ms" validate:"omitempty,min=100"`
}

// EffectiveLimit returns the limit, defaulted.
func (r RateLimitConfig) EffectiveLimit() int {
	if r.Limit <= 0 {
		return 1000
	}
	return r.Limit
}

// Window returns the window as a duration, defaulted to one minute.
func (r RateLimitConfig) Window() time.Duration {
	if r.WindowMs <= 0 {
		return time.Minute
	}
	return time.Duration(r.WindowMs) * time.Millisecond
}

// PolicyStoreConfig configures policy persistence.
type PolicyStoreConfig struct {
	// Backend is "file" or "sqlite".
	Backend string `yaml:"backend" mapstructure:"backend" validate:"omitempty,oneof=file sqlite"`
	// Path is the policies directory (file) or database path (sqlite).
	Path string `yaml:"path" mapstructure:"path"`
}

// AuditConfig configures the audit store and its buffered writer.
type AuditConfig struct {
	// Dir is where daily JSONL files are written.
	Dir string `yaml:"dir" mapstructure:"dir"`
	// RetentionDays is how long rotated files are kept.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days" validate:"omitempty,min=1"`
	// BufferSize is the async writer channel capacity.
	BufferSize int `yaml:"buffer_size" mapstructure:"buffer_size" validate:"omitempty,min=1"`
	// FlushIntervalMs is the periodic flush interval.
	FlushIntervalMs int `yaml:"flush_interval_ms" mapstructure:"flush_interval_ms"`
}

// FlushInterval returns the flush interval, defaulted to one second.
func (a AuditConfig) FlushInterval() time.Duration {
	if a.FlushIntervalMs <= 0 {
		return time.Second
	}
	return time.Duration(a.FlushIntervalMs) * time.Millisecond
}

// UpstreamsConfig points at the upstream list and bounds dispatch.
type UpstreamsConfig struct {
	// ConfigPath is a YAML or JSON file listing upstreams.
	ConfigPath string `yaml:"config_path" mapstructure:"config_path"`
	// MaxInflight is the default per-upstream in-flight bound.
	MaxInflight int `yaml:"max_inflight" mapstructure:"max_inflight" validate:"omitempty,min=1"`
}

// EffectiveMaxInflight returns the bound, defaulted.
func (u UpstreamsConfig) EffectiveMaxInflight() int {
	if u.MaxInflight <= 0 {
		return 64
	}
	return u.MaxInflight
}

// EnrichmentConfig tunes the context enrichers.
type EnrichmentConfig struct {
	// TimeoutMs is the per-enricher deadline (default 2000).
	TimeoutMs int `yaml:"timeout_ms" mapstructure:"timeout_ms" validate:"omitempty,min=10"`
	// BusinessHoursStart/End are "HH:MM" bounds for the time enricher.
	BusinessHoursStart string `yaml:"business_hours_start" mapstructure:"business_hours_start"`
	BusinessHoursEnd   string `yaml:"business_hours_end" mapstructure:"business_hours_end"`
	// Timezone is an IANA zone name for the business-hours window.
	Timezone string `yaml:"timezone" mapstructure:"timezone"`
	// Holidays lists non-business dates as "2006-01-02" strings.
	Holidays []string `yaml:"holidays" mapstructure:"holidays"`
}

// Timeout returns the per-enricher deadline, defaulted.
func (e EnrichmentConfig) Timeout() time.Duration {
	if e.TimeoutMs <= 0 {
		return 2 * time.Second
	}
	return time.Duration(e.TimeoutMs) * time.Millisecond
}

// AuthToken maps an agent identity to an argon2id token hash.
type AuthToken struct {
	// AgentID is the identity asserted when the token verifies.
	AgentID string `yaml:"agent_id" mapstructure:"agent_id" validate:"required"`
	// TokenHash is the argon2id hash of the bearer token
	// (generate with `aegis hash-token`).
	TokenHash string `yaml:"token_hash" mapstructure:"token_hash" validate:"required"`
}

// AuthConfig configures HTTP bearer-token authentication.
type AuthConfig struct {
	// Tokens lists accepted bearer tokens. Empty means the HTTP
	// transport rejects everything except /health and /metrics.
	Tokens []AuthToken `yaml:"tokens" mapstructure:"tokens" validate:"omitempty,dive"`
	// StdioAgentID is the identity assigned to the stdio client.
	StdioAgentID string `yaml:"stdio_agent_id" mapstructure:"stdio_agent_id"`
}
