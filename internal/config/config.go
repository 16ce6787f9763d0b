// Package config loads orchestrator configuration from defaults,
// environment variables, and functional options, in that priority order —
// the same three-layer approach the framework this project follows uses
// for its own Config type.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every tunable named in the external interfaces section:
// broker connection, retry/backoff defaults, circuit breaker thresholds,
// DLQ TTL, transaction retention, and hook/log flush timing.
type Config struct {
	BrokerURL string

	HooksEnabled bool

	RetryBase        time.Duration
	RetryMax         time.Duration
	MaxRetries       int
	CircuitThreshold int
	CircuitCooldown  time.Duration
	DLQTTL           time.Duration

	TransactionRetentionDays int
	LogFlushInterval         time.Duration
	LogMaxBatchSize          int

	HookExecutorTimeout time.Duration

	AgentPollInterval     time.Duration
	RetryProcessorTick    time.Duration
	DLQHousekeeperTick    time.Duration
	PatternAnalyzerTick   time.Duration
	CircuitMonitorTick    time.Duration
	HeartbeatInterval     time.Duration

	ServiceName string
	LogLevel    string
	LogFormat   string

	logger loggerSink
}

// loggerSink is a tiny seam so config can log without importing the
// logging package (which would create an import cycle with callers that
// construct both from env). Set via WithLogSink if the caller wants
// load-time diagnostics.
type loggerSink interface {
	Debug(msg string, fields map[string]interface{})
}

// Option is a functional option applied after env loading, matching the
// three-layer precedence (defaults < env < options).
type Option func(*Config) error

// Default returns the spec-mandated defaults from §6.
func Default() *Config {
	return &Config{
		BrokerURL:    "redis://localhost:6379/0",
		HooksEnabled: true,

		RetryBase:        1 * time.Second,
		RetryMax:         5 * time.Minute,
		MaxRetries:       5,
		CircuitThreshold: 10,
		CircuitCooldown:  5 * time.Minute,
		DLQTTL:           24 * time.Hour,

		TransactionRetentionDays: 30,
		LogFlushInterval:         60 * time.Second,
		LogMaxBatchSize:          1000,

		HookExecutorTimeout: 30 * time.Second,

		AgentPollInterval:   250 * time.Millisecond,
		RetryProcessorTick:  5 * time.Second,
		DLQHousekeeperTick:  5 * time.Minute,
		PatternAnalyzerTick: 10 * time.Minute,
		CircuitMonitorTick:  30 * time.Second,
		HeartbeatInterval:   15 * time.Second,

		ServiceName: "task-orchestrator",
		LogLevel:    "info",
		LogFormat:   "json",
	}
}

// LoadFromEnv overlays environment variables onto the receiver, matching
// the naming convention ORC_<SETTING>.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("ORC_BROKER_URL"); v != "" {
		c.BrokerURL = v
	}
	if v := os.Getenv("ORC_HOOKS_ENABLED"); v != "" {
		c.HooksEnabled = parseBool(v, c.HooksEnabled)
	}
	if v := os.Getenv("ORC_RETRY_BASE_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.RetryBase = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("ORC_RETRY_MAX_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.RetryMax = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("ORC_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxRetries = n
		}
	}
	if v := os.Getenv("ORC_CIRCUIT_BREAKER_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.CircuitThreshold = n
		}
	}
	if v := os.Getenv("ORC_CIRCUIT_BREAKER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.CircuitCooldown = d
		}
	}
	if v := os.Getenv("ORC_DLQ_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.DLQTTL = d
		}
	}
	if v := os.Getenv("ORC_TRANSACTION_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.TransactionRetentionDays = n
		}
	}
	if v := os.Getenv("ORC_LOG_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.LogFlushInterval = d
		}
	}
	if v := os.Getenv("ORC_LOG_MAX_BATCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LogMaxBatchSize = n
		}
	}
	if v := os.Getenv("ORC_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("ORC_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("ORC_SERVICE_NAME"); v != "" {
		c.ServiceName = v
	}
	return nil
}

func parseBool(s string, fallback bool) bool {
	switch s {
	case "1", "true", "TRUE", "True":
		return true
	case "0", "false", "FALSE", "False":
		return false
	default:
		return fallback
	}
}

// WithBrokerURL overrides the broker connection string.
func WithBrokerURL(url string) Option {
	return func(c *Config) error {
		if url == "" {
			return fmt.Errorf("broker url cannot be empty")
		}
		c.BrokerURL = url
		return nil
	}
}

// WithHooksEnabled toggles the hook pipeline globally.
func WithHooksEnabled(enabled bool) Option {
	return func(c *Config) error {
		c.HooksEnabled = enabled
		return nil
	}
}

// WithMaxRetries overrides the overall retry attempt ceiling.
func WithMaxRetries(n int) Option {
	return func(c *Config) error {
		if n < 0 {
			return fmt.Errorf("max retries cannot be negative")
		}
		c.MaxRetries = n
		return nil
	}
}

// New builds a Config from defaults, then env, then options — the same
// precedence order as the framework's own configuration loader.
func New(opts ...Option) (*Config, error) {
	cfg := Default()
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("applying config option: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the invariants a malformed config would otherwise
// only surface as confusing runtime behavior later.
func (c *Config) Validate() error {
	if c.BrokerURL == "" {
		return fmt.Errorf("broker url is required")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.CircuitThreshold <= 0 {
		return fmt.Errorf("circuit breaker threshold must be positive")
	}
	return nil
}
