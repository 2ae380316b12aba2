// Package config loads node configuration from the environment and from
// YAML deployment profiles. Every option has a production default; a node
// runs with zero configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full set of recognized options.
type Config struct {
	LogLevel string `yaml:"log_level" json:"log_level"`

	// Sentinel
	KeyRotationDays   int           `yaml:"key_rotation_days" json:"key_rotation_days"`
	MaxFailedAttempts int           `yaml:"max_failed_attempts" json:"max_failed_attempts"`
	LockoutDuration   time.Duration `yaml:"lockout_duration" json:"lockout_duration"`
	EnableMonitoring  bool          `yaml:"enable_monitoring" json:"enable_monitoring"`
	AlertWebhookURL   string        `yaml:"alert_webhook_url,omitempty" json:"alert_webhook_url,omitempty"`

	// Maestro
	MaxConcurrentWorkflows int           `yaml:"max_concurrent_workflows" json:"max_concurrent_workflows"`
	DefaultWorkflowTimeout time.Duration `yaml:"default_workflow_timeout" json:"default_workflow_timeout"`
	EventBusBufferSize     int           `yaml:"event_bus_buffer_size" json:"event_bus_buffer_size"`
	AgentTimeout           time.Duration `yaml:"agent_timeout" json:"agent_timeout"`
	EnableRollback         bool          `yaml:"enable_rollback" json:"enable_rollback"`

	// Session layer
	SessionTokenTTL   time.Duration `yaml:"session_token_ttl" json:"session_token_ttl"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	MaxHistory        int           `yaml:"max_history" json:"max_history"`
	ContextTTL        time.Duration `yaml:"context_ttl" json:"context_ttl"`
	ChallengeSize     int           `yaml:"challenge_size" json:"challenge_size"`

	// Persistence (optional)
	DatabaseURL string `yaml:"database_url,omitempty" json:"database_url,omitempty"`
	SQLitePath  string `yaml:"sqlite_path,omitempty" json:"sqlite_path,omitempty"`

	// Redis attempt store (optional; empty means in-memory lockout counters)
	RedisAddr string `yaml:"redis_addr,omitempty" json:"redis_addr,omitempty"`
}

// Default returns the production defaults.
func Default() *Config {
	return &Config{
		LogLevel:               "INFO",
		KeyRotationDays:        90,
		MaxFailedAttempts:      5,
		LockoutDuration:        15 * time.Minute,
		EnableMonitoring:       true,
		MaxConcurrentWorkflows: 100,
		DefaultWorkflowTimeout: 5 * time.Minute,
		EventBusBufferSize:     10000,
		AgentTimeout:           10 * time.Second,
		EnableRollback:         true,
		SessionTokenTTL:        24 * time.Hour,
		HeartbeatInterval:      30 * time.Second,
		MaxHistory:             100,
		ContextTTL:             24 * time.Hour,
		ChallengeSize:          32,
	}
}

// Load builds a Config from defaults overlaid with environment variables.
func Load() *Config {
	c := Default()

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	c.KeyRotationDays = envInt("KEY_ROTATION_DAYS", c.KeyRotationDays)
	c.MaxFailedAttempts = envInt("MAX_FAILED_ATTEMPTS", c.MaxFailedAttempts)
	c.LockoutDuration = envSeconds("LOCKOUT_DURATION_S", c.LockoutDuration)
	c.EnableMonitoring = envBool("ENABLE_MONITORING", c.EnableMonitoring)
	if v := os.Getenv("ALERT_WEBHOOK_URL"); v != "" {
		c.AlertWebhookURL = v
	}
	c.MaxConcurrentWorkflows = envInt("MAX_CONCURRENT_WORKFLOWS", c.MaxConcurrentWorkflows)
	c.DefaultWorkflowTimeout = envMillis("DEFAULT_WORKFLOW_TIMEOUT_MS", c.DefaultWorkflowTimeout)
	c.EventBusBufferSize = envInt("EVENT_BUS_BUFFER_SIZE", c.EventBusBufferSize)
	c.AgentTimeout = envMillis("AGENT_TIMEOUT_MS", c.AgentTimeout)
	c.EnableRollback = envBool("ENABLE_ROLLBACK", c.EnableRollback)
	c.SessionTokenTTL = envSeconds("SESSION_TOKEN_TTL_S", c.SessionTokenTTL)
	c.HeartbeatInterval = envMillis("HEARTBEAT_INTERVAL_MS", c.HeartbeatInterval)
	c.MaxHistory = envInt("MAX_HISTORY", c.MaxHistory)
	c.ContextTTL = envMillis("CONTEXT_TTL_MS", c.ContextTTL)
	c.ChallengeSize = envInt("CHALLENGE_SIZE", c.ChallengeSize)
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		c.SQLitePath = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	return c
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.MaxFailedAttempts < 1 {
		return fmt.Errorf("config: max_failed_attempts must be positive, got %d", c.MaxFailedAttempts)
	}
	if c.MaxConcurrentWorkflows < 1 {
		return fmt.Errorf("config: max_concurrent_workflows must be positive, got %d", c.MaxConcurrentWorkflows)
	}
	if c.ChallengeSize < 16 {
		return fmt.Errorf("config: challenge_size below 16 bytes is insecure, got %d", c.ChallengeSize)
	}
	if c.MaxHistory < 1 {
		return fmt.Errorf("config: max_history must be positive, got %d", c.MaxHistory)
	}
	return nil
}

func envInt(name string, fallback int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(name string, fallback bool) bool {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envSeconds(name string, fallback time.Duration) time.Duration {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}

func envMillis(name string, fallback time.Duration) time.Duration {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}
