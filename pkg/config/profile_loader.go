package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is a deployment-specific configuration overlay loaded from
// profile_<name>.yaml. Durations are spelled in the units the wire options
// use: seconds or milliseconds. Pointer fields distinguish "unset" from
// zero so a profile overrides only what it mentions.
type Profile struct {
	Name     string `yaml:"name" json:"name"`
	LogLevel string `yaml:"log_level,omitempty" json:"log_level,omitempty"`

	KeyRotationDays   *int    `yaml:"key_rotation_days,omitempty" json:"key_rotation_days,omitempty"`
	MaxFailedAttempts *int    `yaml:"max_failed_attempts,omitempty" json:"max_failed_attempts,omitempty"`
	LockoutDurationS  *int    `yaml:"lockout_duration_s,omitempty" json:"lockout_duration_s,omitempty"`
	EnableMonitoring  *bool   `yaml:"enable_monitoring,omitempty" json:"enable_monitoring,omitempty"`
	AlertWebhookURL   *string `yaml:"alert_webhook_url,omitempty" json:"alert_webhook_url,omitempty"`

	MaxConcurrentWorkflows   *int  `yaml:"max_concurrent_workflows,omitempty" json:"max_concurrent_workflows,omitempty"`
	DefaultWorkflowTimeoutMS *int  `yaml:"default_workflow_timeout_ms,omitempty" json:"default_workflow_timeout_ms,omitempty"`
	EventBusBufferSize       *int  `yaml:"event_bus_buffer_size,omitempty" json:"event_bus_buffer_size,omitempty"`
	AgentTimeoutMS           *int  `yaml:"agent_timeout_ms,omitempty" json:"agent_timeout_ms,omitempty"`
	EnableRollback           *bool `yaml:"enable_rollback,omitempty" json:"enable_rollback,omitempty"`

	SessionTokenTTLS    *int `yaml:"session_token_ttl_s,omitempty" json:"session_token_ttl_s,omitempty"`
	HeartbeatIntervalMS *int `yaml:"heartbeat_interval_ms,omitempty" json:"heartbeat_interval_ms,omitempty"`
	MaxHistory          *int `yaml:"max_history,omitempty" json:"max_history,omitempty"`
	ContextTTLMS        *int `yaml:"context_ttl_ms,omitempty" json:"context_ttl_ms,omitempty"`
	ChallengeSize       *int `yaml:"challenge_size,omitempty" json:"challenge_size,omitempty"`

	DatabaseURL *string `yaml:"database_url,omitempty" json:"database_url,omitempty"`
	SQLitePath  *string `yaml:"sqlite_path,omitempty" json:"sqlite_path,omitempty"`
	RedisAddr   *string `yaml:"redis_addr,omitempty" json:"redis_addr,omitempty"`
}

// LoadProfile reads profile_<name>.yaml from the profiles directory.
func LoadProfile(profilesDir, name string) (*Profile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: load profile %q: %w", name, err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("config: parse profile %q: %w", name, err)
	}
	if profile.Name == "" {
		profile.Name = name
	}
	return &profile, nil
}

// LoadAllProfiles reads every profile_*.yaml under the directory, keyed by
// profile name.
func LoadAllProfiles(profilesDir string) (map[string]*Profile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*Profile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		var profile Profile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		if profile.Name == "" {
			base := filepath.Base(path)
			profile.Name = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		profiles[profile.Name] = &profile
	}
	return profiles, nil
}

// Apply overlays the profile onto the config, field by field.
func (p *Profile) Apply(c *Config) {
	if p.LogLevel != "" {
		c.LogLevel = p.LogLevel
	}
	if p.KeyRotationDays != nil {
		c.KeyRotationDays = *p.KeyRotationDays
	}
	if p.MaxFailedAttempts != nil {
		c.MaxFailedAttempts = *p.MaxFailedAttempts
	}
	if p.LockoutDurationS != nil {
		c.LockoutDuration = time.Duration(*p.LockoutDurationS) * time.Second
	}
	if p.EnableMonitoring != nil {
		c.EnableMonitoring = *p.EnableMonitoring
	}
	if p.AlertWebhookURL != nil {
		c.AlertWebhookURL = *p.AlertWebhookURL
	}
	if p.MaxConcurrentWorkflows != nil {
		c.MaxConcurrentWorkflows = *p.MaxConcurrentWorkflows
	}
	if p.DefaultWorkflowTimeoutMS != nil {
		c.DefaultWorkflowTimeout = time.Duration(*p.DefaultWorkflowTimeoutMS) * time.Millisecond
	}
	if p.EventBusBufferSize != nil {
		c.EventBusBufferSize = *p.EventBusBufferSize
	}
	if p.AgentTimeoutMS != nil {
		c.AgentTimeout = time.Duration(*p.AgentTimeoutMS) * time.Millisecond
	}
	if p.EnableRollback != nil {
		c.EnableRollback = *p.EnableRollback
	}
	if p.SessionTokenTTLS != nil {
		c.SessionTokenTTL = time.Duration(*p.SessionTokenTTLS) * time.Second
	}
	if p.HeartbeatIntervalMS != nil {
		c.HeartbeatInterval = time.Duration(*p.HeartbeatIntervalMS) * time.Millisecond
	}
	if p.MaxHistory != nil {
		c.MaxHistory = *p.MaxHistory
	}
	if p.ContextTTLMS != nil {
		c.ContextTTL = time.Duration(*p.ContextTTLMS) * time.Millisecond
	}
	if p.ChallengeSize != nil {
		c.ChallengeSize = *p.ChallengeSize
	}
	if p.DatabaseURL != nil {
		c.DatabaseURL = *p.DatabaseURL
	}
	if p.SQLitePath != nil {
		c.SQLitePath = *p.SQLitePath
	}
	if p.RedisAddr != nil {
		c.RedisAddr = *p.RedisAddr
	}
}
