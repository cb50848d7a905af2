// Package config provides YAML-based configuration loading for Signalbox.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Signalbox configuration, loaded from config.yaml.
type Config struct {
	Backend    BackendConfig    `yaml:"backend"`
	Database   DatabaseConfig   `yaml:"database"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Queue      QueueConfig      `yaml:"queue"`
	Registry   RegistryConfig   `yaml:"registry"`
	Devices    DevicesConfig    `yaml:"devices"`
	Dedup      DedupConfig      `yaml:"dedup"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	Notify     NotifyConfig     `yaml:"notify"`
}

// BackendConfig points at the conversational backend the bridge connects to.
type BackendConfig struct {
	URL string `yaml:"url"` // e.g. ws://127.0.0.1:8787/ws
}

// DatabaseConfig holds settings for the optional persistence mirror.
// An empty Driver runs the bridge memory-only (no crash recovery).
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite", "mysql", or "" for memory-only
	Path   string `yaml:"path"`   // sqlite file path
	Host   string `yaml:"host"`   // mysql host
	Port   int    `yaml:"port"`   // mysql port
	Name   string `yaml:"name"`   // mysql database name
}

// SupervisorConfig tunes connection retry behavior.
type SupervisorConfig struct {
	BaseBackoffSec       int `yaml:"base_backoff_sec"`       // default 1
	MaxBackoffSec        int `yaml:"max_backoff_sec"`        // default 300
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"` // default 10
}

// QueueConfig tunes per-session delivery queues.
type QueueConfig struct {
	MaxDepth     int `yaml:"max_depth"`     // default 1000
	RetentionMin int `yaml:"retention_min"` // default 60
	MaxAttempts  int `yaml:"max_attempts"`  // default 3
}

// RegistryConfig tunes session lifetime and housekeeping.
type RegistryConfig struct {
	IdleTTLHours int    `yaml:"idle_ttl_hours"` // default 168 (7 days)
	SweepCron    string `yaml:"sweep_cron"`     // default "0 3 * * *"
}

// DevicesConfig tunes device liveness tracking.
type DevicesConfig struct {
	HeartbeatSec int `yaml:"heartbeat_sec"` // default 30; stale at 2x
}

// DedupConfig tunes the inbound fingerprint cache.
type DedupConfig struct {
	Capacity int `yaml:"capacity"` // default 50
}

// DashboardConfig holds diagnostics server settings.
type DashboardConfig struct {
	Port int `yaml:"port"` // default 8080
}

// NotifyConfig holds operator alert sink settings. Both sinks are optional.
type NotifyConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
}

// SlackConfig configures the Slack alert sink.
type SlackConfig struct {
	BotToken string `yaml:"bot_token"`
	Channel  string `yaml:"channel"`
}

// DiscordConfig configures the Discord alert sink.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
	Channel  string `yaml:"channel"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Supervisor.BaseBackoffSec == 0 {
		c.Supervisor.BaseBackoffSec = 1
	}
	if c.Supervisor.MaxBackoffSec == 0 {
		c.Supervisor.MaxBackoffSec = 300
	}
	if c.Supervisor.MaxReconnectAttempts == 0 {
		c.Supervisor.MaxReconnectAttempts = 10
	}
	if c.Queue.MaxDepth == 0 {
		c.Queue.MaxDepth = 1000
	}
	if c.Queue.RetentionMin == 0 {
		c.Queue.RetentionMin = 60
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = 3
	}
	if c.Registry.IdleTTLHours == 0 {
		c.Registry.IdleTTLHours = 168
	}
	if c.Registry.SweepCron == "" {
		c.Registry.SweepCron = "0 3 * * *"
	}
	if c.Devices.HeartbeatSec == 0 {
		c.Devices.HeartbeatSec = 30
	}
	if c.Dedup.Capacity == 0 {
		c.Dedup.Capacity = 50
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8080
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "signalbox.db"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.Name == "" {
			c.Database.Name = "signalbox"
		}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Backend.URL == "" {
		errs = append(errs, "backend.url is required")
	}
	switch c.Database.Driver {
	case "", "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not one of sqlite, mysql", c.Database.Driver))
	}
	if c.Supervisor.BaseBackoffSec > c.Supervisor.MaxBackoffSec {
		errs = append(errs, "supervisor.base_backoff_sec must not exceed supervisor.max_backoff_sec")
	}
	if c.Notify.Slack.BotToken != "" && c.Notify.Slack.Channel == "" {
		errs = append(errs, "notify.slack.channel is required when a bot token is set")
	}
	if c.Notify.Discord.BotToken != "" && c.Notify.Discord.Channel == "" {
		errs = append(errs, "notify.discord.channel is required when a bot token is set")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// BaseBackoff returns the supervisor base backoff as a duration.
func (c *Config) BaseBackoff() time.Duration {
	return time.Duration(c.Supervisor.BaseBackoffSec) * time.Second
}

// MaxBackoff returns the supervisor backoff cap as a duration.
func (c *Config) MaxBackoff() time.Duration {
	return time.Duration(c.Supervisor.MaxBackoffSec) * time.Second
}

// QueueRetention returns the queued-message retention window as a duration.
func (c *Config) QueueRetention() time.Duration {
	return time.Duration(c.Queue.RetentionMin) * time.Minute
}

// SessionIdleTTL returns the session idle expiry as a duration.
func (c *Config) SessionIdleTTL() time.Duration {
	return time.Duration(c.Registry.IdleTTLHours) * time.Hour
}

// HeartbeatInterval returns the device heartbeat interval as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Devices.HeartbeatSec) * time.Second
}
