// ABOUTME: Configuration loading and parsing for coven-chat
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied when a field is left unset.
const (
	DefaultHTTPAddr        = "127.0.0.1:8090"
	DefaultReconcileWindow = 30 * time.Second
	DefaultSendTimeout     = 10 * time.Second
	DefaultSendRetries     = 2
	DefaultSubscriberBuf   = 64
	DefaultUploadMaxBytes  = 25 << 20
	DefaultStaleAfter      = 2 * time.Minute
	DefaultSweepInterval   = 30 * time.Second
	DefaultSendsPerMinute  = 60
	DefaultBurst           = 10
	DefaultMetricsPath     = "/metrics"
)

// Config represents the complete coven-chat configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Sync      SyncConfig      `yaml:"sync" toml:"sync"`
	Uploads   UploadsConfig   `yaml:"uploads" toml:"uploads"`
	Presence  PresenceConfig  `yaml:"presence" toml:"presence"`
	RateLimit RateLimitConfig `yaml:"ratelimit" toml:"ratelimit"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public Funnel, implies HTTPS
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// SyncConfig holds the timing knobs for message delivery and reconciliation
type SyncConfig struct {
	ReconcileWindow  time.Duration `yaml:"-" toml:"-"`
	SendTimeout      time.Duration `yaml:"-" toml:"-"`
	SendRetries      int           `yaml:"send_retries" toml:"send_retries"`
	SubscriberBuffer int           `yaml:"subscriber_buffer" toml:"subscriber_buffer"`

	// Raw string values for unmarshaling
	ReconcileWindowRaw string `yaml:"reconcile_window" toml:"reconcile_window"`
	SendTimeoutRaw     string `yaml:"send_timeout" toml:"send_timeout"`
}

// UploadsConfig holds attachment storage configuration
type UploadsConfig struct {
	Dir      string `yaml:"dir" toml:"dir"`
	BaseURL  string `yaml:"base_url" toml:"base_url"`
	MaxBytes int64  `yaml:"max_bytes" toml:"max_bytes"`
}

// PresenceConfig holds presence sweep configuration
type PresenceConfig struct {
	StaleAfter    time.Duration `yaml:"-" toml:"-"`
	SweepInterval time.Duration `yaml:"-" toml:"-"`

	StaleAfterRaw    string `yaml:"stale_after" toml:"stale_after"`
	SweepIntervalRaw string `yaml:"sweep_interval" toml:"sweep_interval"`
}

// RateLimitConfig bounds how fast a single user may send
type RateLimitConfig struct {
	SendsPerMinute int `yaml:"sends_per_minute" toml:"sends_per_minute"`
	Burst          int `yaml:"burst" toml:"burst"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Path returns the config file location.
// Priority: COVEN_CHAT_CONFIG env var > XDG_CONFIG_HOME/coven/chat.yaml > ~/.config/coven/chat.yaml
func Path() string {
	if envPath := os.Getenv("COVEN_CHAT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "chat.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "chat.yaml")
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// ApplyDefaults fills unset fields with their default values.
func (c *Config) ApplyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Sync.ReconcileWindow <= 0 {
		c.Sync.ReconcileWindow = DefaultReconcileWindow
	}
	if c.Sync.SendTimeout <= 0 {
		c.Sync.SendTimeout = DefaultSendTimeout
	}
	if c.Sync.SendRetries < 0 {
		c.Sync.SendRetries = 0
	}
	if c.Sync.SubscriberBuffer <= 0 {
		c.Sync.SubscriberBuffer = DefaultSubscriberBuf
	}
	if c.Uploads.MaxBytes <= 0 {
		c.Uploads.MaxBytes = DefaultUploadMaxBytes
	}
	if c.Uploads.BaseURL == "" {
		c.Uploads.BaseURL = "/media"
	}
	if c.Presence.StaleAfter <= 0 {
		c.Presence.StaleAfter = DefaultStaleAfter
	}
	if c.Presence.SweepInterval <= 0 {
		c.Presence.SweepInterval = DefaultSweepInterval
	}
	if c.RateLimit.SendsPerMinute <= 0 {
		c.RateLimit.SendsPerMinute = DefaultSendsPerMinute
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = DefaultBurst
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}
	if c.Uploads.Dir == "" {
		return fmt.Errorf("uploads.dir is required")
	}
	if c.Presence.SweepInterval > c.Presence.StaleAfter {
		return fmt.Errorf("presence.sweep_interval (%s) must not exceed presence.stale_after (%s)",
			c.Presence.SweepInterval, c.Presence.StaleAfter)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"sync.reconcile_window", cfg.Sync.ReconcileWindowRaw, &cfg.Sync.ReconcileWindow},
		{"sync.send_timeout", cfg.Sync.SendTimeoutRaw, &cfg.Sync.SendTimeout},
		{"presence.stale_after", cfg.Presence.StaleAfterRaw, &cfg.Presence.StaleAfter},
		{"presence.sweep_interval", cfg.Presence.SweepIntervalRaw, &cfg.Presence.SweepInterval},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
