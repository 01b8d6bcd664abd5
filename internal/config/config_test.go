// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults and validation

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "chat.yaml", `
server:
  http_addr: "0.0.0.0:9000"
database:
  path: "./chat.db"
auth:
  jwt_secret: "`+testSecret+`"
sync:
  reconcile_window: "45s"
  send_timeout: "3s"
  send_retries: 4
  subscriber_buffer: 16
uploads:
  dir: "./media"
  base_url: "https://chat.example.com/media"
  max_bytes: 1024
presence:
  stale_after: "5m"
  sweep_interval: "1m"
ratelimit:
  sends_per_minute: 30
  burst: 5
logging:
  level: debug
  format: json
metrics:
  enabled: true
  path: /internal/metrics
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.HTTPAddr)
	assert.Equal(t, "./chat.db", cfg.Database.Path)
	assert.Equal(t, 45*time.Second, cfg.Sync.ReconcileWindow)
	assert.Equal(t, 3*time.Second, cfg.Sync.SendTimeout)
	assert.Equal(t, 4, cfg.Sync.SendRetries)
	assert.Equal(t, 16, cfg.Sync.SubscriberBuffer)
	assert.Equal(t, "https://chat.example.com/media", cfg.Uploads.BaseURL)
	assert.Equal(t, int64(1024), cfg.Uploads.MaxBytes)
	assert.Equal(t, 5*time.Minute, cfg.Presence.StaleAfter)
	assert.Equal(t, time.Minute, cfg.Presence.SweepInterval)
	assert.Equal(t, 30, cfg.RateLimit.SendsPerMinute)
	assert.Equal(t, 5, cfg.RateLimit.Burst)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/internal/metrics", cfg.Metrics.Path)
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "chat.toml", `
[server]
http_addr = "127.0.0.1:7000"

[database]
path = "chat.db"

[auth]
jwt_secret = "`+testSecret+`"

[uploads]
dir = "media"

[presence]
stale_after = "90s"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7000", cfg.Server.HTTPAddr)
	assert.Equal(t, "chat.db", cfg.Database.Path)
	assert.Equal(t, 90*time.Second, cfg.Presence.StaleAfter)
	assert.Equal(t, DefaultSweepInterval, cfg.Presence.SweepInterval)
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "chat.yaml", `
database:
  path: "chat.db"
auth:
  jwt_secret: "`+testSecret+`"
uploads:
  dir: "media"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultHTTPAddr, cfg.Server.HTTPAddr)
	assert.Equal(t, DefaultReconcileWindow, cfg.Sync.ReconcileWindow)
	assert.Equal(t, DefaultSendTimeout, cfg.Sync.SendTimeout)
	assert.Equal(t, 0, cfg.Sync.SendRetries)
	assert.Equal(t, DefaultSubscriberBuf, cfg.Sync.SubscriberBuffer)
	assert.Equal(t, int64(DefaultUploadMaxBytes), cfg.Uploads.MaxBytes)
	assert.Equal(t, "/media", cfg.Uploads.BaseURL)
	assert.Equal(t, DefaultStaleAfter, cfg.Presence.StaleAfter)
	assert.Equal(t, DefaultSendsPerMinute, cfg.RateLimit.SendsPerMinute)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, DefaultMetricsPath, cfg.Metrics.Path)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_CHAT_SECRET", testSecret)
	t.Setenv("TEST_CHAT_DB", "/tmp/chat.db")

	path := writeConfig(t, "chat.yaml", `
database:
  path: "${TEST_CHAT_DB}"
auth:
  jwt_secret: "${TEST_CHAT_SECRET}"
uploads:
  dir: "media"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/chat.db", cfg.Database.Path)
	assert.Equal(t, testSecret, cfg.Auth.JWTSecret)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errPart string
	}{
		{
			name:    "missing database",
			content: "auth:\n  jwt_secret: \"" + testSecret + "\"\nuploads:\n  dir: m\n",
			errPart: "database.path",
		},
		{
			name:    "short secret",
			content: "database:\n  path: x\nauth:\n  jwt_secret: short\nuploads:\n  dir: m\n",
			errPart: "at least 32 bytes",
		},
		{
			name:    "bad duration",
			content: "database:\n  path: x\nauth:\n  jwt_secret: \"" + testSecret + "\"\nuploads:\n  dir: m\nsync:\n  send_timeout: soon\n",
			errPart: "sync.send_timeout",
		},
		{
			name:    "tailscale without hostname",
			content: "tailscale:\n  enabled: true\ndatabase:\n  path: x\nauth:\n  jwt_secret: \"" + testSecret + "\"\nuploads:\n  dir: m\n",
			errPart: "tailscale.hostname",
		},
		{
			name:    "sweep longer than stale window",
			content: "database:\n  path: x\nauth:\n  jwt_secret: \"" + testSecret + "\"\nuploads:\n  dir: m\npresence:\n  stale_after: 10s\n  sweep_interval: 1m\n",
			errPart: "presence.sweep_interval",
		},
		{
			name:    "bad log format",
			content: "database:\n  path: x\nauth:\n  jwt_secret: \"" + testSecret + "\"\nuploads:\n  dir: m\nlogging:\n  format: xml\n",
			errPart: "logging.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "chat.yaml", tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errPart)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestPath(t *testing.T) {
	t.Setenv("COVEN_CHAT_CONFIG", "/etc/coven/chat.toml")
	assert.Equal(t, "/etc/coven/chat.toml", Path())

	t.Setenv("COVEN_CHAT_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	assert.Equal(t, filepath.Join("/xdg", "coven", "chat.yaml"), Path())
}
