// Package config handles configuration loading for coven-chat.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_CHAT_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/chat.yaml
//  3. ~/.config/coven/chat.yaml
//
// Files ending in .toml are parsed as TOML; anything else is parsed as YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${COVEN_CHAT_JWT_SECRET}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sync:
//	  reconcile_window: "30s"
//	  send_timeout: "10s"
//	presence:
//	  stale_after: "2m"
//	  sweep_interval: "30s"
//
// # Example
//
//	server:
//	  http_addr: "127.0.0.1:8090"
//	database:
//	  path: "~/.local/share/coven/chat.db"
//	auth:
//	  jwt_secret: "${COVEN_CHAT_JWT_SECRET}"
//	sync:
//	  send_retries: 2
//	  subscriber_buffer: 64
//	uploads:
//	  dir: "/var/lib/coven-chat/media"
//	  base_url: "/media"
//	  max_bytes: 26214400
//	ratelimit:
//	  sends_per_minute: 60
//	  burst: 10
//	logging:
//	  level: info
//	  format: json
//	metrics:
//	  enabled: true
//	  path: /metrics
//
// Unset fields fall back to the Default* constants; Validate reports the
// first missing or inconsistent field.
package config
