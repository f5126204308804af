// Streamgate - Real-Time Event Distribution Gateway
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamgate

// Package config loads Streamgate configuration via koanf v2 with layered
// sources: built-in defaults, an optional YAML file, and environment
// variables (highest priority).
package config

import (
	"time"
)

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
	Security  SecurityConfig  `koanf:"security"`
	Limits    LimitsConfig    `koanf:"limits"`
	Heartbeat HeartbeatConfig `koanf:"heartbeat"`
	Batch     BatchConfig     `koanf:"batch"`
	Protocol  ProtocolConfig  `koanf:"protocol"`
	Session   SessionConfig   `koanf:"session"`
	NATS      NATSConfig      `koanf:"nats"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	AllowedOrigins  []string      `koanf:"allowed_origins"`
	// UpgradeRateLimit bounds /ws upgrade attempts per IP per minute.
	UpgradeRateLimit int `koanf:"upgrade_rate_limit"`
}

// LoggingConfig configures zerolog output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// APIKeyEntry mirrors auth.APIKeyEntry for configuration unmarshaling.
type APIKeyEntry struct {
	KeyID       string   `koanf:"key_id"`
	KeyHash     string   `koanf:"key_hash"`
	UserID      string   `koanf:"user_id"`
	Roles       []string `koanf:"roles"`
	Permissions []string `koanf:"permissions"`
}

// SecurityConfig configures credential validation and sessions.
type SecurityConfig struct {
	// JWTSecret signs and verifies bearer tokens. Minimum 32 characters.
	JWTSecret   string        `koanf:"jwt_secret"`
	JWTIssuer   string        `koanf:"jwt_issuer"`
	JWTAudience string        `koanf:"jwt_audience"`
	ClockSkew   time.Duration `koanf:"clock_skew"`

	APIKeys []APIKeyEntry `koanf:"api_keys"`

	SessionTTL time.Duration `koanf:"session_ttl"`
	// SlidingSessions refreshes a session's TTL on every use.
	SlidingSessions bool `koanf:"sliding_sessions"`
}

// LimitsConfig bounds connection admission and per-connection resources.
type LimitsConfig struct {
	MaxConnections        int `koanf:"max_connections"`
	MaxConnectionsPerUser int `koanf:"max_connections_per_user"`
	MaxConnectionsPerIP   int `koanf:"max_connections_per_ip"`

	// MessageQueueSize is the per-connection outbound queue capacity.
	MessageQueueSize int `koanf:"message_queue_size"`

	// MaxMessageSize bounds inbound frames in bytes.
	MaxMessageSize int64 `koanf:"max_message_size"`

	// InboundRate and InboundBurst bound inbound frames per second per
	// connection (token bucket).
	InboundRate  float64 `koanf:"inbound_rate"`
	InboundBurst int     `koanf:"inbound_burst"`
}

// HeartbeatConfig configures the registry's liveness loops.
type HeartbeatConfig struct {
	Interval        time.Duration `koanf:"interval"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
}

// BatchConfig supplies batching defaults for routes that enable batching
// without overriding the strategy.
type BatchConfig struct {
	Strategy string        `koanf:"strategy"` // size, time, hybrid, adaptive
	MaxSize  int           `koanf:"max_size"`
	MaxWait  time.Duration `koanf:"max_wait"`
	// Adaptive strategy bounds for the effective wait.
	MinWait         time.Duration `koanf:"min_wait"`
	MaxAdaptiveWait time.Duration `koanf:"max_adaptive_wait"`
}

// ProtocolConfig configures acknowledgments and the client reconnect mirror.
type ProtocolConfig struct {
	AckTimeout    time.Duration `koanf:"ack_timeout"`
	MaxAckRetries int           `koanf:"max_ack_retries"`

	ReconnectBaseDelay  time.Duration `koanf:"reconnect_base_delay"`
	ReconnectMultiplier float64       `koanf:"reconnect_multiplier"`
	ReconnectMaxDelay   time.Duration `koanf:"reconnect_max_delay"`
	ReconnectMaxRetries int           `koanf:"reconnect_max_retries"`
}

// SessionConfig selects the session store backend.
type SessionConfig struct {
	// Backend is "memory" or "badger".
	Backend string `koanf:"backend"`
	// Path is the Badger data directory (badger backend only).
	Path string `koanf:"path"`
	// CleanupInterval drives the expired-session sweep.
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
}

// NATSConfig configures the inbound event source.
type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
	// Subject is the subscription subject, typically a wildcard.
	Subject string `koanf:"subject"`
	// Embedded runs an in-process NATS server for standalone mode.
	Embedded     bool   `koanf:"embedded"`
	EmbeddedPort int    `koanf:"embedded_port"`
	StoreDir     string `koanf:"store_dir"`
}

// defaultConfig returns a Config with all sensible default values.
// These defaults are applied first, then overridden by config file and
// environment variables.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8443,
			ReadTimeout:      15 * time.Second,
			WriteTimeout:     15 * time.Second,
			ShutdownTimeout:  10 * time.Second,
			AllowedOrigins:   []string{"*"},
			UpgradeRateLimit: 60,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Security: SecurityConfig{
			JWTSecret:       "",
			JWTIssuer:       "streamgate",
			JWTAudience:     "",
			ClockSkew:       30 * time.Second,
			SessionTTL:      24 * time.Hour,
			SlidingSessions: true,
		},
		Limits: LimitsConfig{
			MaxConnections:        10000,
			MaxConnectionsPerUser: 5,
			MaxConnectionsPerIP:   100,
			MessageQueueSize:      1000,
			MaxMessageSize:        512 * 1024, // 512 KB
			InboundRate:           50,
			InboundBurst:          100,
		},
		Heartbeat: HeartbeatConfig{
			Interval:        30 * time.Second,
			IdleTimeout:     5 * time.Minute,
			CleanupInterval: time.Minute,
		},
		Batch: BatchConfig{
			Strategy:        "hybrid",
			MaxSize:         50,
			MaxWait:         200 * time.Millisecond,
			MinWait:         50 * time.Millisecond,
			MaxAdaptiveWait: time.Second,
		},
		Protocol: ProtocolConfig{
			AckTimeout:          5 * time.Second,
			MaxAckRetries:       3,
			ReconnectBaseDelay:  time.Second,
			ReconnectMultiplier: 2.0,
			ReconnectMaxDelay:   30 * time.Second,
			ReconnectMaxRetries: 10,
		},
		Session: SessionConfig{
			Backend:         "memory",
			Path:            "/data/streamgate/sessions",
			CleanupInterval: time.Minute,
		},
		NATS: NATSConfig{
			Enabled:      true,
			URL:          "nats://127.0.0.1:4222",
			Subject:      "events.>",
			Embedded:     false,
			EmbeddedPort: 4222,
			StoreDir:     "/data/streamgate/nats",
		},
	}
}
