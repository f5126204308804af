// Streamgate - Real-Time Event Distribution Gateway
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamgate

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/streamgate/config.yaml",
	"/etc/streamgate/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// sliceConfigPaths lists config paths whose env-var form is a
// comma-separated string that must be split into a slice.
var sliceConfigPaths = []string{
	"server.allowed_origins",
}

// Load builds the configuration with layered precedence:
//
//  1. Defaults: built-in sensible defaults
//  2. Config file: optional YAML file (if one exists)
//  3. Environment variables: override any setting
func Load() (*Config, error) {
	k := koanf.New(".")

	// Layer 1: defaults from struct
	defaults := defaultConfig()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Layer 2: config file (optional)
	configPath := findConfigFile()
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Layer 3: environment variables (highest priority)
	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Post-process slice fields from comma-separated strings
	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile searches for a config file in the default paths.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// processSliceFields splits comma-separated env-var strings into slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}

		// Already a slice (from YAML file)
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}

		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envTransformFunc maps environment variable names to koanf config paths.
//
// Examples:
//   - SERVER_PORT -> server.port
//   - JWT_SECRET -> security.jwt_secret
//   - MAX_CONNECTIONS_PER_USER -> limits.max_connections_per_user
//   - NATS_URL -> nats.url
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		// Server
		"server_host":            "server.host",
		"server_port":            "server.port",
		"server_read_timeout":    "server.read_timeout",
		"server_write_timeout":   "server.write_timeout",
		"shutdown_timeout":       "server.shutdown_timeout",
		"allowed_origins":        "server.allowed_origins",
		"ws_upgrade_rate_limit":  "server.upgrade_rate_limit",

		// Logging
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",

		// Security
		"jwt_secret":       "security.jwt_secret",
		"jwt_issuer":       "security.jwt_issuer",
		"jwt_audience":     "security.jwt_audience",
		"auth_clock_skew":  "security.clock_skew",
		"session_ttl":      "security.session_ttl",
		"sliding_sessions": "security.sliding_sessions",

		// Limits
		"max_connections":          "limits.max_connections",
		"max_connections_per_user": "limits.max_connections_per_user",
		"max_connections_per_ip":   "limits.max_connections_per_ip",
		"message_queue_size":       "limits.message_queue_size",
		"max_message_size":         "limits.max_message_size",
		"inbound_rate":             "limits.inbound_rate",
		"inbound_burst":            "limits.inbound_burst",

		// Heartbeat
		"heartbeat_interval": "heartbeat.interval",
		"idle_timeout":       "heartbeat.idle_timeout",
		"cleanup_interval":   "heartbeat.cleanup_interval",

		// Batching
		"batch_strategy": "batch.strategy",
		"batch_max_size": "batch.max_size",
		"batch_max_wait": "batch.max_wait",

		// Protocol
		"ack_timeout":           "protocol.ack_timeout",
		"max_ack_retries":       "protocol.max_ack_retries",
		"reconnect_base_delay":  "protocol.reconnect_base_delay",
		"reconnect_multiplier":  "protocol.reconnect_multiplier",
		"reconnect_max_delay":   "protocol.reconnect_max_delay",
		"reconnect_max_retries": "protocol.reconnect_max_retries",

		// Session store
		"session_backend":          "session.backend",
		"session_path":             "session.path",
		"session_cleanup_interval": "session.cleanup_interval",

		// NATS
		"nats_enabled":       "nats.enabled",
		"nats_url":           "nats.url",
		"nats_subject":       "nats.subject",
		"nats_embedded":      "nats.embedded",
		"nats_embedded_port": "nats.embedded_port",
		"nats_store_dir":     "nats.store_dir",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}

	// Unknown variables are ignored rather than polluting the tree.
	return ""
}
