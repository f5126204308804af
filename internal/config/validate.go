// Streamgate - Real-Time Event Distribution Gateway
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamgate

package config

import (
	"fmt"
	"strings"
)

// validBatchStrategies enumerates accepted batch.strategy values.
var validBatchStrategies = map[string]bool{
	"size":     true,
	"time":     true,
	"hybrid":   true,
	"adaptive": true,
}

// Validate checks that required configuration is present and valid.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateSecurity(); err != nil {
		return err
	}
	if err := c.validateLimits(); err != nil {
		return err
	}
	if err := c.validateBatch(); err != nil {
		return err
	}
	if err := c.validateProtocol(); err != nil {
		return err
	}
	if err := c.validateSession(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.UpgradeRateLimit < 1 {
		return fmt.Errorf("WS_UPGRADE_RATE_LIMIT must be positive, got %d", c.Server.UpgradeRateLimit)
	}
	return nil
}

func (c *Config) validateSecurity() error {
	// Either a JWT secret or at least one API key entry must exist;
	// otherwise no connection could ever be admitted.
	if c.Security.JWTSecret == "" && len(c.Security.APIKeys) == 0 {
		return fmt.Errorf("JWT_SECRET or security.api_keys is required")
	}
	if c.Security.JWTSecret != "" && len(c.Security.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters, got %d", len(c.Security.JWTSecret))
	}
	for i, key := range c.Security.APIKeys {
		if key.KeyID == "" {
			return fmt.Errorf("security.api_keys[%d]: key_id is required", i)
		}
		if !strings.HasPrefix(key.KeyHash, "$2") {
			return fmt.Errorf("security.api_keys[%d]: key_hash must be a bcrypt hash", i)
		}
		if key.UserID == "" {
			return fmt.Errorf("security.api_keys[%d]: user_id is required", i)
		}
	}
	if c.Security.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive")
	}
	return nil
}

func (c *Config) validateLimits() error {
	if c.Limits.MaxConnections < 1 {
		return fmt.Errorf("MAX_CONNECTIONS must be positive, got %d", c.Limits.MaxConnections)
	}
	if c.Limits.MaxConnectionsPerUser < 1 {
		return fmt.Errorf("MAX_CONNECTIONS_PER_USER must be positive, got %d", c.Limits.MaxConnectionsPerUser)
	}
	if c.Limits.MaxConnectionsPerIP < 1 {
		return fmt.Errorf("MAX_CONNECTIONS_PER_IP must be positive, got %d", c.Limits.MaxConnectionsPerIP)
	}
	if c.Limits.MessageQueueSize < 1 {
		return fmt.Errorf("MESSAGE_QUEUE_SIZE must be positive, got %d", c.Limits.MessageQueueSize)
	}
	if c.Limits.MaxMessageSize < 1024 {
		return fmt.Errorf("MAX_MESSAGE_SIZE must be at least 1024 bytes, got %d", c.Limits.MaxMessageSize)
	}
	return nil
}

func (c *Config) validateBatch() error {
	if !validBatchStrategies[c.Batch.Strategy] {
		return fmt.Errorf("BATCH_STRATEGY must be one of size, time, hybrid, adaptive; got %q", c.Batch.Strategy)
	}
	if c.Batch.MaxSize < 1 {
		return fmt.Errorf("BATCH_MAX_SIZE must be positive, got %d", c.Batch.MaxSize)
	}
	if c.Batch.MaxWait <= 0 {
		return fmt.Errorf("BATCH_MAX_WAIT must be positive")
	}
	if c.Batch.MinWait > c.Batch.MaxAdaptiveWait {
		return fmt.Errorf("batch.min_wait must not exceed batch.max_adaptive_wait")
	}
	return nil
}

func (c *Config) validateProtocol() error {
	if c.Protocol.AckTimeout <= 0 {
		return fmt.Errorf("ACK_TIMEOUT must be positive")
	}
	if c.Protocol.MaxAckRetries < 0 {
		return fmt.Errorf("MAX_ACK_RETRIES must not be negative, got %d", c.Protocol.MaxAckRetries)
	}
	if c.Protocol.ReconnectMultiplier < 1.0 {
		return fmt.Errorf("RECONNECT_MULTIPLIER must be at least 1.0, got %g", c.Protocol.ReconnectMultiplier)
	}
	if c.Protocol.ReconnectBaseDelay <= 0 || c.Protocol.ReconnectMaxDelay < c.Protocol.ReconnectBaseDelay {
		return fmt.Errorf("reconnect delays must satisfy 0 < base <= max")
	}
	return nil
}

func (c *Config) validateSession() error {
	switch c.Session.Backend {
	case "memory":
		return nil
	case "badger":
		if c.Session.Path == "" {
			return fmt.Errorf("SESSION_PATH is required when SESSION_BACKEND=badger")
		}
		return nil
	default:
		return fmt.Errorf("SESSION_BACKEND must be memory or badger, got %q", c.Session.Backend)
	}
}

func (c *Config) validateLogging() error {
	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic", "disabled":
	default:
		return fmt.Errorf("LOG_LEVEL must be a valid zerolog level, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
		return nil
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.Logging.Format)
	}
}
