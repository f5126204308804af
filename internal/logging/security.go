// Streamgate - Real-Time Event Distribution Gateway
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamgate

package logging

import (
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// SecurityEvent represents a security-relevant event for audit logging.
type SecurityEvent struct {
	// Event is the type of event (e.g., "auth_failed", "admission_rejected").
	Event string
	// UserID is the user's identifier (if known).
	UserID string
	// ConnectionID is the affected connection (if any).
	ConnectionID string
	// SessionID is the session identifier (sanitized).
	SessionID string
	// Strategy is the credential strategy involved (jwt, api_key).
	Strategy string
	// IPAddress is the client's IP address.
	IPAddress string
	// Success indicates if the operation was successful.
	Success bool
	// Error is the error message if the operation failed.
	Error string
	// Details contains additional sanitized details.
	Details map[string]string
}

// SecurityLogger provides secure logging for admission and connection
// security events. It automatically sanitizes sensitive data before logging.
type SecurityLogger struct {
	logger zerolog.Logger
}

// NewSecurityLogger creates a new security logger.
func NewSecurityLogger() *SecurityLogger {
	return &SecurityLogger{
		logger: With().Str("component", "security").Logger(),
	}
}

// NewSecurityLoggerWithLogger creates a security logger with a custom zerolog logger.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func NewSecurityLoggerWithLogger(logger zerolog.Logger) *SecurityLogger {
	return &SecurityLogger{
		logger: logger.With().Str("component", "security").Logger(),
	}
}

// LogEvent logs a security event with automatic sanitization.
func (l *SecurityLogger) LogEvent(event *SecurityEvent) {
	e := l.logger.Info().
		Str("event", event.Event)

	if event.Success {
		e = e.Str("status", "success")
	} else {
		e = e.Str("status", "failed")
	}

	if event.UserID != "" {
		e = e.Str("user_id", SanitizeUserID(event.UserID))
	}

	if event.ConnectionID != "" {
		e = e.Str("connection_id", event.ConnectionID)
	}

	if event.SessionID != "" {
		e = e.Str("session_id", SanitizeSessionID(event.SessionID))
	}

	if event.Strategy != "" {
		e = e.Str("strategy", event.Strategy)
	}

	if event.IPAddress != "" {
		e = e.Str("ip", event.IPAddress)
	}

	if event.Error != "" && !event.Success {
		e = e.Str("error", SanitizeError(event.Error))
	}

	// Add sanitized details
	for k, v := range event.Details {
		e = e.Str(k, SanitizeValue(k, v))
	}

	e.Msg("")
}

// Debug logs a debug-level message.
func (l *SecurityLogger) Debug(msg string, fields ...interface{}) {
	e := l.logger.Debug()
	e = addFieldPairs(e, fields)
	e.Msg(msg)
}

// Info logs an info-level message.
func (l *SecurityLogger) Info(msg string, fields ...interface{}) {
	e := l.logger.Info()
	e = addFieldPairs(e, fields)
	e.Msg(msg)
}

// Warn logs a warning-level message.
func (l *SecurityLogger) Warn(msg string, fields ...interface{}) {
	e := l.logger.Warn()
	e = addFieldPairs(e, fields)
	e.Msg(msg)
}

// Error logs an error-level message.
func (l *SecurityLogger) Error(msg string, fields ...interface{}) {
	e := l.logger.Error()
	e = addFieldPairs(e, fields)
	e.Msg(msg)
}

// addFieldPairs adds key-value pairs to a zerolog event.
func addFieldPairs(e *zerolog.Event, fields []interface{}) *zerolog.Event {
	for i := 0; i < len(fields); i += 2 {
		if i+1 < len(fields) {
			key, ok := fields[i].(string)
			if !ok {
				continue
			}
			e = e.Interface(key, fields[i+1])
		}
	}
	return e
}

// ============================================================
// Pre-defined Security Events
// ============================================================

// LogAuthSuccess logs a successful credential validation.
func (l *SecurityLogger) LogAuthSuccess(userID, strategy, ip string) {
	l.LogEvent(&SecurityEvent{
		Event:     "auth_success",
		UserID:    userID,
		Strategy:  strategy,
		IPAddress: ip,
		Success:   true,
	})
}

// LogAuthFailure logs a failed credential validation.
func (l *SecurityLogger) LogAuthFailure(strategy, ip, reason string) {
	l.LogEvent(&SecurityEvent{
		Event:     "auth_failed",
		Strategy:  strategy,
		IPAddress: ip,
		Success:   false,
		Error:     reason,
	})
}

// LogAdmissionRejected logs a connection rejected at admission.
func (l *SecurityLogger) LogAdmissionRejected(userID, ip, reason string) {
	l.LogEvent(&SecurityEvent{
		Event:     "admission_rejected",
		UserID:    userID,
		IPAddress: ip,
		Success:   false,
		Error:     reason,
	})
}

// LogRateLimitViolation logs a per-connection action rate limit violation.
func (l *SecurityLogger) LogRateLimitViolation(connID, action string, limit int) {
	l.LogEvent(&SecurityEvent{
		Event:        "rate_limit_exceeded",
		ConnectionID: connID,
		Success:      false,
		Details: map[string]string{
			"action": action,
			"limit":  strconv.Itoa(limit),
		},
	})
}

// LogSuspiciousActivity logs a suspicious activity report for a connection.
func (l *SecurityLogger) LogSuspiciousActivity(connID, activity, severity string) {
	l.LogEvent(&SecurityEvent{
		Event:        "suspicious_activity",
		ConnectionID: connID,
		Success:      false,
		Details: map[string]string{
			"activity": activity,
			"severity": severity,
		},
	})
}

// LogForcedClose logs a connection forcibly closed for a policy violation.
func (l *SecurityLogger) LogForcedClose(connID, userID string, closeCode int, reason string) {
	l.LogEvent(&SecurityEvent{
		Event:        "forced_close",
		ConnectionID: connID,
		UserID:       userID,
		Success:      true,
		Details: map[string]string{
			"close_code": strconv.Itoa(closeCode),
			"reason":     reason,
		},
	})
}

// LogSessionCreated logs a session creation event.
func (l *SecurityLogger) LogSessionCreated(userID, sessionID, strategy, ip string) {
	l.LogEvent(&SecurityEvent{
		Event:     "session_created",
		UserID:    userID,
		SessionID: sessionID,
		Strategy:  strategy,
		IPAddress: ip,
		Success:   true,
	})
}

// LogSessionRevoked logs a session revocation event.
func (l *SecurityLogger) LogSessionRevoked(userID, sessionID, reason string) {
	l.LogEvent(&SecurityEvent{
		Event:     "session_revoked",
		UserID:    userID,
		SessionID: sessionID,
		Success:   true,
		Details: map[string]string{
			"reason": reason,
		},
	})
}

// ============================================================
// Sanitization Functions
// ============================================================

// SanitizeToken masks a token, showing only first and last 4 characters.
// Example: "eyJhbGciOiJSUzI1NiIsInR5cCI6IkpXVCJ9..." -> "eyJh...kpXV"
func SanitizeToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 12 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// SanitizeSessionID masks a session ID.
// Example: "abc123def456" -> "abc1...f456"
func SanitizeSessionID(sessionID string) string {
	if sessionID == "" {
		return ""
	}
	if len(sessionID) <= 12 {
		return "***"
	}
	return sessionID[:4] + "..." + sessionID[len(sessionID)-4:]
}

// SanitizeUserID masks a user ID for privacy.
// Example: "user-12345678" -> "user...5678"
func SanitizeUserID(userID string) string {
	if userID == "" {
		return ""
	}
	if len(userID) <= 8 {
		return "***"
	}
	return userID[:4] + "..." + userID[len(userID)-4:]
}

// SanitizeError removes potentially sensitive information from error messages.
func SanitizeError(err string) string {
	// Remove potential secrets from error messages
	sensitivePatterns := []string{
		"password",
		"secret",
		"token",
		"key",
		"bearer",
		"authorization",
		"cookie",
	}

	lowerErr := strings.ToLower(err)
	for _, pattern := range sensitivePatterns {
		if strings.Contains(lowerErr, pattern) {
			// Generic error message
			return "authentication error"
		}
	}

	// Truncate long errors
	return truncateString(err, 200)
}

// SanitizeValue sanitizes a value based on its key name.
func SanitizeValue(key, value string) string {
	lowerKey := strings.ToLower(key)

	// Check for sensitive key names
	sensitiveKeys := map[string]bool{
		"token":          true,
		"password":       true,
		"secret":         true,
		"api_key":        true,
		"apikey":         true,
		"authorization":  true,
		"bearer":         true,
		"cookie":         true,
		"session":        true,
		"session_id":     true,
		"sessionid":      true,
		"reconnect_token": true,
	}

	if sensitiveKeys[lowerKey] {
		return SanitizeToken(value)
	}

	return value
}

// truncateString truncates a string to a maximum length.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
