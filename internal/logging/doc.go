// Streamgate - Real-Time Event Distribution Gateway
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamgate

// Package logging provides zerolog-based structured logging for
// Streamgate.
//
// A single global logger is configured once at startup and shared by
// every component: JSON output for production, console output for
// development.
//
//	logging.Init(logging.Config{
//	    Level:  "info",
//	    Format: "json",
//	})
//
//	logging.Info().Str("connection_id", id).Msg("connection admitted")
//	logging.Error().Err(err).Msg("delivery failed")
//
// Always terminate log chains with .Msg() or .Send(); a chain without
// a terminator is never emitted. Prefer structured fields over Msgf
// formatting.
//
// # Security events
//
// Admission, authentication, and rate-limit events go through
// SecurityLogger, which sanitizes user ids, session ids, and free-form
// detail values before they reach the output stream. Raw tokens and
// session ids must never be logged directly.
//
//	secLog := logging.NewSecurityLogger()
//	secLog.LogAuthFailure("jwt", clientIP, "token expired")
//
// # Supervisor integration
//
// The suture supervisor tree logs through sutureslog, which takes an
// slog.Logger. NewSlogLogger bridges slog records onto the global
// zerolog logger so supervision events share the same output stream
// and format as everything else.
package logging
