// Streamgate - Real-Time Event Distribution Gateway
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamgate

// Package main is the entry point for the Streamgate server.
//
// Streamgate fans out upstream events to WebSocket clients with
// per-connection sequencing, acknowledgment tracking, batching, and
// session recovery across reconnects.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: Load settings from environment variables and config files (Koanf v2)
//  2. Authentication: JWT and API-key strategies behind a circuit breaker
//  3. Session Store: In-memory or BadgerDB-backed session persistence
//  4. Connection Registry: Admission control, heartbeats, and lifecycle sweeps
//  5. Event Router: Subscription matching, filtering, transforms, and batching
//  6. NATS Source (optional): Inbound event feed, embedded or external
//  7. HTTP Server: WebSocket upgrades plus the operational REST surface
//
// All long-running loops are supervised by a suture v4 tree; crashes are
// restarted with exponential backoff and failures are isolated per layer.
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest priority wins):
//   - Environment variables (e.g. JWT_SECRET, NATS_URL)
//   - Config file (config.yaml)
//   - Built-in defaults
//
// For JWT authentication:
//   - JWT_SECRET: 32+ character secret for token signing
//
// For API-key authentication, configure security.api_keys in config.yaml
// with bcrypt-hashed keys.
//
// # Signal Handling
//
// The server handles graceful shutdown on SIGINT and SIGTERM:
//   - Stops admitting new connections
//   - Notifies connected clients before closing
//   - Flushes pending batches and drains in-flight requests
//   - Shuts down the embedded NATS server if enabled
//
// # Example Usage
//
// Standalone mode with the embedded event source:
//
//	export JWT_SECRET=$(openssl rand -base64 32)
//	export NATS_ENABLED=true
//	export NATS_EMBEDDED=true
//	./streamgate
//
// Against an external NATS cluster:
//
//	export JWT_SECRET=$(openssl rand -base64 32)
//	export NATS_ENABLED=true
//	export NATS_URL=nats://nats:4222
//	export NATS_SUBJECT='events.>'
//	./streamgate
package main
