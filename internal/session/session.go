// Streamgate - Real-Time Event Distribution Gateway
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamgate

// Package session persists authorization snapshots so a connection's
// identity survives a transport replacement.
//
// A session is created at authentication, refreshed on use when sliding
// expiration is configured, and destroyed at expiry or explicit revoke.
// Two stores are provided: an in-memory store for tests and single-node
// defaults, and a Badger-backed store for restart-surviving sessions.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/tomtom215/streamgate/internal/auth"
)

// ErrNotFound is returned when a session does not exist or has expired.
var ErrNotFound = errors.New("session not found")

// Session is the durable authorization snapshot for one authenticated
// principal, keyed by sessionID.
type Session struct {
	ID        string       `json:"id"`
	Auth      auth.Context `json:"auth"`
	CreatedAt time.Time    `json:"createdAt"`
	ExpiresAt time.Time    `json:"expiresAt"`
	LastUsed  time.Time    `json:"lastUsed"`
}

// IsExpired reports whether the session has passed its expiry.
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// New creates a session for the given authorization snapshot.
func New(authCtx auth.Context, ttl time.Duration) *Session {
	now := time.Now()
	id := generateID()
	authCtx.SessionID = id
	return &Session{
		ID:        id,
		Auth:      authCtx,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		LastUsed:  now,
	}
}

// generateID returns a 32-byte URL-safe random identifier.
func generateID() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing means the process has no usable entropy
		// source; nothing sensible can continue.
		panic("session: crypto/rand unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// Store persists sessions with TTL semantics.
type Store interface {
	// Set stores the session with the given TTL, replacing any prior
	// entry with the same id.
	Set(ctx context.Context, s *Session, ttl time.Duration) error

	// Get returns the session, or ErrNotFound if missing or expired.
	Get(ctx context.Context, id string) (*Session, error)

	// Expire re-arms the session's TTL (sliding expiration).
	Expire(ctx context.Context, id string, ttl time.Duration) error

	// Delete revokes the session. Deleting a missing session is a no-op.
	Delete(ctx context.Context, id string) error

	// CleanupExpired removes expired entries, returning the count removed.
	CleanupExpired(ctx context.Context) (int, error)

	// Count returns the number of live sessions.
	Count(ctx context.Context) (int, error)

	// Close releases store resources.
	Close() error
}
