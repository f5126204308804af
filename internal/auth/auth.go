// Streamgate - Real-Time Event Distribution Gateway
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamgate

// Package auth validates the credentials presented at connection admission.
//
// Two credential strategies are supported:
//   - bearer tokens (JWT, HS256) validated for signature, issuer, audience,
//     and expiry with a configurable clock skew tolerance
//   - API keys checked against a configured allow-list of bcrypt hashes
//
// Strategies implement Provider and are tried in priority order by Chain.
// External providers can be wrapped with BreakerProvider to contain
// upstream outages.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Credential carries whatever the client presented at connect time.
// Exactly one of BearerToken or APIKey is normally set.
type Credential struct {
	BearerToken string
	APIKey      string
	RemoteIP    string
}

// Context is the authorization snapshot attached to a connection at
// admission. It is immutable for the connection's lifetime; permission
// checks evaluate against this snapshot, not live directory state.
type Context struct {
	UserID      string    `json:"userId"`
	Roles       []string  `json:"roles"`
	Permissions []string  `json:"permissions"`
	SessionID   string    `json:"sessionId"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// HasRole reports whether the snapshot contains the given role.
func (c *Context) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasPermission reports whether the snapshot grants the permission.
// The admin role grants everything.
func (c *Context) HasPermission(permission string) bool {
	if c.HasRole("admin") {
		return true
	}
	for _, p := range c.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// IsExpired reports whether the authorization snapshot has expired.
func (c *Context) IsExpired() bool {
	return !c.ExpiresAt.IsZero() && time.Now().After(c.ExpiresAt)
}

// Sentinel errors for provider chains.
var (
	// ErrNoCredentials means the credential does not carry material for
	// this strategy; the chain tries the next provider.
	ErrNoCredentials = errors.New("no credentials provided")

	// ErrInvalidCredentials means credentials were presented but failed
	// validation; the chain stops.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrExpiredCredentials means the credential was valid but expired.
	ErrExpiredCredentials = errors.New("expired credentials")

	// ErrProviderUnavailable means the strategy's backing service could
	// not be reached; the chain tries the next provider.
	ErrProviderUnavailable = errors.New("authentication provider unavailable")
)

// Error wraps a credential validation failure with the strategy that
// produced it. Connections failing authentication are never admitted.
type Error struct {
	Strategy string
	Reason   string
	Err      error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("authentication failed (%s): %s", e.Strategy, e.Reason)
	}
	return fmt.Sprintf("authentication failed (%s)", e.Strategy)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Provider validates one kind of credential.
type Provider interface {
	// Authenticate validates the credential and returns the authorization
	// context, or an error from the sentinel set above.
	Authenticate(ctx context.Context, cred Credential) (*Context, error)

	// Name identifies the strategy in logs and security events.
	Name() string

	// Priority orders providers in a chain (lower = tried first).
	Priority() int
}
