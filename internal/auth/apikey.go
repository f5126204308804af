// Streamgate - Real-Time Event Distribution Gateway
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamgate

package auth

import (
	"context"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// APIKeyEntry is one allow-list entry. KeyHash is a bcrypt hash of the
// full key; plaintext keys are never stored in configuration.
type APIKeyEntry struct {
	// KeyID is the public prefix of the key, before the first dot.
	// Keys are shaped "<keyID>.<secret>".
	KeyID string `koanf:"key_id"`

	// KeyHash is the bcrypt hash of the complete key string.
	KeyHash string `koanf:"key_hash"`

	UserID      string   `koanf:"user_id"`
	Roles       []string `koanf:"roles"`
	Permissions []string `koanf:"permissions"`
}

// APIKeyProvider implements Provider for static API keys.
type APIKeyProvider struct {
	byKeyID    map[string]APIKeyEntry
	contextTTL time.Duration
}

// NewAPIKeyProvider creates the API-key strategy from the allow-list.
// contextTTL bounds the authorization snapshot's validity; API keys
// themselves do not expire.
func NewAPIKeyProvider(entries []APIKeyEntry, contextTTL time.Duration) *APIKeyProvider {
	byKeyID := make(map[string]APIKeyEntry, len(entries))
	for _, e := range entries {
		byKeyID[e.KeyID] = e
	}
	if contextTTL == 0 {
		contextTTL = 24 * time.Hour
	}
	return &APIKeyProvider{byKeyID: byKeyID, contextTTL: contextTTL}
}

// Authenticate checks the presented key against the allow-list.
func (p *APIKeyProvider) Authenticate(_ context.Context, cred Credential) (*Context, error) {
	if cred.APIKey == "" {
		return nil, ErrNoCredentials
	}

	keyID, _, ok := strings.Cut(cred.APIKey, ".")
	if !ok {
		return nil, &Error{Strategy: p.Name(), Reason: "malformed key", Err: ErrInvalidCredentials}
	}

	entry, found := p.byKeyID[keyID]
	if !found {
		// Burn comparable time to avoid leaking key existence.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$0000000000000000000000uFzOMdHcyMYgYXYZW1PBVRcUkdpj/W2"), []byte(cred.APIKey))
		return nil, &Error{Strategy: p.Name(), Reason: "unknown key", Err: ErrInvalidCredentials}
	}

	if err := bcrypt.CompareHashAndPassword([]byte(entry.KeyHash), []byte(cred.APIKey)); err != nil {
		return nil, &Error{Strategy: p.Name(), Reason: "key mismatch", Err: ErrInvalidCredentials}
	}

	return &Context{
		UserID:      entry.UserID,
		Roles:       entry.Roles,
		Permissions: entry.Permissions,
		ExpiresAt:   time.Now().Add(p.contextTTL),
	}, nil
}

// Name returns the strategy name.
func (p *APIKeyProvider) Name() string {
	return "api_key"
}

// Priority places API keys after bearer tokens.
func (p *APIKeyProvider) Priority() int {
	return 20
}

// HashAPIKey produces a bcrypt hash suitable for an allow-list entry.
// Intended for the key-provisioning CLI path, not the hot path.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
