// Streamgate - Real-Time Event Distribution Gateway
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamgate

package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a mutex-protected in-memory session store.
// Sessions are copied on read and write so callers can never mutate the
// store's view of a session behind its back.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

// Set stores a copy of the session with the given TTL.
func (m *MemoryStore) Set(_ context.Context, s *Session, ttl time.Duration) error {
	cp := *s
	cp.ExpiresAt = time.Now().Add(ttl)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[cp.ID] = &cp
	return nil
}

// Get returns a copy of the session, or ErrNotFound if missing or expired.
// Expired entries are removed lazily.
func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if s.IsExpired() {
		delete(m.sessions, id)
		return nil, ErrNotFound
	}

	cp := *s
	return &cp, nil
}

// Expire re-arms the session's TTL and updates its last-used timestamp.
func (m *MemoryStore) Expire(_ context.Context, id string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok || s.IsExpired() {
		return ErrNotFound
	}
	now := time.Now()
	s.ExpiresAt = now.Add(ttl)
	s.LastUsed = now
	return nil
}

// Delete revokes the session.
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// CleanupExpired removes expired entries.
func (m *MemoryStore) CleanupExpired(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, s := range m.sessions {
		if s.IsExpired() {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed, nil
}

// Count returns the number of live sessions.
func (m *MemoryStore) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, s := range m.sessions {
		if !s.IsExpired() {
			count++
		}
	}
	return count, nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}
