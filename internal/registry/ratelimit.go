// Streamgate - Real-Time Event Distribution Gateway
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamgate

package registry

import (
	"sync"
	"time"
)

// actionWindow is one fixed counting window for a (connection, action)
// pair.
type actionWindow struct {
	count       int64
	windowStart time.Time
}

// ActionLimiter implements per-connection, per-action fixed-window rate
// limiting. The counter resets when the window elapses and increments
// on every check.
//
// Complexity:
//   - Allow: O(1)
//   - Memory: O(keys), bounded by maxKeys
type ActionLimiter struct {
	mu      sync.Mutex
	windows map[string]*actionWindow
	maxKeys int
}

// NewActionLimiter creates a limiter holding at most maxKeys counters
// (0 = unlimited).
func NewActionLimiter(maxKeys int) *ActionLimiter {
	return &ActionLimiter{
		windows: make(map[string]*actionWindow),
		maxKeys: maxKeys,
	}
}

// Allow counts one occurrence of action for the key and reports whether
// the count stays within limit for the current window. The decision is
// advisory; callers choose how to react to a false result.
func (l *ActionLimiter) Allow(key string, limit int64, window time.Duration) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok {
		if l.maxKeys > 0 && len(l.windows) >= l.maxKeys {
			l.evictStale(now, window)
		}
		w = &actionWindow{windowStart: now}
		l.windows[key] = w
	}

	if now.Sub(w.windowStart) >= window {
		w.count = 0
		w.windowStart = now
	}

	w.count++
	return w.count <= limit
}

// RemovePrefix drops every counter whose key starts with prefix. Used
// on connection removal to release all its action windows.
func (l *ActionLimiter) RemovePrefix(prefix string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key := range l.windows {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(l.windows, key)
		}
	}
}

// Len returns the number of live counters.
func (l *ActionLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// evictStale removes windows older than the given duration, falling
// back to an arbitrary entry when none are stale. Must be called with
// the lock held.
func (l *ActionLimiter) evictStale(now time.Time, window time.Duration) {
	for key, w := range l.windows {
		if now.Sub(w.windowStart) >= window {
			delete(l.windows, key)
			return
		}
	}
	for key := range l.windows {
		delete(l.windows, key)
		return
	}
}
