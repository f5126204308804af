// Streamgate - Real-Time Event Distribution Gateway
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamgate

package session

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/tomtom215/streamgate/internal/auth"
	"github.com/tomtom215/streamgate/internal/logging"
)

func init() {
	// Initialize logging for tests with discard output
	logging.Init(logging.Config{
		Level:  "info",
		Format: "console",
		Output: io.Discard,
	})
}

func testAuth() auth.Context {
	return auth.Context{
		UserID:      "user-1",
		Roles:       []string{"viewer"},
		Permissions: []string{"events:read"},
		ExpiresAt:   time.Now().Add(time.Hour),
	}
}

func TestNew_AssignsSessionID(t *testing.T) {
	s := New(testAuth(), time.Hour)
	if s.ID == "" {
		t.Fatal("Expected non-empty session id")
	}
	if s.Auth.SessionID != s.ID {
		t.Errorf("Expected auth snapshot to carry session id %s, got %s", s.ID, s.Auth.SessionID)
	}
	if s.IsExpired() {
		t.Error("Expected fresh session to be live")
	}

	other := New(testAuth(), time.Hour)
	if other.ID == s.ID {
		t.Error("Expected unique session ids")
	}
}

// runStoreTests exercises the Store contract against a backend.
func runStoreTests(t *testing.T, name string, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run(name+"/SetAndGet", func(t *testing.T) {
		store := open(t)
		defer store.Close()

		s := New(testAuth(), time.Hour)
		if err := store.Set(ctx, s, time.Hour); err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		got, err := store.Get(ctx, s.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Auth.UserID != "user-1" {
			t.Errorf("Expected user-1, got %s", got.Auth.UserID)
		}
	})

	t.Run(name+"/GetMissing", func(t *testing.T) {
		store := open(t)
		defer store.Close()

		if _, err := store.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run(name+"/ExpiredSessionIsGone", func(t *testing.T) {
		store := open(t)
		defer store.Close()

		s := New(testAuth(), 10*time.Millisecond)
		if err := store.Set(ctx, s, 10*time.Millisecond); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		time.Sleep(30 * time.Millisecond)

		if _, err := store.Get(ctx, s.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound after expiry, got %v", err)
		}
	})

	t.Run(name+"/ExpireSlidesTTL", func(t *testing.T) {
		store := open(t)
		defer store.Close()

		s := New(testAuth(), 40*time.Millisecond)
		if err := store.Set(ctx, s, 40*time.Millisecond); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		if err := store.Expire(ctx, s.ID, time.Hour); err != nil {
			t.Fatalf("Expire failed: %v", err)
		}
		time.Sleep(60 * time.Millisecond)

		if _, err := store.Get(ctx, s.ID); err != nil {
			t.Errorf("Expected session alive after sliding expiration, got %v", err)
		}
	})

	t.Run(name+"/ExpireMissing", func(t *testing.T) {
		store := open(t)
		defer store.Close()

		if err := store.Expire(ctx, "nope", time.Hour); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run(name+"/DeleteIsIdempotent", func(t *testing.T) {
		store := open(t)
		defer store.Close()

		s := New(testAuth(), time.Hour)
		if err := store.Set(ctx, s, time.Hour); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		if err := store.Delete(ctx, s.ID); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if err := store.Delete(ctx, s.ID); err != nil {
			t.Errorf("Expected deleting a missing session to be a no-op, got %v", err)
		}
		if _, err := store.Get(ctx, s.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound after delete, got %v", err)
		}
	})

	t.Run(name+"/CleanupExpired", func(t *testing.T) {
		store := open(t)
		defer store.Close()

		live := New(testAuth(), time.Hour)
		dead := New(testAuth(), 10*time.Millisecond)
		if err := store.Set(ctx, live, time.Hour); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		if err := store.Set(ctx, dead, 10*time.Millisecond); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		time.Sleep(30 * time.Millisecond)

		removed, err := store.CleanupExpired(ctx)
		if err != nil {
			t.Fatalf("CleanupExpired failed: %v", err)
		}
		// Badger's own TTL may have reclaimed the entry first.
		if removed > 1 {
			t.Errorf("Expected at most 1 removed, got %d", removed)
		}
		if _, err := store.Get(ctx, live.ID); err != nil {
			t.Errorf("Expected live session untouched, got %v", err)
		}
	})

	t.Run(name+"/Count", func(t *testing.T) {
		store := open(t)
		defer store.Close()

		for i := 0; i < 3; i++ {
			if err := store.Set(ctx, New(testAuth(), time.Hour), time.Hour); err != nil {
				t.Fatalf("Set failed: %v", err)
			}
		}
		count, err := store.Count(ctx)
		if err != nil {
			t.Fatalf("Count failed: %v", err)
		}
		if count != 3 {
			t.Errorf("Expected 3 sessions, got %d", count)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreTests(t, "memory", func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestBadgerStore(t *testing.T) {
	runStoreTests(t, "badger", func(t *testing.T) Store {
		store, err := OpenBadgerStore(t.TempDir())
		if err != nil {
			t.Fatalf("OpenBadgerStore failed: %v", err)
		}
		return store
	})
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	s := New(testAuth(), time.Hour)
	if err := store.Set(ctx, s, time.Hour); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	first, _ := store.Get(ctx, s.ID)
	first.Auth.UserID = "tampered"

	second, _ := store.Get(ctx, s.ID)
	if second.Auth.UserID != "user-1" {
		t.Error("Expected store state isolated from caller mutation")
	}
}
