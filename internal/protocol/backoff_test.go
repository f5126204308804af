// Streamgate - Real-Time Event Distribution Gateway
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamgate

package protocol

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoff_ExponentialGrowthWithJitterBounds(t *testing.T) {
	cfg := BackoffConfig{
		BaseDelay:      100 * time.Millisecond,
		Multiplier:     2.0,
		MaxDelay:       time.Second,
		MaxRetries:     10,
		JitterFraction: 0.3,
	}
	b := NewBackoff(cfg)

	expected := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second, // capped
		time.Second,
	}

	for i, base := range expected {
		delay, ok := b.Next()
		if !ok {
			t.Fatalf("Attempt %d: expected ok", i)
		}
		lo := time.Duration(float64(base) * 0.7)
		hi := time.Duration(float64(base) * 1.3)
		if delay < lo || delay > hi {
			t.Errorf("Attempt %d: delay %v outside jitter bounds [%v, %v]", i, delay, lo, hi)
		}
	}
}

func TestBackoff_TerminalAfterMaxRetries(t *testing.T) {
	b := NewBackoff(BackoffConfig{
		BaseDelay:  time.Millisecond,
		Multiplier: 2.0,
		MaxDelay:   10 * time.Millisecond,
		MaxRetries: 3,
	})

	for i := 0; i < 3; i++ {
		if _, ok := b.Next(); !ok {
			t.Fatalf("Attempt %d: expected ok within retry budget", i)
		}
	}

	if _, ok := b.Next(); ok {
		t.Error("Expected terminal state after max retries")
	}
	if !b.Failed() {
		t.Error("Expected Failed() to report terminal state")
	}
	// Terminal state is sticky.
	if _, ok := b.Next(); ok {
		t.Error("Expected terminal state to persist")
	}
}

func TestBackoff_Reset(t *testing.T) {
	b := NewBackoff(BackoffConfig{
		BaseDelay:  time.Millisecond,
		Multiplier: 2.0,
		MaxDelay:   10 * time.Millisecond,
		MaxRetries: 2,
	})

	b.Next()
	b.Next()
	b.Next() // terminal

	b.Reset()
	if b.Failed() {
		t.Error("Expected not-failed after reset")
	}
	if b.Attempt() != 0 {
		t.Errorf("Expected attempt 0 after reset, got %d", b.Attempt())
	}
	if _, ok := b.Next(); !ok {
		t.Error("Expected ok after reset")
	}
}

func TestReconnector_SucceedsAfterFailures(t *testing.T) {
	attempts := 0
	r := NewReconnector(BackoffConfig{
		BaseDelay:  time.Millisecond,
		Multiplier: 1.0,
		MaxDelay:   5 * time.Millisecond,
		MaxRetries: 10,
	}, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 dial attempts, got %d", attempts)
	}
}

func TestReconnector_ExhaustsRetries(t *testing.T) {
	r := NewReconnector(BackoffConfig{
		BaseDelay:  time.Millisecond,
		Multiplier: 1.0,
		MaxDelay:   2 * time.Millisecond,
		MaxRetries: 3,
	}, func(context.Context) error {
		return errors.New("connection refused")
	})

	if err := r.Run(context.Background()); !errors.Is(err, ErrRetriesExhausted) {
		t.Errorf("Expected ErrRetriesExhausted, got %v", err)
	}
}

func TestReconnector_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewReconnector(BackoffConfig{
		BaseDelay:  time.Hour, // never elapses
		Multiplier: 1.0,
		MaxDelay:   time.Hour,
		MaxRetries: 10,
	}, func(context.Context) error {
		return errors.New("connection refused")
	})

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
