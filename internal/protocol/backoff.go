// Streamgate - Real-Time Event Distribution Gateway
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamgate

package protocol

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"
)

// ErrRetriesExhausted is returned by Reconnector.Run when the attempt
// bound is exceeded. The reconnector is then in a terminal failed state.
var ErrRetriesExhausted = errors.New("protocol: reconnect retries exhausted")

// BackoffConfig parameterizes the client-side reconnection schedule.
type BackoffConfig struct {
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// Multiplier grows the delay per attempt.
	Multiplier float64

	// MaxDelay caps the computed delay before jitter.
	MaxDelay time.Duration

	// MaxRetries bounds total attempts. Exceeding it is terminal.
	MaxRetries int

	// JitterFraction spreads retries uniformly around the computed
	// delay. 0.3 means plus or minus 30 percent.
	JitterFraction float64
}

// DefaultBackoffConfig matches the server's advertised reconnect
// parameters.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		BaseDelay:      time.Second,
		Multiplier:     2.0,
		MaxDelay:       30 * time.Second,
		MaxRetries:     10,
		JitterFraction: 0.3,
	}
}

// Backoff computes exponential reconnect delays with jitter.
// delay = min(base * multiplier^attempt, max) * (1 ± jitter).
type Backoff struct {
	mu      sync.Mutex
	cfg     BackoffConfig
	attempt int
	failed  bool
	rng     *rand.Rand
}

// NewBackoff creates a backoff schedule. Zero-valued config fields take
// the defaults.
func NewBackoff(cfg BackoffConfig) *Backoff {
	def := DefaultBackoffConfig()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.JitterFraction <= 0 || cfg.JitterFraction >= 1 {
		cfg.JitterFraction = def.JitterFraction
	}
	return &Backoff{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay before the next attempt. The second return is
// false once the attempt bound has been exceeded; from then on the
// backoff is in a terminal failed state until Reset.
func (b *Backoff) Next() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failed || b.attempt >= b.cfg.MaxRetries {
		b.failed = true
		return 0, false
	}

	base := float64(b.cfg.BaseDelay) * math.Pow(b.cfg.Multiplier, float64(b.attempt))
	if base > float64(b.cfg.MaxDelay) {
		base = float64(b.cfg.MaxDelay)
	}
	b.attempt++

	// Uniform jitter in [1-f, 1+f].
	jitter := 1 + b.cfg.JitterFraction*(2*b.rng.Float64()-1)
	return time.Duration(base * jitter), true
}

// Attempt returns the number of delays handed out since the last reset.
func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}

// Failed reports whether the schedule reached its terminal state.
func (b *Backoff) Failed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failed
}

// Reset restarts the schedule after a successful connection.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
	b.failed = false
}

// Reconnector drives repeated dial attempts with backoff. It is the
// client-side mirror of the server's session recovery and is used by
// internal tooling and tests that exercise the full reconnect path.
type Reconnector struct {
	backoff *Backoff
	dial    func(ctx context.Context) error
}

// NewReconnector creates a reconnector around a dial function. The dial
// function should return nil once a connection is established.
func NewReconnector(cfg BackoffConfig, dial func(ctx context.Context) error) *Reconnector {
	return &Reconnector{
		backoff: NewBackoff(cfg),
		dial:    dial,
	}
}

// Run attempts to connect until the dial succeeds, the context is
// canceled, or retries are exhausted. A successful dial resets the
// backoff schedule.
func (r *Reconnector) Run(ctx context.Context) error {
	for {
		if err := r.dial(ctx); err == nil {
			r.backoff.Reset()
			return nil
		}

		delay, ok := r.backoff.Next()
		if !ok {
			return ErrRetriesExhausted
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
