// Streamgate - Real-Time Event Distribution Gateway
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamgate

package auth

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/streamgate/internal/logging"
)

// BreakerProvider wraps a Provider with a circuit breaker so that an
// unavailable external validator sheds load fast instead of stalling
// every admission attempt.
//
// Credential rejections (invalid, expired, missing) do not count as
// breaker failures; only infrastructure errors trip the circuit. When the
// circuit is open, Authenticate returns ErrProviderUnavailable so a chain
// can fall through to the next strategy.
type BreakerProvider struct {
	inner Provider
	cb    *gobreaker.CircuitBreaker[*Context]
}

// NewBreakerProvider wraps the given provider.
// The breaker opens after a 60% failure rate over at least 10 requests,
// and probes recovery after 30 seconds.
func NewBreakerProvider(inner Provider) *BreakerProvider {
	cb := gobreaker.NewCircuitBreaker[*Context](gobreaker.Settings{
		Name:        "auth-" + inner.Name(),
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("auth provider circuit breaker state change")
		},
		// Credential rejections are successful round-trips to the
		// validator and must not trip the circuit.
		IsSuccessful: func(err error) bool {
			return err == nil || isCredentialError(err)
		},
	})
	return &BreakerProvider{inner: inner, cb: cb}
}

// Authenticate delegates through the circuit breaker.
func (b *BreakerProvider) Authenticate(ctx context.Context, cred Credential) (*Context, error) {
	authCtx, err := b.cb.Execute(func() (*Context, error) {
		return b.inner.Authenticate(ctx, cred)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrProviderUnavailable
		}
		return nil, err
	}
	return authCtx, nil
}

// Name returns the wrapped provider's name.
func (b *BreakerProvider) Name() string {
	return b.inner.Name()
}

// Priority returns the wrapped provider's priority.
func (b *BreakerProvider) Priority() int {
	return b.inner.Priority()
}

// isCredentialError reports whether err is a rejection of the presented
// credential rather than an infrastructure failure.
func isCredentialError(err error) bool {
	return errors.Is(err, ErrNoCredentials) ||
		errors.Is(err, ErrInvalidCredentials) ||
		errors.Is(err, ErrExpiredCredentials)
}
