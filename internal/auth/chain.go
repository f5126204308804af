// Streamgate - Real-Time Event Distribution Gateway
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamgate

package auth

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Chain tries multiple providers in priority order.
//
// Error handling:
//   - ErrNoCredentials: try the next provider (no material for this strategy)
//   - ErrProviderUnavailable: try the next provider
//   - ErrInvalidCredentials / ErrExpiredCredentials: stop and return
//   - other errors: stop and return
type Chain struct {
	mu        sync.RWMutex
	providers []Provider
}

// NewChain creates a provider chain sorted by priority (lower first).
func NewChain(providers ...Provider) *Chain {
	c := &Chain{providers: make([]Provider, 0, len(providers))}
	c.providers = append(c.providers, providers...)
	c.sortByPriority()
	return c
}

// Add appends a provider to the chain, keeping priority order.
func (c *Chain) Add(p Provider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers = append(c.providers, p)
	c.sortByPriority()
}

// Authenticate tries each provider in priority order.
func (c *Chain) Authenticate(ctx context.Context, cred Credential) (*Context, error) {
	c.mu.RLock()
	providers := make([]Provider, len(c.providers))
	copy(providers, c.providers)
	c.mu.RUnlock()

	if len(providers) == 0 {
		return nil, ErrNoCredentials
	}

	lastErr := error(ErrNoCredentials)
	for _, p := range providers {
		authCtx, err := p.Authenticate(ctx, cred)
		if err == nil {
			return authCtx, nil
		}
		lastErr = err
		if shouldTryNext(err) {
			continue
		}
		return nil, err
	}
	return nil, lastErr
}

// Name returns the chain's strategy name.
func (c *Chain) Name() string {
	return "chain"
}

// Priority returns the chain's priority when nested in another chain.
func (c *Chain) Priority() int {
	return 0
}

// sortByPriority must be called with the lock held.
func (c *Chain) sortByPriority() {
	sort.SliceStable(c.providers, func(i, j int) bool {
		return c.providers[i].Priority() < c.providers[j].Priority()
	})
}

// shouldTryNext reports whether the chain should continue after err.
func shouldTryNext(err error) bool {
	return errors.Is(err, ErrNoCredentials) || errors.Is(err, ErrProviderUnavailable)
}
