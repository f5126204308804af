// Streamgate - Real-Time Event Distribution Gateway
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamgate

// Package batch aggregates outbound events per connection before
// transmission. It depends on nothing but a flush callback, which keeps
// it independently testable and reusable.
package batch

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/streamgate/internal/event"
	"github.com/tomtom215/streamgate/internal/logging"
	"github.com/tomtom215/streamgate/internal/metrics"
)

// Strategy selects when a pending batch flushes.
type Strategy string

const (
	// StrategySize flushes when the pending count reaches MaxSize.
	StrategySize Strategy = "size"

	// StrategyTime flushes MaxWait after the first message in a batch.
	StrategyTime Strategy = "time"

	// StrategyHybrid flushes on whichever bound is hit first.
	StrategyHybrid Strategy = "hybrid"

	// StrategyAdaptive behaves like hybrid but adjusts the effective
	// wait based on observed batch fill ratio and delivery latency.
	StrategyAdaptive Strategy = "adaptive"
)

// Config bounds the batcher.
type Config struct {
	Strategy Strategy

	// MaxSize is the flush threshold for size-based strategies.
	MaxSize int

	// MaxWait is the flush deadline for time-based strategies, and the
	// starting effective wait for adaptive.
	MaxWait time.Duration

	// MinWait floors the adaptive effective wait.
	MinWait time.Duration

	// MaxAdaptiveWait ceilings the adaptive effective wait.
	MaxAdaptiveWait time.Duration
}

// Batch is one flushed bundle of events for a single connection.
// EventIDs preserves receipt order.
type Batch struct {
	ID           string         `json:"id"`
	ConnectionID string         `json:"connectionId"`
	Events       []*event.Event `json:"events"`
	EventIDs     []string       `json:"eventIds"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// FlushFunc receives each flushed batch for framing and transmission.
type FlushFunc func(batch *Batch)

// pendingBatch accumulates events for one connection.
type pendingBatch struct {
	events     []*event.Event
	timer      *time.Timer
	firstAdded time.Time
}

// adaptiveSampleWindow bounds the fill-ratio and latency history used
// to steer the adaptive strategy.
const adaptiveSampleWindow = 32

// Batcher aggregates events per connection and emits batches through
// the flush callback. Events within a batch preserve enqueue order.
type Batcher struct {
	cfg   Config
	flush FlushFunc

	mu      sync.Mutex
	pending map[string]*pendingBatch
	closed  bool

	// Adaptive state.
	effectiveWait time.Duration
	fillSamples   []float64
	latencies     []time.Duration

	batchesCreated uint64
	eventsBatched  uint64
}

// New creates a batcher. Flush callbacks run synchronously on whichever
// goroutine triggered the flush (an Add call or a timer).
func New(cfg Config, flush FlushFunc) *Batcher {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 50
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 200 * time.Millisecond
	}
	if cfg.MinWait <= 0 {
		cfg.MinWait = 50 * time.Millisecond
	}
	if cfg.MaxAdaptiveWait <= 0 {
		cfg.MaxAdaptiveWait = time.Second
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyHybrid
	}

	return &Batcher{
		cfg:           cfg,
		flush:         flush,
		pending:       make(map[string]*pendingBatch),
		effectiveWait: cfg.MaxWait,
	}
}

// Add appends an event to the connection's pending batch. force
// flushes the batch immediately regardless of strategy; the router uses
// it for critical-priority delivery draining. Returns true when this
// call flushed a batch, so callers can attribute batch creation to the
// event that triggered it rather than to a later timer fire.
func (b *Batcher) Add(connID string, ev *event.Event, force bool) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}

	p, ok := b.pending[connID]
	if !ok {
		p = &pendingBatch{firstAdded: time.Now()}
		b.pending[connID] = p
	}
	p.events = append(p.events, ev)

	if force {
		batch := b.takeLocked(connID, "force")
		b.mu.Unlock()
		b.emit(batch)
		return true
	}

	switch b.cfg.Strategy {
	case StrategySize:
		if len(p.events) >= b.cfg.MaxSize {
			batch := b.takeLocked(connID, "size")
			b.mu.Unlock()
			b.emit(batch)
			return true
		}
	case StrategyTime:
		b.armTimerLocked(connID, p, b.cfg.MaxWait)
	case StrategyHybrid:
		if len(p.events) >= b.cfg.MaxSize {
			batch := b.takeLocked(connID, "size")
			b.mu.Unlock()
			b.emit(batch)
			return true
		}
		b.armTimerLocked(connID, p, b.cfg.MaxWait)
	case StrategyAdaptive:
		if len(p.events) >= b.cfg.MaxSize {
			batch := b.takeLocked(connID, "size")
			b.mu.Unlock()
			b.emit(batch)
			return true
		}
		b.armTimerLocked(connID, p, b.effectiveWait)
	}
	b.mu.Unlock()
	return false
}

// Flush forces out the connection's pending batch, if any.
func (b *Batcher) Flush(connID string) {
	b.mu.Lock()
	batch := b.takeLocked(connID, "force")
	b.mu.Unlock()
	b.emit(batch)
}

// FlushAll forces out every pending batch. Used at shutdown.
func (b *Batcher) FlushAll() {
	b.mu.Lock()
	var batches []*Batch
	for connID := range b.pending {
		if batch := b.takeLocked(connID, "force"); batch != nil {
			batches = append(batches, batch)
		}
	}
	b.mu.Unlock()

	for _, batch := range batches {
		b.emit(batch)
	}
}

// RemoveConnection discards the connection's pending batch without
// flushing. Called on connection teardown.
func (b *Batcher) RemoveConnection(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p, ok := b.pending[connID]; ok {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(b.pending, connID)
	}
}

// RecordDeliveryLatency feeds a transmission latency sample into the
// adaptive strategy. High delivery latency grows the effective wait so
// batches amortize a slow link.
func (b *Batcher) RecordDeliveryLatency(d time.Duration) {
	if b.cfg.Strategy != StrategyAdaptive {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.latencies = append(b.latencies, d)
	if len(b.latencies) > adaptiveSampleWindow {
		b.latencies = b.latencies[1:]
	}
	b.adjustWaitLocked()
}

// PendingCount returns the number of events pending for a connection.
func (b *Batcher) PendingCount(connID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p, ok := b.pending[connID]; ok {
		return len(p.events)
	}
	return 0
}

// EffectiveWait exposes the adaptive strategy's current wait, or the
// configured MaxWait for the other strategies.
func (b *Batcher) EffectiveWait() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.effectiveWait
}

// Stats reports lifetime batching counters.
func (b *Batcher) Stats() (batches, events uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.batchesCreated, b.eventsBatched
}

// Close flushes everything and stops accepting new events.
func (b *Batcher) Close() {
	b.FlushAll()
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

// armTimerLocked starts the flush timer if this is the first event of a
// batch. Must be called with b.mu held.
func (b *Batcher) armTimerLocked(connID string, p *pendingBatch, wait time.Duration) {
	if p.timer != nil {
		return
	}
	p.timer = time.AfterFunc(wait, func() {
		b.mu.Lock()
		batch := b.takeLocked(connID, "time")
		b.mu.Unlock()
		b.emit(batch)
	})
}

// takeLocked removes and packages the connection's pending batch.
// Returns nil when nothing is pending. Must be called with b.mu held.
func (b *Batcher) takeLocked(connID, trigger string) *Batch {
	p, ok := b.pending[connID]
	if !ok || len(p.events) == 0 {
		if ok {
			if p.timer != nil {
				p.timer.Stop()
			}
			delete(b.pending, connID)
		}
		return nil
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(b.pending, connID)

	ids := make([]string, len(p.events))
	for i, ev := range p.events {
		ids[i] = ev.ID
	}

	b.batchesCreated++
	b.eventsBatched += uint64(len(p.events))

	if b.cfg.Strategy == StrategyAdaptive {
		fill := float64(len(p.events)) / float64(b.cfg.MaxSize)
		b.fillSamples = append(b.fillSamples, fill)
		if len(b.fillSamples) > adaptiveSampleWindow {
			b.fillSamples = b.fillSamples[1:]
		}
		b.adjustWaitLocked()
	}

	metrics.BatchesCreated.Inc()
	metrics.BatchSize.Observe(float64(len(p.events)))
	metrics.BatchFlushReason.WithLabelValues(trigger).Inc()

	return &Batch{
		ID:           uuid.New().String(),
		ConnectionID: connID,
		Events:       p.events,
		EventIDs:     ids,
		CreatedAt:    time.Now().UTC(),
	}
}

// adjustWaitLocked recomputes the adaptive effective wait. Low batch
// efficiency shrinks the wait (messages trickle, stop holding them);
// high delivery latency grows it (slow link, amortize more per frame).
// Must be called with b.mu held.
func (b *Batcher) adjustWaitLocked() {
	wait := b.effectiveWait

	if len(b.fillSamples) > 0 {
		var sum float64
		for _, f := range b.fillSamples {
			sum += f
		}
		if sum/float64(len(b.fillSamples)) < 0.5 {
			wait = wait * 8 / 10
		}
	}

	if len(b.latencies) > 0 {
		var sum time.Duration
		for _, d := range b.latencies {
			sum += d
		}
		if sum/time.Duration(len(b.latencies)) > b.effectiveWait {
			wait = wait * 12 / 10
		}
	}

	if wait < b.cfg.MinWait {
		wait = b.cfg.MinWait
	}
	if wait > b.cfg.MaxAdaptiveWait {
		wait = b.cfg.MaxAdaptiveWait
	}

	if wait != b.effectiveWait {
		logging.Debug().
			Dur("previous_wait", b.effectiveWait).
			Dur("effective_wait", wait).
			Msg("adaptive batch wait adjusted")
		b.effectiveWait = wait
	}
}

// emit runs the flush callback outside the lock.
func (b *Batcher) emit(batch *Batch) {
	if batch == nil || b.flush == nil {
		return
	}
	b.flush(batch)
}
