// Streamgate - Real-Time Event Distribution Gateway
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamgate

// Package router indexes subscriptions and dispatches inbound events to
// their matching connections, applying per-subscription filtering,
// transformation, and batch-vs-immediate classification.
package router

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomtom215/streamgate/internal/batch"
	"github.com/tomtom215/streamgate/internal/event"
	"github.com/tomtom215/streamgate/internal/logging"
	"github.com/tomtom215/streamgate/internal/metrics"
	"github.com/tomtom215/streamgate/internal/protocol"
	"github.com/tomtom215/streamgate/internal/validation"
)

// ConnectionSource is the registry surface the router depends on.
type ConnectionSource interface {
	// Exists reports whether a connection id is registered, including
	// while awaiting reconnection.
	Exists(connID string) bool

	// Get returns the connection record for delivery.
	Get(connID string) (*protocol.Connection, bool)

	// HasPermission checks the connection's auth snapshot.
	HasPermission(connID, permission string) bool

	// CheckRateLimit counts one delivery and reports whether the
	// connection stays within its delivery budget.
	CheckRateLimit(connID, action string, limit int64, window time.Duration) bool
}

// Delivery failure reasons collected into RoutingResult.Errors.
const (
	ReasonSocketClosed     = "socket_closed"
	ReasonPermissionDenied = "permission_denied"
	ReasonRateLimited      = "rate_limited"
	ReasonFilterError      = "filter_error"
	ReasonTransformError   = "transform_error"
	ReasonSendFailed       = "send_failed"
)

// DeliveryError is one target's failure during routeEvent. It never
// aborts delivery to sibling targets.
type DeliveryError struct {
	SubscriptionID string `json:"subscriptionId"`
	ConnectionID   string `json:"connectionId"`
	Reason         string `json:"reason"`
	Err            error  `json:"-"`
}

func (e *DeliveryError) Error() string {
	msg := fmt.Sprintf("delivery to subscription %s failed: %s", e.SubscriptionID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// RoutingResult summarizes one routeEvent call.
type RoutingResult struct {
	Routed               bool             `json:"routed"`
	SubscriptionsMatched int              `json:"subscriptionsMatched"`
	ImmediateDeliveries  int              `json:"immediateDeliveries"`
	BatchedTargets       int              `json:"batchedTargets"`
	BatchesCreated       int              `json:"batchesCreated"`
	EventsFiltered       int              `json:"eventsFiltered"`
	ProcessingTime       time.Duration    `json:"processingTime"`
	Errors               []*DeliveryError `json:"errors,omitempty"`
}

// HealthStatus is the router's derived health assessment.
type HealthStatus struct {
	Status         string        `json:"status"` // healthy, degraded, unhealthy
	Issues         []string      `json:"issues,omitempty"`
	Subscriptions  int           `json:"subscriptions"`
	EventsRouted   uint64        `json:"eventsRouted"`
	EventsFiltered uint64        `json:"eventsFiltered"`
	ErrorRate      float64       `json:"errorRate"`
	AvgRoutingTime time.Duration `json:"avgRoutingTime"`
}

// Health thresholds.
const (
	degradedLatency   = 100 * time.Millisecond
	degradedErrorRate = 0.05
	unhealthyErrRate  = 0.10
	unhealthyIssues   = 2
)

// Config bounds the router's delivery budget and maintenance loops.
type Config struct {
	// DeliveryRateLimit caps event deliveries per connection per
	// window. Zero disables the check.
	DeliveryRateLimit  int64
	DeliveryRateWindow time.Duration

	// MaintenanceInterval drives index optimization and orphaned-route
	// cleanup.
	MaintenanceInterval time.Duration
}

// Router holds three structures that must stay consistent: the primary
// subscription map and two indices (eventType to keys, connectionId to
// keys). All three are updated under one mutex. Routes are keyed by
// (connectionId, subscriptionId), so subscription ids only need to be
// unique within a connection and one client can never address another
// client's route.
type Router struct {
	cfg     Config
	conns   ConnectionSource
	batcher *batch.Batcher

	mu       sync.RWMutex
	subs     map[string]*Subscription
	byType   map[string]map[string]struct{}
	byConn   map[string]map[string]struct{}

	eventsRouted   atomic.Uint64
	eventsFiltered atomic.Uint64
	targetErrors   atomic.Uint64
	targetCount    atomic.Uint64
	routingNanos   atomic.Uint64
	routingCalls   atomic.Uint64
	batchesFlushed atomic.Uint64
}

// New creates a router delivering through the given connection source.
// The router owns its batcher; flushed batches are framed as "batch"
// messages and sent to their connection.
func New(cfg Config, conns ConnectionSource, batchCfg batch.Config) *Router {
	if cfg.DeliveryRateWindow <= 0 {
		cfg.DeliveryRateWindow = time.Second
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = 30 * time.Second
	}

	r := &Router{
		cfg:    cfg,
		conns:  conns,
		subs:   make(map[string]*Subscription),
		byType: make(map[string]map[string]struct{}),
		byConn: make(map[string]map[string]struct{}),
	}
	r.batcher = batch.New(batchCfg, r.flushBatch)
	return r
}

// routeKey builds the primary map key for a subscription. Keys carry
// the owning connection so identical subscription ids on different
// connections are distinct routes.
func routeKey(connID, subID string) string {
	return connID + "/" + subID
}

// AddSubscription validates and registers a subscription. Malformed
// input is rejected with a validation error, never swallowed.
// Re-adding an id already held by the same connection replaces that
// route.
func (r *Router) AddSubscription(sub *Subscription) error {
	if err := validation.ValidateStruct(sub); err != nil {
		return fmt.Errorf("invalid subscription: %w", err)
	}
	if !r.conns.Exists(sub.ConnectionID) {
		return fmt.Errorf("invalid subscription: connection %s not registered", sub.ConnectionID)
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}

	key := routeKey(sub.ConnectionID, sub.ID)

	r.mu.Lock()
	// Replacing drops the old route's index entries first; the old and
	// new event type sets may differ.
	r.removeLocked(key)
	r.subs[key] = sub
	for _, eventType := range sub.EventTypes {
		if r.byType[eventType] == nil {
			r.byType[eventType] = make(map[string]struct{})
		}
		r.byType[eventType][key] = struct{}{}
	}
	if r.byConn[sub.ConnectionID] == nil {
		r.byConn[sub.ConnectionID] = make(map[string]struct{})
	}
	r.byConn[sub.ConnectionID][key] = struct{}{}
	total := len(r.subs)
	r.mu.Unlock()

	metrics.SubscriptionsActive.Set(float64(total))
	logging.Debug().
		Str("subscription_id", sub.ID).
		Str("connection_id", sub.ConnectionID).
		Strs("event_types", sub.EventTypes).
		Msg("subscription added")
	return nil
}

// RemoveSubscription removes one of the connection's subscriptions from
// all three structures. Returns false if the connection does not own a
// subscription with that id.
func (r *Router) RemoveSubscription(connID, subID string) bool {
	r.mu.Lock()
	removed := r.removeLocked(routeKey(connID, subID))
	total := len(r.subs)
	r.mu.Unlock()

	if removed {
		metrics.SubscriptionsActive.Set(float64(total))
	}
	return removed
}

// removeLocked removes a route from the primary map and both indices.
// Must be called with r.mu held.
func (r *Router) removeLocked(key string) bool {
	sub, ok := r.subs[key]
	if !ok {
		return false
	}
	delete(r.subs, key)

	for _, eventType := range sub.EventTypes {
		if keys := r.byType[eventType]; keys != nil {
			delete(keys, key)
			if len(keys) == 0 {
				delete(r.byType, eventType)
			}
		}
	}
	if keys := r.byConn[sub.ConnectionID]; keys != nil {
		delete(keys, key)
		if len(keys) == 0 {
			delete(r.byConn, sub.ConnectionID)
		}
	}
	return true
}

// RemoveConnectionSubscriptions removes every subscription owned by a
// connection, returning the count removed. Used on connection teardown.
func (r *Router) RemoveConnectionSubscriptions(connID string) int {
	r.mu.Lock()
	keys := make([]string, 0, len(r.byConn[connID]))
	for key := range r.byConn[connID] {
		keys = append(keys, key)
	}
	count := 0
	for _, key := range keys {
		if r.removeLocked(key) {
			count++
		}
	}
	total := len(r.subs)
	r.mu.Unlock()

	r.batcher.RemoveConnection(connID)
	metrics.SubscriptionsActive.Set(float64(total))
	return count
}

// GetSubscription returns one of the connection's registered
// subscriptions.
func (r *Router) GetSubscription(connID, subID string) (*Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[routeKey(connID, subID)]
	return sub, ok
}

// RouteEvent dispatches an event to every matching, live subscription.
// Per-target failures are collected into the result and never abort
// delivery to the remaining targets.
func (r *Router) RouteEvent(ev *event.Event) *RoutingResult {
	start := time.Now()
	result := &RoutingResult{}

	r.mu.RLock()
	candidates := make([]string, 0, len(r.byType[ev.Type]))
	for key := range r.byType[ev.Type] {
		candidates = append(candidates, key)
	}
	r.mu.RUnlock()

	// Deterministic delivery order.
	sort.Strings(candidates)

	var stale []string
	for _, key := range candidates {
		r.mu.RLock()
		sub, ok := r.subs[key]
		r.mu.RUnlock()
		if !ok {
			continue
		}

		// Lazy GC: a route whose connection vanished is collected on
		// the next routeEvent that touches it.
		if !r.conns.Exists(sub.ConnectionID) {
			stale = append(stale, key)
			continue
		}

		r.routeToTarget(ev, sub, result)
	}

	if len(stale) > 0 {
		r.mu.Lock()
		for _, key := range stale {
			r.removeLocked(key)
		}
		total := len(r.subs)
		r.mu.Unlock()
		metrics.SubscriptionsActive.Set(float64(total))
	}

	result.ProcessingTime = time.Since(start)
	result.Routed = result.ImmediateDeliveries > 0 || result.BatchedTargets > 0

	r.eventsRouted.Add(1)
	r.routingCalls.Add(1)
	r.routingNanos.Add(uint64(result.ProcessingTime.Nanoseconds()))
	r.targetCount.Add(uint64(result.SubscriptionsMatched))
	r.targetErrors.Add(uint64(len(result.Errors)))
	r.eventsFiltered.Add(uint64(result.EventsFiltered))

	metrics.EventsRouted.Inc()
	metrics.RoutingDuration.Observe(result.ProcessingTime.Seconds())

	return result
}

// routeToTarget evaluates filter, transform, and delivery for a single
// subscription.
func (r *Router) routeToTarget(ev *event.Event, sub *Subscription, result *RoutingResult) {
	matched, err := sub.Filter.matches(ev)
	if err != nil {
		result.Errors = append(result.Errors, &DeliveryError{
			SubscriptionID: sub.ID,
			ConnectionID:   sub.ConnectionID,
			Reason:         ReasonFilterError,
			Err:            err,
		})
		metrics.DeliveryErrors.WithLabelValues(ReasonFilterError).Inc()
		return
	}
	if !matched {
		result.EventsFiltered++
		metrics.EventsFiltered.Inc()
		return
	}

	result.SubscriptionsMatched++

	if sub.RequiredPermission != "" && !r.conns.HasPermission(sub.ConnectionID, sub.RequiredPermission) {
		result.Errors = append(result.Errors, &DeliveryError{
			SubscriptionID: sub.ID,
			ConnectionID:   sub.ConnectionID,
			Reason:         ReasonPermissionDenied,
		})
		metrics.DeliveryErrors.WithLabelValues(ReasonPermissionDenied).Inc()
		return
	}

	if r.cfg.DeliveryRateLimit > 0 &&
		!r.conns.CheckRateLimit(sub.ConnectionID, "event_delivery", r.cfg.DeliveryRateLimit, r.cfg.DeliveryRateWindow) {
		result.Errors = append(result.Errors, &DeliveryError{
			SubscriptionID: sub.ID,
			ConnectionID:   sub.ConnectionID,
			Reason:         ReasonRateLimited,
		})
		metrics.DeliveryErrors.WithLabelValues(ReasonRateLimited).Inc()
		return
	}

	delivered := sub.Transform.apply(ev)

	// Critical priority always bypasses batching.
	if sub.Batching.Enabled && sub.Priority != event.PriorityCritical {
		// Only batches flushed by this add are attributed to this
		// event; timer flushes and concurrent routing calls are not.
		if r.batcher.Add(sub.ConnectionID, delivered, false) {
			result.BatchesCreated++
		}
		result.BatchedTargets++
		return
	}

	if err := r.deliverImmediate(sub, delivered); err != nil {
		reason := ReasonSendFailed
		if !r.conns.Exists(sub.ConnectionID) {
			reason = ReasonSocketClosed
		}
		result.Errors = append(result.Errors, &DeliveryError{
			SubscriptionID: sub.ID,
			ConnectionID:   sub.ConnectionID,
			Reason:         reason,
			Err:            err,
		})
		metrics.DeliveryErrors.WithLabelValues(reason).Inc()
		return
	}
	result.ImmediateDeliveries++
}

// deliverImmediate frames a single event and sends it to the
// subscription's connection.
func (r *Router) deliverImmediate(sub *Subscription, ev *event.Event) error {
	conn, ok := r.conns.Get(sub.ConnectionID)
	if !ok {
		return fmt.Errorf("connection %s not registered", sub.ConnectionID)
	}

	msg := event.NewMessage(event.TypeEvent, ev)
	msg.Priority = sub.Priority
	msg.RequiresAck = sub.Priority >= event.PriorityHigh
	return conn.Send(msg)
}

// flushBatch frames a flushed batch and sends it to its connection.
// A connection that disappeared between enqueue and flush drops the
// batch; its events were already counted as batched targets.
func (r *Router) flushBatch(b *batch.Batch) {
	r.batchesFlushed.Add(1)

	conn, ok := r.conns.Get(b.ConnectionID)
	if !ok {
		logging.Debug().
			Str("connection_id", b.ConnectionID).
			Int("events", len(b.Events)).
			Msg("dropping batch for removed connection")
		return
	}

	msg := event.NewMessage(event.TypeBatch, event.BatchPayload{
		BatchID:  b.ID,
		Events:   b.Events,
		EventIDs: b.EventIDs,
	})
	msg.Priority = event.PriorityNormal
	sendStart := time.Now()
	if err := conn.Send(msg); err != nil {
		logging.Debug().Err(err).
			Str("connection_id", b.ConnectionID).
			Msg("batch delivery failed")
		return
	}
	// Feed the adaptive strategy; a slow link grows the effective wait.
	r.batcher.RecordDeliveryLatency(time.Since(sendStart))
}

// Batcher exposes the router's batcher for shutdown draining.
func (r *Router) Batcher() *batch.Batcher {
	return r.batcher
}

// GetHealthStatus derives healthy, degraded, or unhealthy from the
// router's error rate and average routing latency.
func (r *Router) GetHealthStatus() HealthStatus {
	r.mu.RLock()
	subscriptions := len(r.subs)
	r.mu.RUnlock()

	calls := r.routingCalls.Load()
	var avg time.Duration
	if calls > 0 {
		avg = time.Duration(r.routingNanos.Load() / calls)
	}

	targets := r.targetCount.Load()
	var errorRate float64
	if targets > 0 {
		errorRate = float64(r.targetErrors.Load()) / float64(targets)
	}

	var issues []string
	if avg > degradedLatency {
		issues = append(issues, fmt.Sprintf("average routing latency %s exceeds %s", avg, degradedLatency))
	}
	if errorRate > degradedErrorRate {
		issues = append(issues, fmt.Sprintf("delivery error rate %.1f%% exceeds %.0f%%", errorRate*100, degradedErrorRate*100))
	}
	if errorRate > unhealthyErrRate {
		issues = append(issues, fmt.Sprintf("delivery error rate %.1f%% exceeds %.0f%%", errorRate*100, unhealthyErrRate*100))
	}

	status := "healthy"
	switch {
	case len(issues) > unhealthyIssues || errorRate > unhealthyErrRate:
		status = "unhealthy"
	case len(issues) > 0:
		status = "degraded"
	}

	return HealthStatus{
		Status:         status,
		Issues:         issues,
		Subscriptions:  subscriptions,
		EventsRouted:   r.eventsRouted.Load(),
		EventsFiltered: r.eventsFiltered.Load(),
		ErrorRate:      errorRate,
		AvgRoutingTime: avg,
	}
}

// RunMaintenance periodically drops empty index buckets and removes
// routes whose connection vanished since the last routeEvent touched
// them.
func (r *Router) RunMaintenance(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info().
				Str("component", "router-maintenance").
				Msg("maintenance loop stopped")
			return ctx.Err()
		case <-ticker.C:
			removed := r.cleanupOrphans()
			optimized := r.optimizeIndexes()
			if removed > 0 || optimized > 0 {
				logging.Debug().
					Int("orphaned_routes", removed).
					Int("empty_buckets", optimized).
					Msg("router maintenance sweep")
			}
		}
	}
}

// cleanupOrphans removes routes whose connection no longer exists.
func (r *Router) cleanupOrphans() int {
	r.mu.RLock()
	var orphaned []string
	for key, sub := range r.subs {
		if !r.conns.Exists(sub.ConnectionID) {
			orphaned = append(orphaned, key)
		}
	}
	r.mu.RUnlock()

	if len(orphaned) == 0 {
		return 0
	}

	r.mu.Lock()
	removed := 0
	for _, key := range orphaned {
		if r.removeLocked(key) {
			removed++
		}
	}
	total := len(r.subs)
	r.mu.Unlock()

	metrics.SubscriptionsActive.Set(float64(total))
	return removed
}

// optimizeIndexes drops empty index buckets, returning the count
// dropped.
func (r *Router) optimizeIndexes() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := 0
	for eventType, ids := range r.byType {
		if len(ids) == 0 {
			delete(r.byType, eventType)
			dropped++
		}
	}
	for connID, ids := range r.byConn {
		if len(ids) == 0 {
			delete(r.byConn, connID)
			dropped++
		}
	}
	return dropped
}

// Shutdown flushes pending batches and stops the batcher.
func (r *Router) Shutdown() {
	r.batcher.Close()
}
