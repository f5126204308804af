// Streamgate - Real-Time Event Distribution Gateway
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamgate

// Package metrics provides Prometheus instrumentation for Streamgate:
// connection admission, event routing, batching, acknowledgments, and
// the reconnection protocol.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection Registry Metrics

	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamgate_connections_active",
			Help: "Current number of admitted connections",
		},
	)

	ConnectionsPeak = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamgate_connections_peak",
			Help: "Highest number of simultaneously admitted connections since start",
		},
	)

	AdmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamgate_admissions_total",
			Help: "Total admission decisions by outcome",
		},
		[]string{"outcome"}, // admitted, max_connections, max_user_connections, max_ip_connections
	)

	ConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "streamgate_connection_duration_seconds",
			Help:    "Lifetime of removed connections in seconds",
			Buckets: []float64{1, 10, 60, 300, 900, 3600, 14400, 86400},
		},
	)

	AuthFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamgate_auth_failures_total",
			Help: "Total failed credential validations by strategy",
		},
		[]string{"strategy"},
	)

	SecurityViolationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamgate_security_violations_total",
			Help: "Total security violations by kind",
		},
		[]string{"kind"}, // rate_limit, suspicious_activity, forced_close
	)

	HeartbeatTerminations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamgate_heartbeat_terminations_total",
			Help: "Connections terminated for missing a heartbeat pong",
		},
	)

	// Event Router Metrics

	EventsRouted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamgate_events_routed_total",
			Help: "Total events accepted by the router",
		},
	)

	EventsFiltered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamgate_events_filtered_total",
			Help: "Total per-target deliveries suppressed by a filter",
		},
	)

	RoutingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "streamgate_routing_duration_seconds",
			Help:    "Duration of routeEvent calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	DeliveryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamgate_delivery_errors_total",
			Help: "Per-target delivery failures by reason",
		},
		[]string{"reason"}, // socket_closed, permission_denied, rate_limited, filter_error, transform_error
	)

	SubscriptionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamgate_subscriptions_active",
			Help: "Current number of registered subscriptions",
		},
	)

	// Message Batcher Metrics

	BatchesCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamgate_batches_created_total",
			Help: "Total batches flushed",
		},
	)

	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "streamgate_batch_size",
			Help:    "Number of events per flushed batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		},
	)

	BatchFlushReason = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamgate_batch_flush_total",
			Help: "Batch flushes by trigger",
		},
		[]string{"trigger"}, // size, time, force
	)

	// Reconnection Protocol Metrics

	MessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamgate_messages_sent_total",
			Help: "Total messages transmitted to clients",
		},
	)

	MessagesQueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamgate_messages_queued_total",
			Help: "Messages queued because the transport was not open",
		},
	)

	QueueEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamgate_queue_evictions_total",
			Help: "Lowest-priority messages evicted from full connection queues",
		},
	)

	SessionRecoveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamgate_session_recoveries_total",
			Help: "Successful session recoveries via reconnect token",
		},
	)

	AckTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamgate_ack_timeouts_total",
			Help: "Acknowledgment timers that expired",
		},
	)

	AckRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamgate_ack_retries_total",
			Help: "Messages re-sent after an acknowledgment timeout",
		},
	)

	MessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamgate_messages_dropped_total",
			Help: "Messages dropped by reason",
		},
		[]string{"reason"}, // ack_timeout, queue_overflow
	)

	// Event Source Metrics

	SourceEventsReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamgate_source_events_received_total",
			Help: "Events received from the upstream source",
		},
	)

	SourceDecodeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamgate_source_decode_errors_total",
			Help: "Upstream payloads that failed to decode",
		},
	)
)
