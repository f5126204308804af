// Streamgate - Real-Time Event Distribution Gateway
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamgate

// Package source bridges the upstream event broker to the router.
// Domain services publish events to NATS; this subscriber decodes them
// and hands each one to routeEvent.
package source

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/tomtom215/streamgate/internal/event"
	"github.com/tomtom215/streamgate/internal/logging"
	"github.com/tomtom215/streamgate/internal/metrics"
	"github.com/tomtom215/streamgate/internal/router"
)

// Config bounds the NATS subscriber.
type Config struct {
	URL     string
	Subject string

	// ReconnectWait and MaxReconnects tune the client's built-in
	// reconnect behavior.
	ReconnectWait time.Duration
	MaxReconnects int
}

// Subscriber consumes events from NATS and routes them. It owns its
// client connection and drains it on shutdown.
type Subscriber struct {
	cfg    Config
	router *router.Router

	conn *nats.Conn
	sub  *nats.Subscription
}

// NewSubscriber creates a subscriber feeding the given router.
func NewSubscriber(cfg Config, r *router.Router) *Subscriber {
	if cfg.Subject == "" {
		cfg.Subject = "events.>"
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	return &Subscriber{cfg: cfg, router: r}
}

// Run connects, subscribes, and blocks until the context is canceled.
// The subscription is drained before returning so in-flight events
// finish routing.
func (s *Subscriber) Run(ctx context.Context) error {
	conn, err := nats.Connect(s.cfg.URL,
		nats.Name("streamgate-event-source"),
		nats.ReconnectWait(s.cfg.ReconnectWait),
		nats.MaxReconnects(s.cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logging.Warn().Err(err).Msg("NATS connection lost")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return err
	}
	s.conn = conn

	sub, err := conn.Subscribe(s.cfg.Subject, s.handleMessage)
	if err != nil {
		conn.Close()
		return err
	}
	s.sub = sub

	logging.Info().
		Str("url", s.cfg.URL).
		Str("subject", s.cfg.Subject).
		Msg("event source subscribed")

	<-ctx.Done()

	if err := sub.Drain(); err != nil {
		logging.Warn().Err(err).Msg("failed to drain NATS subscription")
	}
	conn.Close()

	logging.Info().
		Str("component", "event-source").
		Msg("event source stopped")
	return ctx.Err()
}

// handleMessage decodes one broker message and routes it. Undecodable
// payloads are counted and dropped; they never stop the subscription.
func (s *Subscriber) handleMessage(msg *nats.Msg) {
	metrics.SourceEventsReceived.Inc()

	var ev event.Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		metrics.SourceDecodeErrors.Inc()
		logging.Warn().Err(err).
			Str("subject", msg.Subject).
			Msg("failed to decode upstream event")
		return
	}

	if ev.ID == "" || ev.Type == "" {
		metrics.SourceDecodeErrors.Inc()
		logging.Warn().
			Str("subject", msg.Subject).
			Msg("upstream event missing id or type")
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	result := s.router.RouteEvent(&ev)
	if len(result.Errors) > 0 {
		logging.Debug().
			Str("event_id", ev.ID).
			Str("event_type", ev.Type).
			Int("delivery_errors", len(result.Errors)).
			Msg("event routed with partial failures")
	}
}
