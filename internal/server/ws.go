// Streamgate - Real-Time Event Distribution Gateway
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamgate

package server

import (
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/streamgate/internal/event"
	"github.com/tomtom215/streamgate/internal/logging"
	"github.com/tomtom215/streamgate/internal/protocol"
	"github.com/tomtom215/streamgate/internal/registry"
	"github.com/tomtom215/streamgate/internal/router"
	"github.com/tomtom215/streamgate/internal/transport"
)

// Per-connection action budgets for inbound control messages.
const (
	subscribeLimit  = 30
	subscribeWindow = time.Minute
)

// upgrader checks the Origin header against the configured allow-list.
func (s *Server) upgrader() *websocket.Upgrader {
	allowed := s.cfg.Server.AllowedOrigins
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, a := range allowed {
				if a == "*" || a == origin {
					return true
				}
			}
			return false
		},
	}
}

// handleWebSocket is the connection establishment endpoint. A valid
// reconnectToken query parameter reattaches to an existing session;
// otherwise the credential is authenticated and a new connection is
// admitted under the capacity limits.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	remoteIP := clientIP(r)

	// Recovery path: resolve the token before authenticating. The token
	// itself proves ownership of the session.
	if token := r.URL.Query().Get("reconnectToken"); token != "" {
		if conn, ok := s.registry.Recover(r.Context(), token); ok {
			s.upgradeAndAttach(w, r, conn, true)
			return
		}
		// Expired or unknown token falls through to a fresh connect so
		// the client does not need a second round trip.
	}

	authCtx, err := s.registry.Authenticate(r.Context(), credentialFromRequest(r))
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication failed"})
		return
	}

	conn := protocol.NewConnection(registry.NewConnectionID(), *authCtx, remoteIP, protocol.Config{
		QueueCapacity: s.cfg.Limits.MessageQueueSize,
		AckTimeout:    s.cfg.Protocol.AckTimeout,
		MaxAckRetries: s.cfg.Protocol.MaxAckRetries,
	})

	if err := s.registry.Admit(conn); err != nil {
		reason := registry.ReasonShuttingDown
		if admErr, ok := err.(*registry.AdmissionError); ok {
			reason = admErr.Reason
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":  "admission rejected",
			"reason": reason,
		})
		return
	}

	s.upgradeAndAttach(w, r, conn, false)
}

// upgradeAndAttach performs the WebSocket upgrade, binds the socket to
// the connection record, and sends the welcome or recovery frame.
func (s *Server) upgradeAndAttach(w http.ResponseWriter, r *http.Request, conn *protocol.Connection, recovered bool) {
	ws, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		logging.Debug().Err(err).Msg("websocket upgrade failed")
		if !recovered {
			s.registry.Remove(conn.ID, "upgrade_failed")
		}
		return
	}

	socket := transport.NewSocket(ws, transport.SocketConfig{
		MaxMessageSize: s.cfg.Limits.MaxMessageSize,
		InboundRate:    s.cfg.Limits.InboundRate,
		InboundBurst:   s.cfg.Limits.InboundBurst,
	}, transport.Callbacks{
		OnMessage: func(data []byte) { s.handleInbound(conn, data) },
		OnPong:    conn.HandlePong,
		OnClose: func(code int, reason string) {
			s.registry.Disconnect(conn.ID, code, reason)
			if !protocol.IsRecoverableClose(code) {
				removed := s.router.RemoveConnectionSubscriptions(conn.ID)
				if removed > 0 {
					logging.Debug().
						Str("connection_id", conn.ID).
						Int("subscriptions", removed).
						Msg("subscriptions removed with connection")
				}
			}
		},
	})

	// AttachTransport flushes queued messages and emits the recovery
	// confirmation when this is a reattach.
	conn.AttachTransport(socket)

	if !recovered {
		welcome := event.NewMessage(event.TypeWelcome, event.WelcomePayload{
			ConnectionID:   conn.ID,
			ReconnectToken: conn.ReconnectToken,
		})
		welcome.Priority = event.PriorityHigh
		if err := conn.Send(welcome); err != nil {
			logging.Debug().Err(err).Str("connection_id", conn.ID).Msg("welcome send failed")
		}
	}

	go socket.Run()
}

// handleInbound dispatches one decoded client frame.
func (s *Server) handleInbound(conn *protocol.Connection, data []byte) {
	msg, err := event.Unmarshal(data)
	if err != nil {
		s.sendError(conn, "malformed_message", "message could not be decoded")
		return
	}

	conn.RecordInbound(msg.SequenceNumber, len(data))

	switch msg.Type {
	case event.TypeAck:
		var payload event.AckPayload
		if err := decodePayload(msg.Payload, &payload); err != nil || payload.MessageID == "" {
			s.sendError(conn, "invalid_ack", "ack requires a messageId")
			return
		}
		conn.HandleAck(payload.MessageID)

	case event.TypePing:
		pong := event.NewMessage(event.TypePong, msg.Payload)
		pong.Priority = event.PriorityHigh
		_ = conn.Send(pong)

	case event.TypeSubscribe:
		s.handleSubscribe(conn, msg)

	case event.TypeUnsubscribe:
		var payload struct {
			SubscriptionID string `json:"subscriptionId"`
		}
		if err := decodePayload(msg.Payload, &payload); err != nil || payload.SubscriptionID == "" {
			s.sendError(conn, "invalid_unsubscribe", "unsubscribe requires a subscriptionId")
			return
		}
		// Scoped to the caller's connection; a client cannot remove
		// another connection's subscription by guessing its id.
		if !s.router.RemoveSubscription(conn.ID, payload.SubscriptionID) {
			s.sendError(conn, "unknown_subscription", "subscription not found")
		}

	case event.TypeMetrics:
		stats := event.NewMessage(event.TypeMetrics, conn.Stats())
		_ = conn.Send(stats)

	default:
		s.sendError(conn, "unknown_type", "unsupported message type: "+msg.Type)
	}
}

// handleSubscribe validates and registers a subscription for the
// connection. Subscribe calls are rate limited per connection; a client
// hammering the endpoint is reported as suspicious.
func (s *Server) handleSubscribe(conn *protocol.Connection, msg *event.Message) {
	if !s.registry.CheckRateLimit(conn.ID, "subscribe", subscribeLimit, subscribeWindow) {
		s.registry.DetectSuspiciousActivity(conn.ID, "subscribe flood", "medium")
		s.sendError(conn, "rate_limited", "too many subscribe requests")
		return
	}

	var sub router.Subscription
	if err := decodePayload(msg.Payload, &sub); err != nil {
		s.sendError(conn, "invalid_subscription", "subscription could not be decoded")
		return
	}

	// The connection id always comes from the session, never the
	// client, so one client cannot subscribe on another's behalf.
	sub.ConnectionID = conn.ID
	if sub.ID == "" {
		sub.ID = registry.NewConnectionID()
	}

	if err := s.router.AddSubscription(&sub); err != nil {
		s.sendError(conn, "invalid_subscription", err.Error())
		return
	}

	ack := event.NewMessage(event.TypeSubscribe, map[string]string{
		"subscriptionId": sub.ID,
		"status":         "active",
	})
	_ = conn.Send(ack)
}

// sendError delivers a structured error frame to the client.
func (s *Server) sendError(conn *protocol.Connection, code, message string) {
	errMsg := event.NewMessage(event.TypeError, event.ErrorPayload{
		Code:    code,
		Message: message,
	})
	errMsg.Priority = event.PriorityHigh
	_ = conn.Send(errMsg)
}

// decodePayload round-trips an already-decoded payload into a typed
// struct.
func decodePayload(payload interface{}, target interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}

// clientIP strips the port from the request's remote address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
