// Streamgate - Real-Time Event Distribution Gateway
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamgate

// Package protocol implements the session-preserving connection layer:
// sequence stamping, acknowledgment tracking, bounded offline queues,
// and transport recovery through reconnect tokens.
package protocol

import (
	"crypto/rand"
	"encoding/base64"
	"strconv"
	"sync"
	"time"

	"github.com/tomtom215/streamgate/internal/auth"
	"github.com/tomtom215/streamgate/internal/event"
	"github.com/tomtom215/streamgate/internal/logging"
	"github.com/tomtom215/streamgate/internal/metrics"
	"github.com/tomtom215/streamgate/internal/transport"
)

// State is the lifecycle state of a connection.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDisconnected
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// nonRecoverableCloseCodes discard the session immediately. Any other
// close code preserves the session for the idle timeout window so the
// client can reattach with its reconnect token.
var nonRecoverableCloseCodes = map[int]struct{}{
	transport.CloseNormal:          {},
	transport.CloseGoingAway:       {},
	transport.ClosePolicyViolation: {},
	transport.CloseMessageTooBig:   {},
	transport.CloseMandatoryExt:    {},
	transport.CloseInternalError:   {},
}

// IsRecoverableClose reports whether a close code preserves the session
// for later reconnection.
func IsRecoverableClose(code int) bool {
	_, terminal := nonRecoverableCloseCodes[code]
	return !terminal
}

// Config bounds per-connection protocol behavior.
type Config struct {
	// QueueCapacity is the hard cap on messages held while the
	// transport is down.
	QueueCapacity int

	// AckTimeout is how long to wait for an ack before the retry or
	// drop decision.
	AckTimeout time.Duration

	// MaxAckRetries bounds re-sends of high and critical priority
	// messages after an ack timeout.
	MaxAckRetries int
}

// Metrics are per-connection counters, exposed through GetStats.
type Metrics struct {
	MessagesSent     uint64        `json:"messagesSent"`
	MessagesReceived uint64        `json:"messagesReceived"`
	BytesSent        uint64        `json:"bytesSent"`
	BytesReceived    uint64        `json:"bytesReceived"`
	Errors           uint64        `json:"errors"`
	AverageLatency   time.Duration `json:"averageLatency"`
}

type pendingAck struct {
	msg   *event.Message
	timer *time.Timer
}

// Connection is one client's session. It survives transport
// replacement: the record, its sequence counter, and its queued
// messages persist while the socket churns underneath.
//
// The registry owns the connection map; the connection owns its own
// mutable state under c.mu.
type Connection struct {
	ID             string
	ReconnectToken string
	Auth           auth.Context
	RemoteIP       string
	CreatedAt      time.Time

	cfg Config

	mu              sync.Mutex
	tr              transport.Transport
	state           State
	seq             uint64
	lastReceivedSeq uint64
	queue           *Queue
	pendingAcks     map[string]*pendingAck
	reconnectCount  int
	isAlive         bool
	lastActivity    time.Time
	metrics         Metrics
	latencySamples  uint64
	closed          bool
}

// NewConnection creates a connection record in StateConnecting with a
// fresh reconnect token and zeroed counters.
func NewConnection(id string, authCtx auth.Context, remoteIP string, cfg Config) *Connection {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1000
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	if cfg.MaxAckRetries <= 0 {
		cfg.MaxAckRetries = 3
	}

	return &Connection{
		ID:             id,
		ReconnectToken: generateReconnectToken(),
		Auth:           authCtx,
		RemoteIP:       remoteIP,
		CreatedAt:      time.Now(),
		cfg:            cfg,
		state:          StateConnecting,
		queue:          NewQueue(cfg.QueueCapacity),
		pendingAcks:    make(map[string]*pendingAck),
		isAlive:        true,
		lastActivity:   time.Now(),
	}
}

// generateReconnectToken returns an opaque 256-bit token.
func generateReconnectToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("protocol: crypto/rand unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// AttachTransport binds a transport to the connection and transitions
// it to StateConnected. On a reconnect (the connection already served a
// transport before) it cancels all pending ack timers, increments the
// reconnect counter, flushes queued messages in priority order, and
// sends a session_recovered confirmation. Returns the number of
// messages flushed.
func (c *Connection) AttachTransport(tr transport.Transport) int {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		_ = tr.Close(transport.CloseGoingAway, "connection closed")
		return 0
	}

	// Old transport's ack timers are cancelled; only messages actually
	// re-sent after recovery get a fresh timer.
	c.cancelPendingAcksLocked()

	recovering := c.state == StateReconnecting || c.state == StateDisconnected
	c.tr = tr
	c.state = StateConnected
	c.isAlive = true
	c.lastActivity = time.Now()

	if !recovering {
		c.mu.Unlock()
		return 0
	}

	c.reconnectCount++
	queued := c.queue.Drain()
	reconnectCount := c.reconnectCount
	lastReceived := c.lastReceivedSeq
	c.mu.Unlock()

	for _, msg := range queued {
		c.transmit(msg)
	}

	confirmation := event.NewMessage(event.TypeSessionRecovered, event.RecoveryPayload{
		ReconnectCount:       reconnectCount,
		QueuedMessageCount:   len(queued),
		LastReceivedSequence: lastReceived,
	})
	confirmation.Priority = event.PriorityHigh
	_ = c.Send(confirmation)

	metrics.SessionRecoveries.Inc()
	logging.Info().
		Str("connection_id", c.ID).
		Int("reconnect_count", reconnectCount).
		Int("flushed_messages", len(queued)).
		Msg("session recovered")

	return len(queued)
}

// DetachTransport records the loss of the transport. With a recoverable
// close code the connection enters StateReconnecting and keeps its
// session; otherwise it enters StateDisconnected and the caller is
// expected to remove it. Returns true when the session is preserved.
func (c *Connection) DetachTransport(closeCode int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	c.tr = nil
	if IsRecoverableClose(closeCode) {
		c.state = StateReconnecting
		return true
	}

	c.state = StateDisconnected
	c.cancelPendingAcksLocked()
	return false
}

// AbandonTransport forcibly closes the transport while preserving the
// session for reconnection. Used when a peer stops answering pings: the
// socket is dead but the client may still come back with its token.
func (c *Connection) AbandonTransport(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	tr := c.tr
	c.tr = nil
	c.state = StateReconnecting
	c.mu.Unlock()

	if tr != nil {
		_ = tr.Close(code, reason)
	}
}

// Send stamps the message with the next sequence number and transmits
// it, or queues it if the transport is down. Queue overflow evicts the
// single lowest-priority entry.
func (c *Connection) Send(msg *event.Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrNotOpen
	}

	// Post-increment: first message on a connection carries sequence 0.
	msg.SequenceNumber = c.seq
	c.seq++
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	open := c.tr != nil && c.tr.IsOpen()
	if !open {
		evicted, accepted := c.queue.Push(msg)
		c.mu.Unlock()

		metrics.MessagesQueued.Inc()
		if evicted != nil {
			metrics.QueueEvictions.Inc()
			metrics.MessagesDropped.WithLabelValues("queue_overflow").Inc()
			logging.Debug().
				Str("connection_id", c.ID).
				Str("evicted_id", evicted.ID).
				Str("evicted_priority", evicted.Priority.String()).
				Bool("accepted", accepted).
				Msg("queue overflow evicted lowest-priority message")
		}
		return nil
	}
	c.mu.Unlock()

	return c.transmit(msg)
}

// transmit marshals and writes the already-stamped message, arming an
// ack timer when required.
func (c *Connection) transmit(msg *event.Message) error {
	data, err := msg.Marshal()
	if err != nil {
		c.mu.Lock()
		c.metrics.Errors++
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr == nil {
		return transport.ErrNotOpen
	}

	if err := tr.Send(data); err != nil {
		c.mu.Lock()
		c.metrics.Errors++
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.metrics.MessagesSent++
	c.metrics.BytesSent += uint64(len(data))
	if msg.RequiresAck {
		c.armAckTimerLocked(msg)
	}
	c.mu.Unlock()

	metrics.MessagesSent.Inc()
	return nil
}

// armAckTimerLocked starts the ack expiry timer for a message. Must be
// called with c.mu held.
func (c *Connection) armAckTimerLocked(msg *event.Message) {
	if existing, ok := c.pendingAcks[msg.ID]; ok {
		existing.timer.Stop()
	}

	entry := &pendingAck{msg: msg}
	entry.timer = time.AfterFunc(c.cfg.AckTimeout, func() {
		c.onAckTimeout(msg.ID)
	})
	c.pendingAcks[msg.ID] = entry
}

// onAckTimeout handles an expired ack timer: high and critical
// priority messages are re-sent up to MaxAckRetries, everything else
// is dropped.
func (c *Connection) onAckTimeout(messageID string) {
	c.mu.Lock()
	entry, ok := c.pendingAcks[messageID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pendingAcks, messageID)

	msg := entry.msg
	retry := msg.Priority >= event.PriorityHigh && msg.RetryCount < c.cfg.MaxAckRetries
	if retry {
		msg.RetryCount++
	}
	c.mu.Unlock()

	metrics.AckTimeouts.Inc()

	if retry {
		metrics.AckRetries.Inc()
		logging.Debug().
			Str("connection_id", c.ID).
			Str("message_id", messageID).
			Int("retry_count", msg.RetryCount).
			Msg("ack timeout, re-sending message")
		if err := c.transmit(msg); err != nil {
			// Transport went down between timeout and re-send; the
			// message is dropped rather than re-queued to avoid a
			// duplicate on recovery.
			metrics.MessagesDropped.WithLabelValues("ack_timeout").Inc()
		}
		return
	}

	metrics.MessagesDropped.WithLabelValues("ack_timeout").Inc()
	logging.Warn().
		Str("connection_id", c.ID).
		Str("message_id", messageID).
		Str("priority", msg.Priority.String()).
		Int("retry_count", msg.RetryCount).
		Msg("message dropped after ack timeout")
}

// HandleAck clears the pending ack timer for a message id. A duplicate
// ack for an already-cleared id is a no-op.
func (c *Connection) HandleAck(messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.pendingAcks[messageID]
	if !ok {
		return
	}
	entry.timer.Stop()
	delete(c.pendingAcks, messageID)
}

// cancelPendingAcksLocked stops every pending ack timer. Must be
// called with c.mu held.
func (c *Connection) cancelPendingAcksLocked() {
	for id, entry := range c.pendingAcks {
		entry.timer.Stop()
		delete(c.pendingAcks, id)
	}
}

// RecordInbound accounts for a received message and advances the
// last-received sequence watermark.
func (c *Connection) RecordInbound(seq uint64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.metrics.MessagesReceived++
	c.metrics.BytesReceived += uint64(size)
	c.lastActivity = time.Now()
	if seq > c.lastReceivedSeq {
		c.lastReceivedSeq = seq
	}
}

// Ping sends a ping control frame carrying the current time in unix
// nanoseconds and marks the connection as awaiting a pong.
func (c *Connection) Ping() error {
	c.mu.Lock()
	tr := c.tr
	if tr == nil || !tr.IsOpen() {
		c.mu.Unlock()
		return transport.ErrNotOpen
	}
	c.isAlive = false
	c.mu.Unlock()

	payload := strconv.FormatInt(time.Now().UnixNano(), 10)
	return tr.Ping([]byte(payload))
}

// HandlePong marks the connection alive and folds the ping round trip
// into the latency moving average when the payload carries the original
// timestamp.
func (c *Connection) HandlePong(appData string) {
	var rtt time.Duration
	if nanos, err := strconv.ParseInt(appData, 10, 64); err == nil {
		rtt = time.Since(time.Unix(0, nanos))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.isAlive = true
	c.lastActivity = time.Now()
	if rtt > 0 {
		c.latencySamples++
		// Simple moving average over all samples.
		prev := c.metrics.AverageLatency
		c.metrics.AverageLatency = prev + (rtt-prev)/time.Duration(c.latencySamples)
	}
}

// IsAlive reports whether the connection answered its last ping.
func (c *Connection) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isAlive
}

// Touch refreshes the idle timestamp.
func (c *Connection) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()
}

// IdleSince returns the last activity timestamp.
func (c *Connection) IdleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the connection has an open transport.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected && c.tr != nil && c.tr.IsOpen()
}

// QueueLen returns the number of messages waiting for the transport.
func (c *Connection) QueueLen() int {
	return c.queue.Len()
}

// ReconnectCount returns how many times a new transport was attached.
func (c *Connection) ReconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectCount
}

// LastReceivedSequence returns the highest sequence observed from the
// peer.
func (c *Connection) LastReceivedSequence() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReceivedSeq
}

// Stats returns a copy of the per-connection counters.
func (c *Connection) Stats() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// Close cancels all timers, discards the queue, closes the transport
// with the given code, and transitions to StateClosed. Idempotent.
func (c *Connection) Close(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = StateClosed
	c.cancelPendingAcksLocked()
	c.queue.Clear()
	tr := c.tr
	c.tr = nil
	c.mu.Unlock()

	if tr != nil {
		_ = tr.Close(code, reason)
	}
}
