// Streamgate - Real-Time Event Distribution Gateway
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamgate

// Package transport abstracts the bidirectional wire connection to a
// client. The protocol and registry layers only ever see the Transport
// interface, which keeps them testable without real sockets.
package transport

import "errors"

// ErrNotOpen is returned by Send and Ping when the underlying
// connection has been closed. Callers queue the message instead.
var ErrNotOpen = errors.New("transport: connection not open")

// Standard WebSocket close codes used by the gateway.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseAbnormal        = 1006
	ClosePolicyViolation = 1008
	CloseMessageTooBig   = 1009
	CloseMandatoryExt    = 1010
	CloseInternalError   = 1011
)

// Transport is a single client connection capable of sending frames.
// Implementations must be safe for concurrent use.
type Transport interface {
	// Send transmits a single text frame containing the payload.
	// Returns ErrNotOpen if the connection is closed.
	Send(data []byte) error

	// Ping transmits a ping control frame carrying the payload.
	Ping(payload []byte) error

	// Close sends a close frame with the given code and reason, then
	// tears down the connection. Safe to call more than once.
	Close(code int, reason string) error

	// IsOpen reports whether frames can currently be sent.
	IsOpen() bool

	// RemoteAddr returns the peer address for logging and IP limits.
	RemoteAddr() string
}

// Callbacks receives inbound traffic from a transport's read loop.
// All fields are optional; nil callbacks are skipped.
type Callbacks struct {
	// OnMessage is invoked for every decoded inbound message.
	OnMessage func(data []byte)

	// OnPong is invoked with the application data of a pong frame.
	OnPong func(appData string)

	// OnClose is invoked exactly once when the read loop exits, with
	// the close code received from the peer (or 1006 for an abnormal
	// termination).
	OnClose func(code int, reason string)
}
