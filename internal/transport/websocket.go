// Streamgate - Real-Time Event Distribution Gateway
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamgate

package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/tomtom215/streamgate/internal/logging"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
)

// SocketConfig bounds a single WebSocket connection.
type SocketConfig struct {
	// MaxMessageSize is the read limit in bytes. Frames larger than
	// this close the connection with 1009.
	MaxMessageSize int64

	// InboundRate and InboundBurst bound how fast a single client may
	// send frames. Frames over the limit are dropped, not processed.
	InboundRate  float64
	InboundBurst int
}

// Socket adapts a gorilla WebSocket connection to the Transport
// interface. Writes are serialized through a mutex; the read loop runs
// in Run and dispatches to the registered callbacks.
type Socket struct {
	conn    *websocket.Conn
	cb      Callbacks
	limiter *rate.Limiter

	writeMu sync.Mutex
	open    atomic.Bool

	// closeCode records the peer's close frame so Run can report it.
	closeCode   atomic.Int32
	closeReason atomic.Value // string
}

// NewSocket wraps an accepted WebSocket connection. The caller must
// invoke Run (usually in its own goroutine) to start the read loop.
func NewSocket(conn *websocket.Conn, cfg SocketConfig, cb Callbacks) *Socket {
	s := &Socket{
		conn:    conn,
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(cfg.InboundRate), cfg.InboundBurst),
	}
	s.open.Store(true)
	s.closeCode.Store(CloseAbnormal)
	s.closeReason.Store("")

	conn.SetReadLimit(cfg.MaxMessageSize)

	conn.SetPongHandler(func(appData string) error {
		if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return err
		}
		if s.cb.OnPong != nil {
			s.cb.OnPong(appData)
		}
		return nil
	})

	conn.SetCloseHandler(func(code int, text string) error {
		s.closeCode.Store(int32(code))
		s.closeReason.Store(text)
		message := websocket.FormatCloseMessage(code, "")
		_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeWait))
		return nil
	})

	return s
}

// Run reads frames until the connection drops, dispatching each inbound
// message through Callbacks.OnMessage. It always invokes OnClose
// exactly once before returning.
func (s *Socket) Run() {
	defer func() {
		s.open.Store(false)
		_ = s.conn.Close()
		if s.cb.OnClose != nil {
			reason, _ := s.closeReason.Load().(string)
			s.cb.OnClose(int(s.closeCode.Load()), reason)
		}
	}()

	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if closeErr, ok := err.(*websocket.CloseError); ok {
				s.closeCode.Store(int32(closeErr.Code))
				s.closeReason.Store(closeErr.Text)
			}
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				logging.Debug().Err(err).Msg("websocket read terminated")
			}
			return
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return
		}

		if !s.limiter.Allow() {
			logging.Warn().
				Str("remote_addr", s.RemoteAddr()).
				Msg("inbound frame rate limit exceeded, dropping frame")
			continue
		}

		if s.cb.OnMessage != nil {
			s.cb.OnMessage(data)
		}
	}
}

// Send transmits a text frame. Returns ErrNotOpen once the connection
// has closed.
func (s *Socket) Send(data []byte) error {
	if !s.open.Load() {
		return ErrNotOpen
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.open.Store(false)
		return err
	}
	return nil
}

// Ping transmits a ping control frame carrying the payload.
func (s *Socket) Ping(payload []byte) error {
	if !s.open.Load() {
		return ErrNotOpen
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.WriteControl(websocket.PingMessage, payload, time.Now().Add(writeWait)); err != nil {
		s.open.Store(false)
		return err
	}
	return nil
}

// Close sends a close frame and tears down the connection. Subsequent
// calls are no-ops.
func (s *Socket) Close(code int, reason string) error {
	if !s.open.Swap(false) {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	message := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeWait))
	return s.conn.Close()
}

// IsOpen reports whether frames can currently be sent.
func (s *Socket) IsOpen() bool {
	return s.open.Load()
}

// RemoteAddr returns the peer address.
func (s *Socket) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}
