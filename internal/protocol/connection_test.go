// Streamgate - Real-Time Event Distribution Gateway
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamgate

package protocol

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/streamgate/internal/auth"
	"github.com/tomtom215/streamgate/internal/event"
	"github.com/tomtom215/streamgate/internal/logging"
	"github.com/tomtom215/streamgate/internal/transport"
)

func init() {
	// Initialize logging for tests with discard output
	logging.Init(logging.Config{
		Level:  "info",
		Format: "console",
		Output: io.Discard,
	})
}

// fakeTransport records sent frames for assertions.
type fakeTransport struct {
	mu        sync.Mutex
	open      bool
	sent      [][]byte
	pings     [][]byte
	closeCode int
	closed    bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{open: true, closeCode: -1}
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return transport.ErrNotOpen
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeTransport) Ping(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return transport.ErrNotOpen
	}
	f.pings = append(f.pings, payload)
	return nil
}

func (f *fakeTransport) Close(code int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	f.closed = true
	f.closeCode = code
	return nil
}

func (f *fakeTransport) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeTransport) RemoteAddr() string { return "127.0.0.1:12345" }

func (f *fakeTransport) sentMessages(t *testing.T) []*event.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*event.Message, 0, len(f.sent))
	for _, data := range f.sent {
		msg, err := event.Unmarshal(data)
		if err != nil {
			t.Fatalf("Failed to unmarshal sent frame: %v", err)
		}
		out = append(out, msg)
	}
	return out
}

func testAuthContext() auth.Context {
	return auth.Context{
		UserID:    "user-1",
		Roles:     []string{"viewer"},
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func newTestConnection(cfg Config) (*Connection, *fakeTransport) {
	conn := NewConnection("conn-1", testAuthContext(), "127.0.0.1", cfg)
	tr := newFakeTransport()
	conn.AttachTransport(tr)
	return conn, tr
}

func TestConnection_SequenceNumbersStartAtZero(t *testing.T) {
	conn, tr := newTestConnection(Config{})

	for i := 0; i < 3; i++ {
		if err := conn.Send(event.NewMessage(event.TypeEvent, nil)); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}

	sent := tr.sentMessages(t)
	if len(sent) != 3 {
		t.Fatalf("Expected 3 sent messages, got %d", len(sent))
	}
	for i, msg := range sent {
		if msg.SequenceNumber != uint64(i) {
			t.Errorf("Message %d: expected sequence %d, got %d", i, i, msg.SequenceNumber)
		}
	}
}

func TestConnection_SequenceSurvivesReconnect(t *testing.T) {
	conn, _ := newTestConnection(Config{})

	_ = conn.Send(event.NewMessage(event.TypeEvent, nil))
	_ = conn.Send(event.NewMessage(event.TypeEvent, nil))

	// Recoverable disconnect, then a new transport.
	if preserved := conn.DetachTransport(transport.CloseAbnormal); !preserved {
		t.Fatal("Expected session preserved on abnormal close")
	}
	tr2 := newFakeTransport()
	conn.AttachTransport(tr2)

	_ = conn.Send(event.NewMessage(event.TypeEvent, nil))

	sent := tr2.sentMessages(t)
	// Recovery confirmation plus the new message.
	last := sent[len(sent)-1]
	if last.SequenceNumber <= 1 {
		t.Errorf("Expected sequence to continue past pre-reconnect values, got %d", last.SequenceNumber)
	}
}

func TestConnection_CloseCodePolicy(t *testing.T) {
	tests := []struct {
		code        int
		recoverable bool
	}{
		{transport.CloseNormal, false},
		{transport.CloseGoingAway, false},
		{transport.ClosePolicyViolation, false},
		{transport.CloseMessageTooBig, false},
		{transport.CloseMandatoryExt, false},
		{transport.CloseInternalError, false},
		{transport.CloseAbnormal, true},
		{1002, true},
		{1012, true},
		{4000, true},
	}

	for _, tt := range tests {
		if got := IsRecoverableClose(tt.code); got != tt.recoverable {
			t.Errorf("Close code %d: expected recoverable=%v, got %v", tt.code, tt.recoverable, got)
		}
	}
}

func TestConnection_QueueWhileDisconnected(t *testing.T) {
	conn, _ := newTestConnection(Config{QueueCapacity: 10})
	conn.DetachTransport(transport.CloseAbnormal)

	for i := 0; i < 3; i++ {
		if err := conn.Send(event.NewMessage(event.TypeEvent, nil)); err != nil {
			t.Fatalf("Send while disconnected failed: %v", err)
		}
	}
	if conn.QueueLen() != 3 {
		t.Fatalf("Expected 3 queued messages, got %d", conn.QueueLen())
	}

	tr2 := newFakeTransport()
	flushed := conn.AttachTransport(tr2)
	if flushed != 3 {
		t.Errorf("Expected 3 flushed messages, got %d", flushed)
	}
	if conn.QueueLen() != 0 {
		t.Errorf("Expected empty queue after recovery, got %d", conn.QueueLen())
	}
}

func TestConnection_RecoveryConfirmation(t *testing.T) {
	conn, _ := newTestConnection(Config{})
	conn.RecordInbound(41, 100)
	conn.DetachTransport(transport.CloseAbnormal)
	_ = conn.Send(event.NewMessage(event.TypeEvent, nil))

	tr2 := newFakeTransport()
	conn.AttachTransport(tr2)

	sent := tr2.sentMessages(t)
	var recovered *event.Message
	for _, msg := range sent {
		if msg.Type == event.TypeSessionRecovered {
			recovered = msg
		}
	}
	if recovered == nil {
		t.Fatal("Expected a session_recovered message after reattach")
	}

	payload, ok := recovered.Payload.(map[string]interface{})
	if !ok {
		t.Fatalf("Expected map payload, got %T", recovered.Payload)
	}
	if got := payload["reconnectCount"]; got != float64(1) {
		t.Errorf("Expected reconnectCount 1, got %v", got)
	}
	if got := payload["queuedMessageCount"]; got != float64(1) {
		t.Errorf("Expected queuedMessageCount 1, got %v", got)
	}
	if got := payload["lastReceivedSequence"]; got != float64(41) {
		t.Errorf("Expected lastReceivedSequence 41, got %v", got)
	}

	if conn.ReconnectCount() != 1 {
		t.Errorf("Expected reconnect count 1, got %d", conn.ReconnectCount())
	}
}

func TestConnection_FirstAttachIsNotRecovery(t *testing.T) {
	conn := NewConnection("conn-1", testAuthContext(), "127.0.0.1", Config{})
	tr := newFakeTransport()

	if flushed := conn.AttachTransport(tr); flushed != 0 {
		t.Errorf("Expected no flush on first attach, got %d", flushed)
	}
	for _, msg := range tr.sentMessages(t) {
		if msg.Type == event.TypeSessionRecovered {
			t.Error("First attach must not send session_recovered")
		}
	}
	if conn.State() != StateConnected {
		t.Errorf("Expected StateConnected, got %s", conn.State())
	}
}

func TestConnection_AckClearsPending(t *testing.T) {
	conn, tr := newTestConnection(Config{AckTimeout: 50 * time.Millisecond})

	msg := event.NewMessage(event.TypeEvent, nil)
	msg.Priority = event.PriorityHigh
	msg.RequiresAck = true
	if err := conn.Send(msg); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	conn.HandleAck(msg.ID)
	// Duplicate ack is a no-op.
	conn.HandleAck(msg.ID)

	time.Sleep(120 * time.Millisecond)
	if n := len(tr.sentMessages(t)); n != 1 {
		t.Errorf("Expected no re-send after ack, got %d frames", n)
	}
}

func TestConnection_AckTimeoutRetriesHighPriority(t *testing.T) {
	conn, tr := newTestConnection(Config{
		AckTimeout:    30 * time.Millisecond,
		MaxAckRetries: 2,
	})

	msg := event.NewMessage(event.TypeEvent, nil)
	msg.Priority = event.PriorityHigh
	msg.RequiresAck = true
	if err := conn.Send(msg); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	// Initial send plus two retries, then the message is dropped.
	time.Sleep(250 * time.Millisecond)

	sent := tr.sentMessages(t)
	if len(sent) != 3 {
		t.Fatalf("Expected 3 transmissions (1 send + 2 retries), got %d", len(sent))
	}
	if sent[2].RetryCount != 2 {
		t.Errorf("Expected final retryCount 2, got %d", sent[2].RetryCount)
	}
}

func TestConnection_AckTimeoutDropsNormalPriority(t *testing.T) {
	conn, tr := newTestConnection(Config{
		AckTimeout:    30 * time.Millisecond,
		MaxAckRetries: 3,
	})

	msg := event.NewMessage(event.TypeEvent, nil)
	msg.Priority = event.PriorityNormal
	msg.RequiresAck = true
	if err := conn.Send(msg); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	time.Sleep(120 * time.Millisecond)
	if n := len(tr.sentMessages(t)); n != 1 {
		t.Errorf("Expected no retry for normal priority, got %d frames", n)
	}
}

func TestConnection_ReconnectCancelsPendingAcks(t *testing.T) {
	conn, _ := newTestConnection(Config{AckTimeout: 50 * time.Millisecond})

	msg := event.NewMessage(event.TypeEvent, nil)
	msg.Priority = event.PriorityCritical
	msg.RequiresAck = true
	_ = conn.Send(msg)

	conn.DetachTransport(transport.CloseAbnormal)
	tr2 := newFakeTransport()
	conn.AttachTransport(tr2)

	// The pre-reconnect ack timer must not fire against the new transport.
	time.Sleep(120 * time.Millisecond)
	for _, m := range tr2.sentMessages(t) {
		if m.ID == msg.ID {
			t.Error("Cancelled ack timer re-sent a message after reconnect")
		}
	}
}

func TestConnection_PingPongLatency(t *testing.T) {
	conn, tr := newTestConnection(Config{})

	if err := conn.Ping(); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if conn.IsAlive() {
		t.Error("Expected not-alive while awaiting pong")
	}

	tr.mu.Lock()
	payload := string(tr.pings[0])
	tr.mu.Unlock()

	conn.HandlePong(payload)
	if !conn.IsAlive() {
		t.Error("Expected alive after pong")
	}
	if conn.Stats().AverageLatency <= 0 {
		t.Error("Expected positive average latency after pong round trip")
	}
}

func TestConnection_CloseIsIdempotent(t *testing.T) {
	conn, tr := newTestConnection(Config{})

	conn.Close(transport.CloseNormal, "bye")
	conn.Close(transport.CloseNormal, "bye again")

	if conn.State() != StateClosed {
		t.Errorf("Expected StateClosed, got %s", conn.State())
	}
	if tr.closeCode != transport.CloseNormal {
		t.Errorf("Expected close code 1000, got %d", tr.closeCode)
	}
	if err := conn.Send(event.NewMessage(event.TypeEvent, nil)); err != transport.ErrNotOpen {
		t.Errorf("Expected ErrNotOpen after close, got %v", err)
	}
}

func TestConnection_AttachAfterCloseRejectsTransport(t *testing.T) {
	conn, _ := newTestConnection(Config{})
	conn.Close(transport.CloseNormal, "bye")

	tr2 := newFakeTransport()
	conn.AttachTransport(tr2)
	if tr2.IsOpen() {
		t.Error("Expected transport closed when attaching to a closed connection")
	}
	if tr2.closeCode != transport.CloseGoingAway {
		t.Errorf("Expected close code 1001, got %d", tr2.closeCode)
	}
}

func TestConnection_AbandonTransportPreservesSession(t *testing.T) {
	conn, tr := newTestConnection(Config{})

	conn.AbandonTransport(transport.CloseInternalError, "heartbeat timeout")
	if !tr.closed {
		t.Error("Expected transport to be closed")
	}
	if conn.State() != StateReconnecting {
		t.Errorf("Expected StateReconnecting, got %s", conn.State())
	}

	// Session still usable with a fresh transport.
	tr2 := newFakeTransport()
	conn.AttachTransport(tr2)
	if conn.State() != StateConnected {
		t.Errorf("Expected StateConnected after reattach, got %s", conn.State())
	}
}

func TestConnection_ReconnectTokensAreUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		conn := NewConnection("c", testAuthContext(), "127.0.0.1", Config{})
		if _, dup := seen[conn.ReconnectToken]; dup {
			t.Fatal("Duplicate reconnect token generated")
		}
		seen[conn.ReconnectToken] = struct{}{}
	}
}

func TestConnection_RecordInboundWatermark(t *testing.T) {
	conn, _ := newTestConnection(Config{})

	conn.RecordInbound(5, 10)
	conn.RecordInbound(3, 10) // out of order, watermark keeps the max
	if conn.LastReceivedSequence() != 5 {
		t.Errorf("Expected watermark 5, got %d", conn.LastReceivedSequence())
	}

	stats := conn.Stats()
	if stats.MessagesReceived != 2 {
		t.Errorf("Expected 2 messages received, got %d", stats.MessagesReceived)
	}
	if stats.BytesReceived != 20 {
		t.Errorf("Expected 20 bytes received, got %d", stats.BytesReceived)
	}
}
