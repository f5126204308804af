// Streamgate - Real-Time Event Distribution Gateway
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamgate

package source

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/tomtom215/streamgate/internal/auth"
	"github.com/tomtom215/streamgate/internal/batch"
	"github.com/tomtom215/streamgate/internal/event"
	"github.com/tomtom215/streamgate/internal/logging"
	"github.com/tomtom215/streamgate/internal/protocol"
	"github.com/tomtom215/streamgate/internal/router"
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

// sinkTransport collects frames delivered to the test connection.
type sinkTransport struct {
	mu   sync.Mutex
	sent [][]byte
}

func (s *sinkTransport) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.sent = append(s.sent, cp)
	return nil
}

func (s *sinkTransport) Ping([]byte) error { return nil }

func (s *sinkTransport) Close(int, string) error { return nil }

func (s *sinkTransport) IsOpen() bool { return true }

func (s *sinkTransport) RemoteAddr() string { return "127.0.0.1:9" }

func (s *sinkTransport) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *sinkTransport) frame(t *testing.T, i int) *event.Message {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, err := event.Unmarshal(s.sent[i])
	if err != nil {
		t.Fatalf("Failed to decode frame: %v", err)
	}
	return msg
}

// singleConnSource exposes one connection to the router.
type singleConnSource struct {
	conn *protocol.Connection
}

func (s *singleConnSource) Exists(id string) bool { return id == s.conn.ID }

func (s *singleConnSource) Get(id string) (*protocol.Connection, bool) {
	if id != s.conn.ID {
		return nil, false
	}
	return s.conn, true
}

func (s *singleConnSource) HasPermission(string, string) bool { return true }

func (s *singleConnSource) CheckRateLimit(string, string, int64, time.Duration) bool { return true }

var _ transport.Transport = (*sinkTransport)(nil)

func newRoutedSink(t *testing.T) (*router.Router, *sinkTransport) {
	t.Helper()

	conn := protocol.NewConnection("c1", auth.Context{
		UserID:    "user-1",
		ExpiresAt: time.Now().Add(time.Hour),
	}, "127.0.0.1", protocol.Config{})
	sink := &sinkTransport{}
	conn.AttachTransport(sink)

	rt := router.New(router.Config{}, &singleConnSource{conn: conn},
		batch.Config{Strategy: batch.StrategySize, MaxSize: 100})
	if err := rt.AddSubscription(&router.Subscription{
		ID:           "s1",
		ConnectionID: "c1",
		EventTypes:   []string{"price.update"},
	}); err != nil {
		t.Fatalf("AddSubscription failed: %v", err)
	}
	return rt, sink
}

func TestHandleMessage_RoutesValidEvent(t *testing.T) {
	rt, sink := newRoutedSink(t)
	s := NewSubscriber(Config{}, rt)

	ev := event.New("price.update", "pricing", map[string]interface{}{"symbol": "ACME"})
	data, _ := json.Marshal(ev)
	s.handleMessage(&nats.Msg{Subject: "events.price", Data: data})

	if sink.count() != 1 {
		t.Fatalf("Expected 1 frame delivered, got %d", sink.count())
	}
	if sink.frame(t, 0).Type != event.TypeEvent {
		t.Error("Expected event frame")
	}
}

func TestHandleMessage_DropsUndecodablePayload(t *testing.T) {
	rt, sink := newRoutedSink(t)
	s := NewSubscriber(Config{}, rt)

	s.handleMessage(&nats.Msg{Subject: "events.junk", Data: []byte("{not json")})

	if sink.count() != 0 {
		t.Errorf("Expected undecodable payload dropped, got %d frames", sink.count())
	}
}

func TestHandleMessage_DropsEventMissingIdentity(t *testing.T) {
	rt, sink := newRoutedSink(t)
	s := NewSubscriber(Config{}, rt)

	tests := []struct {
		name string
		body string
	}{
		{"missing id", `{"type":"price.update","source":"pricing"}`},
		{"missing type", `{"id":"e1","source":"pricing"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s.handleMessage(&nats.Msg{Subject: "events.x", Data: []byte(tt.body)})
			if sink.count() != 0 {
				t.Errorf("Expected event dropped, got %d frames", sink.count())
			}
		})
	}
}

func TestHandleMessage_FillsMissingTimestamp(t *testing.T) {
	rt, sink := newRoutedSink(t)
	s := NewSubscriber(Config{}, rt)

	s.handleMessage(&nats.Msg{
		Subject: "events.price",
		Data:    []byte(`{"id":"e1","type":"price.update","source":"pricing"}`),
	})

	if sink.count() != 1 {
		t.Fatalf("Expected 1 frame, got %d", sink.count())
	}
	var delivered event.Event
	payload, _ := json.Marshal(sink.frame(t, 0).Payload)
	if err := json.Unmarshal(payload, &delivered); err != nil {
		t.Fatalf("Failed to decode delivered event: %v", err)
	}
	if delivered.Timestamp.IsZero() {
		t.Error("Expected timestamp filled in")
	}
}

func TestNewSubscriber_Defaults(t *testing.T) {
	s := NewSubscriber(Config{URL: "nats://127.0.0.1:4222"}, nil)
	if s.cfg.Subject != "events.>" {
		t.Errorf("Expected default subject, got %s", s.cfg.Subject)
	}
	if s.cfg.ReconnectWait != 2*time.Second {
		t.Errorf("Expected default reconnect wait, got %s", s.cfg.ReconnectWait)
	}
	if s.cfg.MaxReconnects != -1 {
		t.Errorf("Expected unlimited reconnects, got %d", s.cfg.MaxReconnects)
	}
}

func TestSubscriber_EndToEndWithEmbeddedServer(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping embedded NATS test in short mode")
	}

	es, err := NewEmbeddedServer(EmbeddedConfig{Port: -1, StoreDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewEmbeddedServer failed: %v", err)
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	defer es.Shutdown(shutdownCtx) //nolint:errcheck

	if !es.IsRunning() {
		t.Fatal("Expected embedded server running")
	}
	if es.ClientURL() == "" {
		t.Fatal("Expected non-empty client URL")
	}

	rt, sink := newRoutedSink(t)
	sub := NewSubscriber(Config{URL: es.ClientURL()}, rt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()

	// Give the subscription a moment to establish.
	time.Sleep(200 * time.Millisecond)

	nc, err := nats.Connect(es.ClientURL())
	if err != nil {
		t.Fatalf("NATS connect failed: %v", err)
	}
	defer nc.Close()

	ev := event.New("price.update", "pricing", map[string]interface{}{"symbol": "ACME"})
	data, _ := json.Marshal(ev)
	if err := nc.Publish("events.price.update", data); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Expected published event delivered to the connection")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Expected Run to return after cancellation")
	}
}
