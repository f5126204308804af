// Streamgate - Real-Time Event Distribution Gateway
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamgate

package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/streamgate/internal/auth"
	"github.com/tomtom215/streamgate/internal/event"
	"github.com/tomtom215/streamgate/internal/logging"
	"github.com/tomtom215/streamgate/internal/protocol"
	"github.com/tomtom215/streamgate/internal/session"
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

// stubProvider accepts any credential whose bearer token is "valid".
type stubProvider struct{}

func (stubProvider) Authenticate(_ context.Context, cred auth.Credential) (*auth.Context, error) {
	if cred.BearerToken != "valid" {
		return nil, &auth.Error{Strategy: "stub", Reason: "bad token", Err: auth.ErrInvalidCredentials}
	}
	return &auth.Context{
		UserID:    "user-1",
		Roles:     []string{"viewer"},
		ExpiresAt: time.Now().Add(time.Hour),
	}, nil
}

func (stubProvider) Name() string  { return "stub" }
func (stubProvider) Priority() int { return 1 }

// stubTransport is a minimal open transport for admission tests.
type stubTransport struct {
	mu        sync.Mutex
	open      bool
	sent      int
	closeCode int
}

func newStubTransport() *stubTransport { return &stubTransport{open: true, closeCode: -1} }

func (s *stubTransport) Send([]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return transport.ErrNotOpen
	}
	s.sent++
	return nil
}

func (s *stubTransport) Ping([]byte) error { return nil }

func (s *stubTransport) Close(code int, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	s.closeCode = code
	return nil
}

func (s *stubTransport) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *stubTransport) RemoteAddr() string { return "10.0.0.1:5000" }

func (s *stubTransport) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

func newTestRegistry(cfg Config) *Registry {
	return New(cfg, auth.NewChain(stubProvider{}), session.NewMemoryStore())
}

func makeConn(id, userID, ip string) *protocol.Connection {
	conn := protocol.NewConnection(id, auth.Context{
		UserID:    userID,
		Roles:     []string{"viewer"},
		ExpiresAt: time.Now().Add(time.Hour),
	}, ip, protocol.Config{})
	conn.AttachTransport(newStubTransport())
	return conn
}

func TestRegistry_AuthenticateSuccessCreatesSession(t *testing.T) {
	store := session.NewMemoryStore()
	r := New(Config{}, auth.NewChain(stubProvider{}), store)

	authCtx, err := r.Authenticate(context.Background(), auth.Credential{BearerToken: "valid"})
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if authCtx.SessionID == "" {
		t.Fatal("Expected a session id on the auth context")
	}
	if _, err := store.Get(context.Background(), authCtx.SessionID); err != nil {
		t.Errorf("Expected session persisted, got %v", err)
	}
}

func TestRegistry_AuthenticateFailureCounted(t *testing.T) {
	r := newTestRegistry(Config{})

	_, err := r.Authenticate(context.Background(), auth.Credential{BearerToken: "wrong"})
	if err == nil {
		t.Fatal("Expected authentication failure")
	}
	if got := r.GetSecurityMetrics().AuthFailures; got != 1 {
		t.Errorf("Expected 1 auth failure, got %d", got)
	}
}

func TestRegistry_AdmitWithinLimits(t *testing.T) {
	r := newTestRegistry(Config{MaxConnections: 10})

	conn := makeConn("c1", "user-1", "10.0.0.1")
	if err := r.Admit(conn); err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if !r.Exists("c1") {
		t.Error("Expected connection registered")
	}
	if !r.IsActive("c1") {
		t.Error("Expected connection active")
	}

	stats := r.GetStats()
	if stats.ActiveConnections != 1 || stats.TotalAdmitted != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestRegistry_AdmitRejectsAtGlobalCap(t *testing.T) {
	r := newTestRegistry(Config{MaxConnections: 2})

	for i := 0; i < 2; i++ {
		if err := r.Admit(makeConn(fmt.Sprintf("c%d", i), fmt.Sprintf("u%d", i), fmt.Sprintf("10.0.0.%d", i))); err != nil {
			t.Fatalf("Admit %d failed: %v", i, err)
		}
	}

	err := r.Admit(makeConn("c2", "u2", "10.0.0.2"))
	var admErr *AdmissionError
	if !errors.As(err, &admErr) {
		t.Fatalf("Expected AdmissionError, got %v", err)
	}
	if admErr.Reason != ReasonMaxConnections {
		t.Errorf("Expected reason %s, got %s", ReasonMaxConnections, admErr.Reason)
	}

	// Rejection left the indices untouched.
	if r.GetStats().ActiveConnections != 2 {
		t.Errorf("Expected 2 active connections after rejection, got %d", r.GetStats().ActiveConnections)
	}
	if r.GetSecurityMetrics().AdmissionsRejected != 1 {
		t.Errorf("Expected 1 rejected admission, got %d", r.GetSecurityMetrics().AdmissionsRejected)
	}
}

func TestRegistry_AdmitRejectsAtUserCap(t *testing.T) {
	r := newTestRegistry(Config{MaxConnections: 100, MaxConnectionsPerUser: 3})

	for i := 0; i < 3; i++ {
		if err := r.Admit(makeConn(fmt.Sprintf("c%d", i), "user-1", fmt.Sprintf("10.0.0.%d", i))); err != nil {
			t.Fatalf("Admit %d failed: %v", i, err)
		}
	}

	err := r.Admit(makeConn("c3", "user-1", "10.0.0.9"))
	var admErr *AdmissionError
	if !errors.As(err, &admErr) || admErr.Reason != ReasonMaxUserConnections {
		t.Fatalf("Expected %s rejection, got %v", ReasonMaxUserConnections, err)
	}

	// A different user still gets in.
	if err := r.Admit(makeConn("c4", "user-2", "10.0.0.9")); err != nil {
		t.Errorf("Expected other user admitted, got %v", err)
	}
}

func TestRegistry_AdmitRejectsAtIPCap(t *testing.T) {
	r := newTestRegistry(Config{MaxConnections: 100, MaxConnectionsPerIP: 2})

	for i := 0; i < 2; i++ {
		if err := r.Admit(makeConn(fmt.Sprintf("c%d", i), fmt.Sprintf("u%d", i), "10.0.0.1")); err != nil {
			t.Fatalf("Admit %d failed: %v", i, err)
		}
	}

	err := r.Admit(makeConn("c2", "u2", "10.0.0.1"))
	var admErr *AdmissionError
	if !errors.As(err, &admErr) || admErr.Reason != ReasonMaxIPConnections {
		t.Fatalf("Expected %s rejection, got %v", ReasonMaxIPConnections, err)
	}
}

func TestRegistry_RemoveIsIdempotent(t *testing.T) {
	r := newTestRegistry(Config{})

	conn := makeConn("c1", "user-1", "10.0.0.1")
	if err := r.Admit(conn); err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	r.Remove("c1", "test")
	r.Remove("c1", "test again")
	r.Remove("never-existed", "test")

	if r.Exists("c1") {
		t.Error("Expected connection gone")
	}
	if got := r.GetStats().TotalRemoved; got != 1 {
		t.Errorf("Expected 1 removal, got %d", got)
	}
}

func TestRegistry_RemoveRevokesReconnectToken(t *testing.T) {
	r := newTestRegistry(Config{})

	conn := makeConn("c1", "user-1", "10.0.0.1")
	if err := r.Admit(conn); err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	r.Remove("c1", "test")

	if _, ok := r.Recover(context.Background(), conn.ReconnectToken); ok {
		t.Error("Expected reconnect token revoked with the connection")
	}
}

func TestRegistry_RecoverByToken(t *testing.T) {
	r := newTestRegistry(Config{})

	conn := makeConn("c1", "user-1", "10.0.0.1")
	if err := r.Admit(conn); err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	got, ok := r.Recover(context.Background(), conn.ReconnectToken)
	if !ok || got.ID != "c1" {
		t.Fatalf("Expected to recover c1, got %v %v", got, ok)
	}

	if _, ok := r.Recover(context.Background(), "bogus-token"); ok {
		t.Error("Expected unknown token to fail")
	}
}

func TestRegistry_RecoverRejectsExpiredAuth(t *testing.T) {
	r := newTestRegistry(Config{})

	conn := protocol.NewConnection("c1", auth.Context{
		UserID:    "user-1",
		ExpiresAt: time.Now().Add(-time.Minute),
	}, "10.0.0.1", protocol.Config{})
	conn.AttachTransport(newStubTransport())
	if err := r.Admit(conn); err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	if _, ok := r.Recover(context.Background(), conn.ReconnectToken); ok {
		t.Error("Expected recovery rejected for expired authorization")
	}
}

func TestRegistry_RecoverRejectsRevokedSession(t *testing.T) {
	store := session.NewMemoryStore()
	r := New(Config{SessionTTL: time.Hour}, auth.NewChain(stubProvider{}), store)

	sess := session.New(auth.Context{
		UserID:    "user-1",
		ExpiresAt: time.Now().Add(time.Hour),
	}, time.Hour)
	if err := store.Set(context.Background(), sess, time.Hour); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	conn := protocol.NewConnection("c1", sess.Auth, "10.0.0.1", protocol.Config{})
	conn.AttachTransport(newStubTransport())
	if err := r.Admit(conn); err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	if _, ok := r.Recover(context.Background(), conn.ReconnectToken); !ok {
		t.Fatal("Expected recovery while the session is live")
	}

	// Revoking the session invalidates the token even though the
	// connection record is still held.
	if err := store.Delete(context.Background(), sess.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok := r.Recover(context.Background(), conn.ReconnectToken); ok {
		t.Error("Expected recovery rejected after session revocation")
	}
}

func TestRegistry_RecoverSlidesSessionTTL(t *testing.T) {
	store := session.NewMemoryStore()
	r := New(Config{SessionTTL: time.Hour, SlidingSessions: true},
		auth.NewChain(stubProvider{}), store)

	sess := session.New(auth.Context{
		UserID:    "user-1",
		ExpiresAt: time.Now().Add(time.Hour),
	}, time.Minute)
	if err := store.Set(context.Background(), sess, time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	conn := protocol.NewConnection("c1", sess.Auth, "10.0.0.1", protocol.Config{})
	conn.AttachTransport(newStubTransport())
	if err := r.Admit(conn); err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	if _, ok := r.Recover(context.Background(), conn.ReconnectToken); !ok {
		t.Fatal("Expected recovery to succeed")
	}

	refreshed, err := store.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !refreshed.ExpiresAt.After(time.Now().Add(30 * time.Minute)) {
		t.Errorf("Expected session TTL re-armed to about an hour, expires %v", refreshed.ExpiresAt)
	}
}

func TestRegistry_SweepRefreshesActiveSessions(t *testing.T) {
	store := session.NewMemoryStore()
	r := New(Config{SessionTTL: time.Hour, SlidingSessions: true, IdleTimeout: time.Hour},
		auth.NewChain(stubProvider{}), store)

	sess := session.New(auth.Context{
		UserID:    "user-1",
		ExpiresAt: time.Now().Add(time.Hour),
	}, time.Minute)
	if err := store.Set(context.Background(), sess, time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	conn := protocol.NewConnection("c1", sess.Auth, "10.0.0.1", protocol.Config{})
	conn.AttachTransport(newStubTransport())
	if err := r.Admit(conn); err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	r.sweepConnections(context.Background())

	refreshed, err := store.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !refreshed.ExpiresAt.After(time.Now().Add(30 * time.Minute)) {
		t.Errorf("Expected sweep to re-arm the session TTL, expires %v", refreshed.ExpiresAt)
	}
}

func TestRegistry_DisconnectPreservesRecoverableSessions(t *testing.T) {
	r := newTestRegistry(Config{})

	conn := makeConn("c1", "user-1", "10.0.0.1")
	if err := r.Admit(conn); err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	r.Disconnect("c1", transport.CloseAbnormal, "network drop")
	if !r.Exists("c1") {
		t.Fatal("Expected connection retained for reconnect window")
	}
	if r.IsActive("c1") {
		t.Error("Expected connection inactive while awaiting reconnect")
	}
	if conn.State() != protocol.StateReconnecting {
		t.Errorf("Expected StateReconnecting, got %s", conn.State())
	}
}

func TestRegistry_DisconnectRemovesOnTerminalClose(t *testing.T) {
	r := newTestRegistry(Config{})

	conn := makeConn("c1", "user-1", "10.0.0.1")
	if err := r.Admit(conn); err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	r.Disconnect("c1", transport.CloseNormal, "client left")
	if r.Exists("c1") {
		t.Error("Expected connection removed on normal close")
	}
}

func TestRegistry_CheckRateLimit(t *testing.T) {
	r := newTestRegistry(Config{})

	for i := 0; i < 3; i++ {
		if !r.CheckRateLimit("c1", "subscribe", 3, time.Minute) {
			t.Fatalf("Request %d: expected within limit", i)
		}
	}
	if r.CheckRateLimit("c1", "subscribe", 3, time.Minute) {
		t.Error("Expected limit exceeded on 4th request")
	}
	if got := r.GetSecurityMetrics().RateLimitViolations; got != 1 {
		t.Errorf("Expected 1 violation, got %d", got)
	}

	// Other actions and connections have independent windows.
	if !r.CheckRateLimit("c1", "event_delivery", 3, time.Minute) {
		t.Error("Expected separate action unaffected")
	}
	if !r.CheckRateLimit("c2", "subscribe", 3, time.Minute) {
		t.Error("Expected separate connection unaffected")
	}
}

func TestRegistry_SuspiciousActivityEscalation(t *testing.T) {
	r := newTestRegistry(Config{})

	conn := makeConn("c1", "user-1", "10.0.0.1")
	if err := r.Admit(conn); err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	r.DetectSuspiciousActivity("c1", "subscribe flood", "medium")
	if !r.Exists("c1") {
		t.Fatal("Expected medium severity to leave the connection alone")
	}

	r.DetectSuspiciousActivity("c1", "credential stuffing", "high")
	if r.Exists("c1") {
		t.Error("Expected high severity to remove the connection")
	}
	if conn.State() != protocol.StateClosed {
		t.Errorf("Expected StateClosed, got %s", conn.State())
	}

	sec := r.GetSecurityMetrics()
	if sec.SuspiciousActivity != 2 {
		t.Errorf("Expected 2 suspicious activity reports, got %d", sec.SuspiciousActivity)
	}
	if sec.ForcedCloses != 1 {
		t.Errorf("Expected 1 forced close, got %d", sec.ForcedCloses)
	}
}

func TestRegistry_HasPermission(t *testing.T) {
	r := newTestRegistry(Config{})

	conn := protocol.NewConnection("c1", auth.Context{
		UserID:      "user-1",
		Permissions: []string{"events:read"},
		ExpiresAt:   time.Now().Add(time.Hour),
	}, "10.0.0.1", protocol.Config{})
	conn.AttachTransport(newStubTransport())
	if err := r.Admit(conn); err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	if !r.HasPermission("c1", "events:read") {
		t.Error("Expected granted permission")
	}
	if r.HasPermission("c1", "events:write") {
		t.Error("Expected missing permission denied")
	}
	if r.HasPermission("ghost", "events:read") {
		t.Error("Expected unknown connection denied")
	}
}

func TestRegistry_BroadcastToUser(t *testing.T) {
	r := newTestRegistry(Config{})

	trs := make([]*stubTransport, 2)
	for i := 0; i < 2; i++ {
		conn := protocol.NewConnection(fmt.Sprintf("c%d", i), auth.Context{
			UserID:    "user-1",
			ExpiresAt: time.Now().Add(time.Hour),
		}, "10.0.0.1", protocol.Config{})
		trs[i] = newStubTransport()
		conn.AttachTransport(trs[i])
		if err := r.Admit(conn); err != nil {
			t.Fatalf("Admit %d failed: %v", i, err)
		}
	}
	other := makeConn("c9", "user-2", "10.0.0.2")
	if err := r.Admit(other); err != nil {
		t.Fatalf("Admit other failed: %v", err)
	}

	msg := event.NewMessage(event.TypeEvent, map[string]string{"k": "v"})
	if sent := r.BroadcastToUser("user-1", msg); sent != 2 {
		t.Fatalf("Expected 2 deliveries, got %d", sent)
	}
	for i, tr := range trs {
		if tr.sentCount() != 1 {
			t.Errorf("Transport %d: expected 1 frame, got %d", i, tr.sentCount())
		}
	}
}

func TestRegistry_BroadcastToRole(t *testing.T) {
	r := newTestRegistry(Config{})

	admin := protocol.NewConnection("c1", auth.Context{
		UserID:    "admin-1",
		Roles:     []string{"admin"},
		ExpiresAt: time.Now().Add(time.Hour),
	}, "10.0.0.1", protocol.Config{})
	adminTr := newStubTransport()
	admin.AttachTransport(adminTr)
	if err := r.Admit(admin); err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	viewer := makeConn("c2", "user-1", "10.0.0.2")
	if err := r.Admit(viewer); err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	msg := event.NewMessage(event.TypeEvent, nil)
	if sent := r.BroadcastToRole("admin", msg); sent != 1 {
		t.Fatalf("Expected 1 delivery, got %d", sent)
	}
	if adminTr.sentCount() != 1 {
		t.Errorf("Expected admin transport to receive the frame, got %d", adminTr.sentCount())
	}
}

func TestRegistry_ShutdownStopsAdmissionsAndClosesAll(t *testing.T) {
	r := newTestRegistry(Config{})

	conn := makeConn("c1", "user-1", "10.0.0.1")
	if err := r.Admit(conn); err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	r.Shutdown(context.Background())

	if r.Exists("c1") {
		t.Error("Expected all connections removed at shutdown")
	}
	if err := r.Admit(makeConn("c2", "user-2", "10.0.0.2")); !errors.Is(err, ErrNotAdmitting) {
		t.Errorf("Expected ErrNotAdmitting after shutdown, got %v", err)
	}
}

func TestRegistry_NewConnectionIDUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id := NewConnectionID()
		if _, dup := seen[id]; dup {
			t.Fatal("Duplicate connection id")
		}
		seen[id] = struct{}{}
	}
}
