// Streamgate - Real-Time Event Distribution Gateway
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamgate

// Package registry owns the set of live connections: authentication,
// admission under capacity limits, per-user and per-IP pools, reconnect
// token resolution, heartbeat and cleanup sweeps, and security
// escalation.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/streamgate/internal/auth"
	"github.com/tomtom215/streamgate/internal/event"
	"github.com/tomtom215/streamgate/internal/logging"
	"github.com/tomtom215/streamgate/internal/metrics"
	"github.com/tomtom215/streamgate/internal/protocol"
	"github.com/tomtom215/streamgate/internal/session"
	"github.com/tomtom215/streamgate/internal/transport"
)

// Admission rejection reasons, surfaced to clients and metrics.
const (
	ReasonMaxConnections     = "max_connections"
	ReasonMaxUserConnections = "max_user_connections"
	ReasonMaxIPConnections   = "max_ip_connections"
	ReasonShuttingDown       = "shutting_down"
)

// ErrNotAdmitting is returned by Admit once shutdown has begun.
var ErrNotAdmitting = errors.New("registry: not accepting new connections")

// AdmissionError reports a capacity rejection with its structured
// reason. The registry never retries a rejected admission.
type AdmissionError struct {
	Reason string
}

func (e *AdmissionError) Error() string {
	return "admission rejected: " + e.Reason
}

// Config bounds the registry's pools and loops.
type Config struct {
	MaxConnections        int
	MaxConnectionsPerUser int
	MaxConnectionsPerIP   int

	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	CleanupInterval   time.Duration

	SessionTTL time.Duration
	// SlidingSessions re-arms a session's TTL when its connection is
	// used: on recovery and on each cleanup sweep that finds the
	// connection active.
	SlidingSessions bool
}

// Stats is the operational snapshot returned by GetStats.
type Stats struct {
	ActiveConnections  int           `json:"activeConnections"`
	PeakConnections    int           `json:"peakConnections"`
	UniqueUsers        int           `json:"uniqueUsers"`
	UniqueIPs          int           `json:"uniqueIPs"`
	TotalAdmitted      uint64        `json:"totalAdmitted"`
	TotalRemoved       uint64        `json:"totalRemoved"`
	AvgConnectionTime  time.Duration `json:"avgConnectionTime"`
	QueuedMessages     int           `json:"queuedMessages"`
	ActiveRateLimiters int           `json:"activeRateLimiters"`
}

// SecurityMetrics is the security counter snapshot returned by
// GetSecurityMetrics.
type SecurityMetrics struct {
	AuthFailures        uint64 `json:"authFailures"`
	AdmissionsRejected  uint64 `json:"admissionsRejected"`
	RateLimitViolations uint64 `json:"rateLimitViolations"`
	SuspiciousActivity  uint64 `json:"suspiciousActivity"`
	ForcedCloses        uint64 `json:"forcedCloses"`
}

// Registry is the single authority over connection membership. All
// indices are updated atomically under one mutex so a reconnect token
// can never point at a removed connection.
type Registry struct {
	cfg      Config
	chain    *auth.Chain
	sessions session.Store
	secLog   *logging.SecurityLogger
	limiter  *ActionLimiter

	mu      sync.RWMutex
	conns   map[string]*protocol.Connection
	byUser  map[string]map[string]struct{}
	byIP    map[string]map[string]struct{}
	byToken map[string]string
	peak    int

	admitting atomic.Bool

	totalAdmitted atomic.Uint64
	totalRemoved  atomic.Uint64

	// durationMu protects the running average of connection lifetimes.
	durationMu  sync.Mutex
	durationSum time.Duration

	authFailures        atomic.Uint64
	admissionsRejected  atomic.Uint64
	rateLimitViolations atomic.Uint64
	suspiciousActivity  atomic.Uint64
	forcedCloses        atomic.Uint64
}

// New creates a registry backed by the given authentication chain and
// session store.
func New(cfg Config, chain *auth.Chain, sessions session.Store) *Registry {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}

	r := &Registry{
		cfg:      cfg,
		chain:    chain,
		sessions: sessions,
		secLog:   logging.NewSecurityLogger(),
		limiter:  NewActionLimiter(100000),
		conns:    make(map[string]*protocol.Connection),
		byUser:   make(map[string]map[string]struct{}),
		byIP:     make(map[string]map[string]struct{}),
		byToken:  make(map[string]string),
	}
	r.admitting.Store(true)
	return r
}

// NewConnectionID allocates a unique connection identifier.
func NewConnectionID() string {
	return uuid.New().String()
}

// Authenticate validates a credential through the provider chain and
// creates a durable session for the resulting authorization context.
// Failure increments the security counter and is logged with the
// strategy that rejected the credential.
func (r *Registry) Authenticate(ctx context.Context, cred auth.Credential) (*auth.Context, error) {
	authCtx, err := r.chain.Authenticate(ctx, cred)
	if err != nil {
		r.authFailures.Add(1)

		strategy := "chain"
		reason := err.Error()
		var authErr *auth.Error
		if errors.As(err, &authErr) {
			strategy = authErr.Strategy
			reason = authErr.Reason
		}
		metrics.AuthFailuresTotal.WithLabelValues(strategy).Inc()
		r.secLog.LogAuthFailure(strategy, cred.RemoteIP, reason)
		return nil, err
	}

	sess := session.New(*authCtx, r.cfg.SessionTTL)
	if err := r.sessions.Set(ctx, sess, r.cfg.SessionTTL); err != nil {
		return nil, err
	}
	authCtx.SessionID = sess.ID

	r.secLog.LogSessionCreated(authCtx.UserID, sess.ID, "chain", cred.RemoteIP)
	return authCtx, nil
}

// Admit registers the connection if no capacity limit is reached. A
// rejection has no side effect on the indices and carries the specific
// reason. The reconnect token mapping is installed in the same critical
// section as the connection itself.
func (r *Registry) Admit(conn *protocol.Connection) error {
	if !r.admitting.Load() {
		r.reject(conn, ReasonShuttingDown)
		return ErrNotAdmitting
	}

	r.mu.Lock()

	if r.cfg.MaxConnections > 0 && len(r.conns) >= r.cfg.MaxConnections {
		r.mu.Unlock()
		r.reject(conn, ReasonMaxConnections)
		return &AdmissionError{Reason: ReasonMaxConnections}
	}
	if r.cfg.MaxConnectionsPerUser > 0 && len(r.byUser[conn.Auth.UserID]) >= r.cfg.MaxConnectionsPerUser {
		r.mu.Unlock()
		r.reject(conn, ReasonMaxUserConnections)
		return &AdmissionError{Reason: ReasonMaxUserConnections}
	}
	if r.cfg.MaxConnectionsPerIP > 0 && len(r.byIP[conn.RemoteIP]) >= r.cfg.MaxConnectionsPerIP {
		r.mu.Unlock()
		r.reject(conn, ReasonMaxIPConnections)
		return &AdmissionError{Reason: ReasonMaxIPConnections}
	}

	r.conns[conn.ID] = conn
	if r.byUser[conn.Auth.UserID] == nil {
		r.byUser[conn.Auth.UserID] = make(map[string]struct{})
	}
	r.byUser[conn.Auth.UserID][conn.ID] = struct{}{}
	if r.byIP[conn.RemoteIP] == nil {
		r.byIP[conn.RemoteIP] = make(map[string]struct{})
	}
	r.byIP[conn.RemoteIP][conn.ID] = struct{}{}
	r.byToken[conn.ReconnectToken] = conn.ID

	active := len(r.conns)
	if active > r.peak {
		r.peak = active
	}
	peak := r.peak
	r.mu.Unlock()

	r.totalAdmitted.Add(1)
	metrics.AdmissionsTotal.WithLabelValues("admitted").Inc()
	metrics.ConnectionsActive.Set(float64(active))
	metrics.ConnectionsPeak.Set(float64(peak))

	logging.Info().
		Str("connection_id", conn.ID).
		Str("user_id", logging.SanitizeUserID(conn.Auth.UserID)).
		Int("active_connections", active).
		Msg("connection admitted")
	return nil
}

// reject accounts for a capacity rejection without touching the
// indices.
func (r *Registry) reject(conn *protocol.Connection, reason string) {
	r.admissionsRejected.Add(1)
	metrics.AdmissionsTotal.WithLabelValues(reason).Inc()
	r.secLog.LogAdmissionRejected(conn.Auth.UserID, conn.RemoteIP, reason)
}

// Remove deletes the connection from every index, revokes its session
// and reconnect token, and folds its lifetime into the running average.
// Removing an unknown id is a no-op.
func (r *Registry) Remove(connID, reason string) {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)
	delete(r.byToken, conn.ReconnectToken)

	if ids := r.byUser[conn.Auth.UserID]; ids != nil {
		delete(ids, connID)
		if len(ids) == 0 {
			delete(r.byUser, conn.Auth.UserID)
		}
	}
	if ids := r.byIP[conn.RemoteIP]; ids != nil {
		delete(ids, connID)
		if len(ids) == 0 {
			delete(r.byIP, conn.RemoteIP)
		}
	}
	active := len(r.conns)
	r.mu.Unlock()

	lifetime := time.Since(conn.CreatedAt)
	r.durationMu.Lock()
	r.durationSum += lifetime
	r.durationMu.Unlock()

	r.limiter.RemovePrefix(connID + ":")

	if conn.Auth.SessionID != "" {
		if err := r.sessions.Delete(context.Background(), conn.Auth.SessionID); err != nil {
			logging.Warn().Err(err).
				Str("session_id", logging.SanitizeSessionID(conn.Auth.SessionID)).
				Msg("failed to revoke session on removal")
		}
	}

	r.totalRemoved.Add(1)
	metrics.ConnectionsActive.Set(float64(active))
	metrics.ConnectionDuration.Observe(lifetime.Seconds())

	logging.Info().
		Str("connection_id", connID).
		Str("reason", reason).
		Dur("lifetime", lifetime).
		Int("active_connections", active).
		Msg("connection removed")
}

// Get returns the connection for an id.
func (r *Registry) Get(connID string) (*protocol.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	return conn, ok
}

// IsActive reports whether the connection exists and can currently
// receive frames. The router uses this as its liveness check.
func (r *Registry) IsActive(connID string) bool {
	r.mu.RLock()
	conn, ok := r.conns[connID]
	r.mu.RUnlock()
	return ok && conn.IsConnected()
}

// Exists reports whether a connection id is registered at all,
// including while awaiting reconnection.
func (r *Registry) Exists(connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[connID]
	return ok
}

// Recover resolves a reconnect token to its connection. Returns false
// for an unknown token, an expired auth snapshot, or a session that has
// been revoked or expired out of the store. A successful recovery
// re-arms the session TTL when sliding sessions are configured.
func (r *Registry) Recover(ctx context.Context, token string) (*protocol.Connection, bool) {
	r.mu.RLock()
	connID, ok := r.byToken[token]
	var conn *protocol.Connection
	if ok {
		conn, ok = r.conns[connID]
	}
	r.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if conn.Auth.IsExpired() {
		return nil, false
	}

	// The store is the authority on revocation: a deleted or expired
	// session entry fails recovery even while the token map still holds
	// the connection.
	if conn.Auth.SessionID != "" {
		if _, err := r.sessions.Get(ctx, conn.Auth.SessionID); err != nil {
			if !errors.Is(err, session.ErrNotFound) {
				logging.Warn().Err(err).
					Str("session_id", logging.SanitizeSessionID(conn.Auth.SessionID)).
					Msg("session lookup failed during recovery")
			}
			return nil, false
		}
		if r.cfg.SlidingSessions {
			if err := r.sessions.Expire(ctx, conn.Auth.SessionID, r.cfg.SessionTTL); err != nil {
				logging.Warn().Err(err).
					Str("session_id", logging.SanitizeSessionID(conn.Auth.SessionID)).
					Msg("session refresh failed during recovery")
			}
		}
	}
	return conn, true
}

// Disconnect records the loss of a connection's transport. Recoverable
// close codes keep the session alive until the idle timeout; terminal
// codes remove the connection immediately.
func (r *Registry) Disconnect(connID string, closeCode int, reason string) {
	r.mu.RLock()
	conn, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	if conn.DetachTransport(closeCode) {
		logging.Debug().
			Str("connection_id", connID).
			Int("close_code", closeCode).
			Msg("transport lost, session preserved for reconnect")
		return
	}
	r.Remove(connID, reason)
}

// HasPermission reports whether the connection's auth snapshot grants
// the permission. Unknown connections have no permissions.
func (r *Registry) HasPermission(connID, permission string) bool {
	r.mu.RLock()
	conn, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return conn.Auth.HasPermission(permission)
}

// CheckRateLimit counts one occurrence of action for the connection and
// reports whether it stays within limit for the window. Exceeding the
// limit emits a violation event; the result is advisory.
func (r *Registry) CheckRateLimit(connID, action string, limit int64, window time.Duration) bool {
	if r.limiter.Allow(connID+":"+action, limit, window) {
		return true
	}

	r.rateLimitViolations.Add(1)
	metrics.SecurityViolationsTotal.WithLabelValues("rate_limit").Inc()
	r.secLog.LogRateLimitViolation(connID, action, int(limit))
	return false
}

// DetectSuspiciousActivity records a suspicious activity report. High
// severity forcibly closes the connection with a policy-violation close
// code and removes it.
func (r *Registry) DetectSuspiciousActivity(connID, activity, severity string) {
	r.suspiciousActivity.Add(1)
	metrics.SecurityViolationsTotal.WithLabelValues("suspicious_activity").Inc()
	r.secLog.LogSuspiciousActivity(connID, activity, severity)

	if severity != "high" {
		return
	}

	r.mu.RLock()
	conn, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	r.forcedCloses.Add(1)
	metrics.SecurityViolationsTotal.WithLabelValues("forced_close").Inc()
	r.secLog.LogForcedClose(connID, conn.Auth.UserID, transport.ClosePolicyViolation, activity)

	conn.Close(transport.ClosePolicyViolation, "policy violation")
	r.Remove(connID, "security_escalation")
}

// BroadcastToUser sends a copy of the message to every connection owned
// by the user, in deterministic id order. Returns the number of
// connections targeted.
func (r *Registry) BroadcastToUser(userID string, msg *event.Message) int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byUser[userID]))
	for id := range r.byUser[userID] {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	return r.sendToConnections(ids, msg)
}

// BroadcastToRole sends a copy of the message to every connection whose
// auth snapshot carries the role, in deterministic id order.
func (r *Registry) BroadcastToRole(role string, msg *event.Message) int {
	r.mu.RLock()
	var ids []string
	for id, conn := range r.conns {
		if conn.Auth.HasRole(role) {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	return r.sendToConnections(ids, msg)
}

// sendToConnections delivers a per-connection copy of the message in
// sorted id order. Sequence numbers are per connection, so each target
// gets its own envelope.
func (r *Registry) sendToConnections(ids []string, msg *event.Message) int {
	sort.Strings(ids)

	sent := 0
	for _, id := range ids {
		r.mu.RLock()
		conn, ok := r.conns[id]
		r.mu.RUnlock()
		if !ok {
			continue
		}

		clone := *msg
		if err := conn.Send(&clone); err != nil {
			logging.Debug().Err(err).Str("connection_id", id).Msg("broadcast send failed")
			continue
		}
		sent++
	}
	return sent
}

// GetStats returns the registry's operational snapshot.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	active := len(r.conns)
	peak := r.peak
	users := len(r.byUser)
	ips := len(r.byIP)
	queued := 0
	for _, conn := range r.conns {
		queued += conn.QueueLen()
	}
	r.mu.RUnlock()

	removed := r.totalRemoved.Load()
	r.durationMu.Lock()
	sum := r.durationSum
	r.durationMu.Unlock()

	var avg time.Duration
	if removed > 0 {
		avg = sum / time.Duration(removed)
	}

	return Stats{
		ActiveConnections:  active,
		PeakConnections:    peak,
		UniqueUsers:        users,
		UniqueIPs:          ips,
		TotalAdmitted:      r.totalAdmitted.Load(),
		TotalRemoved:       removed,
		AvgConnectionTime:  avg,
		QueuedMessages:     queued,
		ActiveRateLimiters: r.limiter.Len(),
	}
}

// GetSecurityMetrics returns the security counter snapshot.
func (r *Registry) GetSecurityMetrics() SecurityMetrics {
	return SecurityMetrics{
		AuthFailures:        r.authFailures.Load(),
		AdmissionsRejected:  r.admissionsRejected.Load(),
		RateLimitViolations: r.rateLimitViolations.Load(),
		SuspiciousActivity:  r.suspiciousActivity.Load(),
		ForcedCloses:        r.forcedCloses.Load(),
	}
}

// connectionsSorted snapshots all connections in id order for
// deterministic sweeps.
func (r *Registry) connectionsSorted() []*protocol.Connection {
	r.mu.RLock()
	conns := make([]*protocol.Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	sort.Slice(conns, func(i, j int) bool { return conns[i].ID < conns[j].ID })
	return conns
}

// RunHeartbeat pings every connected transport on each interval. A
// transport that did not answer the previous ping is forcibly closed,
// preserving the session for the idle-timeout window.
func (r *Registry) RunHeartbeat(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info().
				Str("component", "registry-heartbeat").
				Msg("heartbeat loop stopped")
			return ctx.Err()
		case <-ticker.C:
			r.sweepHeartbeats()
		}
	}
}

func (r *Registry) sweepHeartbeats() {
	for _, conn := range r.connectionsSorted() {
		if conn.State() != protocol.StateConnected {
			continue
		}
		if !conn.IsAlive() {
			metrics.HeartbeatTerminations.Inc()
			logging.Warn().
				Str("connection_id", conn.ID).
				Msg("heartbeat pong missed, terminating transport")
			conn.AbandonTransport(transport.CloseInternalError, "heartbeat timeout")
			continue
		}
		if err := conn.Ping(); err != nil {
			logging.Debug().Err(err).
				Str("connection_id", conn.ID).
				Msg("heartbeat ping failed")
		}
	}
}

// RunCleanup removes idle, expired, and abandoned connections on each
// interval and sweeps expired sessions from the store.
func (r *Registry) RunCleanup(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info().
				Str("component", "registry-cleanup").
				Msg("cleanup loop stopped")
			return ctx.Err()
		case <-ticker.C:
			r.sweepConnections(ctx)
		}
	}
}

func (r *Registry) sweepConnections(ctx context.Context) {
	now := time.Now()
	for _, conn := range r.connectionsSorted() {
		switch {
		case conn.Auth.IsExpired():
			conn.Close(transport.ClosePolicyViolation, "session expired")
			r.Remove(conn.ID, "session_expired")
		case conn.State() == protocol.StateClosed:
			r.Remove(conn.ID, "transport_closed")
		case !conn.IsConnected() && now.Sub(conn.IdleSince()) > r.cfg.IdleTimeout:
			r.Remove(conn.ID, "idle_timeout")
		case conn.IsConnected() && now.Sub(conn.IdleSince()) > r.cfg.IdleTimeout:
			conn.Close(transport.CloseGoingAway, "idle timeout")
			r.Remove(conn.ID, "idle_timeout")
		case r.cfg.SlidingSessions && conn.IsConnected() && conn.Auth.SessionID != "":
			// An active connection keeps its session alive.
			if err := r.sessions.Expire(ctx, conn.Auth.SessionID, r.cfg.SessionTTL); err != nil &&
				!errors.Is(err, session.ErrNotFound) {
				logging.Warn().Err(err).
					Str("session_id", logging.SanitizeSessionID(conn.Auth.SessionID)).
					Msg("session refresh failed during sweep")
			}
		}
	}

	if removed, err := r.sessions.CleanupExpired(ctx); err != nil {
		logging.Warn().Err(err).Msg("session cleanup sweep failed")
	} else if removed > 0 {
		logging.Debug().Int("removed", removed).Msg("expired sessions evicted")
	}
}

// Shutdown stops admissions, notifies every client, and closes all
// transports with a going-away close code.
func (r *Registry) Shutdown(ctx context.Context) {
	r.admitting.Store(false)

	conns := r.connectionsSorted()
	for _, conn := range conns {
		if conn.IsConnected() {
			notice := event.NewMessage(event.TypeServerShutdown, nil)
			notice.Priority = event.PriorityCritical
			_ = conn.Send(notice)
		}
		conn.Close(transport.CloseGoingAway, "server shutting down")
		r.Remove(conn.ID, "server_shutdown")
	}

	logging.Info().
		Str("component", "registry").
		Int("connections_closed", len(conns)).
		Msg("registry shut down")
}
