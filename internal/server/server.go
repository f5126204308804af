// Streamgate - Real-Time Event Distribution Gateway
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamgate

// Package server exposes the gateway's HTTP surface: the WebSocket
// upgrade endpoint, health and stats endpoints for operational tooling,
// and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/streamgate/internal/auth"
	"github.com/tomtom215/streamgate/internal/config"
	"github.com/tomtom215/streamgate/internal/logging"
	"github.com/tomtom215/streamgate/internal/registry"
	"github.com/tomtom215/streamgate/internal/router"
)

// Server wires the registry and router to the HTTP listener.
type Server struct {
	cfg      *config.Config
	registry *registry.Registry
	router   *router.Router

	httpServer *http.Server
}

// New creates the HTTP server around its collaborators.
func New(cfg *config.Config, reg *registry.Registry, rt *router.Router) *Server {
	s := &Server{
		cfg:      cfg,
		registry: reg,
		router:   rt,
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

// routes builds the chi handler tree.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.Server.AllowedOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "X-API-Key", "Content-Type"},
		MaxAge:         300,
	}))

	// Upgrade attempts are rate limited per IP to blunt reconnect storms.
	upgradeLimit := s.cfg.Server.UpgradeRateLimit
	if upgradeLimit <= 0 {
		upgradeLimit = 60
	}
	r.With(httprate.LimitByRealIP(upgradeLimit, time.Minute)).
		Get("/ws", s.handleWebSocket)

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.LimitByRealIP(300, time.Minute))
		r.Get("/stats", s.handleStats)
		r.With(s.requireAdmin).Get("/security", s.handleSecurity)
	})

	return r
}

// Run serves HTTP until the context is canceled, then drains with the
// configured shutdown timeout. Designed for suture supervision.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info().
			Str("addr", s.httpServer.Addr).
			Msg("http server listening")
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn().Err(err).Msg("http server shutdown incomplete")
		}
		return ctx.Err()
	}
}

// handleHealth reports the router's derived health. Degraded still
// returns 200 so load balancers keep routing; only unhealthy drops
// the instance.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.router.GetHealthStatus()

	status := http.StatusOK
	if health.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// handleStats returns the registry and router operational snapshots.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connections": s.registry.GetStats(),
		"routing":     s.router.GetHealthStatus(),
	})
}

// handleSecurity returns the security counter snapshot.
func (s *Server) handleSecurity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.GetSecurityMetrics())
}

// requireAdmin authenticates the request credential and requires the
// admin role.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCtx, err := s.registry.Authenticate(r.Context(), credentialFromRequest(r))
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
			return
		}
		if !authCtx.HasRole("admin") {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin role required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// credentialFromRequest extracts bearer token or API key material.
func credentialFromRequest(r *http.Request) auth.Credential {
	cred := auth.Credential{RemoteIP: r.RemoteAddr}

	if header := r.Header.Get("Authorization"); len(header) > 7 && header[:7] == "Bearer " {
		cred.BearerToken = header[7:]
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		cred.APIKey = key
	}
	// Browsers cannot set headers on WebSocket upgrades, so the token
	// may ride a query parameter instead.
	if cred.BearerToken == "" && cred.APIKey == "" {
		if token := r.URL.Query().Get("token"); token != "" {
			cred.BearerToken = token
		}
		if key := r.URL.Query().Get("apiKey"); key != "" {
			cred.APIKey = key
		}
	}
	return cred
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug().Err(err).Msg("failed to encode response")
	}
}
