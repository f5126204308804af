// Streamgate - Real-Time Event Distribution Gateway
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamgate

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/streamgate/internal/auth"
	"github.com/tomtom215/streamgate/internal/batch"
	"github.com/tomtom215/streamgate/internal/config"
	"github.com/tomtom215/streamgate/internal/logging"
	"github.com/tomtom215/streamgate/internal/registry"
	"github.com/tomtom215/streamgate/internal/router"
	"github.com/tomtom215/streamgate/internal/server"
	"github.com/tomtom215/streamgate/internal/session"
	"github.com/tomtom215/streamgate/internal/source"
	"github.com/tomtom215/streamgate/internal/supervisor"
)

func main() {
	// Load configuration first to get logging settings
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().Msg("Starting Streamgate with supervisor tree")
	logging.Info().
		Int("max_connections", cfg.Limits.MaxConnections).
		Str("session_backend", cfg.Session.Backend).
		Bool("nats_enabled", cfg.NATS.Enabled).
		Msg("Configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Authentication chain: API keys take precedence over JWT, both
	// wrapped in a circuit breaker so validation storms fail fast
	chain, err := buildAuthChain(cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to build authentication chain")
	}

	// Session store backend
	sessions, err := buildSessionStore(cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open session store")
	}
	defer func() {
		if err := sessions.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing session store")
		}
	}()

	// Connection registry: admission control and lifecycle
	reg := registry.New(registry.Config{
		MaxConnections:        cfg.Limits.MaxConnections,
		MaxConnectionsPerUser: cfg.Limits.MaxConnectionsPerUser,
		MaxConnectionsPerIP:   cfg.Limits.MaxConnectionsPerIP,
		HeartbeatInterval:     cfg.Heartbeat.Interval,
		IdleTimeout:           cfg.Heartbeat.IdleTimeout,
		CleanupInterval:       cfg.Heartbeat.CleanupInterval,
		SessionTTL:            cfg.Security.SessionTTL,
		SlidingSessions:       cfg.Security.SlidingSessions,
	}, chain, sessions)

	// Event router with its batcher
	rt := router.New(router.Config{
		DeliveryRateLimit:  int64(cfg.Limits.InboundRate) * 10,
		DeliveryRateWindow: time.Second,
	}, reg, batch.Config{
		Strategy:        batch.Strategy(cfg.Batch.Strategy),
		MaxSize:         cfg.Batch.MaxSize,
		MaxWait:         cfg.Batch.MaxWait,
		MinWait:         cfg.Batch.MinWait,
		MaxAdaptiveWait: cfg.Batch.MaxAdaptiveWait,
	})

	srv := server.New(cfg, reg, rt)

	// Embedded NATS server for standalone mode
	var embedded *source.EmbeddedServer
	natsURL := cfg.NATS.URL
	if cfg.NATS.Enabled && cfg.NATS.Embedded {
		embedded, err = source.NewEmbeddedServer(source.EmbeddedConfig{
			Host:     cfg.Server.Host,
			Port:     cfg.NATS.EmbeddedPort,
			StoreDir: cfg.NATS.StoreDir,
		})
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to start embedded NATS server")
		}
		natsURL = embedded.ClientURL()
		logging.Info().Str("url", natsURL).Msg("Embedded NATS server started")
	}

	// Supervisor tree: sessions, messaging, and API layers
	slogLogger := logging.NewSlogLogger()
	tree, err := supervisor.NewSupervisorTree(slogLogger, supervisor.DefaultTreeConfig())
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create supervisor tree")
	}

	tree.AddSessionService(supervisor.NewFuncService("registry-heartbeat", reg.RunHeartbeat))
	tree.AddSessionService(supervisor.NewFuncService("registry-cleanup", reg.RunCleanup))
	tree.AddMessagingService(supervisor.NewFuncService("router-maintenance", rt.RunMaintenance))
	if cfg.NATS.Enabled {
		sub := source.NewSubscriber(source.Config{
			URL:     natsURL,
			Subject: cfg.NATS.Subject,
		}, rt)
		tree.AddMessagingService(supervisor.NewFuncService("nats-source", sub.Run))
		logging.Info().Str("subject", cfg.NATS.Subject).Msg("NATS event source added to supervisor tree")
	}
	tree.AddAPIService(supervisor.NewFuncService("http-server", srv.Run))

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree...")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	// Wait for the error channel to close (supervisor finished)
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	// Report any services that failed to stop within timeout
	unstopped, _ := tree.UnstoppedServiceReport()
	if len(unstopped) > 0 {
		logging.Warn().Int("count", len(unstopped)).Msg("Services failed to stop within timeout")
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop")
		}
	}

	// Orderly teardown of connections and batches after the loops stop
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	reg.Shutdown(shutdownCtx)
	rt.Shutdown()
	if embedded != nil {
		if err := embedded.Shutdown(shutdownCtx); err != nil {
			logging.Warn().Err(err).Msg("Embedded NATS shutdown incomplete")
		}
	}
	shutdownCancel()

	logging.Info().Msg("Application stopped gracefully")
}

// buildAuthChain assembles the credential validation strategies from
// configuration. At least one strategy must be configured.
func buildAuthChain(cfg *config.Config) (*auth.Chain, error) {
	var providers []auth.Provider

	if cfg.Security.JWTSecret != "" {
		mgr, err := auth.NewJWTManager(auth.JWTConfig{
			Secret:    cfg.Security.JWTSecret,
			Issuer:    cfg.Security.JWTIssuer,
			Audience:  cfg.Security.JWTAudience,
			ClockSkew: cfg.Security.ClockSkew,
		})
		if err != nil {
			return nil, fmt.Errorf("jwt manager: %w", err)
		}
		providers = append(providers, auth.NewBreakerProvider(auth.NewJWTProvider(mgr)))
	}

	if len(cfg.Security.APIKeys) > 0 {
		entries := make([]auth.APIKeyEntry, 0, len(cfg.Security.APIKeys))
		for _, k := range cfg.Security.APIKeys {
			entries = append(entries, auth.APIKeyEntry{
				KeyID:       k.KeyID,
				KeyHash:     k.KeyHash,
				UserID:      k.UserID,
				Roles:       k.Roles,
				Permissions: k.Permissions,
			})
		}
		providers = append(providers, auth.NewBreakerProvider(
			auth.NewAPIKeyProvider(entries, cfg.Security.SessionTTL)))
	}

	if len(providers) == 0 {
		return nil, errors.New("no authentication strategies configured; set JWT_SECRET or security.api_keys")
	}
	return auth.NewChain(providers...), nil
}

// buildSessionStore opens the configured session backend.
func buildSessionStore(cfg *config.Config) (session.Store, error) {
	switch cfg.Session.Backend {
	case "badger":
		store, err := session.OpenBadgerStore(cfg.Session.Path)
		if err != nil {
			return nil, fmt.Errorf("badger session store at %s: %w", cfg.Session.Path, err)
		}
		return store, nil
	case "memory", "":
		return session.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Session.Backend)
	}
}
