// Copyright (C) 2025 Quillside Labs (oss@quillside.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package sync provides the real-time collaboration service for
// QuillSync.
//
// This package contains the main service type that coordinates all
// components: the websocket endpoint, connection registry, document
// session store, presence tracker, broadcast router, liveness
// supervisor, snapshot persistence, and observability infrastructure.
//
// # Usage
//
//	cfg := sync.Config{Port: 12230}
//	svc, err := sync.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/quillside/QuillSync/services/sync/auth"
	"github.com/quillside/QuillSync/services/sync/dispatcher"
	"github.com/quillside/QuillSync/services/sync/handlers"
	"github.com/quillside/QuillSync/services/sync/liveness"
	"github.com/quillside/QuillSync/services/sync/observability"
	"github.com/quillside/QuillSync/services/sync/persistence"
	"github.com/quillside/QuillSync/services/sync/presence"
	"github.com/quillside/QuillSync/services/sync/registry"
	"github.com/quillside/QuillSync/services/sync/routes"
	"github.com/quillside/QuillSync/services/sync/session"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the sync service.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run() blocks and
// should only be called once per instance.
type Service interface {
	// Run starts the HTTP server and the liveness supervisor and
	// blocks until shutdown signal or fatal error.
	Run() error

	// Router returns the underlying Gin engine for testing.
	Router() *gin.Engine
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service for production use.
type service struct {
	config Config
	router *gin.Engine

	registryStore *registry.Registry
	presenceStore *presence.Tracker
	sessionStore  *session.Store
	dispatch      *dispatcher.Dispatcher
	supervisor    *liveness.Supervisor
	verifier      auth.TokenVerifier
	persist       persistence.Store
	metrics       *observability.SyncMetrics

	tracerCleanup func(context.Context)
}

// New creates a sync Service with the given configuration.
//
// # Description
//
// New initializes all components:
//  1. Applies default configuration for missing values
//  2. Initializes OpenTelemetry tracing
//  3. Initializes Prometheus metrics
//  4. Creates the snapshot persistence backend
//  5. Creates the token verifier for the configured auth mode
//  6. Wires registry, sessions, presence, dispatcher, and supervisor
//  7. Sets up HTTP routes
//
// # Outputs
//
//   - Service: Ready-to-run sync service
//   - error: Non-nil if initialization fails
func New(cfg Config) (Service, error) {
	s := &service{
		config: applyConfigDefaults(cfg),
	}

	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}

	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	if !s.config.DisableMetrics {
		s.metrics = observability.InitMetrics()
		slog.Info("Initialized Prometheus metrics")
	}

	if err := s.initPersistence(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize persistence: %w", err)
	}

	if err := s.initVerifier(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize token verifier: %w", err)
	}

	s.registryStore = registry.NewRegistry(s.config.SendQueueSize)
	s.presenceStore = presence.NewTracker()
	s.sessionStore = session.NewStore(s.persist)

	s.dispatch, err = dispatcher.New(dispatcher.Config{
		Registry:  s.registryStore,
		Presence:  s.presenceStore,
		Sessions:  s.sessionStore,
		Verifier:  s.verifier,
		Metrics:   s.metrics,
		RateLimit: rate.Limit(s.config.RateLimit),
		RateBurst: s.config.RateBurst,
	})
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize dispatcher: %w", err)
	}

	s.supervisor, err = liveness.New(s.registryStore, nil, liveness.Config{
		SweepInterval:     s.config.SweepInterval,
		StaleThreshold:    s.config.StaleThreshold,
		HeartbeatInterval: s.config.HeartbeatInterval,
	}, s.evictStale)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize liveness supervisor: %w", err)
	}

	s.initRouter()
	return s, nil
}

// evictStale routes liveness evictions through the disconnect cascade.
func (s *service) evictStale(conn *registry.Connection, reason string) {
	disconnectReason := observability.ReasonStale
	if reason == "ping failed" {
		disconnectReason = observability.ReasonPingFailed
	}
	s.dispatch.Disconnect(conn, disconnectReason)
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the liveness supervisor and the HTTP server, then blocks
// until SIGINT/SIGTERM or a fatal server error. Shutdown is graceful:
// in-flight HTTP requests get a drain window and the supervisor stops
// before resources are released.
func (s *service) Run() error {
	defer s.cleanup()

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.supervisor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start liveness supervisor: %w", err)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: s.router,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Starting sync server", "port", s.config.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down sync server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Router returns the underlying Gin engine for testing. Callers must
// not modify the routes after construction.
func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// initTracer initializes OpenTelemetry distributed tracing. With an
// OTLP endpoint configured, spans ship over insecure gRPC (appropriate
// for internal networks); otherwise a stdout exporter keeps the tracing
// pipeline alive for local development.
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	var exporter sdktrace.SpanExporter
	if s.config.OTelEndpoint != "" {
		conn, err := grpc.NewClient(s.config.OTelEndpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
		}
		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
	} else {
		var err error
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
		}
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("quillsync-service")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(exporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := exporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown trace exporter", "error", err)
		}
	}
	return cleanup, nil
}

// initPersistence creates the snapshot store for the configured
// backend.
func (s *service) initPersistence() error {
	switch s.config.PersistBackend {
	case BackendMemory:
		s.persist = persistence.NewMemoryStore()
		slog.Info("Using in-memory snapshot store")
	case BackendBadger:
		store, err := persistence.NewBadgerStore(persistence.BadgerConfig{
			Path: s.config.BadgerPath,
		})
		if err != nil {
			return err
		}
		s.persist = store
		slog.Info("Using Badger snapshot store", "path", s.config.BadgerPath)
	case BackendRedis:
		store, err := persistence.NewRedisStore(context.Background(),
			s.config.RedisAddr, s.config.RedisPassword, s.config.RedisDB)
		if err != nil {
			return err
		}
		s.persist = store
		slog.Info("Using Redis snapshot store", "addr", s.config.RedisAddr)
	default:
		return fmt.Errorf("unknown persistence backend %q", s.config.PersistBackend)
	}
	return nil
}

// initVerifier creates the token verifier for the configured auth
// mode.
func (s *service) initVerifier() error {
	switch s.config.AuthMode {
	case AuthModeNone:
		s.verifier = &auth.NopVerifier{}
		slog.Info("Token verification disabled (development mode)")
	case AuthModeHMAC:
		verifier, err := auth.NewJWTVerifier([]byte(s.config.JWTSecret))
		if err != nil {
			return err
		}
		s.verifier = verifier
		s.config.JWTSecret = ""
		slog.Info("Using HMAC JWT token verification")
	default:
		return fmt.Errorf("unknown auth mode %q", s.config.AuthMode)
	}
	return nil
}

// initRouter sets up the Gin HTTP router with all routes.
func (s *service) initRouter() {
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware("quillsync-service"))

	routes.SetupRoutes(s.router, routes.Deps{
		Registry:      s.registryStore,
		Dispatcher:    s.dispatch,
		Sessions:      s.sessionStore,
		Presence:      s.presenceStore,
		Verifier:      s.verifier,
		Metrics:       s.metrics,
		EnableMetrics: !s.config.DisableMetrics,
		WSOptions: handlers.WSOptions{
			MaxMessageBytes: s.config.MaxMessageBytes,
			PongWait:        s.config.PongWait,
		},
	})
}

// cleanup releases all resources held by the service.
func (s *service) cleanup() {
	if s.supervisor != nil {
		s.supervisor.Stop()
	}
	if s.persist != nil {
		if err := s.persist.Close(); err != nil {
			slog.Warn("Snapshot store close error", "error", err)
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
