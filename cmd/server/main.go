package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"collabrelay/internal/api"
	"collabrelay/internal/auth"
	"collabrelay/internal/config"
	"collabrelay/internal/crdt"
	"collabrelay/internal/db"
	"collabrelay/internal/fanout"
	"collabrelay/internal/repository"
	"collabrelay/internal/services"
	"collabrelay/internal/services/collaboration"
	"collabrelay/internal/services/versions"
	"collabrelay/internal/telemetry"
)

/*
LEARNING: GRACEFUL SHUTDOWN PATTERN WITH OBSERVABILITY

This main function demonstrates:
1. Choosing storage backends from configuration
2. Dependency injection into the registry and handlers
3. Graceful shutdown handling (listening for SIGINT/SIGTERM)
4. Proper resource cleanup order: stop accepting, flush sessions, stop workers
*/

func main() {
	log.Println("🚀 Starting collaboration relay...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	// Learning: Do this FIRST so all operations are traced
	tracingShutdown, err := telemetry.InitJaeger(telemetry.Options{
		ServiceName:    "collabrelay",
		ServiceVersion: "1.0.0",
		Endpoint:       cfg.JaegerEndpoint,
		SamplePercent:  cfg.TraceSamplePercent,
	})
	if err != nil {
		log.Printf("⚠️  Failed to initialize Jaeger: %v (continuing without tracing)", err)
		tracingShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracingShutdown(ctx); err != nil {
			log.Printf("⚠️  Failed to shutdown Jaeger: %v", err)
		}
	}()

	// Closed in reverse order after the registry has flushed
	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				log.Printf("⚠️  Failed to close resource: %v", err)
			}
		}
	}()

	var database *db.GormDB
	if cfg.UsesPostgres() {
		database, err = db.NewGorm(cfg)
		if err != nil {
			log.Fatalf("❌ Failed to connect to database: %v", err)
		}
		closers = append(closers, database)
	}

	factory := crdt.NewAutomerge()

	// Version catalog
	var catalog versions.Catalog
	switch cfg.VersionBackend {
	case config.BackendPostgres:
		catalog = repository.NewVersionRepository(database.DB)
	case config.BackendBolt:
		boltCatalog, err := repository.OpenBoltVersionCatalog(cfg.BoltPath)
		if err != nil {
			log.Fatalf("❌ Failed to open version catalog: %v", err)
		}
		closers = append(closers, boltCatalog)
		catalog = boltCatalog
	default:
		catalog = versions.NewMemoryCatalog()
	}
	versionStore := versions.NewStore(catalog, factory, cfg.VersionLimit)
	log.Printf("✓ Version store ready (%s, %d versions per document)", cfg.VersionBackend, versionStore.Limit())

	// Replicated state persistence
	// Learning: Without a state store the registry is purely in-memory
	var stateStore services.StateStore
	switch cfg.StateBackend {
	case config.BackendPostgres:
		stateStore = repository.NewStateRepository(database.DB)
	case config.BackendSQLite:
		sqliteStore, err := repository.OpenSQLiteStateStore(cfg.SQLitePath)
		if err != nil {
			log.Fatalf("❌ Failed to open state store: %v", err)
		}
		closers = append(closers, sqliteStore)
		stateStore = sqliteStore
	}

	var flusher *services.FlusherImpl
	registryOpts := collaboration.Options{
		Versions:            versionStore,
		Factory:             factory,
		IdleTimeout:         cfg.SessionIdleTimeout,
		AutoSaveInterval:    cfg.AutoSaveInterval,
		MaintenanceInterval: cfg.MaintenanceInterval,
		SendBuffer:          cfg.SendBufferSize,
	}
	if stateStore != nil {
		flusher = services.NewFlusher(stateStore, cfg.FlushWorkers, cfg.FlushQueueSize)
		flusher.Start()
		registryOpts.Persistence = flusher
	}

	// Multi-instance fan-out
	if cfg.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		redisFanout, err := fanout.NewRedisFanout(ctx, cfg.RedisAddr)
		cancel()
		if err != nil {
			log.Fatalf("❌ Failed to connect fan-out: %v", err)
		}
		closers = append(closers, redisFanout)
		registryOpts.Fanout = redisFanout
		log.Printf("✓ Redis fan-out connected: %s (instance %s)", cfg.RedisAddr, redisFanout.Instance())
	}

	registry := collaboration.NewRegistry(registryOpts)
	registry.Start()

	verifier := auth.NewVerifier(cfg.JWTSecret)
	if verifier.RequiresJWT() {
		log.Println("✓ Connection tokens verified as HS256 JWTs")
	} else {
		log.Println("⚠️  JWT_SECRET not set: any non-empty token is accepted")
	}

	wsHandler := collaboration.NewWebSocketHandler(registry, verifier)

	var queue api.QueueReporter
	if flusher != nil {
		queue = flusher
	}
	handler := api.NewHandler(registry, versionStore, wsHandler, verifier, queue)
	router := api.SetupRoutes(handler, cfg.LogRequests)

	// WriteTimeout stays 0: it would also cut long-lived WebSocket connections
	server := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Learning: This allows us to handle shutdown signals concurrently
	go func() {
		log.Printf("🌐 Server listening on http://%s", cfg.Addr())
		log.Printf("📚 Endpoints:")
		log.Printf("   GET    /ws/document/:id                          - Join a document (WebSocket)")
		log.Printf("   GET    /ws                                       - Join via join message (WebSocket)")
		log.Printf("   GET    /api/documents/:id/presence               - Who is connected")
		log.Printf("   GET    /api/documents/:id/versions               - List versions")
		log.Printf("   POST   /api/documents/:id/versions               - Save version")
		log.Printf("   GET    /api/documents/:id/versions/compare       - Compare two versions")
		log.Printf("   POST   /api/documents/:id/versions/:vid/restore  - Restore version")
		log.Printf("   DELETE /api/documents/:id/versions/:vid          - Delete version")
		log.Println()

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by Shutdown; the registry closes them
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}

	// Learning: Flush every session before stopping the workers that write state
	registry.Shutdown(ctx)

	if flusher != nil {
		flusher.Shutdown()
	}

	log.Println("✓ Server shutdown complete")
}
