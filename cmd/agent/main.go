package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/agrosync/agent/internal/config"
	"github.com/agrosync/agent/internal/handlers"
	custommw "github.com/agrosync/agent/internal/middleware"
	"github.com/agrosync/agent/internal/observability"
	"github.com/agrosync/agent/internal/remote"
	"github.com/agrosync/agent/internal/repository"
	"github.com/agrosync/agent/internal/services"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize telemetry
	ctx := context.Background()
	telemetry, err := observability.Initialize(ctx, observability.NewConfig("agrosync-agent", handlers.Version))
	if err != nil {
		log.Fatalf("Failed to initialize telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(shutdownCtx)
	}()

	// Open local storage. A failure here puts the agent into degraded
	// mode instead of exiting: reads return nothing, mutations no-op,
	// and the control API stays up so the UI can see what happened.
	var db *sql.DB
	if opened, err := repository.NewSQLiteDB(cfg.DatabasePath); err != nil {
		observability.Errorf("Local storage unavailable, running degraded: %v", err)
	} else {
		db = opened
		defer db.Close()
	}

	entityRepo := repository.NewEntityRepository(dbtx(db))
	queueRepo := repository.NewSyncQueueRepository(dbtx(db), cfg.Sync.MaxRetries)

	// Pick the remote backend. Direct Postgres wins over REST when
	// both are configured; neither means local-only operation.
	var remoteStore remote.Store
	switch {
	case cfg.UseDirectPostgres():
		store, err := remote.NewPostgresStore(cfg.Remote.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to remote database: %v", err)
		}
		defer store.Close()
		remoteStore = store
		observability.Info("Using direct PostgreSQL remote")
	case cfg.Remote.URL != "":
		remoteStore = remote.NewPostgRESTStore(cfg.Remote.URL, cfg.Remote.APIKey,
			time.Duration(cfg.Sync.RequestTimeoutSecs)*time.Second)
		observability.Infof("Using PostgREST remote at %s", cfg.Remote.URL)
	default:
		observability.Warn("No remote configured, sync disabled")
	}

	// Connectivity is judged by reaching the remote itself, not by a
	// generic internet probe
	var prober services.Prober
	if remoteStore != nil {
		prober = services.ProberFunc(func(ctx context.Context) bool {
			return remoteStore.Ping(ctx) == nil
		})
	} else {
		prober = services.ProberFunc(func(ctx context.Context) bool { return false })
	}
	monitor := services.NewNetworkMonitor(prober, time.Duration(cfg.Sync.ProbeIntervalSecs)*time.Second)
	monitor.Start()
	defer monitor.Stop()

	hub := services.NewWebSocketHub()
	go hub.Run()

	syncMetrics, err := observability.NewSyncMetrics()
	if err != nil {
		log.Fatalf("Failed to initialize sync metrics: %v", err)
	}

	syncService := services.NewSyncService(
		entityRepo,
		queueRepo,
		remoteStore,
		services.NewSchemaMapper(),
		services.NewConflictResolver(),
		monitor,
		hub,
		syncMetrics,
		services.SyncOptions{
			Interval:       time.Duration(cfg.Sync.IntervalMinutes) * time.Minute,
			BatchSize:      cfg.Sync.BatchSize,
			DownloadLimit:  cfg.Sync.DownloadLimit,
			BackoffBase:    cfg.Sync.BackoffBase,
			RunTimeout:     time.Duration(cfg.Sync.RunTimeoutMinutes) * time.Minute,
			RequestTimeout: time.Duration(cfg.Sync.RequestTimeoutSecs) * time.Second,
		},
	)
	syncService.Start(ctx)
	defer syncService.Stop()

	// Initialize handlers
	entityHandler := handlers.NewEntityHandler(db, entityRepo, queueRepo, syncService, cfg.Sync.MaxRetries)
	syncHandler := handlers.NewSyncHandler(syncService, queueRepo, entityRepo)
	healthHandler := handlers.NewHealthHandler(db)
	wsHandler := handlers.NewWebSocketHandler(hub)

	httpMetrics, err := observability.NewHTTPMetrics()
	if err != nil {
		log.Fatalf("Failed to initialize HTTP metrics: %v", err)
	}

	// Setup router
	r := chi.NewRouter()

	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(observability.TracingMiddleware("agrosync-agent"))
	r.Use(observability.MetricsMiddleware(httpMetrics))
	r.Use(custommw.APIKeyAuth(cfg))

	r.Get("/health", healthHandler.HealthCheck)
	r.Get("/ready", healthHandler.Ready)
	r.Get("/ws", wsHandler.HandleConnection)
	r.Get("/version", handlers.VersionHandler)

	r.Route("/api", func(r chi.Router) {
		entityHandler.RegisterRoutes(r)
		syncHandler.RegisterRoutes(r)
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		observability.Infof("AgroSync agent starting on %s", cfg.ServerAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	observability.Info("Shutting down agent...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	observability.Info("Agent stopped")
}

// dbtx avoids handing the repositories a typed-nil interface when the
// database failed to open
func dbtx(db *sql.DB) repository.DBTX {
	if db == nil {
		return nil
	}
	return db
}
