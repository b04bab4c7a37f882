// Package main is the entrypoint for the factoryetl server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/factoryetl/internal/api"
	"github.com/kiranshivaraju/factoryetl/internal/api/handler"
	mw "github.com/kiranshivaraju/factoryetl/internal/api/middleware"
	"github.com/kiranshivaraju/factoryetl/internal/api/response"
	"github.com/kiranshivaraju/factoryetl/internal/archive"
	"github.com/kiranshivaraju/factoryetl/internal/cache"
	"github.com/kiranshivaraju/factoryetl/internal/catalog"
	"github.com/kiranshivaraju/factoryetl/internal/chunk"
	"github.com/kiranshivaraju/factoryetl/internal/config"
	"github.com/kiranshivaraju/factoryetl/internal/connector"
	"github.com/kiranshivaraju/factoryetl/internal/importer"
	"github.com/kiranshivaraju/factoryetl/internal/jobs"
	"github.com/kiranshivaraju/factoryetl/internal/pull"
	"github.com/kiranshivaraju/factoryetl/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "catalog", cfg.Catalog.Path, "archive", cfg.Archive.Enabled())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Load the process catalog
	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	// 6. Build the pipeline
	pgStore := store.NewPostgresStore(pool)
	factory := connector.NewFactory(connector.NewCooldown(cfg.Pipeline.ConnectionCooldown))
	chunks := chunk.NewStore(cfg.Pipeline.DataDir)

	puller := pull.NewEngine(cat, factory, pgStore, chunks, pull.Config{
		PageSize:    cfg.Pipeline.FetchPageSize,
		ChunkRows:   cfg.Pipeline.ChunkRows,
		Lookback:    cfg.Pipeline.Lookback(),
		Concurrency: cfg.Pipeline.PullConcurrency,
	})

	importOpts := []importer.Option{importer.WithSourceFallback(factory)}
	if cfg.Archive.Enabled() {
		objects, err := archive.NewMinioStore(cfg.Archive)
		if err != nil {
			return fmt.Errorf("create archive store: %w", err)
		}
		if err := objects.EnsureBucket(ctx, cfg.Archive.Bucket); err != nil {
			return fmt.Errorf("prepare archive bucket: %w", err)
		}
		importOpts = append(importOpts, importer.WithArchiver(archive.New(objects, cfg.Archive.Bucket)))
		slog.Info("archive enabled", "endpoint", cfg.Archive.Endpoint, "bucket", cfg.Archive.Bucket)
	}
	imports := importer.NewEngine(pgStore, cat, chunks, importer.NewSideLog(cfg.Pipeline.ErrorLogDir), importOpts...)

	// 7. Start the scheduler
	scheduler := jobs.NewLocalScheduler()
	defer scheduler.Stop()

	bridge := jobs.NewBridge(jobs.Deps{
		Catalog:   cat,
		Puller:    puller,
		Importer:  imports,
		Store:     pgStore,
		Cache:     redisCache,
		Scheduler: scheduler,
		Chunks:    chunks,
		Checker:   factory,
		StatusTTL: cfg.Redis.JobStatusTTL,
	})
	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("schedule polling: %w", err)
	}
	slog.Info("polling scheduled", "jobs", len(scheduler.Scheduled()))

	// 8. Build router with dependencies
	deps := api.Dependencies{
		RateLimit: mw.NewRateLimit(redisCache, cfg.Server.TriggerRateLimit),

		HealthHandler:      healthHandler(pgStore, redisCache),
		GetJobHandler:      handler.NewGetJobHandler(redisCache, pgStore),
		LatestJobHandler:   handler.NewLatestProcessJobHandler(redisCache, pgStore),
		ListImportsHandler: handler.NewListImportsHandler(pgStore),
		PreviewProcess:     handler.NewPreviewHandler(puller),
		DeleteProcess:      handler.NewDeleteProcessHandler(bridge),
		TriggerPull:        handler.NewTriggerPullHandler(bridge),
		CheckConnection:    handler.NewCheckConnectionHandler(bridge),
		ReschedulePolling:  handler.NewRescheduleHandler(bridge),
	}

	router := api.NewRouter(deps)

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database and cache connectivity.
func healthHandler(db, c pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
