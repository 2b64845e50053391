// Package main is the entrypoint for the PartScout API server.
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

	"github.com/partscout/partscout/internal/api"
	"github.com/partscout/partscout/internal/api/handler"
	mw "github.com/partscout/partscout/internal/api/middleware"
	"github.com/partscout/partscout/internal/cache"
	"github.com/partscout/partscout/internal/config"
	"github.com/partscout/partscout/internal/credit"
	"github.com/partscout/partscout/internal/orchestrator"
	"github.com/partscout/partscout/internal/pipeline"
	"github.com/partscout/partscout/internal/progress"
	"github.com/partscout/partscout/internal/store"
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
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "pipeline", cfg.Pipeline.BaseURL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
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

	// 5. Create store, ledger, and pipeline invoker
	pgStore := store.NewPostgresStore(pool)
	ledger := credit.NewPostgresLedger(pool)
	invoker := pipeline.NewHTTPInvoker(cfg.Pipeline.BaseURL, cfg.Pipeline.APIKey, cfg.Pipeline.Timeout)

	// 6. Create the progress hub and the orchestrator
	hub := progress.NewHub()

	svc := orchestrator.NewService(pgStore, ledger, invoker, hub, redisCache, orchestrator.Config{
		JobCost:        cfg.Credit.JobCost,
		MaxRetries:     cfg.Pipeline.MaxRetries,
		RetryBackoff:   cfg.Pipeline.RetryBackoff,
		OverallTimeout: cfg.Pipeline.JobTimeout,
	})

	progressHandler := progress.NewHandler(hub, pgStore, mw.GetAccountID, cfg.Progress.HeartbeatInterval)

	// 7. Build router with dependencies
	auth := mw.NewAuth(pgStore)
	rateLimit := mw.NewRateLimit(redisCache, 60)

	deps := api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,

		HealthHandler:    handler.NewHealthHandler(pgStore, redisCache),
		CreateJobHandler: handler.NewCreateJobHandler(svc),
		GetJobHandler:    handler.NewGetJobHandler(pgStore, redisCache),
		ListJobsHandler:  handler.NewListJobsHandler(pgStore),

		ProgressHandler: progressHandler,

		BalanceHandler:      handler.NewBalanceHandler(ledger, redisCache),
		TransactionsHandler: handler.NewListTransactionsHandler(ledger),
		GrantHandler:        handler.NewGrantHandler(ledger, redisCache),

		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server
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

	// Graceful shutdown with timeout: stop accepting requests first, then
	// wait for in-flight jobs so reservations are settled or refunded.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	if err := svc.Shutdown(shutdownCtx); err != nil {
		slog.Warn("jobs still in flight at shutdown deadline", "error", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}
