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

	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/docbatch/internal/api"
	"github.com/kiranshivaraju/docbatch/internal/api/handler"
	mw "github.com/kiranshivaraju/docbatch/internal/api/middleware"
	"github.com/kiranshivaraju/docbatch/internal/archive"
	"github.com/kiranshivaraju/docbatch/internal/batch"
	"github.com/kiranshivaraju/docbatch/internal/cache"
	"github.com/kiranshivaraju/docbatch/internal/config"
	"github.com/kiranshivaraju/docbatch/internal/orchestrator"
	"github.com/kiranshivaraju/docbatch/internal/resume"
	"github.com/kiranshivaraju/docbatch/internal/source"
	"github.com/kiranshivaraju/docbatch/internal/store"
)

const (
	shutdownTimeout        = 30 * time.Second
	archiveCleanupInterval = 10 * time.Minute
	requestsPerMinute      = 120
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Long:  "Start the HTTP API server. Configuration is read from the environment.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, slog.Default())
		},
	}
}

// openCache connects to Redis when configured and falls back to process memory.
func openCache(ctx context.Context, cfg config.RedisConfig) (cache.Cache, error) {
	if cfg.URL == "" {
		return cache.NewMemoryCache(), nil
	}
	c, err := cache.NewRedisCache(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("create redis cache: %w", err)
	}
	if err := c.Ping(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return c, nil
}

// run serves the API until ctx is cancelled, then drains connections and
// stops background work.
func run(ctx context.Context, logger *slog.Logger) error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Info("config loaded", "backend", cfg.Storage.Backend, "env", cfg.Server.Env)

	// 2. Run migrations before the store touches the schema
	if cfg.Storage.Backend == config.BackendPostgres {
		if err := store.RunMigrations(cfg.Database.URL, cfg.Server.MigrationsDir); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		logger.Info("database migrations applied")
	}

	// 3. Open store
	st, err := store.Open(ctx, *cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	logger.Info("store opened", "backend", cfg.Storage.Backend)

	// 4. Cache
	c, err := openCache(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer c.Close()

	// 5. Document source, throttled to the upstream quota
	src := source.NewHTTPClient(cfg.Source.BaseURL, cfg.Source.Token, cfg.Source.Timeout)
	if err := src.Ready(ctx); err != nil {
		logger.Warn("document source not ready", "url", cfg.Source.BaseURL, "error", err)
	}
	throttled := source.NewThrottled(src, cfg.Source.RequestsPerMinute, cfg.Source.Burst)

	// 6. Batch coordinator and auto-resume
	coord := batch.NewCoordinator(st, throttled, src, batch.Options{
		Concurrency: cfg.Batch.Concurrency,
		PageSize:    cfg.Source.PageSize,
		Logger:      logger,
	})
	registry := resume.NewRegistry(coord, st, resume.Policy{
		GraceDelay: cfg.AutoResume.GraceDelay,
		RoundDelay: cfg.AutoResume.RoundDelay,
		MaxRounds:  cfg.AutoResume.MaxRounds,
		Unbounded:  cfg.AutoResume.Unbounded,
	}, logger)

	bgCtx, cancelBackground := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBackground()
	if cfg.AutoResume.Enabled {
		go registry.Run(bgCtx, coord.SubscribeSettled())
	}

	if n, err := coord.RecoverOrphans(ctx); err != nil {
		logger.Warn("orphan recovery failed", "error", err)
	} else if n > 0 {
		logger.Info("orphaned jobs resumed", "count", n)
	}

	// 7. Archives
	archives, err := archive.NewEngine(st, archive.Options{
		SyncThreshold: cfg.Archive.SyncThreshold,
		Dir:           cfg.Archive.Dir,
		TTL:           cfg.Archive.TTL,
		Cache:         c,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("create archive engine: %w", err)
	}
	go archives.RunCleanup(bgCtx, archiveCleanupInterval)

	svc := orchestrator.New(st, coord, registry, archives, logger)

	// 8. Build router with dependencies
	batches := handler.NewBatchHandler(svc, logger)
	autoResume := handler.NewAutoResumeHandler(svc, logger)
	archiveH := handler.NewArchiveHandler(svc, logger)
	events := handler.NewEventsHandler(svc, nil, logger)
	companies := handler.NewCompaniesHandler(svc, logger)
	keys := handler.NewKeysHandler(st, logger)

	router := api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(st),
		RateLimit: mw.NewRateLimit(c, requestsPerMinute),

		HealthHandler: handler.Health(st, c),

		StartBatch:   batches.Start,
		BatchSummary: batches.Summary,
		BatchEvents:  events.Stream,
		ListJobs:     batches.List,
		GetJob:       batches.Get,
		CancelJob:    batches.Cancel,
		CancelAll:    batches.CancelAll,
		RetryJob:     batches.Retry,
		RetryFailed:  batches.RetryFailed,
		ClearHistory: batches.ClearHistory,

		AutoResumeStatus: autoResume.Status,
		SetAutoResume:    autoResume.SetPolicy,

		StartArchive:    archiveH.Start,
		ArchiveStatus:   archiveH.Status,
		CancelArchive:   archiveH.Cancel,
		DownloadArchive: archiveH.Download,

		CreateCompany: companies.Create,
		ListCompanies: companies.List,

		CreateKeyHandler: keys.Create,
		ListKeysHandler:  keys.List,
		RevokeKeyHandler: keys.Revoke,
	})

	// 9. Start HTTP server. WriteTimeout is left unset: event streams and
	// archive downloads are long-lived.
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	cancelBackground()
	registry.Shutdown()
	if err := coord.Shutdown(shutdownCtx); err != nil {
		logger.Warn("batch coordinator shutdown", "error", err)
	}
	if err := archives.Shutdown(shutdownCtx); err != nil {
		logger.Warn("archive engine shutdown", "error", err)
	}

	logger.Info("server stopped gracefully")
	return nil
}
