package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/schedule-ingest/internal/archive"
	"github.com/JonMunkholm/schedule-ingest/internal/config"
	"github.com/JonMunkholm/schedule-ingest/internal/core"
	"github.com/JonMunkholm/schedule-ingest/internal/database"
	"github.com/JonMunkholm/schedule-ingest/internal/logging"
	"github.com/JonMunkholm/schedule-ingest/internal/metrics"
	"github.com/JonMunkholm/schedule-ingest/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"db_max_conns", cfg.Database.MaxConns,
		"max_concurrent_runs", cfg.Worker.MaxConcurrent,
		"poll_interval", cfg.Worker.PollInterval,
		"archive_enabled", cfg.Archive.Enabled(),
	)

	if err := run(cfg); err != nil {
		slog.Error("worker stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("worker stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	if cfg.Database.ApplySchema {
		if err := database.ApplySchema(ctx, pool); err != nil {
			return err
		}
		slog.Info("schema applied")
	}

	slots, err := core.LoadSlotPredicates(cfg.Rules.SlotRulesPath)
	if err != nil {
		return err
	}
	slog.Info("slot rules loaded", "count", len(slots), "path", cfg.Rules.SlotRulesPath)

	versions := database.NewVersions(pool)
	runs := database.NewRuns(pool)
	limiter := core.NewRunLimiter(cfg.Worker.MaxConcurrent)
	collector := metrics.New(limiter)

	deps := core.CoordinatorDeps{
		DB:         pool,
		Begin:      core.PoolBegin(pool),
		Versions:   versions,
		Stager:     core.NewStagingLoader(cfg.Worker.BatchSize),
		Normalizer: core.NewNormalizer(),
		Analyzer:   core.NewAnalyzer(core.DefaultRules(slots)...),
		Runs:       runs,
		Observer:   collector,
		TempDir:    cfg.Worker.TempDir,
	}

	if cfg.Archive.Enabled() {
		archiver, err := archive.New(cfg.Archive)
		if err != nil {
			return err
		}
		if err := archiver.EnsureBucket(ctx); err != nil {
			return err
		}
		deps.Archive = archiver
		slog.Info("payload archive enabled", "bucket", archiver.Bucket())
	}

	coordinator, err := core.NewCoordinator(deps)
	if err != nil {
		return err
	}

	poller := core.NewPoller(versions, coordinator, limiter, core.PollerConfig{
		Interval:   cfg.Worker.PollInterval,
		RunTimeout: cfg.Worker.RunTimeout,
	})

	server := web.NewServer(cfg.Server, web.Deps{
		DB:       pool,
		Versions: versions,
		Runs:     runs,
		Issues:   database.NewIssues(pool),
		Limiter:  limiter,
		Metrics:  collector,
		NotFound: func(err error) bool { return errors.Is(err, database.ErrNotFound) },
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(server.Start)

	g.Go(func() error {
		poller.Start(gctx)
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if status := limiter.Status(); status.Active > 0 {
			slog.Info("waiting for runs to complete", "active", status.Active, "versions", status.Versions)
		}
		if err := poller.Shutdown(shutdownCtx); err != nil {
			slog.Warn("runs did not complete in time", "error", err)
		}

		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
