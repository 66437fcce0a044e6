package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/product-pulse/internal/adapter/api"
	"github.com/V4T54L/product-pulse/internal/adapter/pii"
	"github.com/V4T54L/product-pulse/internal/adapter/repository/postgres"
	redisrepo "github.com/V4T54L/product-pulse/internal/adapter/repository/redis"
	"github.com/V4T54L/product-pulse/internal/adapter/repository/wal"
	"github.com/V4T54L/product-pulse/internal/adapter/source"
	"github.com/V4T54L/product-pulse/internal/adapter/telemetry"
	"github.com/V4T54L/product-pulse/internal/domain"
	"github.com/V4T54L/product-pulse/internal/normalize"
	"github.com/V4T54L/product-pulse/internal/pkg/config"
	"github.com/V4T54L/product-pulse/internal/pkg/logger"
	"github.com/V4T54L/product-pulse/internal/scheduler"
	"github.com/V4T54L/product-pulse/internal/usecase"

	_ "github.com/lib/pq" // Keep for postgres driver
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logger.New(cfg.LogLevel)
	slog.SetDefault(logger)

	m := telemetry.NewPipelineMetrics(prometheus.DefaultRegisterer)

	// --- Graceful Shutdown Context ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.OTLPEndpoint, "product-pulse-ingest", logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// --- Database and Redis Connections ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		logger.Error("failed to prepare schema", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("could not connect to redis, will spill events to disk until it recovers", "error", err)
	}

	// --- Initialize Repositories ---
	spill, err := wal.NewSpillRepository(cfg.WALDir, cfg.WALSegmentSize, cfg.WALMaxDiskSize, logger)
	if err != nil {
		logger.Error("failed to initialize event spill", "error", err)
		os.Exit(1)
	}
	defer spill.Close()

	buffer := redisrepo.NewEventBuffer(redisClient, redisrepo.BufferConfig{
		Stream:    cfg.EventStream,
		DLQStream: cfg.DLQStream,
		Group:     cfg.ConsumerGroup,
	}, spill, logger)
	go buffer.StartHealthCheck(ctx, cfg.RedisHealthInterval)

	states := postgres.NewSyncStateRepository(db)
	redactor := pii.NewRedactor(cfg.PIIRedactionFields, logger)

	// --- Register one sync job per configured provider ---
	sched := scheduler.New(redisrepo.NewJobLock(redisClient), cfg.JobLockTTL, logger)
	creds := source.Credentials{
		MixpanelAPISecret:  cfg.MixpanelAPISecret,
		AmplitudeAPIKey:    cfg.AmplitudeAPIKey,
		AmplitudeSecretKey: cfg.AmplitudeSecretKey,
		PostHogAPIKey:      cfg.PostHogAPIKey,
		PostHogProjectID:   cfg.PostHogProjectID,
		PostHogHost:        cfg.PostHogHost,
		HeapAPIKey:         cfg.HeapAPIKey,
	}
	opts := source.Options{RateLimit: cfg.SourceRateLimit, Timeout: cfg.SourceTimeout, Logger: logger}

	for _, name := range cfg.Sources {
		src := domain.Source(name)
		client, err := source.New(src, creds, opts)
		if err != nil {
			logger.Error("failed to configure source", "source", name, "error", err)
			os.Exit(1)
		}
		normalizer, err := normalize.New(src)
		if err != nil {
			logger.Error("failed to configure normalizer", "source", name, "error", err)
			os.Exit(1)
		}
		uc := usecase.NewSyncSourceUseCase(client, normalizer, buffer, states, redactor, cfg.SyncLookback, m, logger)
		sched.Register(uc.JobName(), cfg.SyncInterval, uc.RunOnce)
	}
	if len(cfg.Sources) == 0 {
		logger.Warn("no sources configured, ingest will only serve the admin API")
	}

	// --- Start Admin and Metrics Server ---
	adminServer := &http.Server{
		Addr: cfg.AdminAddr,
		Handler: api.NewAdminRouter(api.AdminDeps{
			Jobs:     sched,
			States:   states,
			Buffer:   buffer,
			Gatherer: prometheus.DefaultGatherer,
			APIKey:   cfg.AdminAPIKey,
		}, logger),
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 15 * time.Second,
	}

	go func() {
		logger.Info("starting admin & metrics server", "addr", adminServer.Addr)
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin & metrics server failed", "error", err)
			stop() // Trigger shutdown on server error
		}
	}()

	sched.Start(ctx)
	logger.Info("ingest service started", "sources", cfg.Sources, "interval", cfg.SyncInterval)

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down ingest service...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown failed", "error", err)
	}
	sched.Wait()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("failed to flush traces", "error", err)
	}

	logger.Info("ingest service shut down gracefully")
}
