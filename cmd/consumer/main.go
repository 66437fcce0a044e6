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

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/product-pulse/internal/adapter/api"
	"github.com/V4T54L/product-pulse/internal/adapter/repository/postgres"
	redisrepo "github.com/V4T54L/product-pulse/internal/adapter/repository/redis"
	"github.com/V4T54L/product-pulse/internal/adapter/telemetry"
	"github.com/V4T54L/product-pulse/internal/pkg/config"
	"github.com/V4T54L/product-pulse/internal/pkg/logger"
	"github.com/V4T54L/product-pulse/internal/usecase"
)

const processingInterval = 1 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)
	log.Info("starting consumer worker")

	// Create a context that we can cancel on shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling for graceful shutdown
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stopChan
		log.Info("shutdown signal received, stopping consumer...")
		cancel()
	}()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.OTLPEndpoint, "product-pulse-consumer", log)
	if err != nil {
		log.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// Connect to Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	log.Info("connected to redis")

	// Connect to PostgreSQL
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		log.Error("failed to open postgres connection", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		log.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		log.Error("failed to prepare schema", "error", err)
		os.Exit(1)
	}
	log.Info("connected to postgres")

	// Create a unique consumer name for this instance
	consumerName, err := os.Hostname()
	if err != nil {
		log.Warn("could not get hostname for consumer name, using default", "error", err)
		consumerName = "consumer-default"
	}

	m := telemetry.NewPipelineMetrics(prometheus.DefaultRegisterer)

	// Instantiate repositories. The consumer never spills; a Redis outage simply
	// pauses draining.
	buffer := redisrepo.NewEventBuffer(redisClient, redisrepo.BufferConfig{
		Stream:    cfg.EventStream,
		DLQStream: cfg.DLQStream,
		Group:     cfg.ConsumerGroup,
	}, nil, log)
	go buffer.StartHealthCheck(ctx, cfg.RedisHealthInterval)
	eventRepo := postgres.NewEventRepository(db, log)

	// Instantiate the use case
	processEvents := usecase.NewProcessEventsUseCase(buffer, eventRepo, m, log, usecase.ProcessEventsConfig{
		Group:        cfg.ConsumerGroup,
		Consumer:     consumerName,
		BatchSize:    cfg.ConsumerBatchSize,
		RetryCount:   cfg.SinkRetryCount,
		RetryBackoff: cfg.SinkRetryBackoff,
	})

	adminServer := &http.Server{
		Addr: cfg.AdminAddr,
		Handler: api.NewAdminRouter(api.AdminDeps{
			Buffer:   buffer,
			Gatherer: prometheus.DefaultGatherer,
			APIKey:   cfg.AdminAPIKey,
		}, log),
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 15 * time.Second,
	}
	go func() {
		log.Info("starting admin & metrics server", "addr", adminServer.Addr)
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("admin & metrics server failed", "error", err)
		}
	}()

	// Start the consumer processing loop
	ticker := time.NewTicker(processingInterval)
	defer ticker.Stop()

	log.Info("consumer worker started, processing events...", "group", cfg.ConsumerGroup, "consumer", consumerName)

Loop:
	for {
		select {
		case <-ticker.C:
			// Drain until the buffer is empty, then wait for the next tick.
			for ctx.Err() == nil {
				processed, err := processEvents.ProcessBatch(ctx)
				if err != nil {
					log.Error("error processing batch", "error", err)
					break
				}
				if processed == 0 {
					break
				}
			}
		case <-ctx.Done():
			log.Info("context cancelled, shutting down consumer loop")
			break Loop
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		log.Error("admin server shutdown failed", "error", err)
	}

	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error("failed to flush traces", "error", err)
	}

	log.Info("consumer worker shut down gracefully")
}
