package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/V4T54L/product-pulse/internal/adapter/api"
	"github.com/V4T54L/product-pulse/internal/adapter/narrative"
	"github.com/V4T54L/product-pulse/internal/adapter/repository/postgres"
	redisrepo "github.com/V4T54L/product-pulse/internal/adapter/repository/redis"
	"github.com/V4T54L/product-pulse/internal/adapter/sink/kafka"
	"github.com/V4T54L/product-pulse/internal/adapter/telemetry"
	"github.com/V4T54L/product-pulse/internal/aggregation"
	"github.com/V4T54L/product-pulse/internal/detection"
	"github.com/V4T54L/product-pulse/internal/domain"
	"github.com/V4T54L/product-pulse/internal/pkg/config"
	"github.com/V4T54L/product-pulse/internal/pkg/logger"
	"github.com/V4T54L/product-pulse/internal/scheduler"
	"github.com/V4T54L/product-pulse/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logger.New(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("engine stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("engine shut down gracefully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := telemetry.NewPipelineMetrics(prometheus.DefaultRegisterer)

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.OTLPEndpoint, "product-pulse-engine", logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Error("failed to flush traces", "error", err)
		}
	}()

	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("failed to open postgres connection: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		return fmt.Errorf("failed to prepare schema: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	events := postgres.NewEventRepository(db, logger)
	metricStore := postgres.NewMetricRepository(db, logger)

	sinks, closeSinks, err := insightSinks(cfg, db, logger)
	if err != nil {
		return err
	}
	defer closeSinks()

	var funnels []aggregation.Funnel
	for _, f := range cfg.FunnelDefinitions() {
		funnels = append(funnels, aggregation.Funnel{Name: f.Name, Steps: f.Steps})
	}
	if len(funnels) == 0 {
		logger.Warn("FUNNELS is empty, using the default funnels")
		funnels = aggregation.DefaultFunnels
	}
	aggregator := aggregation.NewEngine(events, logger,
		aggregation.WithFunnels(funnels),
		aggregation.WithQueryTimeout(cfg.QueryTimeout),
	)
	detector := detection.NewEngine(metricStore, logger, detection.WithQueryTimeout(cfg.QueryTimeout))

	computeMetrics := usecase.NewComputeMetricsUseCase(aggregator, metricStore, m, logger)
	detectInsights := usecase.NewDetectInsightsUseCase(detector, narrator(cfg, logger), sinks, m, logger)

	sched := scheduler.New(redisrepo.NewJobLock(redisClient), cfg.JobLockTTL, logger)
	sched.Register(usecase.JobComputeMetrics, cfg.MetricsInterval, computeMetrics.RunOnce)
	sched.Register(usecase.JobDetectInsights, cfg.DetectionInterval, detectInsights.RunOnce)

	adminServer := &http.Server{
		Addr: cfg.AdminAddr,
		Handler: api.NewAdminRouter(api.AdminDeps{
			Jobs:     sched,
			Insights: postgres.NewInsightRepository(db, logger),
			Metrics:  metricStore,
			Gatherer: prometheus.DefaultGatherer,
			APIKey:   cfg.AdminAPIKey,
		}, logger),
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 15 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting admin & metrics server", "addr", adminServer.Addr)
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		sched.Start(gctx)
		logger.Info("engine started",
			"metrics_interval", cfg.MetricsInterval,
			"detection_interval", cfg.DetectionInterval,
			"funnels", len(funnels),
			"insight_sinks", cfg.InsightSinks,
		)
		<-gctx.Done()
		logger.Info("shutting down engine...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("admin server shutdown failed", "error", err)
		}
		sched.Wait()
		return nil
	})

	return g.Wait()
}

func narrator(cfg *config.Config, logger *slog.Logger) domain.Narrator {
	if cfg.Narrator == "ollama" {
		logger.Info("explaining insights with ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
		return narrative.NewOllama(cfg.OllamaURL, cfg.OllamaModel, cfg.QueryTimeout, logger)
	}
	return narrative.Template{}
}

func insightSinks(cfg *config.Config, db *sql.DB, logger *slog.Logger) ([]domain.InsightSink, func(), error) {
	var (
		sinks   []domain.InsightSink
		closers []func() error
	)
	for _, name := range cfg.InsightSinks {
		switch name {
		case "postgres":
			sinks = append(sinks, postgres.NewInsightRepository(db, logger))
		case "kafka":
			if len(cfg.KafkaBrokers) == 0 {
				return nil, nil, errors.New("kafka insight sink requires KAFKA_BROKERS")
			}
			publisher := kafka.NewInsightPublisher(kafka.NewWriter(cfg.KafkaBrokers, cfg.KafkaInsightsTopic), logger)
			sinks = append(sinks, publisher)
			closers = append(closers, publisher.Close)
		default:
			return nil, nil, fmt.Errorf("unknown insight sink %q", name)
		}
	}
	if len(sinks) == 0 {
		return nil, nil, errors.New("at least one insight sink is required")
	}
	return sinks, func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Error("failed to close insight sink", "error", err)
			}
		}
	}, nil
}
