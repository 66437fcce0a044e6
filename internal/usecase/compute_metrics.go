package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/V4T54L/product-pulse/internal/adapter/telemetry"
	"github.com/V4T54L/product-pulse/internal/aggregation"
	"github.com/V4T54L/product-pulse/internal/domain"
)

// JobComputeMetrics is the job name of the metrics run.
const JobComputeMetrics = "compute_metrics"

// commitTimeout bounds the final upsert, which runs even when the run's context has ended.
const commitTimeout = 30 * time.Second

// MetricsComputer produces the metric rows of one run.
type MetricsComputer interface {
	Run(ctx context.Context) aggregation.Result
}

// ComputeMetricsUseCase runs the aggregation engine and commits its output.
type ComputeMetricsUseCase struct {
	engine  MetricsComputer
	store   domain.MetricStore
	metrics *telemetry.PipelineMetrics
	logger  *slog.Logger
}

// NewComputeMetricsUseCase creates a new ComputeMetricsUseCase.
func NewComputeMetricsUseCase(engine MetricsComputer, store domain.MetricStore, metrics *telemetry.PipelineMetrics, logger *slog.Logger) *ComputeMetricsUseCase {
	return &ComputeMetricsUseCase{
		engine:  engine,
		store:   store,
		metrics: metrics,
		logger:  logger.With("component", "compute_metrics"),
	}
}

// RunOnce computes every derivation and writes all resulting rows in one atomic upsert.
// Per-derivation failures are returned joined after the commit.
func (uc *ComputeMetricsUseCase) RunOnce(ctx context.Context) error {
	ctx, span := otel.Tracer("compute-metrics").Start(ctx, "RunOnce")
	defer span.End()
	started := time.Now()

	res := uc.engine.Run(ctx)
	span.SetAttributes(
		attribute.Int("metrics", len(res.Metrics)),
		attribute.Int("errors", len(res.Errors)),
	)

	if len(res.Metrics) > 0 {
		commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
		err := uc.store.UpsertMetrics(commitCtx, res.Metrics)
		cancel()
		if err != nil {
			span.RecordError(err)
			uc.metrics.ObserveJob(JobComputeMetrics, "error", started)
			uc.logger.Error("failed to persist metrics", "count", len(res.Metrics), "error", err)
			return fmt.Errorf("failed to persist %d metrics: %w", len(res.Metrics), err)
		}
	}

	uc.metrics.ObserveMetrics(res.Metrics)
	uc.metrics.ObserveComputationErrors(res.Errors)

	status := "success"
	if len(res.Errors) > 0 {
		status = "error"
	}
	uc.metrics.ObserveJob(JobComputeMetrics, status, started)
	uc.logger.Info("Metrics run committed", "metrics", len(res.Metrics), "errors", len(res.Errors), "duration", time.Since(started))
	return res.Err()
}
