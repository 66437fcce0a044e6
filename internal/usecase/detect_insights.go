package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/V4T54L/product-pulse/internal/adapter/narrative"
	"github.com/V4T54L/product-pulse/internal/adapter/telemetry"
	"github.com/V4T54L/product-pulse/internal/detection"
	"github.com/V4T54L/product-pulse/internal/domain"
)

// JobDetectInsights is the job name of the detection run.
const JobDetectInsights = "detect_insights"

// Detector produces the detections of one run.
type Detector interface {
	Run(ctx context.Context) detection.Result
}

// DetectInsightsUseCase runs the detection engine, explains every detection and hands
// the resulting insights to each sink.
type DetectInsightsUseCase struct {
	detector Detector
	narrator domain.Narrator
	sinks    []domain.InsightSink
	now      func() time.Time
	metrics  *telemetry.PipelineMetrics
	logger   *slog.Logger
}

// NewDetectInsightsUseCase creates a new DetectInsightsUseCase. A nil narrator uses the
// template explanations.
func NewDetectInsightsUseCase(detector Detector, narrator domain.Narrator, sinks []domain.InsightSink, metrics *telemetry.PipelineMetrics, logger *slog.Logger) *DetectInsightsUseCase {
	if narrator == nil {
		narrator = narrative.Template{}
	}
	return &DetectInsightsUseCase{
		detector: detector,
		narrator: narrator,
		sinks:    sinks,
		now:      time.Now,
		metrics:  metrics,
		logger:   logger.With("component", "detect_insights"),
	}
}

// RunOnce detects, explains and persists. A narrator failure falls back to the template
// explanation; it never drops a detection.
func (uc *DetectInsightsUseCase) RunOnce(ctx context.Context) error {
	ctx, span := otel.Tracer("detect-insights").Start(ctx, "RunOnce")
	defer span.End()
	started := time.Now()

	res := uc.detector.Run(ctx)
	span.SetAttributes(attribute.Int("detections", len(res.Detections)))
	uc.metrics.ObserveDetections(res.Detections)
	uc.metrics.ObserveComputationErrors(res.Errors)

	detectedAt := uc.now().UTC()
	insights := make([]domain.Insight, 0, len(res.Detections))
	for _, d := range res.Detections {
		explanation, err := uc.narrator.Explain(ctx, d)
		if err != nil {
			uc.logger.Warn("Narrator failed, using template explanation", "title", d.Title, "error", err)
			explanation = narrative.Explain(d)
		}
		insights = append(insights, domain.NewInsight(d, explanation, detectedAt))
	}

	var sinkErrs []error
	if len(insights) > 0 {
		for _, sink := range uc.sinks {
			if err := sink.SaveInsights(ctx, insights); err != nil {
				uc.logger.Error("failed to save insights", "sink", fmt.Sprintf("%T", sink), "error", err)
				sinkErrs = append(sinkErrs, fmt.Errorf("failed to save insights to %T: %w", sink, err))
			}
		}
	}

	err := errors.Join(append(res.Errors, sinkErrs...)...)
	status := "success"
	if err != nil {
		span.RecordError(err)
		status = "error"
	}
	uc.metrics.ObserveJob(JobDetectInsights, status, started)
	uc.logger.Info("Detection run finished", "insights", len(insights), "errors", len(res.Errors)+len(sinkErrs))
	return err
}
