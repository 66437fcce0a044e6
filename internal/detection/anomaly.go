package detection

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/V4T54L/product-pulse/internal/domain"
	"gonum.org/v1/gonum/stat"
)

const (
	anomalyLookbackDays = 30
	anomalyMinPoints    = 7
	anomalyThreshold    = 2.5
	anomalyHigh         = 3.0
)

// ZScoreRule flags the latest point of any metric that lies more than 2.5 population
// standard deviations from the trailing 30-day mean.
type ZScoreRule struct {
	metrics domain.MetricStore
}

func NewZScoreRule(metrics domain.MetricStore) *ZScoreRule {
	return &ZScoreRule{metrics: metrics}
}

func (r *ZScoreRule) Name() string { return "zscore_anomaly" }

func (r *ZScoreRule) Detect(ctx context.Context, today time.Time) ([]domain.Detection, error) {
	since := today.Add(-domain.Days(anomalyLookbackDays))
	names, err := r.metrics.MetricNames(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list metric names: %w", err)
	}

	var (
		out  []domain.Detection
		errs []error
	)
	for _, name := range names {
		vals, err := series(ctx, r.metrics, domain.MetricQuery{Name: name, Since: since})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(vals) < anomalyMinPoints {
			continue
		}

		mean, std := stat.PopMeanStdDev(vals, nil)
		if std == 0 {
			continue
		}
		latest := vals[0]
		z := (latest - mean) / std
		if math.Abs(z) <= anomalyThreshold {
			continue
		}

		severity := domain.SeverityMedium
		if math.Abs(z) > anomalyHigh {
			severity = domain.SeverityHigh
		}
		direction := "drop"
		if z > 0 {
			direction = "spike"
		}
		out = append(out, domain.Detection{
			Type:     domain.DetectionAnomaly,
			Severity: severity,
			Title:    fmt.Sprintf("%s anomaly detected", name),
			Data: map[string]any{
				"metric_name":   name,
				"current_value": latest,
				"mean":          mean,
				"std":           std,
				"z_score":       z,
				"direction":     direction,
			},
		})
	}
	return out, errors.Join(errs...)
}
