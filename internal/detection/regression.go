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

// KeyMetrics are the engagement and retention metrics watched for regressions.
var KeyMetrics = []string{"dau", "wau", "mau", "retention_d1", "retention_d7"}

const (
	regressionLookbackDays = 14
	weekPoints             = 7

	wowThreshold = -10.0
	wowHigh      = -20.0
	dodThreshold = -15.0
	dodCritical  = -30.0
)

// WeekOverWeekRule compares the mean of the 7 most recent points with the mean of the
// 7 before them.
type WeekOverWeekRule struct {
	metrics domain.MetricStore
	names   []string
}

func NewWeekOverWeekRule(metrics domain.MetricStore) *WeekOverWeekRule {
	return &WeekOverWeekRule{metrics: metrics, names: KeyMetrics}
}

func (r *WeekOverWeekRule) Name() string { return "wow_regression" }

func (r *WeekOverWeekRule) Detect(ctx context.Context, today time.Time) ([]domain.Detection, error) {
	var (
		out  []domain.Detection
		errs []error
	)
	for _, name := range r.names {
		values, err := series(ctx, r.metrics, domain.MetricQuery{Name: name, Since: today.Add(-domain.Days(regressionLookbackDays))})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(values) < weekPoints {
			continue
		}

		thisWeek := stat.Mean(values[:weekPoints], nil)
		lastWeek := thisWeek
		if len(values) >= 2*weekPoints {
			lastWeek = stat.Mean(values[weekPoints:2*weekPoints], nil)
		}
		if lastWeek <= 0 {
			continue
		}

		change := changePct(thisWeek, lastWeek)
		if change >= wowThreshold {
			continue
		}
		severity := domain.SeverityMedium
		if change < wowHigh {
			severity = domain.SeverityHigh
		}
		out = append(out, domain.Detection{
			Type:     domain.DetectionRegression,
			Severity: severity,
			Title:    fmt.Sprintf("%s dropped %.1f%% WoW", name, math.Abs(change)),
			Data: map[string]any{
				"metric_name":    name,
				"change_pct":     change,
				"current_value":  thisWeek,
				"previous_value": lastWeek,
				"period":         "week",
			},
		})
	}
	return out, errors.Join(errs...)
}

// DayOverDayRule compares the two most recent points of each key metric.
type DayOverDayRule struct {
	metrics domain.MetricStore
	names   []string
}

func NewDayOverDayRule(metrics domain.MetricStore) *DayOverDayRule {
	return &DayOverDayRule{metrics: metrics, names: KeyMetrics}
}

func (r *DayOverDayRule) Name() string { return "dod_regression" }

func (r *DayOverDayRule) Detect(ctx context.Context, today time.Time) ([]domain.Detection, error) {
	var (
		out  []domain.Detection
		errs []error
	)
	for _, name := range r.names {
		values, err := series(ctx, r.metrics, domain.MetricQuery{Name: name, Since: today.Add(-domain.Days(regressionLookbackDays))})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(values) < 2 {
			continue
		}

		current, previous := values[0], values[1]
		if previous <= 0 {
			continue
		}
		change := changePct(current, previous)
		if change >= dodThreshold {
			continue
		}
		severity := domain.SeverityHigh
		if change < dodCritical {
			severity = domain.SeverityCritical
		}
		out = append(out, domain.Detection{
			Type:     domain.DetectionRegression,
			Severity: severity,
			Title:    fmt.Sprintf("%s dropped %.1f%% DoD", name, math.Abs(change)),
			Data: map[string]any{
				"metric_name":    name,
				"change_pct":     change,
				"current_value":  current,
				"previous_value": previous,
				"period":         "day",
			},
		})
	}
	return out, errors.Join(errs...)
}

// series returns the values of the matching metrics, most recent first.
func series(ctx context.Context, store domain.MetricStore, q domain.MetricQuery) ([]float64, error) {
	metrics, err := store.QueryMetrics(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to query metric %q: %w", q.Name, err)
	}
	return values(metrics), nil
}

func values(metrics []domain.Metric) []float64 {
	out := make([]float64, len(metrics))
	for i, m := range metrics {
		out[i] = m.Value
	}
	return out
}

func changePct(current, previous float64) float64 {
	return (current - previous) / previous * 100
}
