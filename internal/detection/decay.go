package detection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/V4T54L/product-pulse/internal/domain"
	"gonum.org/v1/gonum/stat"
)

const (
	decayLookbackDays = 30
	decayPoints       = 4
	decayMinDecline   = 15.0

	erosionLookbackDays = 60
	erosionPoints       = 4
	erosionThreshold    = -10.0
	erosionHigh         = -20.0
)

// RetentionMetrics are the series inspected for retention erosion.
var RetentionMetrics = []string{"retention_d1", "retention_d7", "retention_d30"}

// FeatureDecayRule inspects the four most recent adoption values of each feature.
// It fires when they are strictly decreasing in most-recent-first order and the
// first-minus-last difference exceeds 15 percentage points.
type FeatureDecayRule struct {
	metrics domain.MetricStore
}

func NewFeatureDecayRule(metrics domain.MetricStore) *FeatureDecayRule {
	return &FeatureDecayRule{metrics: metrics}
}

func (r *FeatureDecayRule) Name() string { return "feature_decay" }

func (r *FeatureDecayRule) Detect(ctx context.Context, today time.Time) ([]domain.Detection, error) {
	metrics, err := r.metrics.QueryMetrics(ctx, domain.MetricQuery{
		Type:  domain.MetricTypeFeatureAdoption,
		Since: today.Add(-domain.Days(decayLookbackDays)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query adoption metrics: %w", err)
	}

	byFeature := make(map[string][]domain.Metric)
	var features []string
	for _, m := range metrics {
		f := featureOf(m)
		if _, seen := byFeature[f]; !seen {
			features = append(features, f)
		}
		byFeature[f] = append(byFeature[f], m)
	}
	sort.Strings(features)

	var out []domain.Detection
	for _, feature := range features {
		points := byFeature[feature]
		if len(points) < decayPoints {
			continue
		}
		sort.SliceStable(points, func(i, j int) bool { return points[i].Date.After(points[j].Date) })

		recent := values(points[:decayPoints])
		if !strictlyDecreasing(recent) {
			continue
		}
		decline := recent[0] - recent[len(recent)-1]
		if decline <= decayMinDecline {
			continue
		}
		out = append(out, domain.Detection{
			Type:     domain.DetectionFeatureDecay,
			Severity: domain.SeverityMedium,
			Title:    fmt.Sprintf("Feature '%s' usage declining", feature),
			Data: map[string]any{
				"feature":          feature,
				"decline_pct":      decline,
				"current_adoption": recent[0],
				"trend":            recent,
			},
		})
	}
	return out, nil
}

func featureOf(m domain.Metric) string {
	if f, ok := m.Metadata["feature"].(string); ok && f != "" {
		return f
	}
	return strings.TrimPrefix(m.Name, "adoption_")
}

func strictlyDecreasing(vals []float64) bool {
	for i := 0; i+1 < len(vals); i++ {
		if vals[i] <= vals[i+1] {
			return false
		}
	}
	return true
}

// RetentionErosionRule compares the mean of the 4 most recent retention points with the
// mean of the 4 before them.
type RetentionErosionRule struct {
	metrics domain.MetricStore
	names   []string
}

func NewRetentionErosionRule(metrics domain.MetricStore) *RetentionErosionRule {
	return &RetentionErosionRule{metrics: metrics, names: RetentionMetrics}
}

func (r *RetentionErosionRule) Name() string { return "retention_erosion" }

func (r *RetentionErosionRule) Detect(ctx context.Context, today time.Time) ([]domain.Detection, error) {
	var (
		out  []domain.Detection
		errs []error
	)
	for _, name := range r.names {
		vals, err := series(ctx, r.metrics, domain.MetricQuery{Name: name, Since: today.Add(-domain.Days(erosionLookbackDays))})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(vals) < 2*erosionPoints {
			continue
		}

		recent := stat.Mean(vals[:erosionPoints], nil)
		older := stat.Mean(vals[erosionPoints:2*erosionPoints], nil)
		if older <= 0 {
			continue
		}
		change := changePct(recent, older)
		if change >= erosionThreshold {
			continue
		}
		severity := domain.SeverityMedium
		if change < erosionHigh {
			severity = domain.SeverityHigh
		}
		out = append(out, domain.Detection{
			Type:     domain.DetectionRetentionErosion,
			Severity: severity,
			Title:    fmt.Sprintf("%s eroding", name),
			Data: map[string]any{
				"metric_name": name,
				"change_pct":  change,
				"recent_avg":  recent,
				"older_avg":   older,
			},
		})
	}
	return out, errors.Join(errs...)
}
