package domain

import "time"

// MetricType groups metrics by the derivation that produced them.
type MetricType string

const (
	MetricTypeEngagement      MetricType = "engagement"
	MetricTypeRetention       MetricType = "retention"
	MetricTypeFeatureAdoption MetricType = "feature_adoption"
	MetricTypeFunnel          MetricType = "funnel"
)

// Metric is a derived, dated value. (Name, Date) identifies a metric row; recomputing the
// same key replaces the previous value.
type Metric struct {
	Name       string         `json:"metric_name"`
	Type       MetricType     `json:"metric_type"`
	Value      float64        `json:"value"`
	Date       time.Time      `json:"date"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	ComputedAt time.Time      `json:"computed_at"`
}

// Key returns the idempotency key of the metric row.
func (m Metric) Key() MetricKey {
	return MetricKey{Name: m.Name, Date: StartOfDay(m.Date)}
}

// MetricKey is the (metric_name, date) pair metrics are upserted on.
type MetricKey struct {
	Name string
	Date time.Time
}
