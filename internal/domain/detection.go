package domain

import (
	"time"

	"github.com/google/uuid"
)

// DetectionType names the rule family that produced a detection.
type DetectionType string

const (
	DetectionRegression       DetectionType = "regression"
	DetectionAnomaly          DetectionType = "anomaly"
	DetectionFeatureDecay     DetectionType = "feature_decay"
	DetectionRetentionErosion DetectionType = "retention_erosion"
)

// Severity is assigned by the detection engine. Severities are ordered medium < high < critical.
type Severity string

const (
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordinal of the severity; unknown severities rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return 0
}

// Detection is a transient finding produced by one detection rule.
type Detection struct {
	Type     DetectionType  `json:"type"`
	Severity Severity       `json:"severity"`
	Title    string         `json:"title"`
	Data     map[string]any `json:"data"`
}

// InsightStatus tracks whether somebody has acted on an insight.
type InsightStatus string

const (
	InsightPending  InsightStatus = "pending"
	InsightResolved InsightStatus = "resolved"
)

// Insight is a detection made durable together with its explanation.
type Insight struct {
	ID          uuid.UUID      `json:"id"`
	Type        DetectionType  `json:"insight_type"`
	Severity    Severity       `json:"severity"`
	Title       string         `json:"title"`
	Data        map[string]any `json:"data"`
	Explanation string         `json:"explanation"`
	DetectedAt  time.Time      `json:"detected_at"`
	Status      InsightStatus  `json:"status"`
}

// NewInsight wraps a detection into a pending insight.
func NewInsight(d Detection, explanation string, detectedAt time.Time) Insight {
	return Insight{
		ID:          uuid.New(),
		Type:        d.Type,
		Severity:    d.Severity,
		Title:       d.Title,
		Data:        d.Data,
		Explanation: explanation,
		DetectedAt:  detectedAt.UTC(),
		Status:      InsightPending,
	}
}
