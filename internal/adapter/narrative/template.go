// Package narrative provides domain.Narrator implementations.
package narrative

import (
	"context"
	"fmt"
	"math"

	"github.com/V4T54L/product-pulse/internal/domain"
)

// Template explains detections with fixed sentences built from their evidence.
// It never fails and is used whenever a model-backed narrator is unavailable.
type Template struct{}

func (Template) Explain(_ context.Context, d domain.Detection) (string, error) {
	return Explain(d), nil
}

// Explain renders the template explanation of d.
func Explain(d domain.Detection) string {
	switch d.Type {
	case domain.DetectionRegression:
		return fmt.Sprintf("%s fell %.1f%% %s (from %.2f to %.2f). Check releases and traffic sources from the same %s before it compounds.",
			str(d.Data["metric_name"]), math.Abs(num(d.Data["change_pct"])), periodPhrase(d.Data["period"]),
			num(d.Data["previous_value"]), num(d.Data["current_value"]), str(d.Data["period"]))
	case domain.DetectionAnomaly:
		return fmt.Sprintf("%s shows an unusual %s: the latest value %.2f is %.1f standard deviations from its 30-day mean of %.2f. Confirm whether tracking changed before acting on it.",
			str(d.Data["metric_name"]), str(d.Data["direction"]), num(d.Data["current_value"]),
			math.Abs(num(d.Data["z_score"])), num(d.Data["mean"]))
	case domain.DetectionFeatureDecay:
		return fmt.Sprintf("Adoption of %s moved %.1f points over its last four measurements and now sits at %.1f%%. Review recent changes to the feature and its entry points.",
			str(d.Data["feature"]), num(d.Data["decline_pct"]), num(d.Data["current_adoption"]))
	case domain.DetectionRetentionErosion:
		return fmt.Sprintf("%s averaged %.1f%% for recent cohorts against %.1f%% for older ones (%.1f%%). Look at onboarding changes shipped between the two cohort groups.",
			str(d.Data["metric_name"]), num(d.Data["recent_avg"]), num(d.Data["older_avg"]), num(d.Data["change_pct"]))
	}
	return fmt.Sprintf("%s (%s severity).", d.Title, d.Severity)
}

func periodPhrase(v any) string {
	switch str(v) {
	case "week":
		return "week over week"
	case "day":
		return "day over day"
	}
	return "period over period"
}

func str(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return "unknown"
	}
	return fmt.Sprint(v)
}

func num(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	}
	return 0
}
