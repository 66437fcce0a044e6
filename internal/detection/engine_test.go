package detection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V4T54L/product-pulse/internal/adapter/repository/memory"
	"github.com/V4T54L/product-pulse/internal/domain"
)

var testToday = time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func runRules(t *testing.T, rules ...Rule) Result {
	t.Helper()
	engine := NewEngine(nil, discardLogger(),
		WithRules(rules...),
		WithClock(func() time.Time { return testToday.Add(9 * time.Hour) }),
	)
	return engine.Run(context.Background())
}

// seed stores a series given most-recent-first; point i is dated newest-i days.
func seed(t *testing.T, store *memory.Store, name string, typ domain.MetricType, newest time.Time, vals ...float64) {
	t.Helper()
	metrics := make([]domain.Metric, len(vals))
	for i, v := range vals {
		metrics[i] = domain.Metric{Name: name, Type: typ, Value: v, Date: newest.Add(-domain.Days(i))}
		if typ == domain.MetricTypeFeatureAdoption {
			metrics[i].Metadata = map[string]any{"feature": name[len("adoption_"):]}
		}
	}
	require.NoError(t, store.UpsertMetrics(context.Background(), metrics))
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestWeekOverWeek_Scenario(t *testing.T) {
	store := memory.NewStore()
	// This week averages 60, last week 100.
	seed(t, store, "dau", domain.MetricTypeEngagement, testToday.Add(-domain.Days(1)), append(repeat(60, 7), repeat(100, 7)...)...)

	res := runRules(t, NewWeekOverWeekRule(store))
	require.Empty(t, res.Errors)
	require.Len(t, res.Detections, 1)

	d := res.Detections[0]
	assert.Equal(t, domain.DetectionRegression, d.Type)
	assert.Equal(t, domain.SeverityHigh, d.Severity)
	assert.Equal(t, "dau", d.Data["metric_name"])
	assert.InDelta(t, -40.0, d.Data["change_pct"], 1e-9)
	assert.InDelta(t, 60.0, d.Data["current_value"], 1e-9)
	assert.InDelta(t, 100.0, d.Data["previous_value"], 1e-9)
	assert.Equal(t, "week", d.Data["period"])
	assert.Equal(t, "dau dropped 40.0% WoW", d.Title)
}

func TestWeekOverWeek(t *testing.T) {
	testCases := []struct {
		name         string
		values       []float64
		wantSeverity domain.Severity
	}{
		{name: "moderate drop", values: append(repeat(85, 7), repeat(100, 7)...), wantSeverity: domain.SeverityMedium},
		{name: "growth", values: append(repeat(100, 7), repeat(60, 7)...)},
		{name: "exactly minus ten", values: append(repeat(90, 7), repeat(100, 7)...)},
		{name: "fewer than 14 points compares week to itself", values: append(repeat(10, 7), repeat(100, 3)...)},
		{name: "fewer than 7 points", values: repeat(1, 6)},
		{name: "zero baseline", values: append(repeat(0, 7), repeat(0, 7)...)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store := memory.NewStore()
			seed(t, store, "wau", domain.MetricTypeEngagement, testToday, tc.values...)

			res := runRules(t, NewWeekOverWeekRule(store))
			require.Empty(t, res.Errors)
			if tc.wantSeverity == "" {
				assert.Empty(t, res.Detections)
				return
			}
			require.Len(t, res.Detections, 1)
			assert.Equal(t, tc.wantSeverity, res.Detections[0].Severity)
		})
	}
}

func TestDayOverDay(t *testing.T) {
	testCases := []struct {
		name         string
		values       []float64
		wantSeverity domain.Severity
	}{
		{name: "halved", values: []float64{50, 100}, wantSeverity: domain.SeverityCritical},
		{name: "minus twenty", values: []float64{80, 100}, wantSeverity: domain.SeverityHigh},
		{name: "minus ten", values: []float64{90, 100}},
		{name: "single point", values: []float64{10}},
		{name: "zero previous", values: []float64{0, 0}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store := memory.NewStore()
			seed(t, store, "mau", domain.MetricTypeEngagement, testToday, tc.values...)

			res := runRules(t, NewDayOverDayRule(store))
			require.Empty(t, res.Errors)
			if tc.wantSeverity == "" {
				assert.Empty(t, res.Detections)
				return
			}
			require.Len(t, res.Detections, 1)
			d := res.Detections[0]
			assert.Equal(t, tc.wantSeverity, d.Severity)
			assert.Equal(t, "day", d.Data["period"])
			assert.Equal(t, tc.values[0], d.Data["current_value"])
		})
	}
}

func TestZScore_Spike(t *testing.T) {
	store := memory.NewStore()
	seed(t, store, "adoption_export", domain.MetricTypeFeatureAdoption, testToday, append([]float64{90}, repeat(50, 29)...)...)

	res := runRules(t, NewZScoreRule(store))
	require.Empty(t, res.Errors)
	require.Len(t, res.Detections, 1)

	d := res.Detections[0]
	assert.Equal(t, domain.DetectionAnomaly, d.Type)
	assert.Equal(t, domain.SeverityHigh, d.Severity)
	assert.Equal(t, "spike", d.Data["direction"])
	assert.Equal(t, 90.0, d.Data["current_value"])
	assert.InDelta(t, 51.3333, d.Data["mean"], 1e-3)
	z, ok := d.Data["z_score"].(float64)
	require.True(t, ok)
	assert.Greater(t, z, 3.0)
}

func TestZScore(t *testing.T) {
	testCases := []struct {
		name          string
		values        []float64
		wantSeverity  domain.Severity
		wantDirection string
	}{
		{name: "constant series", values: repeat(50, 30)},
		{name: "too few points", values: []float64{500, 1, 1, 1, 1, 1}},
		{name: "drop", values: append([]float64{10}, repeat(50, 29)...), wantSeverity: domain.SeverityHigh, wantDirection: "drop"},
		// Latest 60 against nine 50s: z = 3.0, which is above 2.5 but not above 3.
		{name: "medium", values: append([]float64{60}, repeat(50, 9)...), wantSeverity: domain.SeverityMedium, wantDirection: "spike"},
		{name: "within band", values: []float64{52, 50, 48, 50, 52, 48, 50, 49, 51}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store := memory.NewStore()
			seed(t, store, "dau", domain.MetricTypeEngagement, testToday.Add(-domain.Days(1)), tc.values...)

			res := runRules(t, NewZScoreRule(store))
			require.Empty(t, res.Errors)
			if tc.wantSeverity == "" {
				assert.Empty(t, res.Detections)
				return
			}
			require.Len(t, res.Detections, 1)
			assert.Equal(t, tc.wantSeverity, res.Detections[0].Severity)
			assert.Equal(t, tc.wantDirection, res.Detections[0].Data["direction"])
		})
	}
}

func TestFeatureDecay(t *testing.T) {
	store := memory.NewStore()
	seed(t, store, "adoption_export", domain.MetricTypeFeatureAdoption, testToday, 40, 35, 28, 20)
	seed(t, store, "adoption_share", domain.MetricTypeFeatureAdoption, testToday, 40, 42, 28, 20)
	seed(t, store, "adoption_search", domain.MetricTypeFeatureAdoption, testToday, 30, 25, 20, 16)
	seed(t, store, "adoption_login", domain.MetricTypeFeatureAdoption, testToday, 90, 80, 70)

	res := runRules(t, NewFeatureDecayRule(store))
	require.Empty(t, res.Errors)
	require.Len(t, res.Detections, 1)

	d := res.Detections[0]
	assert.Equal(t, domain.DetectionFeatureDecay, d.Type)
	assert.Equal(t, domain.SeverityMedium, d.Severity)
	assert.Equal(t, "export", d.Data["feature"])
	assert.Equal(t, 20.0, d.Data["decline_pct"])
	assert.Equal(t, 40.0, d.Data["current_adoption"])
	assert.Equal(t, []float64{40, 35, 28, 20}, d.Data["trend"])
}

func TestRetentionErosion(t *testing.T) {
	testCases := []struct {
		name         string
		values       []float64
		wantSeverity domain.Severity
	}{
		{name: "high", values: []float64{30, 30, 30, 30, 40, 40, 40, 40}, wantSeverity: domain.SeverityHigh},
		{name: "medium", values: []float64{34, 34, 34, 34, 40, 40, 40, 40}, wantSeverity: domain.SeverityMedium},
		{name: "stable", values: []float64{40, 40, 40, 40, 40, 40, 40, 40}},
		{name: "no older window", values: []float64{1, 1, 1, 1, 40, 40, 40}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store := memory.NewStore()
			seed(t, store, "retention_d7", domain.MetricTypeRetention, testToday.Add(-domain.Days(30)), tc.values...)

			res := runRules(t, NewRetentionErosionRule(store))
			require.Empty(t, res.Errors)
			if tc.wantSeverity == "" {
				assert.Empty(t, res.Detections)
				return
			}
			require.Len(t, res.Detections, 1)
			d := res.Detections[0]
			assert.Equal(t, domain.DetectionRetentionErosion, d.Type)
			assert.Equal(t, tc.wantSeverity, d.Severity)
			assert.Equal(t, "retention_d7", d.Data["metric_name"])
		})
	}
}

func TestEngine_DefaultRulesConcatenate(t *testing.T) {
	store := memory.NewStore()
	// A sharp final drop trips both the WoW and DoD rules.
	vals := append([]float64{20}, repeat(100, 13)...)
	seed(t, store, "dau", domain.MetricTypeEngagement, testToday.Add(-domain.Days(1)), vals...)

	engine := NewEngine(store, discardLogger(), WithClock(func() time.Time { return testToday }))
	res := engine.Run(context.Background())
	require.Empty(t, res.Errors)

	var periods []string
	var types []domain.DetectionType
	for _, d := range res.Detections {
		types = append(types, d.Type)
		if p, ok := d.Data["period"].(string); ok {
			periods = append(periods, p)
		}
	}
	assert.ElementsMatch(t, []string{"week", "day"}, periods)
	assert.Contains(t, types, domain.DetectionAnomaly)
}

type stubRule struct {
	name       string
	detections []domain.Detection
	err        error
}

func (s stubRule) Name() string { return s.name }

func (s stubRule) Detect(ctx context.Context, today time.Time) ([]domain.Detection, error) {
	return s.detections, s.err
}

func TestEngine_RuleFailureIsIsolated(t *testing.T) {
	ok := domain.Detection{Type: domain.DetectionAnomaly, Severity: domain.SeverityMedium, Title: "x"}
	res := runRules(t,
		stubRule{name: "broken", err: errors.New("timeout")},
		stubRule{name: "sparse", err: fmt.Errorf("only 2 points: %w", domain.ErrInsufficientData)},
		stubRule{name: "healthy", detections: []domain.Detection{ok}},
	)

	require.Len(t, res.Errors, 1)
	var compErr *domain.ComputationError
	require.ErrorAs(t, res.Errors[0], &compErr)
	assert.Equal(t, "broken", compErr.Unit)
	assert.Equal(t, []domain.Detection{ok}, res.Detections)
}

// flakyStore fails queries for one metric name.
type flakyStore struct {
	*memory.Store
	failing string
}

func (s flakyStore) QueryMetrics(ctx context.Context, q domain.MetricQuery) ([]domain.Metric, error) {
	if q.Name == s.failing {
		return nil, errors.New("connection reset")
	}
	return s.Store.QueryMetrics(ctx, q)
}

func TestRules_MetricFailureIsIsolated(t *testing.T) {
	store := memory.NewStore()
	newest := testToday.Add(-domain.Days(1))
	seed(t, store, "dau", domain.MetricTypeEngagement, newest, append([]float64{20}, repeat(100, 13)...)...)
	seed(t, store, "wau", domain.MetricTypeEngagement, newest, append([]float64{20}, repeat(100, 13)...)...)
	seed(t, store, "retention_d1", domain.MetricTypeRetention, newest, 20, 20, 20, 20, 50, 50, 50, 50)
	seed(t, store, "retention_d7", domain.MetricTypeRetention, newest, 20, 20, 20, 20, 50, 50, 50, 50)
	flaky := flakyStore{Store: store, failing: "dau"}

	res := runRules(t, NewDayOverDayRule(flaky), NewRetentionErosionRule(flakyStore{Store: store, failing: "retention_d1"}))

	require.Len(t, res.Errors, 2)
	assert.ErrorContains(t, res.Errors[0], `"dau"`)
	assert.ErrorContains(t, res.Errors[1], `"retention_d1"`)

	var flagged []string
	for _, d := range res.Detections {
		flagged = append(flagged, d.Data["metric_name"].(string))
	}
	assert.ElementsMatch(t, []string{"wau", "retention_d7"}, flagged)
}
