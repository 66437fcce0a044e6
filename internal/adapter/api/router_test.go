package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V4T54L/product-pulse/internal/adapter/repository/memory"
	"github.com/V4T54L/product-pulse/internal/adapter/telemetry"
	"github.com/V4T54L/product-pulse/internal/domain"
	"github.com/V4T54L/product-pulse/internal/scheduler"
)

type stubInspector struct {
	stats domain.BufferStats
	err   error
}

func (s stubInspector) BufferStats(context.Context) (domain.BufferStats, error) { return s.stats, s.err }

func newTestServer(t *testing.T, deps AdminDeps) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewAdminRouter(deps, slog.New(slog.NewTextHandler(io.Discard, nil))))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url string, header map[string]string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func TestAdminRouter_HealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := telemetry.NewPipelineMetrics(reg)
	m.ObserveSinked(3)
	srv := newTestServer(t, AdminDeps{Gatherer: reg})

	resp, body := do(t, http.MethodGet, srv.URL+"/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, body)

	resp, body = do(t, http.MethodGet, srv.URL+"/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "events_sinked_total 3")
}

func TestAdminRouter_RunJob(t *testing.T) {
	sched := scheduler.New(nil, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	sched.Register("compute_metrics", 0, func(context.Context) error { return nil })
	sched.Register("detect_insights", 0, func(context.Context) error { return errors.New("metric store down") })
	srv := newTestServer(t, AdminDeps{Jobs: sched, APIKey: "admin-secret"})
	auth := map[string]string{"X-API-Key": "admin-secret"}

	tests := []struct {
		name       string
		path       string
		header     map[string]string
		wantStatus int
		wantBody   string
	}{
		{name: "missing key", path: "/jobs/compute_metrics/run?wait=true", wantStatus: http.StatusUnauthorized},
		{name: "wrong key", path: "/jobs/compute_metrics/run?wait=true", header: map[string]string{"X-API-Key": "nope"}, wantStatus: http.StatusUnauthorized},
		{name: "unknown job", path: "/jobs/rebuild_world/run", header: auth, wantStatus: http.StatusNotFound},
		{name: "synchronous run", path: "/jobs/compute_metrics/run?wait=true", header: auth, wantStatus: http.StatusOK, wantBody: `"success"`},
		{name: "synchronous failure", path: "/jobs/detect_insights/run?wait=true", header: auth, wantStatus: http.StatusInternalServerError, wantBody: "metric store down"},
		{name: "background run", path: "/jobs/compute_metrics/run", header: auth, wantStatus: http.StatusAccepted, wantBody: `"started"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, http.MethodPost, srv.URL+tt.path, tt.header)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantBody != "" {
				assert.Contains(t, body, tt.wantBody)
			}
		})
	}
	sched.Wait()

	resp, body := do(t, http.MethodGet, srv.URL+"/jobs", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var jobs []scheduler.JobStatus
	require.NoError(t, json.Unmarshal([]byte(body), &jobs))
	require.Len(t, jobs, 2)
	assert.Equal(t, 2, jobs[0].Runs)
	assert.Equal(t, "metric store down", jobs[1].LastError)
}

func TestAdminRouter_SyncStatus(t *testing.T) {
	store := memory.NewStore()
	now := time.Date(2024, 3, 31, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveSyncState(context.Background(), domain.SyncState{
		Source: domain.SourceHeap, LastSync: &now, Status: domain.SyncSuccess, EventsIngested: 12, UpdatedAt: now,
	}))
	srv := newTestServer(t, AdminDeps{States: store})

	resp, body := do(t, http.MethodGet, srv.URL+"/sync/status", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var states []domain.SyncState
	require.NoError(t, json.Unmarshal([]byte(body), &states))
	require.Len(t, states, 1)
	assert.Equal(t, domain.SourceHeap, states[0].Source)
	assert.Equal(t, 12, states[0].EventsIngested)
}

func TestAdminRouter_BufferStatus(t *testing.T) {
	stats := domain.BufferStats{Stream: "product_events", Length: 42, DeadLettered: 2, Groups: []domain.ConsumerGroupInfo{
		{Name: "event-writers", Consumers: 1, Pending: 5, LastDeliveredID: "1-0"},
	}}

	srv := newTestServer(t, AdminDeps{Buffer: stubInspector{stats: stats}})
	resp, body := do(t, http.MethodGet, srv.URL+"/buffer/status", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(body, `"pending":5`))

	failing := newTestServer(t, AdminDeps{Buffer: stubInspector{err: errors.New("redis down")}})
	resp, _ = do(t, http.MethodGet, failing.URL+"/buffer/status", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	none := newTestServer(t, AdminDeps{})
	resp, _ = do(t, http.MethodGet, none.URL+"/buffer/status", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func seedInsights(t *testing.T, store *memory.Store) []domain.Insight {
	t.Helper()
	base := time.Date(2024, 3, 31, 6, 0, 0, 0, time.UTC)
	insights := []domain.Insight{
		domain.NewInsight(domain.Detection{Type: domain.DetectionRegression, Severity: domain.SeverityCritical, Title: "DAU dropped 40% week over week"}, "", base),
		domain.NewInsight(domain.Detection{Type: domain.DetectionAnomaly, Severity: domain.SeverityHigh, Title: "wau is 3.1 standard deviations below its mean"}, "", base.Add(time.Hour)),
		domain.NewInsight(domain.Detection{Type: domain.DetectionRegression, Severity: domain.SeverityMedium, Title: "retention_d1 fell day over day"}, "", base.Add(2*time.Hour)),
	}
	require.NoError(t, store.SaveInsights(context.Background(), insights))
	return insights
}

func TestAdminRouter_ListInsights(t *testing.T) {
	store := memory.NewStore()
	seeded := seedInsights(t, store)
	srv := newTestServer(t, AdminDeps{Insights: store})

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantTitles []string
	}{
		{name: "newest first", query: "", wantStatus: http.StatusOK, wantTitles: []string{seeded[2].Title, seeded[1].Title, seeded[0].Title}},
		{name: "by type", query: "?type=regression", wantStatus: http.StatusOK, wantTitles: []string{seeded[2].Title, seeded[0].Title}},
		{name: "by severity", query: "?severity=critical", wantStatus: http.StatusOK, wantTitles: []string{seeded[0].Title}},
		{name: "limited", query: "?limit=1", wantStatus: http.StatusOK, wantTitles: []string{seeded[2].Title}},
		{name: "no match", query: "?status=resolved", wantStatus: http.StatusOK, wantTitles: []string{}},
		{name: "bad limit", query: "?limit=zero", wantStatus: http.StatusBadRequest},
		{name: "limit too large", query: "?limit=501", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, http.MethodGet, srv.URL+"/api/insights"+tt.query, nil)
			require.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantStatus != http.StatusOK {
				return
			}
			var got struct {
				Insights []domain.Insight `json:"insights"`
			}
			require.NoError(t, json.Unmarshal([]byte(body), &got))
			titles := []string{}
			for _, in := range got.Insights {
				titles = append(titles, in.Title)
			}
			assert.Equal(t, tt.wantTitles, titles)
		})
	}
}

func TestAdminRouter_GetAndResolveInsight(t *testing.T) {
	store := memory.NewStore()
	seeded := seedInsights(t, store)
	srv := newTestServer(t, AdminDeps{Insights: store, APIKey: "admin-secret"})
	auth := map[string]string{"X-API-Key": "admin-secret"}
	target := seeded[0].ID.String()

	resp, body := do(t, http.MethodGet, srv.URL+"/api/insights/"+target, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got domain.Insight
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	assert.Equal(t, seeded[0].Title, got.Title)
	assert.Equal(t, domain.InsightPending, got.Status)

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/insights/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, srv.URL+"/api/insights/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/insights/"+target+"/resolve", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = do(t, http.MethodPost, srv.URL+"/api/insights/"+uuid.NewString()+"/resolve", auth)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = do(t, http.MethodPost, srv.URL+"/api/insights/"+target+"/resolve", auth)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"id":"`+target+`","status":"resolved"}`, body)

	resp, body = do(t, http.MethodGet, srv.URL+"/api/insights?status=resolved", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, target)
	assert.NotContains(t, body, seeded[1].ID.String())
}

func TestAdminRouter_InsightStats(t *testing.T) {
	store := memory.NewStore()
	seeded := seedInsights(t, store)
	require.NoError(t, store.ResolveInsight(context.Background(), seeded[1].ID))
	srv := newTestServer(t, AdminDeps{Insights: store})

	resp, body := do(t, http.MethodGet, srv.URL+"/api/insights/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats domain.InsightStats
	require.NoError(t, json.Unmarshal([]byte(body), &stats))
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, map[string]int{"regression": 2, "anomaly": 1}, stats.ByType)
	assert.Equal(t, map[string]int{"critical": 1, "high": 1, "medium": 1}, stats.BySeverity)
	assert.Equal(t, map[string]int{"pending": 2, "resolved": 1}, stats.ByStatus)
}

func TestAdminRouter_MetricSeries(t *testing.T) {
	store := memory.NewStore()
	day := func(d int) time.Time { return time.Date(2024, 3, d, 0, 0, 0, 0, time.UTC) }
	require.NoError(t, store.UpsertMetrics(context.Background(), []domain.Metric{
		{Name: "dau", Type: domain.MetricTypeEngagement, Value: 100, Date: day(28)},
		{Name: "dau", Type: domain.MetricTypeEngagement, Value: 110, Date: day(29)},
		{Name: "dau", Type: domain.MetricTypeEngagement, Value: 120, Date: day(30)},
		{Name: "retention_d1", Type: domain.MetricTypeRetention, Value: 40, Date: day(29)},
		{Name: "retention_d7", Type: domain.MetricTypeRetention, Value: 20, Date: day(30)},
		{Name: "adoption_export", Type: domain.MetricTypeFeatureAdoption, Value: 12.5, Date: day(30)},
		{Name: "adoption_share", Type: domain.MetricTypeFeatureAdoption, Value: 3, Date: day(30)},
		{Name: "funnel_signup_to_action", Type: domain.MetricTypeFunnel, Value: 50, Date: day(30)},
	}))
	srv := newTestServer(t, AdminDeps{Metrics: store})

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantNames  []string
		wantValues []float64
	}{
		{name: "dau series", path: "/api/metrics/dau", wantStatus: http.StatusOK, wantNames: []string{"dau", "dau", "dau"}, wantValues: []float64{120, 110, 100}},
		{name: "dau window", path: "/api/metrics/dau?start_date=2024-03-29&end_date=2024-03-29", wantStatus: http.StatusOK, wantNames: []string{"dau"}, wantValues: []float64{110}},
		{name: "dau bad date", path: "/api/metrics/dau?start_date=03/29/2024", wantStatus: http.StatusBadRequest},
		{name: "retention cohort", path: "/api/metrics/retention?cohort_date=2024-03-29", wantStatus: http.StatusOK, wantNames: []string{"retention_d1"}, wantValues: []float64{40}},
		{name: "one feature", path: "/api/metrics/feature-adoption?feature=export", wantStatus: http.StatusOK, wantNames: []string{"adoption_export"}, wantValues: []float64{12.5}},
		{name: "funnel by short name", path: "/api/metrics/funnel?funnel_name=signup_to_action", wantStatus: http.StatusOK, wantNames: []string{"funnel_signup_to_action"}, wantValues: []float64{50}},
		{name: "funnel name required", path: "/api/metrics/funnel", wantStatus: http.StatusBadRequest},
		{name: "unknown funnel", path: "/api/metrics/funnel?funnel_name=checkout", wantStatus: http.StatusOK, wantNames: []string{}, wantValues: []float64{}},
		{name: "all of a type", path: "/api/metrics/all?metric_type=retention", wantStatus: http.StatusOK, wantNames: []string{"retention_d7", "retention_d1"}, wantValues: []float64{20, 40}},
		{name: "all limited", path: "/api/metrics/all?limit=2", wantStatus: http.StatusOK, wantNames: []string{"adoption_export", "adoption_share"}, wantValues: []float64{12.5, 3}},
		{name: "all bad limit", path: "/api/metrics/all?limit=1001", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, http.MethodGet, srv.URL+tt.path, nil)
			require.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantStatus != http.StatusOK {
				return
			}
			var got struct {
				Metrics []domain.Metric `json:"metrics"`
			}
			require.NoError(t, json.Unmarshal([]byte(body), &got))
			names, values := []string{}, []float64{}
			for _, m := range got.Metrics {
				names = append(names, m.Name)
				values = append(values, m.Value)
			}
			assert.Equal(t, tt.wantNames, names)
			assert.Equal(t, tt.wantValues, values)
		})
	}
}

func TestAdminRouter_ReadAPIRequiresStores(t *testing.T) {
	srv := newTestServer(t, AdminDeps{})
	for _, path := range []string{"/api/insights", "/api/insights/stats", "/api/metrics/dau"} {
		resp, _ := do(t, http.MethodGet, srv.URL+path, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}
