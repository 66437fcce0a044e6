package postgres

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V4T54L/product-pulse/internal/domain"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEventRepository_WriteEvents(t *testing.T) {
	db, mock := newMock(t)
	repo := NewEventRepository(db, discardLogger())
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	session := "s1"
	events := []domain.Event{
		{ID: "id1", UserID: "u1", Name: "signup", Timestamp: ts, Source: domain.SourceHeap, Properties: map[string]any{"plan": "pro"}},
		{ID: "id2", UserID: "u2", SessionID: &session, Name: "login", Timestamp: ts, Source: domain.SourceMixpanel},
	}

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE events_staging").WillReturnResult(sqlmock.NewResult(0, 0))
	prep := mock.ExpectPrepare("COPY")
	prep.ExpectExec().WithArgs("id1", "u1", nil, "signup", ts, "heap", `{"plan":"pro"}`).WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WithArgs("id2", "u2", "s1", "login", ts, "mixpanel", `{}`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO events .* ON CONFLICT \\(event_id\\) DO NOTHING").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.WriteEvents(context.Background(), events))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventRepository_WriteEventsRollsBack(t *testing.T) {
	db, mock := newMock(t)
	repo := NewEventRepository(db, discardLogger())

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
	prep := mock.ExpectPrepare("COPY")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO events").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := repo.WriteEvents(context.Background(), []domain.Event{{ID: "id1", UserID: "u1", Name: "x", Timestamp: time.Now()}})
	assert.ErrorContains(t, err, "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventRepository_EmptyBatchIsNoop(t *testing.T) {
	db, mock := newMock(t)
	require.NoError(t, NewEventRepository(db, discardLogger()).WriteEvents(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventRepository_CountDistinctUsers(t *testing.T) {
	db, mock := newMock(t)
	repo := NewEventRepository(db, discardLogger())
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(DISTINCT user_id) FROM events WHERE event_time >= $1 AND event_time < $2 AND event_name = $3 AND user_id = ANY($4)`)).
		WithArgs(start, end, "signup", "{\"a\",\"b\"}").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(DISTINCT user_id) FROM events WHERE event_time >= $1 AND event_time < $2`)).
		WithArgs(start, end).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(10))

	n, err := repo.CountDistinctUsers(context.Background(), domain.EventQuery{Start: start, End: end, EventName: "signup", UserIDs: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = repo.CountDistinctUsers(context.Background(), domain.EventQuery{Start: start, End: end})
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventRepository_DistinctQueries(t *testing.T) {
	db, mock := newMock(t)
	repo := NewEventRepository(db, discardLogger())
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT DISTINCT user_id FROM events").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("a").AddRow("b"))
	mock.ExpectQuery("SELECT DISTINCT event_name FROM events").
		WillReturnRows(sqlmock.NewRows([]string{"event_name"}))

	users, err := repo.DistinctUsers(context.Background(), domain.EventQuery{Start: start, End: start.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, users)

	names, err := repo.DistinctEventNames(context.Background(), start, start.Add(time.Hour))
	require.NoError(t, err)
	assert.NotNil(t, names)
	assert.Empty(t, names)
}

func TestMetricRepository_UpsertMetrics(t *testing.T) {
	db, mock := newMock(t)
	repo := NewMetricRepository(db, discardLogger())
	day := time.Date(2024, 3, 30, 0, 0, 0, 0, time.UTC)
	metrics := []domain.Metric{
		{Name: "dau", Type: domain.MetricTypeEngagement, Value: 10, Date: day.Add(5 * time.Hour), Metadata: map[string]any{"period": "daily"}},
		{Name: "wau", Type: domain.MetricTypeEngagement, Value: 40, Date: day},
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO metrics .* ON CONFLICT \\(metric_name, date\\) DO UPDATE")
	prep.ExpectExec().WithArgs("dau", "engagement", 10.0, day, `{"period":"daily"}`, sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WithArgs("wau", "engagement", 40.0, day, `{}`, sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.UpsertMetrics(context.Background(), metrics))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMetricRepository_UpsertIsAllOrNothing(t *testing.T) {
	db, mock := newMock(t)
	repo := NewMetricRepository(db, discardLogger())

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO metrics")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	err := repo.UpsertMetrics(context.Background(), []domain.Metric{{Name: "dau"}, {Name: "wau"}})
	assert.ErrorContains(t, err, "deadlock detected")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMetricRepository_QueryMetrics(t *testing.T) {
	db, mock := newMock(t)
	repo := NewMetricRepository(db, discardLogger())
	since := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	d1 := time.Date(2024, 3, 30, 0, 0, 0, 0, time.UTC)
	d2 := d1.Add(-24 * time.Hour)

	rows := sqlmock.NewRows([]string{"metric_name", "metric_type", "value", "date", "metadata", "computed_at"}).
		AddRow("adoption_export", "feature_adoption", 40.0, d1, []byte(`{"feature":"export","users":4}`), d1).
		AddRow("adoption_export", "feature_adoption", 35.0, d2, []byte(`{"feature":"export"}`), d2)
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE date >= $1 AND metric_type = $2`)).
		WithArgs(since, "feature_adoption").
		WillReturnRows(rows)

	got, err := repo.QueryMetrics(context.Background(), domain.MetricQuery{Type: domain.MetricTypeFeatureAdoption, Since: since})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 40.0, got[0].Value)
	assert.Equal(t, d1, got[0].Date)
	assert.Equal(t, domain.MetricTypeFeatureAdoption, got[0].Type)
	assert.Equal(t, "export", got[0].Metadata["feature"])
	assert.Equal(t, 4.0, got[0].Metadata["users"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMetricRepository_QueryMetricsWindowAndLimit(t *testing.T) {
	db, mock := newMock(t)
	repo := NewMetricRepository(db, discardLogger())
	since := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	until := time.Date(2024, 3, 7, 15, 30, 0, 0, time.UTC)

	mock.ExpectQuery(`WHERE date >= \$1 AND metric_name = \$2 AND date <= \$3\s+ORDER BY date DESC, metric_name LIMIT \$4`).
		WithArgs(since, "dau", domain.StartOfDay(until), 30).
		WillReturnRows(sqlmock.NewRows([]string{"metric_name", "metric_type", "value", "date", "metadata", "computed_at"}))

	got, err := repo.QueryMetrics(context.Background(), domain.MetricQuery{Name: "dau", Since: since, Until: until, Limit: 30})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMetricRepository_MetricNames(t *testing.T) {
	db, mock := newMock(t)
	repo := NewMetricRepository(db, discardLogger())

	mock.ExpectQuery("SELECT DISTINCT metric_name FROM metrics").
		WillReturnRows(sqlmock.NewRows([]string{"metric_name"}).AddRow("dau").AddRow("wau"))

	names, err := repo.MetricNames(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"dau", "wau"}, names)
}

func TestInsightRepository_SaveInsights(t *testing.T) {
	db, mock := newMock(t)
	repo := NewInsightRepository(db, discardLogger())
	in := domain.NewInsight(domain.Detection{
		Type: domain.DetectionRegression, Severity: domain.SeverityHigh, Title: "dau dropped",
		Data: map[string]any{"metric_name": "dau"},
	}, "explained", time.Date(2024, 3, 31, 6, 0, 0, 0, time.UTC))

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO insights")
	prep.ExpectExec().
		WithArgs(in.ID.String(), "regression", "high", "dau dropped", `{"metric_name":"dau"}`, "explained", in.DetectedAt, "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.SaveInsights(context.Background(), []domain.Insight{in}))
	assert.NotEqual(t, uuid.Nil, in.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

var insightCols = []string{"id", "insight_type", "severity", "title", "data", "explanation", "detected_at", "status"}

func TestInsightRepository_ListInsights(t *testing.T) {
	db, mock := newMock(t)
	repo := NewInsightRepository(db, discardLogger())
	id := uuid.New()
	at := time.Date(2024, 3, 31, 6, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM insights WHERE insight_type = $1 AND status = $2 ORDER BY detected_at DESC LIMIT $3`)).
		WithArgs("anomaly", "pending", 10).
		WillReturnRows(sqlmock.NewRows(insightCols).
			AddRow(id.String(), "anomaly", "high", "wau spiked", []byte(`{"z_score":3.4}`), "", at, "pending"))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT ` + insightColumns + ` FROM insights ORDER BY detected_at DESC`)).
		WillReturnRows(sqlmock.NewRows(insightCols))

	got, err := repo.ListInsights(context.Background(), domain.InsightQuery{
		Type: domain.DetectionAnomaly, Status: domain.InsightPending, Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)
	assert.Equal(t, domain.SeverityHigh, got[0].Severity)
	assert.Equal(t, 3.4, got[0].Data["z_score"])

	got, err = repo.ListInsights(context.Background(), domain.InsightQuery{})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsightRepository_GetInsight(t *testing.T) {
	db, mock := newMock(t)
	repo := NewInsightRepository(db, discardLogger())
	id := uuid.New()
	at := time.Date(2024, 3, 31, 6, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM insights WHERE id = $1`)).WithArgs(id.String()).
		WillReturnRows(sqlmock.NewRows(insightCols).
			AddRow(id.String(), "regression", "critical", "dau dropped", []byte(`{}`), "explained", at, "resolved"))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM insights WHERE id = $1`)).WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(insightCols))

	in, err := repo.GetInsight(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.InsightResolved, in.Status)
	assert.Equal(t, "explained", in.Explanation)

	_, err = repo.GetInsight(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrInsightNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsightRepository_ResolveInsight(t *testing.T) {
	db, mock := newMock(t)
	repo := NewInsightRepository(db, discardLogger())
	known, unknown := uuid.New(), uuid.New()

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE insights SET status = $1 WHERE id = $2`)).
		WithArgs("resolved", known.String()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE insights SET status = $1 WHERE id = $2`)).
		WithArgs("resolved", unknown.String()).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE insights`)).
		WillReturnError(errors.New("connection refused"))

	require.NoError(t, repo.ResolveInsight(context.Background(), known))
	assert.ErrorIs(t, repo.ResolveInsight(context.Background(), unknown), domain.ErrInsightNotFound)

	err := repo.ResolveInsight(context.Background(), known)
	assert.ErrorContains(t, err, "connection refused")
	assert.NotErrorIs(t, err, domain.ErrInsightNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsightRepository_InsightStats(t *testing.T) {
	db, mock := newMock(t)
	repo := NewInsightRepository(db, discardLogger())

	mock.ExpectQuery(regexp.QuoteMeta(`GROUP BY insight_type, severity, status`)).
		WillReturnRows(sqlmock.NewRows([]string{"insight_type", "severity", "status", "count"}).
			AddRow("regression", "high", "pending", 3).
			AddRow("regression", "critical", "resolved", 1).
			AddRow("anomaly", "high", "pending", 2))

	stats, err := repo.InsightStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, stats.Total)
	assert.Equal(t, map[string]int{"regression": 4, "anomaly": 2}, stats.ByType)
	assert.Equal(t, map[string]int{"high": 5, "critical": 1}, stats.BySeverity)
	assert.Equal(t, map[string]int{"pending": 5, "resolved": 1}, stats.ByStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncStateRepository(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSyncStateRepository(db)
	cols := []string{"source", "last_sync", "status", "last_error", "events_ingested", "malformed_events", "updated_at"}
	now := time.Date(2024, 3, 31, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM sync_state WHERE source = \\$1").WithArgs("heap").WillReturnRows(sqlmock.NewRows(cols))
	mock.ExpectQuery("FROM sync_state WHERE source = \\$1").WithArgs("posthog").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("posthog", nil, "error", "503", 0, 0, now))
	mock.ExpectExec("INSERT INTO sync_state .* ON CONFLICT \\(source\\) DO UPDATE").
		WithArgs("heap", sqlmock.AnyArg(), "success", "", 12, 1, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	state, err := repo.GetSyncState(context.Background(), domain.SourceHeap)
	require.NoError(t, err)
	assert.Nil(t, state)

	state, err = repo.GetSyncState(context.Background(), domain.SourcePostHog)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Nil(t, state.LastSync)
	assert.Equal(t, domain.SyncError, state.Status)
	assert.Equal(t, "503", state.LastError)

	err = repo.SaveSyncState(context.Background(), domain.SyncState{
		Source: domain.SourceHeap, LastSync: &now, Status: domain.SyncSuccess,
		EventsIngested: 12, MalformedEvents: 1, UpdatedAt: now,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
