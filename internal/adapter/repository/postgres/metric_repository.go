package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/V4T54L/product-pulse/internal/domain"
)

const upsertMetricQuery = `
	INSERT INTO metrics (metric_name, metric_type, value, date, metadata, computed_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (metric_name, date) DO UPDATE SET
		metric_type = EXCLUDED.metric_type,
		value = EXCLUDED.value,
		metadata = EXCLUDED.metadata,
		computed_at = EXCLUDED.computed_at`

// MetricRepository implements domain.MetricStore for PostgreSQL.
type MetricRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewMetricRepository creates a new PostgreSQL metric repository.
func NewMetricRepository(db *sql.DB, logger *slog.Logger) *MetricRepository {
	return &MetricRepository{db: db, logger: logger.With("component", "postgres_metrics")}
}

// UpsertMetrics writes all metrics in one transaction; either every row is written or none.
func (r *MetricRepository) UpsertMetrics(ctx context.Context, metrics []domain.Metric) error {
	if len(metrics) == 0 {
		return nil
	}

	txn, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer txn.Rollback() // Rollback is a no-op if Commit() is called

	stmt, err := txn.PrepareContext(ctx, upsertMetricQuery)
	if err != nil {
		return fmt.Errorf("failed to prepare metric upsert: %w", err)
	}
	defer stmt.Close()

	for _, m := range metrics {
		meta, err := json.Marshal(nonNilMap(m.Metadata))
		if err != nil {
			return fmt.Errorf("failed to marshal metadata of %s: %w", m.Name, err)
		}
		if _, err := stmt.ExecContext(ctx, m.Name, string(m.Type), m.Value, domain.StartOfDay(m.Date), string(meta), m.ComputedAt.UTC()); err != nil {
			return fmt.Errorf("failed to upsert metric %s: %w", m.Name, err)
		}
	}

	if err := txn.Commit(); err != nil {
		return fmt.Errorf("failed to commit metrics: %w", err)
	}
	r.logger.Debug("Upserted metrics", "count", len(metrics))
	return nil
}

func (r *MetricRepository) QueryMetrics(ctx context.Context, q domain.MetricQuery) ([]domain.Metric, error) {
	args := []any{domain.StartOfDay(q.Since)}
	clauses := []string{"date >= $1"}
	if q.Name != "" {
		args = append(args, q.Name)
		clauses = append(clauses, fmt.Sprintf("metric_name = $%d", len(args)))
	}
	if q.Type != "" {
		args = append(args, string(q.Type))
		clauses = append(clauses, fmt.Sprintf("metric_type = $%d", len(args)))
	}
	if !q.Until.IsZero() {
		args = append(args, domain.StartOfDay(q.Until))
		clauses = append(clauses, fmt.Sprintf("date <= $%d", len(args)))
	}
	query := `
		SELECT metric_name, metric_type, value, date, metadata, computed_at
		FROM metrics WHERE ` + strings.Join(clauses, " AND ") + `
		ORDER BY date DESC, metric_name`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}
	defer rows.Close()

	var out []domain.Metric
	for rows.Next() {
		var (
			m    domain.Metric
			typ  string
			meta []byte
		)
		if err := rows.Scan(&m.Name, &typ, &m.Value, &m.Date, &meta, &m.ComputedAt); err != nil {
			return nil, fmt.Errorf("failed to scan metric: %w", err)
		}
		m.Type = domain.MetricType(typ)
		m.Date = m.Date.UTC()
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &m.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata of %s: %w", m.Name, err)
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate metrics: %w", err)
	}
	return out, nil
}

func (r *MetricRepository) MetricNames(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT metric_name FROM metrics WHERE date >= $1 ORDER BY metric_name`,
		domain.StartOfDay(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query metric names: %w", err)
	}
	return scanStrings(rows)
}
