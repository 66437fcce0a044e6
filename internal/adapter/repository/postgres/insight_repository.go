package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/V4T54L/product-pulse/internal/domain"
)

const insightColumns = `id, insight_type, severity, title, data, explanation, detected_at, status`

// InsightRepository implements domain.InsightStore for PostgreSQL.
type InsightRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewInsightRepository creates a new PostgreSQL insight repository.
func NewInsightRepository(db *sql.DB, logger *slog.Logger) *InsightRepository {
	return &InsightRepository{db: db, logger: logger.With("component", "postgres_insights")}
}

func (r *InsightRepository) SaveInsights(ctx context.Context, insights []domain.Insight) error {
	if len(insights) == 0 {
		return nil
	}

	txn, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer txn.Rollback()

	stmt, err := txn.PrepareContext(ctx, `
		INSERT INTO insights (id, insight_type, severity, title, data, explanation, detected_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("failed to prepare insight insert: %w", err)
	}
	defer stmt.Close()

	for _, in := range insights {
		data, err := json.Marshal(nonNilMap(in.Data))
		if err != nil {
			return fmt.Errorf("failed to marshal insight data: %w", err)
		}
		_, err = stmt.ExecContext(ctx, in.ID.String(), string(in.Type), string(in.Severity), in.Title, string(data), in.Explanation, in.DetectedAt.UTC(), string(in.Status))
		if err != nil {
			return fmt.Errorf("failed to insert insight %s: %w", in.ID, err)
		}
	}

	if err := txn.Commit(); err != nil {
		return fmt.Errorf("failed to commit insights: %w", err)
	}
	r.logger.Info("Saved insights", "count", len(insights))
	return nil
}

func scanInsight(row rowScanner) (domain.Insight, error) {
	var (
		in                   domain.Insight
		id                   string
		typ, severity, state string
		data                 []byte
	)
	if err := row.Scan(&id, &typ, &severity, &in.Title, &data, &in.Explanation, &in.DetectedAt, &state); err != nil {
		return domain.Insight{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return domain.Insight{}, fmt.Errorf("failed to parse insight id %q: %w", id, err)
	}
	in.ID = parsed
	in.Type = domain.DetectionType(typ)
	in.Severity = domain.Severity(severity)
	in.Status = domain.InsightStatus(state)
	in.DetectedAt = in.DetectedAt.UTC()
	if len(data) > 0 {
		if err := json.Unmarshal(data, &in.Data); err != nil {
			return domain.Insight{}, fmt.Errorf("failed to decode data of insight %s: %w", id, err)
		}
	}
	return in, nil
}

func (r *InsightRepository) ListInsights(ctx context.Context, q domain.InsightQuery) ([]domain.Insight, error) {
	var (
		args    []any
		clauses []string
	)
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("insight_type", string(q.Type))
	add("severity", string(q.Severity))
	add("status", string(q.Status))

	query := `SELECT ` + insightColumns + ` FROM insights`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY detected_at DESC`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query insights: %w", err)
	}
	defer rows.Close()

	out := []domain.Insight{}
	for rows.Next() {
		in, err := scanInsight(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan insight: %w", err)
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate insights: %w", err)
	}
	return out, nil
}

func (r *InsightRepository) GetInsight(ctx context.Context, id uuid.UUID) (domain.Insight, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+insightColumns+` FROM insights WHERE id = $1`, id.String())
	in, err := scanInsight(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Insight{}, fmt.Errorf("%w: %s", domain.ErrInsightNotFound, id)
	}
	if err != nil {
		return domain.Insight{}, fmt.Errorf("failed to get insight %s: %w", id, err)
	}
	return in, nil
}

func (r *InsightRepository) ResolveInsight(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `UPDATE insights SET status = $1 WHERE id = $2`,
		string(domain.InsightResolved), id.String())
	if err != nil {
		return fmt.Errorf("failed to resolve insight %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to resolve insight %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrInsightNotFound, id)
	}
	r.logger.Info("Resolved insight", "insight_id", id)
	return nil
}

func (r *InsightRepository) InsightStats(ctx context.Context) (domain.InsightStats, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT insight_type, severity, status, COUNT(*) FROM insights GROUP BY insight_type, severity, status`)
	if err != nil {
		return domain.InsightStats{}, fmt.Errorf("failed to query insight stats: %w", err)
	}
	defer rows.Close()

	stats := domain.InsightStats{ByType: map[string]int{}, BySeverity: map[string]int{}, ByStatus: map[string]int{}}
	for rows.Next() {
		var (
			typ, severity, status string
			count                 int
		)
		if err := rows.Scan(&typ, &severity, &status, &count); err != nil {
			return domain.InsightStats{}, fmt.Errorf("failed to scan insight stats: %w", err)
		}
		stats.Total += count
		stats.ByType[typ] += count
		stats.BySeverity[severity] += count
		stats.ByStatus[status] += count
	}
	if err := rows.Err(); err != nil {
		return domain.InsightStats{}, fmt.Errorf("failed to iterate insight stats: %w", err)
	}
	return stats, nil
}
