package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/V4T54L/product-pulse/internal/domain"
)

const eventsStagingTable = "events_staging"

// EventRepository implements domain.EventStore for PostgreSQL.
type EventRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewEventRepository creates a new PostgreSQL event repository.
func NewEventRepository(db *sql.DB, logger *slog.Logger) *EventRepository {
	return &EventRepository{db: db, logger: logger.With("component", "postgres_events")}
}

// WriteEvents writes a batch of events using the COPY protocol. Rows are staged in a
// temporary table and merged with ON CONFLICT DO NOTHING, so events are never rewritten
// and replays of the same batch are no-ops.
func (r *EventRepository) WriteEvents(ctx context.Context, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	txn, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer txn.Rollback() // Rollback is a no-op if Commit() is called

	_, err = txn.ExecContext(ctx, `CREATE TEMP TABLE `+eventsStagingTable+` (LIKE events INCLUDING DEFAULTS) ON COMMIT DROP`)
	if err != nil {
		return fmt.Errorf("failed to create staging table: %w", err)
	}

	stmt, err := txn.PrepareContext(ctx, pq.CopyIn(eventsStagingTable, "event_id", "user_id", "session_id", "event_name", "event_time", "source", "properties"))
	if err != nil {
		return fmt.Errorf("failed to prepare copy: %w", err)
	}

	for _, e := range events {
		props, err := json.Marshal(nonNilMap(e.Properties))
		if err != nil {
			_ = stmt.Close()
			return fmt.Errorf("failed to marshal properties of event %s: %w", e.ID, err)
		}
		_, err = stmt.ExecContext(ctx, e.ID, e.UserID, e.SessionID, e.Name, e.Timestamp.UTC(), string(e.Source), string(props))
		if err != nil {
			// Close the statement to avoid connection issues
			_ = stmt.Close()
			return fmt.Errorf("failed to copy event %s: %w", e.ID, err)
		}
	}

	if err := stmt.Close(); err != nil {
		return fmt.Errorf("failed to finish copy: %w", err)
	}

	res, err := txn.ExecContext(ctx, `
		INSERT INTO events (event_id, user_id, session_id, event_name, event_time, source, properties)
		SELECT event_id, user_id, session_id, event_name, event_time, source, properties FROM `+eventsStagingTable+`
		ON CONFLICT (event_id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("failed to merge staged events: %w", err)
	}

	if err := txn.Commit(); err != nil {
		return fmt.Errorf("failed to commit events: %w", err)
	}

	if inserted, err := res.RowsAffected(); err == nil && inserted < int64(len(events)) {
		r.logger.Debug("Skipped already stored events", "batch", len(events), "inserted", inserted)
	}
	return nil
}

// eventWhere renders the WHERE clause of q with positional arguments.
func eventWhere(q domain.EventQuery) (string, []any) {
	args := []any{q.Start.UTC(), q.End.UTC()}
	clauses := []string{"event_time >= $1", "event_time < $2"}
	if q.EventName != "" {
		args = append(args, q.EventName)
		clauses = append(clauses, fmt.Sprintf("event_name = $%d", len(args)))
	}
	if q.UserIDs != nil {
		args = append(args, pq.Array(q.UserIDs))
		clauses = append(clauses, fmt.Sprintf("user_id = ANY($%d)", len(args)))
	}
	return strings.Join(clauses, " AND "), args
}

func (r *EventRepository) CountDistinctUsers(ctx context.Context, q domain.EventQuery) (int, error) {
	where, args := eventWhere(q)
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT user_id) FROM events WHERE `+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count distinct users: %w", err)
	}
	return count, nil
}

func (r *EventRepository) DistinctUsers(ctx context.Context, q domain.EventQuery) ([]string, error) {
	where, args := eventWhere(q)
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM events WHERE `+where+` ORDER BY user_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query distinct users: %w", err)
	}
	return scanStrings(rows)
}

func (r *EventRepository) DistinctEventNames(ctx context.Context, start, end time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT event_name FROM events WHERE event_time >= $1 AND event_time < $2 ORDER BY event_name`,
		start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query event names: %w", err)
	}
	return scanStrings(rows)
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return out, nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
