package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/V4T54L/product-pulse/internal/domain"
)

const syncStateColumns = `source, last_sync, status, last_error, events_ingested, malformed_events, updated_at`

// SyncStateRepository implements domain.SyncStateRepository for PostgreSQL.
type SyncStateRepository struct {
	db *sql.DB
}

// NewSyncStateRepository creates a new PostgreSQL sync state repository.
func NewSyncStateRepository(db *sql.DB) *SyncStateRepository {
	return &SyncStateRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSyncState(row rowScanner) (domain.SyncState, error) {
	var (
		s        domain.SyncState
		source   string
		status   string
		lastSync sql.NullTime
	)
	if err := row.Scan(&source, &lastSync, &status, &s.LastError, &s.EventsIngested, &s.MalformedEvents, &s.UpdatedAt); err != nil {
		return s, err
	}
	s.Source = domain.Source(source)
	s.Status = domain.SyncStatus(status)
	if lastSync.Valid {
		t := lastSync.Time.UTC()
		s.LastSync = &t
	}
	s.UpdatedAt = s.UpdatedAt.UTC()
	return s, nil
}

func (r *SyncStateRepository) GetSyncState(ctx context.Context, source domain.Source) (*domain.SyncState, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+syncStateColumns+` FROM sync_state WHERE source = $1`, string(source))
	state, err := scanSyncState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sync state of %s: %w", source, err)
	}
	return &state, nil
}

func (r *SyncStateRepository) SaveSyncState(ctx context.Context, s domain.SyncState) error {
	var lastSync sql.NullTime
	if s.LastSync != nil {
		lastSync = sql.NullTime{Time: s.LastSync.UTC(), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_state (`+syncStateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (source) DO UPDATE SET
			last_sync = EXCLUDED.last_sync,
			status = EXCLUDED.status,
			last_error = EXCLUDED.last_error,
			events_ingested = EXCLUDED.events_ingested,
			malformed_events = EXCLUDED.malformed_events,
			updated_at = EXCLUDED.updated_at`,
		string(s.Source), lastSync, string(s.Status), s.LastError, s.EventsIngested, s.MalformedEvents, s.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save sync state of %s: %w", s.Source, err)
	}
	return nil
}

func (r *SyncStateRepository) ListSyncStates(ctx context.Context) ([]domain.SyncState, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+syncStateColumns+` FROM sync_state ORDER BY source`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync states: %w", err)
	}
	defer rows.Close()

	var out []domain.SyncState
	for rows.Next() {
		s, err := scanSyncState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync state: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sync states: %w", err)
	}
	return out, nil
}
