package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is applied idempotently at startup.
const schema = `
CREATE TABLE IF NOT EXISTS events (
	event_id   TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	session_id TEXT,
	event_name TEXT NOT NULL,
	event_time TIMESTAMPTZ NOT NULL,
	source     TEXT NOT NULL,
	properties JSONB NOT NULL DEFAULT '{}'::jsonb
);
CREATE INDEX IF NOT EXISTS events_time_idx ON events (event_time);
CREATE INDEX IF NOT EXISTS events_name_time_idx ON events (event_name, event_time);

CREATE TABLE IF NOT EXISTS metrics (
	metric_name TEXT NOT NULL,
	metric_type TEXT NOT NULL,
	value       DOUBLE PRECISION NOT NULL,
	date        DATE NOT NULL,
	metadata    JSONB NOT NULL DEFAULT '{}'::jsonb,
	computed_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (metric_name, date)
);
CREATE INDEX IF NOT EXISTS metrics_type_date_idx ON metrics (metric_type, date);

CREATE TABLE IF NOT EXISTS insights (
	id           UUID PRIMARY KEY,
	insight_type TEXT NOT NULL,
	severity     TEXT NOT NULL,
	title        TEXT NOT NULL,
	data         JSONB NOT NULL,
	explanation  TEXT NOT NULL,
	detected_at  TIMESTAMPTZ NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending'
);
CREATE INDEX IF NOT EXISTS insights_detected_idx ON insights (detected_at DESC);

CREATE TABLE IF NOT EXISTS sync_state (
	source           TEXT PRIMARY KEY,
	last_sync        TIMESTAMPTZ,
	status           TEXT NOT NULL,
	last_error       TEXT NOT NULL DEFAULT '',
	events_ingested  INTEGER NOT NULL DEFAULT 0,
	malformed_events INTEGER NOT NULL DEFAULT 0,
	updated_at       TIMESTAMPTZ NOT NULL
);
`

// EnsureSchema creates the tables and indexes if they do not exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
