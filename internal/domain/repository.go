package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventQuery selects events whose timestamp falls in [Start, End). EventName and UserIDs are
// optional filters; a nil UserIDs slice means no user filter, an empty non-nil slice matches nothing.
type EventQuery struct {
	Start     time.Time
	End       time.Time
	EventName string
	UserIDs   []string
}

// EventStore is the queryable, append-only store of canonical events.
type EventStore interface {
	// WriteEvents persists events. Writing an event whose ID already exists is a no-op.
	WriteEvents(ctx context.Context, events []Event) error

	// CountDistinctUsers returns the number of distinct user ids matching the query.
	CountDistinctUsers(ctx context.Context, q EventQuery) (int, error)

	// DistinctUsers returns the distinct user ids matching the query.
	DistinctUsers(ctx context.Context, q EventQuery) ([]string, error)

	// DistinctEventNames returns the distinct event names observed in [start, end).
	DistinctEventNames(ctx context.Context, start, end time.Time) ([]string, error)
}

// MetricQuery selects metric rows dated on or after Since. Name and Type are optional filters.
// A non-zero Until bounds the date inclusively; Limit <= 0 returns every row.
type MetricQuery struct {
	Name  string
	Type  MetricType
	Since time.Time
	Until time.Time
	Limit int
}

// MetricStore persists and reads derived metrics.
type MetricStore interface {
	// UpsertMetrics writes all metrics in a single all-or-nothing unit, replacing any
	// existing row with the same (metric_name, date).
	UpsertMetrics(ctx context.Context, metrics []Metric) error

	// QueryMetrics returns matching metrics ordered by date, most recent first.
	QueryMetrics(ctx context.Context, q MetricQuery) ([]Metric, error)

	// MetricNames returns the distinct metric names with at least one row dated on or after since.
	MetricNames(ctx context.Context, since time.Time) ([]string, error)
}

// InsightSink makes detections durable.
type InsightSink interface {
	SaveInsights(ctx context.Context, insights []Insight) error
}

// InsightQuery filters stored insights. Empty fields match everything.
type InsightQuery struct {
	Type     DetectionType
	Severity Severity
	Status   InsightStatus
	Limit    int
}

// InsightStats counts stored insights per type, severity and status.
type InsightStats struct {
	Total      int            `json:"total"`
	ByType     map[string]int `json:"by_type"`
	BySeverity map[string]int `json:"by_severity"`
	ByStatus   map[string]int `json:"by_status"`
}

// InsightStore is an InsightSink that can also be read back and triaged.
type InsightStore interface {
	InsightSink

	// ListInsights returns matching insights, most recently detected first.
	ListInsights(ctx context.Context, q InsightQuery) ([]Insight, error)

	// GetInsight returns ErrInsightNotFound when id is unknown.
	GetInsight(ctx context.Context, id uuid.UUID) (Insight, error)

	// ResolveInsight marks an insight resolved. It returns ErrInsightNotFound when id is unknown.
	ResolveInsight(ctx context.Context, id uuid.UUID) error

	InsightStats(ctx context.Context) (InsightStats, error)
}

// EventBuffer decouples source syncing from event persistence.
type EventBuffer interface {
	// BufferEvents adds normalized events to the durable buffer.
	BufferEvents(ctx context.Context, events []Event) error

	// ReadEventBatch reads up to count unacknowledged events for a consumer of a group.
	ReadEventBatch(ctx context.Context, group, consumer string, count int) ([]BufferedEvent, error)

	// AcknowledgeEvents marks buffered events as processed.
	AcknowledgeEvents(ctx context.Context, group string, messageIDs ...string) error

	// MoveToDLQ parks events that could not be persisted.
	MoveToDLQ(ctx context.Context, events []BufferedEvent, reason string) error
}

// SyncStatus is the outcome of the last sync of a source.
type SyncStatus string

const (
	SyncSuccess SyncStatus = "success"
	SyncError   SyncStatus = "error"
)

// SyncState is the incremental-sync watermark of one source.
type SyncState struct {
	Source          Source     `json:"source"`
	LastSync        *time.Time `json:"last_sync,omitempty"`
	Status          SyncStatus `json:"status"`
	LastError       string     `json:"last_error,omitempty"`
	EventsIngested  int        `json:"events_ingested"`
	MalformedEvents int        `json:"malformed_events"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// SyncStateRepository stores one SyncState per source.
type SyncStateRepository interface {
	// GetSyncState returns the state of a source, or nil if it was never synced.
	GetSyncState(ctx context.Context, source Source) (*SyncState, error)
	SaveSyncState(ctx context.Context, state SyncState) error
	ListSyncStates(ctx context.Context) ([]SyncState, error)
}

// JobLock serializes runs of the same job across processes.
type JobLock interface {
	// Acquire tries to take the lock for job. When acquired is false another run holds it.
	Acquire(ctx context.Context, job string, ttl time.Duration) (release func(context.Context) error, acquired bool, err error)
}

// EventSource fetches raw records from one analytics provider.
type EventSource interface {
	Name() Source
	FetchEvents(ctx context.Context, window Window) ([]RawRecord, error)
}

// Narrator turns a detection into a short human-readable explanation.
type Narrator interface {
	Explain(ctx context.Context, d Detection) (string, error)
}

// ConsumerGroupInfo describes one consumer group reading the event buffer.
type ConsumerGroupInfo struct {
	Name            string `json:"name"`
	Consumers       int64  `json:"consumers"`
	Pending         int64  `json:"pending"`
	LastDeliveredID string `json:"last_delivered_id"`
}

// BufferStats is a point-in-time view of the event buffer.
type BufferStats struct {
	Stream       string              `json:"stream"`
	Length       int64               `json:"length"`
	DeadLettered int64               `json:"dead_lettered"`
	Groups       []ConsumerGroupInfo `json:"groups"`
}

// BufferInspector reports the backlog of the event buffer.
type BufferInspector interface {
	BufferStats(ctx context.Context) (BufferStats, error)
}

// EventSpill is a local write-ahead log that holds events while the buffer is unreachable.
type EventSpill interface {
	Write(ctx context.Context, events []Event) error

	// Replay calls handler with spilled events in write order, in chunks of at most batchSize.
	Replay(ctx context.Context, batchSize int, handler func([]Event) error) error

	// Truncate discards everything that was spilled.
	Truncate(ctx context.Context) error
}
