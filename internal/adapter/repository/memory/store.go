// Package memory provides in-process implementations of the store interfaces, used by
// engine tests and local runs without Postgres.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/V4T54L/product-pulse/internal/domain"
)

// Store implements domain.EventStore, domain.MetricStore, domain.InsightStore and
// domain.SyncStateRepository.
type Store struct {
	mu       sync.RWMutex
	events   map[string]domain.Event
	metrics  map[domain.MetricKey]domain.Metric
	insights []domain.Insight
	states   map[domain.Source]domain.SyncState

	// FailUpsert, when set, is returned by UpsertMetrics without writing anything.
	FailUpsert error
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		events:  make(map[string]domain.Event),
		metrics: make(map[domain.MetricKey]domain.Metric),
		states:  make(map[domain.Source]domain.SyncState),
	}
}

func (s *Store) WriteEvents(ctx context.Context, events []domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		if _, exists := s.events[e.ID]; exists {
			continue
		}
		s.events[e.ID] = e
	}
	return nil
}

// EventCount returns the number of stored events.
func (s *Store) EventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func (s *Store) matchingUsers(ctx context.Context, q domain.EventQuery) (map[string]struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var filter map[string]struct{}
	if q.UserIDs != nil {
		filter = make(map[string]struct{}, len(q.UserIDs))
		for _, id := range q.UserIDs {
			filter[id] = struct{}{}
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make(map[string]struct{})
	for _, e := range s.events {
		if e.Timestamp.Before(q.Start) || !e.Timestamp.Before(q.End) {
			continue
		}
		if q.EventName != "" && e.Name != q.EventName {
			continue
		}
		if filter != nil {
			if _, ok := filter[e.UserID]; !ok {
				continue
			}
		}
		users[e.UserID] = struct{}{}
	}
	return users, nil
}

func (s *Store) CountDistinctUsers(ctx context.Context, q domain.EventQuery) (int, error) {
	users, err := s.matchingUsers(ctx, q)
	if err != nil {
		return 0, err
	}
	return len(users), nil
}

func (s *Store) DistinctUsers(ctx context.Context, q domain.EventQuery) ([]string, error) {
	users, err := s.matchingUsers(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(users))
	for u := range users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) DistinctEventNames(ctx context.Context, start, end time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, e := range s.events {
		if e.Timestamp.Before(start) || !e.Timestamp.Before(end) {
			continue
		}
		seen[e.Name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) UpsertMetrics(ctx context.Context, metrics []domain.Metric) error {
	if s.FailUpsert != nil {
		return s.FailUpsert
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range metrics {
		m.Date = domain.StartOfDay(m.Date)
		s.metrics[m.Key()] = m
	}
	return nil
}

func (s *Store) QueryMetrics(ctx context.Context, q domain.MetricQuery) ([]domain.Metric, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Metric
	for _, m := range s.metrics {
		if q.Name != "" && m.Name != q.Name {
			continue
		}
		if q.Type != "" && m.Type != q.Type {
			continue
		}
		if m.Date.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && m.Date.After(domain.StartOfDay(q.Until)) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.After(out[j].Date)
		}
		return out[i].Name < out[j].Name
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) MetricNames(ctx context.Context, since time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for k := range s.metrics {
		if !k.Date.Before(since) {
			seen[k.Name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// MetricCount returns the number of stored metric rows.
func (s *Store) MetricCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.metrics)
}

func (s *Store) SaveInsights(ctx context.Context, insights []domain.Insight) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insights = append(s.insights, insights...)
	return nil
}

// Insights returns a copy of the saved insights.
func (s *Store) Insights() []domain.Insight {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Insight(nil), s.insights...)
}

func (s *Store) ListInsights(ctx context.Context, q domain.InsightQuery) ([]domain.Insight, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []domain.Insight{}
	for _, in := range s.insights {
		if (q.Type != "" && in.Type != q.Type) ||
			(q.Severity != "" && in.Severity != q.Severity) ||
			(q.Status != "" && in.Status != q.Status) {
			continue
		}
		out = append(out, in)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) GetInsight(ctx context.Context, id uuid.UUID) (domain.Insight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, in := range s.insights {
		if in.ID == id {
			return in, nil
		}
	}
	return domain.Insight{}, fmt.Errorf("%w: %s", domain.ErrInsightNotFound, id)
}

func (s *Store) ResolveInsight(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.insights {
		if s.insights[i].ID == id {
			s.insights[i].Status = domain.InsightResolved
			return nil
		}
	}
	return fmt.Errorf("%w: %s", domain.ErrInsightNotFound, id)
}

func (s *Store) InsightStats(ctx context.Context) (domain.InsightStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := domain.InsightStats{ByType: map[string]int{}, BySeverity: map[string]int{}, ByStatus: map[string]int{}}
	for _, in := range s.insights {
		stats.Total++
		stats.ByType[string(in.Type)]++
		stats.BySeverity[string(in.Severity)]++
		stats.ByStatus[string(in.Status)]++
	}
	return stats, nil
}

func (s *Store) GetSyncState(ctx context.Context, source domain.Source) (*domain.SyncState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[source]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

func (s *Store) SaveSyncState(ctx context.Context, state domain.SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.Source] = state
	return nil
}

func (s *Store) ListSyncStates(ctx context.Context) ([]domain.SyncState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.SyncState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out, nil
}
