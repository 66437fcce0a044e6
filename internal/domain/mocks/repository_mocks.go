package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/V4T54L/product-pulse/internal/domain"
)

// MockEventBuffer is a mock implementation of domain.EventBuffer for testing.
type MockEventBuffer struct {
	mu              sync.Mutex
	BufferedEvents  []domain.Event
	AckedMessageIDs []string
	DLQEvents       []domain.BufferedEvent
	DLQReasons      []string
	ReadBatchResult []domain.BufferedEvent
	BufferErr       error
	ReadErr         error
	AckErr          error
	DLQErr          error
}

func (m *MockEventBuffer) BufferEvents(ctx context.Context, events []domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BufferErr != nil {
		return m.BufferErr
	}
	m.BufferedEvents = append(m.BufferedEvents, events...)
	return nil
}

func (m *MockEventBuffer) ReadEventBatch(ctx context.Context, group, consumer string, count int) ([]domain.BufferedEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadErr != nil {
		return nil, m.ReadErr
	}
	return m.ReadBatchResult, nil
}

func (m *MockEventBuffer) AcknowledgeEvents(ctx context.Context, group string, messageIDs ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AckErr != nil {
		return m.AckErr
	}
	m.AckedMessageIDs = append(m.AckedMessageIDs, messageIDs...)
	return nil
}

func (m *MockEventBuffer) MoveToDLQ(ctx context.Context, events []domain.BufferedEvent, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DLQErr != nil {
		return m.DLQErr
	}
	m.DLQEvents = append(m.DLQEvents, events...)
	m.DLQReasons = append(m.DLQReasons, reason)
	return nil
}

// MockEventWriter records WriteEvents calls. Read methods return zero values.
type MockEventWriter struct {
	mu            sync.Mutex
	WrittenEvents []domain.Event
	WriteCalls    int
	WriteErr      error
}

func (m *MockEventWriter) WriteEvents(ctx context.Context, events []domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WriteCalls++
	if m.WriteErr != nil {
		return m.WriteErr
	}
	m.WrittenEvents = append(m.WrittenEvents, events...)
	return nil
}

func (m *MockEventWriter) CountDistinctUsers(ctx context.Context, q domain.EventQuery) (int, error) {
	return 0, nil
}

func (m *MockEventWriter) DistinctUsers(ctx context.Context, q domain.EventQuery) ([]string, error) {
	return nil, nil
}

func (m *MockEventWriter) DistinctEventNames(ctx context.Context, start, end time.Time) ([]string, error) {
	return nil, nil
}

// MockInsightSink records saved insights.
type MockInsightSink struct {
	mu       sync.Mutex
	Insights []domain.Insight
	Calls    int
	SaveErr  error
}

func (m *MockInsightSink) SaveInsights(ctx context.Context, insights []domain.Insight) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.Insights = append(m.Insights, insights...)
	return nil
}

// MockSyncStateRepository keeps sync states in a map.
type MockSyncStateRepository struct {
	mu      sync.Mutex
	States  map[domain.Source]domain.SyncState
	GetErr  error
	SaveErr error
}

func (m *MockSyncStateRepository) GetSyncState(ctx context.Context, source domain.Source) (*domain.SyncState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	state, ok := m.States[source]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

func (m *MockSyncStateRepository) SaveSyncState(ctx context.Context, state domain.SyncState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	if m.States == nil {
		m.States = make(map[domain.Source]domain.SyncState)
	}
	m.States[state.Source] = state
	return nil
}

func (m *MockSyncStateRepository) ListSyncStates(ctx context.Context) ([]domain.SyncState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	states := make([]domain.SyncState, 0, len(m.States))
	for _, s := range m.States {
		states = append(states, s)
	}
	return states, nil
}

// MockEventSource returns canned records for a fixed provider.
type MockEventSource struct {
	Source   domain.Source
	Records  []domain.RawRecord
	FetchErr error
	Windows  []domain.Window
}

func (m *MockEventSource) Name() domain.Source { return m.Source }

func (m *MockEventSource) FetchEvents(ctx context.Context, window domain.Window) ([]domain.RawRecord, error) {
	m.Windows = append(m.Windows, window)
	if m.FetchErr != nil {
		return nil, &domain.SourceFetchError{Source: m.Source, Err: m.FetchErr}
	}
	return m.Records, nil
}

// MockJobLock grants the lock unless Held is set.
type MockJobLock struct {
	mu       sync.Mutex
	Held     bool
	Acquired []string
	Released []string
	Err      error
}

func (m *MockJobLock) Acquire(ctx context.Context, job string, ttl time.Duration) (func(context.Context) error, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, false, m.Err
	}
	if m.Held {
		return nil, false, nil
	}
	m.Acquired = append(m.Acquired, job)
	return func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.Released = append(m.Released, job)
		return nil
	}, true, nil
}
