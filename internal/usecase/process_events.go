package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/V4T54L/product-pulse/internal/adapter/telemetry"
	"github.com/V4T54L/product-pulse/internal/domain"
)

const (
	defaultBatchSize    = 1000
	defaultRetryCount   = 3
	defaultRetryBackoff = 1 * time.Second
)

// ProcessEventsConfig tunes how the consumer drains the buffer.
type ProcessEventsConfig struct {
	Group        string
	Consumer     string
	BatchSize    int
	RetryCount   int
	RetryBackoff time.Duration
}

// ProcessEventsUseCase orchestrates reading normalized events from the buffer
// and writing them to the event store.
type ProcessEventsUseCase struct {
	buffer  domain.EventBuffer
	store   domain.EventStore
	metrics *telemetry.PipelineMetrics
	logger  *slog.Logger
	cfg     ProcessEventsConfig
}

// NewProcessEventsUseCase creates a new use case for draining the event buffer.
func NewProcessEventsUseCase(buffer domain.EventBuffer, store domain.EventStore, metrics *telemetry.PipelineMetrics, logger *slog.Logger, cfg ProcessEventsConfig) *ProcessEventsUseCase {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = defaultRetryCount
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	return &ProcessEventsUseCase{
		buffer:  buffer,
		store:   store,
		metrics: metrics,
		logger:  logger.With("component", "process_events"),
		cfg:     cfg,
	}
}

// ProcessBatch reads a batch of events, writes them to the store and acknowledges them.
// When the store keeps failing the batch is parked in the DLQ and acknowledged, so one
// poisoned batch cannot stall the consumer group.
func (uc *ProcessEventsUseCase) ProcessBatch(ctx context.Context) (int, error) {
	// 1. Read a batch of events from the buffer (Redis)
	batch, err := uc.buffer.ReadEventBatch(ctx, uc.cfg.Group, uc.cfg.Consumer, uc.cfg.BatchSize)
	if err != nil {
		uc.logger.Error("failed to read event batch from buffer", "error", err)
		return 0, err
	}

	if len(batch) == 0 {
		return 0, nil // No new events, not an error
	}

	uc.logger.Debug("read batch of events from buffer", "count", len(batch))

	// Empty polls are not traced.
	ctx, span := otel.Tracer("process-events").Start(ctx, "ProcessBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("events", len(batch)))

	events := make([]domain.Event, len(batch))
	messageIDs := make([]string, len(batch))
	for i, b := range batch {
		events[i] = b.Event
		messageIDs[i] = b.MessageID
	}

	// 2. Attempt to write the batch to the store (PostgreSQL) with retries
	writeErr := uc.writeWithRetry(ctx, events)
	if writeErr != nil {
		uc.logger.Error("failed to write event batch to store after retries", "error", writeErr)
		span.RecordError(writeErr)
		span.SetStatus(codes.Error, "dead-lettered")
		if err := uc.buffer.MoveToDLQ(ctx, batch, writeErr.Error()); err != nil {
			// Not acknowledged: the batch stays pending and is retried later.
			return 0, fmt.Errorf("failed to move batch to DLQ: %w", err)
		}
		uc.metrics.ObserveDeadLettered(len(batch))
	}

	// 3. Acknowledge the messages in the buffer (Redis)
	if err := uc.buffer.AcknowledgeEvents(ctx, uc.cfg.Group, messageIDs...); err != nil {
		uc.logger.Error("failed to acknowledge events in buffer", "error", err)
		// The events are stored but remain pending; the store ignores duplicate event ids.
		return 0, err
	}

	if writeErr != nil {
		return 0, fmt.Errorf("failed to write event batch: %w", writeErr)
	}

	uc.metrics.ObserveSinked(len(events))
	uc.logger.Info("successfully processed and stored event batch", "count", len(events))
	return len(events), nil
}

func (uc *ProcessEventsUseCase) writeWithRetry(ctx context.Context, events []domain.Event) error {
	var lastErr error
	for i := 0; i < uc.cfg.RetryCount; i++ {
		err := uc.store.WriteEvents(ctx, events)
		if err == nil {
			return nil // Success
		}
		lastErr = err
		uc.logger.Warn("failed to write batch to store, retrying...", "attempt", i+1, "error", err)
		select {
		case <-time.After(uc.cfg.RetryBackoff):
			// continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
