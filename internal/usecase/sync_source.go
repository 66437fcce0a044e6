package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/V4T54L/product-pulse/internal/adapter/pii"
	"github.com/V4T54L/product-pulse/internal/adapter/telemetry"
	"github.com/V4T54L/product-pulse/internal/domain"
	"github.com/V4T54L/product-pulse/internal/normalize"
)

// SyncSourceUseCase fetches new records from one provider, normalizes them and
// buffers the resulting events. Progress is tracked with a per-source watermark.
type SyncSourceUseCase struct {
	source     domain.EventSource
	normalizer normalize.Normalizer
	buffer     domain.EventBuffer
	states     domain.SyncStateRepository
	redactor   *pii.Redactor
	lookback   time.Duration
	now        func() time.Time
	metrics    *telemetry.PipelineMetrics
	logger     *slog.Logger
}

// NewSyncSourceUseCase creates a sync job for source. lookback bounds the first sync.
// redactor may be nil.
func NewSyncSourceUseCase(source domain.EventSource, normalizer normalize.Normalizer, buffer domain.EventBuffer, states domain.SyncStateRepository, redactor *pii.Redactor, lookback time.Duration, metrics *telemetry.PipelineMetrics, logger *slog.Logger) *SyncSourceUseCase {
	return &SyncSourceUseCase{
		source:     source,
		normalizer: normalizer,
		buffer:     buffer,
		states:     states,
		redactor:   redactor,
		lookback:   lookback,
		now:        time.Now,
		metrics:    metrics,
		logger:     logger.With("component", "sync_source", "source", source.Name()),
	}
}

// JobName identifies the sync job of this source.
func (uc *SyncSourceUseCase) JobName() string {
	return "sync_" + string(uc.source.Name())
}

// RunOnce syncs the window [watermark, now). On failure the watermark is left unchanged
// so the next run retries the same window.
func (uc *SyncSourceUseCase) RunOnce(ctx context.Context) error {
	ctx, span := otel.Tracer("sync-source").Start(ctx, "RunOnce")
	defer span.End()
	started := time.Now()
	src := uc.source.Name()
	span.SetAttributes(attribute.String("source", string(src)))

	state, err := uc.states.GetSyncState(ctx, src)
	if err != nil {
		uc.metrics.ObserveJob(uc.JobName(), "error", started)
		return fmt.Errorf("failed to load sync state of %s: %w", src, err)
	}

	end := uc.now().UTC()
	window := domain.Window{Start: end.Add(-uc.lookback), End: end}
	next := domain.SyncState{Source: src}
	if state != nil {
		next = *state
		if state.LastSync != nil {
			window.Start = *state.LastSync
		}
	}

	raws, err := uc.source.FetchEvents(ctx, window)
	if err != nil {
		var fetchErr *domain.SourceFetchError
		if !errors.As(err, &fetchErr) {
			err = &domain.SourceFetchError{Source: src, Err: err}
		}
		span.RecordError(err)
		return uc.fail(ctx, next, started, err)
	}

	events, malformed := normalize.NormalizeBatch(uc.normalizer, raws)
	for _, merr := range malformed {
		uc.logger.Debug("Skipping malformed record", "error", merr)
	}
	uc.metrics.ObserveNormalization(src, len(events), len(malformed))
	uc.redactor.RedactAll(events)

	if len(events) > 0 {
		if err := uc.buffer.BufferEvents(ctx, events); err != nil {
			span.RecordError(err)
			return uc.fail(ctx, next, started, fmt.Errorf("failed to buffer %d events: %w", len(events), err))
		}
	}

	next.LastSync = &window.End
	next.Status = domain.SyncSuccess
	next.LastError = ""
	next.EventsIngested = len(events)
	next.MalformedEvents = len(malformed)
	next.UpdatedAt = uc.now().UTC()
	if err := uc.states.SaveSyncState(ctx, next); err != nil {
		uc.metrics.ObserveJob(uc.JobName(), "error", started)
		return fmt.Errorf("failed to save sync state of %s: %w", src, err)
	}

	uc.metrics.ObserveJob(uc.JobName(), "success", started)
	uc.logger.Info("Source sync finished",
		"window_start", window.Start, "window_end", window.End,
		"events", len(events), "malformed", len(malformed))
	return nil
}

func (uc *SyncSourceUseCase) fail(ctx context.Context, state domain.SyncState, started time.Time, cause error) error {
	uc.logger.Error("Source sync failed", "error", cause)
	uc.metrics.ObserveJob(uc.JobName(), "error", started)

	state.Status = domain.SyncError
	state.LastError = cause.Error()
	state.EventsIngested = 0
	state.MalformedEvents = 0
	state.UpdatedAt = uc.now().UTC()
	if err := uc.states.SaveSyncState(ctx, state); err != nil {
		return errors.Join(cause, fmt.Errorf("failed to save sync state: %w", err))
	}
	return cause
}
