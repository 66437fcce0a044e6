package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/product-pulse/internal/domain"
)

const (
	payloadField   = "payload"
	replayBatch    = 500
	undecodableDLQ = "undecodable payload"
)

// BufferConfig names the streams and consumer group of the event buffer.
type BufferConfig struct {
	Stream    string
	DLQStream string
	Group     string
}

// EventBuffer implements domain.EventBuffer and domain.BufferInspector using Redis Streams.
// When a spill is configured, events are written to it while Redis is unreachable and
// replayed once the connection recovers.
type EventBuffer struct {
	client      *redis.Client
	logger      *slog.Logger
	cfg         BufferConfig
	spill       domain.EventSpill
	isAvailable atomic.Bool
	now         func() time.Time
}

// NewEventBuffer creates a new Redis-backed event buffer. The spill is optional; pass nil
// if not needed (e.g., for consumers).
func NewEventBuffer(client *redis.Client, cfg BufferConfig, spill domain.EventSpill, logger *slog.Logger) *EventBuffer {
	b := &EventBuffer{
		client: client,
		logger: logger.With("component", "redis_event_buffer", "stream", cfg.Stream),
		cfg:    cfg,
		spill:  spill,
		now:    time.Now,
	}
	b.isAvailable.Store(true) // Assume available initially

	if err := b.setupConsumerGroup(context.Background()); err != nil {
		b.isAvailable.Store(false)
		b.logger.Error("Failed to setup consumer group, Redis may be unavailable on startup", "error", err)
	}
	return b
}

func (b *EventBuffer) setupConsumerGroup(ctx context.Context) error {
	if b.cfg.Group == "" {
		return b.client.Ping(ctx).Err()
	}
	err := b.client.XGroupCreateMkStream(ctx, b.cfg.Stream, b.cfg.Group, "0").Err()
	if err != nil && !isRedisBusyGroupError(err) {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// StartHealthCheck monitors Redis connectivity and replays the spill after recovery.
// It blocks until ctx is cancelled.
func (b *EventBuffer) StartHealthCheck(ctx context.Context, interval time.Duration) {
	if b.spill == nil {
		b.logger.Info("Spill is not configured, skipping health check")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	b.logger.Info("Starting Redis health check and spill replayer")
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Stopping Redis health check")
			return
		case <-ticker.C:
			if err := b.client.Ping(ctx).Err(); err != nil {
				if b.isAvailable.CompareAndSwap(true, false) {
					b.logger.Error("Redis connection lost", "error", err)
				}
				continue
			}
			if b.isAvailable.CompareAndSwap(false, true) {
				b.logger.Info("Redis connection recovered")
				if err := b.setupConsumerGroup(ctx); err != nil {
					b.logger.Warn("Failed to setup consumer group after recovery", "error", err)
				}
				if err := b.ReplaySpill(ctx); err != nil {
					b.logger.Error("Failed to replay spill after Redis recovery", "error", err)
					b.isAvailable.Store(false)
				}
			}
		}
	}
}

// ReplaySpill moves spilled events into the stream and truncates the spill on success.
// Replayed events may already be in the stream; the event store ignores duplicate ids.
func (b *EventBuffer) ReplaySpill(ctx context.Context) error {
	if b.spill == nil {
		return nil
	}
	if err := b.spill.Replay(ctx, replayBatch, func(events []domain.Event) error {
		return b.addToStream(ctx, events)
	}); err != nil {
		return fmt.Errorf("spill replay failed: %w", err)
	}
	if err := b.spill.Truncate(ctx); err != nil {
		return fmt.Errorf("failed to truncate spill after successful replay: %w", err)
	}
	return nil
}

// BufferEvents adds events to the stream, falling back to the spill if Redis is unavailable.
func (b *EventBuffer) BufferEvents(ctx context.Context, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	if !b.isAvailable.Load() {
		if b.spill == nil {
			return errors.New("redis is unavailable and spill is not configured")
		}
		b.logger.Warn("Redis is unavailable, writing to spill", "count", len(events))
		return b.spill.Write(ctx, events)
	}

	err := b.addToStream(ctx, events)
	if err != nil && isNetworkError(err) {
		if b.isAvailable.CompareAndSwap(true, false) {
			b.logger.Error("Redis connection lost during write", "error", err)
		}
		if b.spill == nil {
			return fmt.Errorf("redis became unavailable and spill is not configured: %w", err)
		}
		b.logger.Warn("Redis became unavailable, writing to spill", "count", len(events))
		return b.spill.Write(ctx, events)
	}
	return err
}

func (b *EventBuffer) addToStream(ctx context.Context, events []domain.Event) error {
	pipe := b.client.Pipeline()
	for _, event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal event %s: %w", event.ID, err)
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: b.cfg.Stream,
			Values: map[string]interface{}{payloadField: payload},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to XADD events to redis stream: %w", err)
	}
	return nil
}

// ReadEventBatch reads a batch of events from the stream for a consumer group.
// Messages that cannot be decoded are dead-lettered and acknowledged.
func (b *EventBuffer) ReadEventBatch(ctx context.Context, group, consumer string, count int) ([]domain.BufferedEvent, error) {
	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{b.cfg.Stream, ">"},
		Count:    int64(count),
		Block:    2 * time.Second,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to XREADGROUP from redis: %w", err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}

	messages := streams[0].Messages
	events := make([]domain.BufferedEvent, 0, len(messages))
	var bad []redis.XMessage
	for _, msg := range messages {
		event, err := decodeMessage(msg)
		if err != nil {
			b.logger.Warn("Undecodable message in stream", "message_id", msg.ID, "error", err)
			bad = append(bad, msg)
			continue
		}
		events = append(events, event)
	}

	if len(bad) > 0 {
		if err := b.deadLetterRaw(ctx, group, bad); err != nil {
			b.logger.Error("Failed to dead-letter undecodable messages", "count", len(bad), "error", err)
		}
	}
	return events, nil
}

func decodeMessage(msg redis.XMessage) (domain.BufferedEvent, error) {
	var raw []byte
	switch v := msg.Values[payloadField].(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return domain.BufferedEvent{}, fmt.Errorf("missing %q field", payloadField)
	}

	var event domain.Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return domain.BufferedEvent{}, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	if event.ID == "" {
		return domain.BufferedEvent{}, errors.New("event has no id")
	}
	return domain.BufferedEvent{MessageID: msg.ID, Event: event}, nil
}

func (b *EventBuffer) deadLetterRaw(ctx context.Context, group string, msgs []redis.XMessage) error {
	pipe := b.client.TxPipeline()
	ids := make([]string, len(msgs))
	for i, msg := range msgs {
		ids[i] = msg.ID
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: b.cfg.DLQStream,
			Values: b.dlqValues(fmt.Sprint(msg.Values[payloadField]), msg.ID, undecodableDLQ),
		})
	}
	pipe.XAck(ctx, b.cfg.Stream, group, ids...)
	_, err := pipe.Exec(ctx)
	return err
}

// AcknowledgeEvents acknowledges processed messages in the stream.
func (b *EventBuffer) AcknowledgeEvents(ctx context.Context, group string, messageIDs ...string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	if err := b.client.XAck(ctx, b.cfg.Stream, group, messageIDs...).Err(); err != nil {
		return fmt.Errorf("failed to XACK messages in redis: %w", err)
	}
	return nil
}

// MoveToDLQ copies a batch of events to the dead-letter stream together with the failure reason.
func (b *EventBuffer) MoveToDLQ(ctx context.Context, events []domain.BufferedEvent, reason string) error {
	if len(events) == 0 {
		return nil
	}

	pipe := b.client.Pipeline()
	for _, e := range events {
		payload, err := json.Marshal(e.Event)
		if err != nil {
			b.logger.Error("Failed to marshal event for DLQ", "event_id", e.Event.ID, "error", err)
			continue
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: b.cfg.DLQStream,
			Values: b.dlqValues(string(payload), e.MessageID, reason),
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to execute DLQ pipeline: %w", err)
	}
	b.logger.Warn("Moved events to DLQ", "count", len(events), "reason", reason)
	return nil
}

func (b *EventBuffer) dlqValues(payload, msgID, reason string) map[string]interface{} {
	return map[string]interface{}{
		payloadField:      payload,
		"original_stream": b.cfg.Stream,
		"original_msg_id": msgID,
		"reason":          reason,
		"failed_at":       b.now().UTC().Format(time.RFC3339),
	}
}

// BufferStats reports stream length, dead-lettered count and consumer group lag.
func (b *EventBuffer) BufferStats(ctx context.Context) (domain.BufferStats, error) {
	stats := domain.BufferStats{Stream: b.cfg.Stream, Groups: []domain.ConsumerGroupInfo{}}

	length, err := b.client.XLen(ctx, b.cfg.Stream).Result()
	if err != nil {
		return stats, fmt.Errorf("failed to get length of stream %s: %w", b.cfg.Stream, err)
	}
	stats.Length = length

	dlq, err := b.client.XLen(ctx, b.cfg.DLQStream).Result()
	if err != nil {
		return stats, fmt.Errorf("failed to get length of stream %s: %w", b.cfg.DLQStream, err)
	}
	stats.DeadLettered = dlq

	groups, err := b.client.XInfoGroups(ctx, b.cfg.Stream).Result()
	if err != nil {
		if isNoSuchKeyError(err) {
			return stats, nil
		}
		return stats, fmt.Errorf("failed to get group info for stream %s: %w", b.cfg.Stream, err)
	}
	for _, g := range groups {
		stats.Groups = append(stats.Groups, domain.ConsumerGroupInfo{
			Name:            g.Name,
			Consumers:       g.Consumers,
			Pending:         g.Pending,
			LastDeliveredID: g.LastDeliveredID,
		})
	}
	return stats, nil
}

func isRedisBusyGroupError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func isNoSuchKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such key")
}

func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, redis.ErrClosed) || errors.Is(err, context.DeadlineExceeded)
}
