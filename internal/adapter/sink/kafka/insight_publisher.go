package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/V4T54L/product-pulse/internal/domain"
)

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// InsightPublisher implements domain.InsightSink by publishing each insight as a JSON
// message keyed by insight id.
type InsightPublisher struct {
	writer MessageWriter
	logger *slog.Logger
}

// NewWriter creates a kafka-go writer for topic with the given brokers.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
}

func NewInsightPublisher(writer MessageWriter, logger *slog.Logger) *InsightPublisher {
	return &InsightPublisher{writer: writer, logger: logger.With("component", "kafka_insights")}
}

func (p *InsightPublisher) SaveInsights(ctx context.Context, insights []domain.Insight) error {
	if len(insights) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(insights))
	for _, in := range insights {
		value, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal insight %s: %w", in.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(in.ID.String()),
			Value: value,
			Time:  in.DetectedAt,
			Headers: []kafka.Header{
				{Key: "insight_type", Value: []byte(in.Type)},
				{Key: "severity", Value: []byte(in.Severity)},
			},
		})
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to publish insights: %w", err)
	}
	p.logger.Info("Published insights", "count", len(msgs))
	return nil
}

// Close flushes and closes the underlying writer.
func (p *InsightPublisher) Close() error {
	return p.writer.Close()
}
