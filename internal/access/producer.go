package access

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/TencentBlueKing/bk-monitor-sub031/internal/events"
	"github.com/TencentBlueKing/bk-monitor-sub031/pkg/kafka"
)

// PointPublisher emits normalised points to the detect queue.
type PointPublisher interface {
	Publish(ctx context.Context, point *events.Point) error
}

// Producer publishes points to the detect topic, keyed by strategy ID so
// all points of a strategy land on one partition and stay ordered.
type Producer struct {
	writer *kafkago.Writer
}

// NewProducer creates the detect-topic producer.
func NewProducer(brokers, topic string) (*Producer, error) {
	writer, err := kafka.NewWriter(brokers, topic)
	if err != nil {
		return nil, err
	}
	return &Producer{writer: writer}, nil
}

// Publish serialises and writes one point.
func (p *Producer) Publish(ctx context.Context, point *events.Point) error {
	payload, err := json.Marshal(point)
	if err != nil {
		return fmt.Errorf("failed to marshal point: %w", err)
	}
	msg := kafkago.Message{
		Key:   []byte(strconv.FormatInt(point.StrategyID, 10)),
		Value: payload,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write point to Kafka: %w", err)
	}
	return nil
}

// Close releases the writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}
