package converge

import (
	"context"
	"encoding/json"
	"fmt"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/TencentBlueKing/bk-monitor-sub031/internal/events"
	"github.com/TencentBlueKing/bk-monitor-sub031/pkg/kafka"
)

// TriggerPublisher hands converge survivors to the action executor.
type TriggerPublisher interface {
	PublishTrigger(ctx context.Context, trigger *events.ActionTrigger) error
}

// Producer publishes action triggers keyed by fingerprint so all triggers
// of one alert land on one partition.
type Producer struct {
	writer *kafkago.Writer
}

// NewProducer creates the action-trigger producer.
func NewProducer(brokers, topic string) (*Producer, error) {
	writer, err := kafka.NewWriter(brokers, topic)
	if err != nil {
		return nil, err
	}
	return &Producer{writer: writer}, nil
}

// PublishTrigger serialises and writes one action trigger.
func (p *Producer) PublishTrigger(ctx context.Context, trigger *events.ActionTrigger) error {
	payload, err := json.Marshal(trigger)
	if err != nil {
		return fmt.Errorf("failed to marshal action trigger: %w", err)
	}
	msg := kafkago.Message{
		Key:   []byte(trigger.Fingerprint),
		Value: payload,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write action trigger to Kafka: %w", err)
	}
	return nil
}

// Close releases the writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}
