package alert

import (
	"context"
	"fmt"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/TencentBlueKing/bk-monitor-sub031/pkg/kafka"
)

// Consumer wraps the anomaly-topic reader.
type Consumer struct {
	reader *kafkago.Reader
	topic  string
}

// NewConsumer creates the alert-manager Kafka consumer.
func NewConsumer(brokers, topic, groupID string) (*Consumer, error) {
	reader, err := kafka.NewReader(brokers, topic, groupID)
	if err != nil {
		return nil, err
	}
	return &Consumer{reader: reader, topic: topic}, nil
}

// ReadMessage blocks for the next raw message.
func (c *Consumer) ReadMessage(ctx context.Context) (kafkago.Message, error) {
	msg, err := c.reader.ReadMessage(ctx)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("failed to read message from Kafka: %w", err)
	}
	return msg, nil
}

// Close releases the reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
