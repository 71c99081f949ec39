package alert

import (
	"context"
	"encoding/json"
	"fmt"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/TencentBlueKing/bk-monitor-sub031/internal/events"
	"github.com/TencentBlueKing/bk-monitor-sub031/pkg/kafka"
)

// SignalPublisher emits alert state transitions to the converge stage.
type SignalPublisher interface {
	PublishSignal(ctx context.Context, signal *events.AlertSignal) error
}

// Producer publishes alert signals keyed by fingerprint so every signal of
// one alert stays on one partition.
type Producer struct {
	writer *kafkago.Writer
}

// NewProducer creates the alert-signal producer.
func NewProducer(brokers, topic string) (*Producer, error) {
	writer, err := kafka.NewWriter(brokers, topic)
	if err != nil {
		return nil, err
	}
	return &Producer{writer: writer}, nil
}

// PublishSignal serialises and writes one alert signal.
func (p *Producer) PublishSignal(ctx context.Context, signal *events.AlertSignal) error {
	payload, err := json.Marshal(signal)
	if err != nil {
		return fmt.Errorf("failed to marshal alert signal: %w", err)
	}
	msg := kafkago.Message{
		Key:   []byte(signal.Fingerprint),
		Value: payload,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write alert signal to Kafka: %w", err)
	}
	return nil
}

// Close releases the writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}

// RequeueProducer writes anomalies back onto the anomaly topic when the
// manager cannot finish them now.
type RequeueProducer struct {
	writer *kafkago.Writer
}

// NewRequeueProducer creates the anomaly requeue producer.
func NewRequeueProducer(brokers, anomalyTopic string) (*RequeueProducer, error) {
	writer, err := kafka.NewWriter(brokers, anomalyTopic)
	if err != nil {
		return nil, err
	}
	return &RequeueProducer{writer: writer}, nil
}

// RequeueAnomaly re-publishes one anomaly keyed by strategy ID.
func (p *RequeueProducer) RequeueAnomaly(ctx context.Context, anomaly *events.Anomaly) error {
	payload, err := json.Marshal(anomaly)
	if err != nil {
		return fmt.Errorf("failed to marshal anomaly: %w", err)
	}
	msg := kafkago.Message{
		Key:   []byte(fmt.Sprintf("%d", anomaly.StrategyID)),
		Value: payload,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to requeue anomaly: %w", err)
	}
	return nil
}

// Close releases the writer.
func (p *RequeueProducer) Close() error {
	return p.writer.Close()
}
