package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/TencentBlueKing/bk-monitor-sub031/internal/events"
	"github.com/TencentBlueKing/bk-monitor-sub031/pkg/kafka"
)

// Producer publishes anomalies to the alert-manager topic, keyed by
// strategy ID, dead-letters payloads the stage could not parse, and puts
// points back on the input topic when a busy strategy yields.
type Producer struct {
	anomalies  *kafkago.Writer
	deadLetter *kafkago.Writer
	points     *kafkago.Writer
}

// NewProducer creates writers for the anomaly, dead-letter and points
// topics.
func NewProducer(brokers, anomalyTopic, deadLetterTopic, pointsTopic string) (*Producer, error) {
	anomalies, err := kafka.NewWriter(brokers, anomalyTopic)
	if err != nil {
		return nil, err
	}
	deadLetter, err := kafka.NewWriter(brokers, deadLetterTopic)
	if err != nil {
		anomalies.Close()
		return nil, err
	}
	points, err := kafka.NewWriter(brokers, pointsTopic)
	if err != nil {
		anomalies.Close()
		deadLetter.Close()
		return nil, err
	}
	return &Producer{anomalies: anomalies, deadLetter: deadLetter, points: points}, nil
}

// PublishAnomaly serialises and writes one anomaly.
func (p *Producer) PublishAnomaly(ctx context.Context, anomaly *events.Anomaly) error {
	payload, err := json.Marshal(anomaly)
	if err != nil {
		return fmt.Errorf("failed to marshal anomaly: %w", err)
	}
	msg := kafkago.Message{
		Key:   []byte(strconv.FormatInt(anomaly.StrategyID, 10)),
		Value: payload,
	}
	if err := p.anomalies.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write anomaly to Kafka: %w", err)
	}
	return nil
}

// PublishDeadLetter forwards an unparseable payload with its failure reason
// so operators can replay it after a fix.
func (p *Producer) PublishDeadLetter(ctx context.Context, original []byte, reason string) error {
	envelope := map[string]any{
		"stage":   "detect",
		"reason":  reason,
		"payload": string(original),
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}
	if err := p.deadLetter.WriteMessages(ctx, kafkago.Message{Value: payload}); err != nil {
		return fmt.Errorf("failed to write dead letter to Kafka: %w", err)
	}
	return nil
}

// RequeuePoint puts a point payload back at the tail of the input topic,
// preserving its ordering key.
func (p *Producer) RequeuePoint(ctx context.Context, key, payload []byte) error {
	msg := kafkago.Message{Key: key, Value: payload}
	if err := p.points.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to requeue point to Kafka: %w", err)
	}
	return nil
}

// Close releases all writers.
func (p *Producer) Close() error {
	err := p.anomalies.Close()
	if cerr := p.deadLetter.Close(); err == nil {
		err = cerr
	}
	if cerr := p.points.Close(); err == nil {
		err = cerr
	}
	return err
}
