// Package kafka provides shared broker utilities for all pipeline services.
package kafka

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	// MaxPollWait is the longest a consumer blocks waiting for a batch.
	MaxPollWait = 500 * time.Millisecond
	// CommitInterval is how often consumer offsets are flushed. Offsets are
	// additionally committed explicitly after persistent side-effects.
	CommitInterval = time.Second
	// WriteTimeout bounds a single synchronous publish.
	WriteTimeout = 10 * time.Second
)

// ParseBrokers parses a comma-separated broker list and trims whitespace.
func ParseBrokers(brokers string) []string {
	if brokers == "" {
		return nil
	}
	list := strings.Split(brokers, ",")
	for i := range list {
		list[i] = strings.TrimSpace(list[i])
	}
	return list
}

// NewReader creates a reader configured for at-least-once delivery. The
// pipeline relies on idempotent consumers, so redelivery after a crash is
// safe at every stage.
func NewReader(brokers, topic, groupID string) (*kafka.Reader, error) {
	if brokers == "" {
		return nil, fmt.Errorf("brokers cannot be empty")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic cannot be empty")
	}
	if groupID == "" {
		return nil, fmt.Errorf("groupID cannot be empty")
	}

	brokerList := ParseBrokers(brokers)
	slog.Info("Initializing Kafka consumer",
		"brokers", brokerList,
		"topic", topic,
		"group_id", groupID,
	)

	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokerList,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,    // Return immediately when any data is available
		MaxBytes:       10e6, // 10MB
		MaxWait:        MaxPollWait,
		CommitInterval: CommitInterval,
		StartOffset:    kafka.FirstOffset, // Start from beginning if no committed offset
	}), nil
}

// NewWriter creates a writer configured for at-least-once delivery with
// key-based partitioning. Pre-alert stages key messages by strategy ID,
// post-alert stages by fingerprint, so work on the same key stays on the
// same partition and is consumed in order.
func NewWriter(brokers, topic string) (*kafka.Writer, error) {
	if brokers == "" {
		return nil, fmt.Errorf("brokers cannot be empty")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic cannot be empty")
	}

	brokerList := ParseBrokers(brokers)
	slog.Info("Initializing Kafka producer",
		"brokers", brokerList,
		"topic", topic,
	)

	return &kafka.Writer{
		Addr:         kafka.TCP(brokerList...),
		Topic:        topic,
		Balancer:     &kafka.Hash{}, // Key-based partitioning
		WriteTimeout: WriteTimeout,
		RequiredAcks: kafka.RequireOne,
		Async:        false, // Synchronous writes for reliability
	}, nil
}

// EnsureTopic attempts to create the topic if it doesn't exist. Best effort;
// failures are logged and the caller proceeds.
func EnsureTopic(broker, topic string, partitions int) {
	conn, err := kafka.Dial("tcp", broker)
	if err != nil {
		slog.Warn("Could not connect to Kafka to check/create topic",
			"broker", broker,
			"topic", topic,
			"error", err,
		)
		return
	}
	defer conn.Close()

	existing, err := conn.ReadPartitions(topic)
	if err == nil && len(existing) > 0 {
		return
	}

	err = conn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     partitions,
		ReplicationFactor: 1,
	})
	if err != nil {
		slog.Warn("Could not create topic (may need to be created manually)",
			"topic", topic,
			"error", err,
		)
		return
	}

	slog.Info("Created topic", "topic", topic, "partitions", partitions)
}
