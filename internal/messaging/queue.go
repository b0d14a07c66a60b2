package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// OutboxQueue stores batches in the persistent outbox.
type OutboxQueue struct {
	Outbox Outbox
}

func (q OutboxQueue) Enqueue(ctx context.Context, batch []Descriptor) error {
	if len(batch) == 0 {
		return nil
	}
	return q.Outbox.EnqueueOutbox(ctx, batch)
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

func (c KafkaConfig) validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka: no brokers configured")
	}
	if strings.TrimSpace(c.Topic) == "" {
		return errors.New("kafka: topic is required")
	}
	return nil
}

// KafkaQueue publishes descriptors keyed by recipient so one recipient's
// messages stay ordered within a partition.
type KafkaQueue struct {
	writer *kafka.Writer
}

func NewKafkaQueue(cfg KafkaConfig) (*KafkaQueue, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &KafkaQueue{writer: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}}, nil
}

func (q *KafkaQueue) Enqueue(ctx context.Context, batch []Descriptor) error {
	msgs, err := encodeMessages(batch)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := q.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka enqueue: %w", err)
	}
	return nil
}

func (q *KafkaQueue) Close() error { return q.writer.Close() }

func encodeMessages(batch []Descriptor) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(batch))
	for _, d := range batch {
		raw, err := json.Marshal(d)
		if err != nil {
			return nil, fmt.Errorf("encode descriptor: %w", err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(d.To), Value: raw})
	}
	return msgs, nil
}
