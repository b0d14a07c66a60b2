package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Delivery is one descriptor handed to a consumer worker together with its
// settlement callbacks.
type Delivery struct {
	Descriptor
	Ack  func(ctx context.Context) error
	Fail func(ctx context.Context, reason string) error
}

// Source feeds the consumer. Fetch returns an empty slice when idle.
type Source interface {
	Fetch(ctx context.Context) ([]Delivery, error)
}

// OutboxSource claims pending descriptors from the outbox table.
type OutboxSource struct {
	Outbox Outbox
	Limit  int
	Now    func() time.Time
}

func (s OutboxSource) Fetch(ctx context.Context) ([]Delivery, error) {
	limit := s.Limit
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	envs, err := s.Outbox.ClaimOutbox(ctx, limit, now())
	if err != nil {
		return nil, err
	}
	out := make([]Delivery, 0, len(envs))
	for _, e := range envs {
		id := e.ID
		out = append(out, Delivery{
			Descriptor: e.Descriptor,
			Ack:        func(ctx context.Context) error { return s.Outbox.AckOutbox(ctx, id) },
			Fail:       func(ctx context.Context, reason string) error { return s.Outbox.FailOutbox(ctx, id, reason) },
		})
	}
	return out, nil
}

// KafkaSource reads descriptors with a consumer group. Offsets are
// committed once a message is settled either way.
type KafkaSource struct {
	reader *kafka.Reader
}

func NewKafkaSource(cfg KafkaConfig) (*KafkaSource, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	group := cfg.GroupID
	if group == "" {
		group = "crosspost-messaging"
	}
	return &KafkaSource{reader: kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  group,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})}, nil
}

func (s *KafkaSource) Fetch(ctx context.Context) ([]Delivery, error) {
	m, err := s.reader.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}
	var d Descriptor
	if err := json.Unmarshal(m.Value, &d); err != nil {
		// Poison message: commit it so the group does not stall.
		_ = s.reader.CommitMessages(ctx, m)
		return nil, fmt.Errorf("decode descriptor at offset %d: %w", m.Offset, err)
	}
	commit := func(ctx context.Context) error { return s.reader.CommitMessages(ctx, m) }
	return []Delivery{{
		Descriptor: d,
		Ack:        commit,
		Fail:       func(ctx context.Context, _ string) error { return commit(ctx) },
	}}, nil
}

func (s *KafkaSource) Close() error { return s.reader.Close() }
