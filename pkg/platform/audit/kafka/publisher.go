// Package kafka publishes trust audit events to a Kafka topic so downstream
// compliance and dashboard consumers see trust transitions as a stream.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"foresight/pkg/platform/audit"
)

// Publisher writes audit events to a single topic, keyed by identity anchor
// so per-identity ordering is preserved within a partition.
type Publisher struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

// NewPublisher connects to the brokers and ensures the topic exists.
func NewPublisher(brokers []string, topic string, logger *slog.Logger) (*Publisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	// Topic creation is best-effort; brokers with auto-create enabled will
	// still accept produces.
	admin := kadm.NewClient(client)
	resps, err := admin.CreateTopics(context.Background(), 1, 1, nil, topic)
	if err != nil {
		logger.Warn("audit topic create failed", "topic", topic, "error", err)
	} else if resp, ok := resps[topic]; ok && resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
		logger.Warn("audit topic create failed", "topic", topic, "error", resp.Err)
	}

	return &Publisher{client: client, topic: topic, logger: logger}, nil
}

// Emit produces one event synchronously. Callers treat failures as non-fatal;
// the trust transition itself has already been persisted.
func (p *Publisher) Emit(ctx context.Context, event audit.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(event.IdentityAnchor),
		Value: payload,
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce audit event: %w", err)
	}
	return nil
}

// Close flushes and releases the underlying client.
func (p *Publisher) Close() {
	p.client.Close()
}
