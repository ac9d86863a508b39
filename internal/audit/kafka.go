package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"carehooks/internal/domain"
)

// StreamSink mirrors audit events onto a Kafka topic for downstream
// consumers. Fire-and-forget: a broker failure never blocks or fails the
// execution attempt being audited.
type StreamSink struct {
	client *kgo.Client
	topic  string
	log    *slog.Logger
}

// NewStreamSink connects to the given brokers. Returns nil when no brokers
// are configured.
func NewStreamSink(brokers []string, topic string, log *slog.Logger) (*StreamSink, error) {
	if len(brokers) == 0 {
		return nil, nil
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
	)
	if err != nil {
		return nil, fmt.Errorf("connect kafka: %w", err)
	}
	return &StreamSink{client: client, topic: topic, log: log}, nil
}

// Publish produces one audit event asynchronously.
func (s *StreamSink) Publish(ctx context.Context, event *domain.AuditEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		s.log.Warn("encode audit event for stream", "error", err)
		return
	}
	record := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(event.ProjectID),
		Value: data,
	}
	s.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			s.log.Warn("audit stream publish failed", "error", err)
		}
	})
}

// Close flushes and closes the Kafka client.
func (s *StreamSink) Close() {
	if s != nil && s.client != nil {
		s.client.Close()
	}
}
