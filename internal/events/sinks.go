package events

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"authsession-service/internal/util"
)

// KafkaProducer is the part of client.KafkaProducer the sink needs.
type KafkaProducer interface {
	Produce(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// KafkaSink publishes events keyed by identity id.
type KafkaSink struct {
	producer KafkaProducer
	topic    string
}

func NewKafkaSink(producer KafkaProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Publish(ctx context.Context, e Event) error {
	payload, err := e.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return s.producer.Produce(ctx, s.topic, []byte(e.IdentityID), payload, map[string]string{
		"event_type": string(e.Type),
		"event_id":   e.ID,
	})
}

// DocumentIndexer is the part of client.ESClient the sink needs.
type DocumentIndexer interface {
	IndexDocument(ctx context.Context, index, id string, document any) error
}

// SecurityEventsMapping is applied when the index does not exist yet.
const SecurityEventsMapping = `{
  "mappings": {
    "properties": {
      "event_id":    {"type": "keyword"},
      "type":        {"type": "keyword"},
      "identity_id": {"type": "keyword"},
      "session_id":  {"type": "keyword"},
      "reason":      {"type": "keyword"},
      "occurred_at": {"type": "date"}
    }
  }
}`

// ElasticsearchSink indexes events for security search, one document per
// event id.
type ElasticsearchSink struct {
	indexer DocumentIndexer
	index   string
}

func NewElasticsearchSink(indexer DocumentIndexer, index string) *ElasticsearchSink {
	return &ElasticsearchSink{indexer: indexer, index: index}
}

func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

func (s *ElasticsearchSink) Publish(ctx context.Context, e Event) error {
	return s.indexer.IndexDocument(ctx, s.index, e.ID, e)
}

// LogSink writes events to the structured log. Used when no broker is
// configured so events are never silently lost.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Publish(_ context.Context, e Event) error {
	util.Warn("Security event",
		zap.String("event_id", e.ID),
		zap.String("type", string(e.Type)),
		zap.String("identity_id", e.IdentityID),
		zap.String("session_id", e.SessionID),
		zap.String("reason", e.Reason),
		zap.Time("occurred_at", e.OccurredAt))
	return nil
}
