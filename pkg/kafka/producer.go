// Package kafka publishes search-sync and merge notifications.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/tracing"
)

const SchemaVersion = "1.0"

type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	// RequiredAcks is -1 for all replicas, 1 for the leader only, 0 for none.
	RequiredAcks int
	// Compression is one of none, gzip, snappy, lz4 or zstd.
	Compression string
}

// Event is a change notification about one entity.
type Event struct {
	EventType  string          `json:"event_type"`
	TenantID   string          `json:"tenant_id"`
	EntityID   string          `json:"entity_id"`
	EntityType string          `json:"entity_type"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Producer writes events to one topic. Events of one entity share a key and
// therefore a partition, so consumers see them in order.
type Producer struct {
	writer *kafka.Writer
	topic  string
	logger ectologger.Logger
}

func parseCompression(name string) (compress.Compression, error) {
	switch name {
	case "", "snappy":
		return compress.Snappy, nil
	case "none":
		return compress.None, nil
	case "gzip":
		return compress.Gzip, nil
	case "lz4":
		return compress.Lz4, nil
	case "zstd":
		return compress.Zstd, nil
	}
	return compress.None, fmt.Errorf("unknown kafka compression %q", name)
}

func NewProducer(cfg ProducerConfig, logger ectologger.Logger) (*Producer, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka producer needs brokers and a topic")
	}
	codec, err := parseCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}
	return &Producer{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			BatchSize:              cfg.BatchSize,
			BatchTimeout:           cfg.BatchTimeout,
			RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
			Compression:            kafka.Compression(codec),
			AllowAutoTopicCreation: true,
		},
		topic:  cfg.Topic,
		logger: logger,
	}, nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

func message(event *Event) (kafka.Message, error) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	value, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode %s event: %w", event.EventType, err)
	}
	return kafka.Message{
		Key:   []byte(event.TenantID + ":" + event.EntityID),
		Value: value,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
			{Key: "tenant_id", Value: []byte(event.TenantID)},
			{Key: "entity_type", Value: []byte(event.EntityType)},
			{Key: "schema_version", Value: []byte(SchemaVersion)},
		},
	}, nil
}

// Publish writes events in one batch.
func (p *Producer) Publish(ctx context.Context, events ...*Event) error {
	ctx, span := tracing.StartSpan(ctx, "kafka.Producer.Publish")
	defer span.End()

	msgs := make([]kafka.Message, 0, len(events))
	for _, event := range events {
		msg, err := message(event)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		tracing.RecordError(span, err)
		p.logger.WithContext(ctx).WithError(err).WithField("topic", p.topic).
			Errorf("Failed to publish %d events", len(msgs))
		return err
	}
	p.logger.WithContext(ctx).WithField("topic", p.topic).Debugf("Published %d events", len(msgs))
	return nil
}
