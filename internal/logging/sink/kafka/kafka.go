package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/Chichichkin/logpipe/internal/logging"
)

// producer abstracts the kafka client methods used by Sink for testing.
type producer interface {
	Ping(ctx context.Context) error
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

type Config struct {
	Name    string
	Brokers []string
	Topic   string
	// KeyField names the event field used as the record key.
	KeyField string
}

// Sink produces one record per event.
type Sink struct {
	name     string
	topic    string
	keyField string
	client   producer

	closeOnce sync.Once
}

func New(cfg Config) (*Sink, error) {
	if cfg.Name == "" {
		cfg.Name = "kafka"
	}
	if len(cfg.Brokers) == 0 {
		return nil, &logging.SinkConfigError{Sink: cfg.Name, Err: errors.New("no brokers configured")}
	}
	if cfg.Topic == "" {
		return nil, &logging.SinkConfigError{Sink: cfg.Name, Err: errors.New("topic is required")}
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, &logging.SinkConfigError{Sink: cfg.Name, Err: fmt.Errorf("kafka client: %w", err)}
	}

	return newSink(cfg, client), nil
}

func newSink(cfg Config, client producer) *Sink {
	if cfg.Name == "" {
		cfg.Name = "kafka"
	}
	return &Sink{
		name:     cfg.Name,
		topic:    cfg.Topic,
		keyField: cfg.KeyField,
		client:   client,
	}
}

func (s *Sink) Name() string {
	return s.name
}

// Open checks that at least one broker is reachable.
func (s *Sink) Open(ctx context.Context) error {
	if err := s.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka ping: %w", err)
	}
	return nil
}

func (s *Sink) Write(ctx context.Context, batch logging.Batch) error {
	if batch.Len() == 0 {
		return nil
	}

	records := make([]*kgo.Record, 0, batch.Len())
	for _, event := range batch.Events {
		value, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("encode event %d: %w", event.Seq, err)
		}
		record := &kgo.Record{
			Topic:     s.topic,
			Value:     value,
			Timestamp: event.Time,
			Headers: []kgo.RecordHeader{
				{Key: "batch-id", Value: []byte(batch.ID)},
			},
		}
		if s.keyField != "" {
			if key := event.String(s.keyField); key != "" {
				record.Key = []byte(key)
			}
		}
		records = append(records, record)
	}

	results := s.client.ProduceSync(ctx, records...)
	if err := results.FirstErr(); err != nil {
		return fmt.Errorf("kafka produce: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	s.closeOnce.Do(s.client.Close)
	return nil
}
