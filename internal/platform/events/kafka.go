package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaConfig controls how long a record may wait for a broker.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	// DeliveryTimeout fails a buffered record that has not been acknowledged
	// in time.
	DeliveryTimeout time.Duration
	// FlushTimeout bounds how long Close waits for buffered records.
	FlushTimeout time.Duration
	// MaxBuffered caps records waiting for a broker. Records beyond it are
	// dropped rather than blocking Publish.
	MaxBuffered int
}

func DefaultKafkaConfig(brokers []string, topic string) KafkaConfig {
	return KafkaConfig{
		Brokers:         brokers,
		Topic:           topic,
		DeliveryTimeout: 10 * time.Second,
		FlushTimeout:    5 * time.Second,
		MaxBuffered:     10000,
	}
}

// KafkaPublisher produces events to a Kafka topic keyed by patient id, so
// all events of one patient land on the same partition in order.
//
// Publish never waits for the broker. Records are buffered and delivery
// failures are logged from the produce callback.
type KafkaPublisher struct {
	client       *kgo.Client
	topic        string
	flushTimeout time.Duration
	logger       zerolog.Logger
}

func NewKafkaPublisher(cfg KafkaConfig, logger zerolog.Logger) (*KafkaPublisher, error) {
	def := DefaultKafkaConfig(cfg.Brokers, cfg.Topic)
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = def.DeliveryTimeout
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = def.FlushTimeout
	}
	if cfg.MaxBuffered <= 0 {
		cfg.MaxBuffered = def.MaxBuffered
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.AllowAutoTopicCreation(),
		kgo.RecordDeliveryTimeout(cfg.DeliveryTimeout),
		kgo.ProduceRequestTimeout(cfg.DeliveryTimeout),
		kgo.MaxBufferedRecords(cfg.MaxBuffered),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &KafkaPublisher{
		client:       client,
		topic:        cfg.Topic,
		flushTimeout: cfg.FlushTimeout,
		logger:       logger.With().Str("component", "kafka").Logger(),
	}, nil
}

// Publish buffers the event and returns. The caller's cancellation does not
// abort delivery. A full buffer or a failed delivery is logged from the
// produce callback.
func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	rec, err := record(p.topic, event)
	if err != nil {
		return err
	}
	p.client.TryProduce(context.WithoutCancel(ctx), rec, func(_ *kgo.Record, err error) {
		if err == nil {
			return
		}
		p.logger.Warn().Err(err).
			Str("event_type", event.Type).
			Str("patient_id", event.PatientID).
			Msg("kafka delivery failed")
	})
	return nil
}

// Close waits up to the flush timeout for buffered records, then closes the
// client. Records still buffered are failed.
func (p *KafkaPublisher) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), p.flushTimeout)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn().Err(err).Int64("buffered", p.client.BufferedProduceRecords()).Msg("kafka flush")
	}
	p.client.Close()
}

func record(topic string, event Event) (*kgo.Record, error) {
	value, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(event.PatientID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event-type", Value: []byte(event.Type)},
		},
	}, nil
}
