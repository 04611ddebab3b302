package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"cardreader/internal/card/models"
)

type KafkaConfig struct {
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	ClientID string   `yaml:"client_id"`
}

// Kafka produces one record per event. The record key is the event mode so
// insertions and removals land on stable partitions.
type Kafka struct {
	client *kgo.Client
	topic  string
}

func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker is required")
	}
	if cfg.Topic == "" {
		cfg.Topic = "cardreader.events"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "cardreader"
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(0),
		kgo.RecordDeliveryTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka: new client: %w", err)
	}
	return &Kafka{client: client, topic: cfg.Topic}, nil
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) Send(ctx context.Context, ev models.Event, payload []byte) error {
	rec := &kgo.Record{
		Topic: k.topic,
		Key:   []byte(ev.Kind.Mode()),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: "reader", Value: []byte(ev.Reader)},
			{Key: "session_id", Value: []byte(ev.SessionID)},
		},
		Timestamp: ev.OccurredAt,
	}
	if err := k.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("kafka produce: %w", err)
	}
	return nil
}

// Ping checks that a broker is reachable.
func (k *Kafka) Ping(ctx context.Context) error {
	return k.client.Ping(ctx)
}

func (k *Kafka) Close() error {
	k.client.Close()
	return nil
}
