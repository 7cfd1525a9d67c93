package events

import (
	"context"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-share/internal/models"
)

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events keyed by ride id so one ride's events stay
// ordered within a partition.
type KafkaPublisher struct {
	writer MessageWriter
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return &KafkaPublisher{writer: w}
}

func NewKafkaPublisherWithWriter(w MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

func (k *KafkaPublisher) Name() string { return "kafka" }

func (k *KafkaPublisher) Deliver(ctx context.Context, ev models.Event) error {
	b, err := Encode(ev)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.RideID),
		Value: b,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
			{Key: "event_id", Value: []byte(ev.ID)},
		},
		Time: ev.OccurredAt,
	})
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
