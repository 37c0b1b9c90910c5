package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-queue/internal/models"
)

const writeTimeout = 2 * time.Second

// KafkaProducer writes one topic. The driver process runs one for booking
// events and one for location fixes; messages are keyed by entity id so a
// booking's events stay ordered within a partition.
type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.Hash{}}
	return &KafkaProducer{writer: w}
}

// PublishBooking emits a committed booking document.
func (k *KafkaProducer) PublishBooking(ctx context.Context, b models.Booking) error {
	return k.write(ctx, b.ID, b)
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, d models.Driver) error {
	return k.write(ctx, d.ID, d)
}

func (k *KafkaProducer) write(ctx context.Context, key string, v any) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
