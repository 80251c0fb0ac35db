// Package notify delivers lifecycle events to the outside world. Every
// sink here is best effort with bounded timeouts; the coordinator never
// waits on or rolls back for a failed delivery.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/service-dispatch/internal/models"
)

// KafkaEvents publishes lifecycle events to a Kafka topic, keyed by request
// id so per-request ordering survives partitioning.
type KafkaEvents struct {
	writer *kafka.Writer
}

func NewKafkaEvents(brokers []string, topic string) *KafkaEvents {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaEvents{writer: w}
}

func (k *KafkaEvents) Publish(ctx context.Context, ev models.LifecycleEvent) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.RequestID), Value: b})
}

func (k *KafkaEvents) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
