// README: Kafka publisher for the outbound domain event stream.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

type envelope struct {
	Event      string    `json:"event"`
	Key        string    `json:"key"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    Event     `json:"payload"`
}

type KafkaPublisher struct {
	writer  *kafka.Writer
	timeout time.Duration
	now     func() time.Time
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaPublisher{writer: w, timeout: 2 * time.Second, now: time.Now}
}

func (k *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	b, err := encode(e, k.now())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(e.Key()), Value: b})
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

func encode(e Event, at time.Time) ([]byte, error) {
	return json.Marshal(envelope{Event: e.Name(), Key: string(e.Key()), OccurredAt: at.UTC(), Payload: e})
}
