package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kgo "github.com/segmentio/kafka-go"
)

// KafkaPublisher writes events to a single Kafka topic, keyed by
// idempotency key so duplicates land on the same partition and downstream
// consumers can deduplicate cheaply.
type KafkaPublisher struct {
	writer  *kgo.Writer
	timeout time.Duration
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := &kgo.Writer{
		Addr:         kgo.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kgo.LeastBytes{},
		RequiredAcks: kgo.RequireAll,
	}

	return &KafkaPublisher{
		writer:  w,
		timeout: 5 * time.Second,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	if event.IdempotencyKey == "" {
		return fmt.Errorf("publish: missing idempotency key")
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("publish: marshal event: %w", err)
	}

	// Bounded wait so a broker outage stalls one timer, not the process.
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.writer.WriteMessages(cctx, kgo.Message{
		Key:   []byte(event.IdempotencyKey),
		Value: value,
		Time:  time.Now(),
	}); err != nil {
		return fmt.Errorf("publish: write message: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
