package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	status "iot-kpi/internal/status/domain"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes transitions keyed by the device external id, so one
// device's transitions stay ordered within a partition.
type Kafka struct {
	writer messageWriter
}

// NewKafka constructs a publisher writing to topic.
func NewKafka(brokers []string, topic string) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, errors.New("notify: kafka brokers are required")
	}
	if topic == "" {
		return nil, errors.New("notify: kafka topic is required")
	}
	return &Kafka{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}}, nil
}

// Publish writes one message.
func (p *Kafka) Publish(ctx context.Context, t status.Transition) error {
	payload, err := encode(t)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(t.ExternalID),
		Value: payload,
		Time:  t.At,
		Headers: []kafka.Header{
			{Key: "source", Value: []byte(t.Source)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("notify: kafka write: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *Kafka) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
