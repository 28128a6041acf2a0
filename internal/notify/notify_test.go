package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	inventory "iot-kpi/internal/inventory/domain"
	status "iot-kpi/internal/status/domain"
)

func sampleTransition() status.Transition {
	return status.Transition{
		DeviceID:   uuid.New(),
		ExternalID: "dev-1",
		From:       inventory.StatusActive,
		To:         inventory.StatusInactive,
		Source:     status.SourceTelemetry,
		At:         time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

type recordingPublisher struct {
	got []status.Transition
	err error
}

func (p *recordingPublisher) Publish(_ context.Context, t status.Transition) error {
	p.got = append(p.got, t)
	return p.err
}

func TestMultiTriesEveryPublisher(t *testing.T) {
	boom := errors.New("down")
	first := &recordingPublisher{err: boom}
	second := &recordingPublisher{}
	multi := NewMulti(first, nil, second)
	if multi.Len() != 2 {
		t.Fatalf("nil publishers should be skipped, got %d", multi.Len())
	}

	err := multi.Publish(context.Background(), sampleTransition())
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(first.got) != 1 || len(second.got) != 1 {
		t.Fatalf("every publisher must receive the transition")
	}
}

func TestLogPublisher(t *testing.T) {
	if err := NewLog(nil).Publish(context.Background(), sampleTransition()); err != nil {
		t.Fatalf("log publish: %v", err)
	}
}

type stubToken struct {
	err      error
	finished bool
}

func (t *stubToken) Wait() bool                     { return t.finished }
func (t *stubToken) WaitTimeout(time.Duration) bool { return t.finished }
func (t *stubToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *stubToken) Error() error { return t.err }

type stubMQTTClient struct {
	topic   string
	qos     byte
	payload []byte
	token   *stubToken
}

func (c *stubMQTTClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	c.topic = topic
	c.qos = qos
	c.payload, _ = payload.([]byte)
	return c.token
}

func TestMQTTPublish(t *testing.T) {
	client := &stubMQTTClient{token: &stubToken{finished: true}}
	pub := newMQTT(client, "iot/devices/{device_id}/status", nil)

	if err := pub.Publish(context.Background(), sampleTransition()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if client.topic != "iot/devices/dev-1/status" || client.qos != 1 {
		t.Fatalf("unexpected topic %q qos %d", client.topic, client.qos)
	}
	var decoded status.Transition
	if err := json.Unmarshal(client.payload, &decoded); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if decoded.To != inventory.StatusInactive || decoded.Source != status.SourceTelemetry {
		t.Fatalf("unexpected payload %+v", decoded)
	}
}

func TestMQTTPublishErrors(t *testing.T) {
	boom := errors.New("not authorized")
	pub := newMQTT(&stubMQTTClient{token: &stubToken{finished: true, err: boom}}, "t", nil)
	if err := pub.Publish(context.Background(), sampleTransition()); !errors.Is(err, boom) {
		t.Fatalf("expected broker error, got %v", err)
	}

	pub = newMQTT(&stubMQTTClient{token: &stubToken{}}, "t", nil)
	if err := pub.Publish(context.Background(), sampleTransition()); err == nil {
		t.Fatalf("expected timeout error")
	}
}

func TestDialMQTTRequiresBroker(t *testing.T) {
	if _, err := DialMQTT(MQTTConfig{Topic: "t"}, nil); err == nil {
		t.Fatalf("expected missing broker error")
	}
}

type stubWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *stubWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return w.err
}

func (w *stubWriter) Close() error { return nil }

func TestKafkaPublish(t *testing.T) {
	writer := &stubWriter{}
	pub := &Kafka{writer: writer}
	tr := sampleTransition()

	if err := pub.Publish(context.Background(), tr); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(writer.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(writer.msgs))
	}
	msg := writer.msgs[0]
	if string(msg.Key) != "dev-1" || !msg.Time.Equal(tr.At) {
		t.Fatalf("unexpected message %+v", msg)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != "telemetry" {
		t.Fatalf("unexpected headers %+v", msg.Headers)
	}

	writer.err = errors.New("leader not available")
	if err := pub.Publish(context.Background(), tr); !errors.Is(err, writer.err) {
		t.Fatalf("expected write error, got %v", err)
	}
}

func TestNewKafkaValidates(t *testing.T) {
	if _, err := NewKafka(nil, "topic"); err == nil {
		t.Fatalf("expected missing brokers error")
	}
	if _, err := NewKafka([]string{"localhost:9092"}, ""); err == nil {
		t.Fatalf("expected missing topic error")
	}
	pub, err := NewKafka([]string{"localhost:9092"}, "topic")
	if err != nil {
		t.Fatalf("new kafka: %v", err)
	}
	_ = pub.Close()
}
