package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"iot-kpi/internal/logging"
	status "iot-kpi/internal/status/domain"
)

const mqttPublishTimeout = 5 * time.Second

// MQTTConfig holds broker settings for the MQTT publisher.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	// Topic may contain {device_id}.
	Topic string
}

type tokenPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTT publishes transitions as JSON at QoS 1.
type MQTT struct {
	client tokenPublisher
	close  func()
	topic  string
	logger *slog.Logger
}

// DialMQTT connects to the broker and returns a publisher.
func DialMQTT(cfg MQTTConfig, logger *slog.Logger) (*MQTT, error) {
	if cfg.Broker == "" {
		return nil, errors.New("notify: mqtt broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("notify: mqtt topic is required")
	}
	logger = logging.OrNop(logger).With("component", "mqtt")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("mqtt connected", "broker", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "err", err)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("notify: connect mqtt broker: %w", token.Error())
	}
	p := newMQTT(client, cfg.Topic, logger)
	p.close = func() { client.Disconnect(250) }
	return p, nil
}

func newMQTT(client tokenPublisher, topic string, logger *slog.Logger) *MQTT {
	return &MQTT{client: client, topic: topic, logger: logging.OrNop(logger)}
}

// Publish sends the transition to the device topic.
func (p *MQTT) Publish(ctx context.Context, t status.Transition) error {
	payload, err := encode(t)
	if err != nil {
		return err
	}
	topic := formatTopic(p.topic, t.ExternalID)
	token := p.client.Publish(topic, 1, false, payload)

	timeout := mqttPublishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("notify: mqtt publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("notify: mqtt publish to %s: %w", topic, err)
	}
	p.logger.Debug("transition published", "topic", topic)
	return nil
}

// Close disconnects from the broker.
func (p *MQTT) Close() {
	if p != nil && p.close != nil {
		p.close()
	}
}
