package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"iot-kpi/internal/logging"
	status "iot-kpi/internal/status/domain"
)

// Publisher delivers one committed status transition.
type Publisher interface {
	Publish(ctx context.Context, t status.Transition) error
}

// Multi fans a transition out to every publisher. All publishers are tried;
// the failures are joined.
type Multi struct {
	publishers []Publisher
}

// NewMulti constructs a Multi, skipping nil publishers.
func NewMulti(publishers ...Publisher) *Multi {
	m := &Multi{}
	for _, p := range publishers {
		if p != nil {
			m.publishers = append(m.publishers, p)
		}
	}
	return m
}

// Len reports how many publishers are attached.
func (m *Multi) Len() int {
	if m == nil {
		return 0
	}
	return len(m.publishers)
}

// Publish forwards t to all publishers.
func (m *Multi) Publish(ctx context.Context, t status.Transition) error {
	if m == nil {
		return nil
	}
	var errs []error
	for _, p := range m.publishers {
		if err := p.Publish(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes transitions to a structured logger.
type Log struct {
	logger *slog.Logger
}

// NewLog constructs a logging publisher.
func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logging.OrNop(logger)}
}

// Publish logs the transition.
func (p *Log) Publish(_ context.Context, t status.Transition) error {
	if p == nil {
		return errors.New("notify: nil log publisher")
	}
	p.logger.Info("device status changed",
		"device_id", t.ExternalID,
		"from", t.From,
		"to", t.To,
		"source", t.Source,
		"at", t.At,
	)
	return nil
}

func encode(t status.Transition) ([]byte, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("notify: marshal transition: %w", err)
	}
	return payload, nil
}

// formatTopic replaces the {device_id} placeholder.
func formatTopic(pattern, deviceID string) string {
	return strings.ReplaceAll(pattern, "{device_id}", deviceID)
}
