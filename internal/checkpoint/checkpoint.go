package checkpoint

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Checkpoint names.
const (
	DeviceCreatedTime   = "devices.created_time"
	TelemetryLastSample = "telemetry.last_sample"
)

// ErrEmptyName indicates a checkpoint without a name.
var ErrEmptyName = errors.New("checkpoint: empty name")

// Store keeps durable high-water marks. Advance only moves a mark forward; an
// older or equal position is a no-op.
type Store interface {
	Get(ctx context.Context, name string) (time.Time, bool, error)
	Advance(ctx context.Context, name string, position time.Time) error
}

// Memory is a process-local Store.
type Memory struct {
	mu        sync.Mutex
	positions map[string]time.Time
}

// NewMemory constructs an empty Memory store.
func NewMemory() *Memory {
	return &Memory{positions: make(map[string]time.Time)}
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, name string) (time.Time, bool, error) {
	if name == "" {
		return time.Time{}, false, ErrEmptyName
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[name]
	return pos, ok, nil
}

// Advance implements Store.
func (m *Memory) Advance(_ context.Context, name string, position time.Time) error {
	if name == "" {
		return ErrEmptyName
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.positions[name]; ok && !position.After(current) {
		return nil
	}
	m.positions[name] = position.UTC()
	return nil
}
