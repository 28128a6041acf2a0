package status

import (
	"errors"
	"time"

	"github.com/google/uuid"

	inventory "iot-kpi/internal/inventory/domain"
)

var (
	// ErrInvalidInterval indicates an interval that cannot be stored.
	ErrInvalidInterval = errors.New("status: invalid interval")
	// ErrAlreadyClosed indicates a close on an interval that has an end time.
	ErrAlreadyClosed = errors.New("status: interval already closed")
)

// Interval is a contiguous period during which a device held one status.
// EndedAt is nil while the interval is open.
type Interval struct {
	ID        uuid.UUID
	DeviceID  uuid.UUID
	Status    inventory.Status
	StartedAt time.Time
	EndedAt   *time.Time
	Duration  time.Duration
}

// OpenInterval starts a new interval at the given instant.
func OpenInterval(deviceID uuid.UUID, status inventory.Status, at time.Time) (Interval, error) {
	if deviceID == uuid.Nil || !status.IsValid() || at.IsZero() {
		return Interval{}, ErrInvalidInterval
	}
	return Interval{
		ID:        uuid.New(),
		DeviceID:  deviceID,
		Status:    status,
		StartedAt: at,
	}, nil
}

// IsOpen reports whether the interval has no end time.
func (i Interval) IsOpen() bool { return i.EndedAt == nil }

// Close sets the end time and duration. An end before the start is clamped.
func (i *Interval) Close(at time.Time) error {
	if !i.IsOpen() {
		return ErrAlreadyClosed
	}
	if at.Before(i.StartedAt) {
		at = i.StartedAt
	}
	end := at
	i.EndedAt = &end
	i.Duration = end.Sub(i.StartedAt)
	return nil
}

// Overlap returns how much of [from, to) the interval covers. Open intervals
// extend to now.
func (i Interval) Overlap(from, to, now time.Time) time.Duration {
	end := now
	if i.EndedAt != nil {
		end = *i.EndedAt
	}
	start := i.StartedAt
	if start.Before(from) {
		start = from
	}
	if end.After(to) {
		end = to
	}
	if !end.After(start) {
		return 0
	}
	return end.Sub(start)
}
