package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	analytics "iot-kpi/internal/analytics/domain"
	inventory "iot-kpi/internal/inventory/domain"
	status "iot-kpi/internal/status/domain"
	telemetry "iot-kpi/internal/telemetry/domain"
)

// UnitOfWork runs fn inside one transaction. The transaction commits when fn
// returns nil and rolls back otherwise, including on panic.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx exposes the repositories bound to one transaction.
type Tx interface {
	Devices() DeviceRepository
	Intervals() IntervalRepository
	Samples() SampleRepository
	Metrics() MetricRepository
	Windows() WindowRepository
	KPIs() KPIRepository
}

// DeviceFilter narrows device listings.
type DeviceFilter struct {
	IncludeTest bool
}

// DeviceRepository persists inventory devices.
type DeviceRepository interface {
	// FindByExternalID returns nil, nil when no device has the key.
	FindByExternalID(ctx context.Context, externalID string) (*inventory.Device, error)
	Get(ctx context.Context, id uuid.UUID) (*inventory.Device, error)
	List(ctx context.Context, filter DeviceFilter) ([]inventory.Device, error)
	Insert(ctx context.Context, d *inventory.Device) error
	// Update writes name, type, test flag, install time and metadata.
	Update(ctx context.Context, d *inventory.Device) error
	SetStatus(ctx context.Context, id uuid.UUID, s inventory.Status, at time.Time) error
	Touch(ctx context.Context, id uuid.UUID, lastSeen time.Time, meta inventory.Metadata) error
	MaxInstalledAt(ctx context.Context) (time.Time, bool, error)
}

// IntervalRepository persists status intervals.
type IntervalRepository interface {
	FindOpen(ctx context.Context, deviceID uuid.UUID) ([]status.Interval, error)
	// CloseOpen closes every open interval of the device and returns how many it closed.
	CloseOpen(ctx context.Context, deviceID uuid.UUID, at time.Time) (int, error)
	Insert(ctx context.Context, iv status.Interval) error
	// ListOverlapping returns intervals touching [from, to). A nil device lists all devices.
	ListOverlapping(ctx context.Context, deviceID *uuid.UUID, from, to time.Time) ([]status.Interval, error)
}

// SampleRepository persists raw telemetry.
type SampleRepository interface {
	// Insert stores s once per (device, timestamp) and reports whether a new
	// row was written.
	Insert(ctx context.Context, s telemetry.Sample) (bool, error)
	ListBetween(ctx context.Context, from, to time.Time) ([]telemetry.Sample, error)
	ListOlderThan(ctx context.Context, cutoff time.Time) ([]telemetry.Sample, error)
	CountOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// MetricRepository persists typed metric points.
type MetricRepository interface {
	// Insert skips points already stored for (device, kind, timestamp) and
	// returns how many it wrote.
	Insert(ctx context.Context, metrics []telemetry.Metric) (int, error)
	// ListBetween returns points of kind in [from, to). A nil device lists all devices.
	ListBetween(ctx context.Context, deviceID *uuid.UUID, kind string, from, to time.Time) ([]telemetry.Metric, error)
}

// WindowRepository persists hourly aggregates.
type WindowRepository interface {
	// Upsert overwrites every derived field of an existing (device, start) row.
	Upsert(ctx context.Context, w analytics.Window) error
	ListBetween(ctx context.Context, from, to time.Time) ([]analytics.Window, error)
}

// KPIRepository persists KPI calculations.
type KPIRepository interface {
	Insert(ctx context.Context, c analytics.Calculation) error
	ListRecent(ctx context.Context, deviceID *uuid.UUID, limit int) ([]analytics.Calculation, error)
}

// ResolveDevice finds a device by uuid or external id.
func ResolveDevice(ctx context.Context, tx Tx, ref string) (*inventory.Device, error) {
	if ref == "" {
		return nil, inventory.ErrMissingKey
	}
	if id, err := uuid.Parse(ref); err == nil {
		device, err := tx.Devices().Get(ctx, id)
		if err == nil {
			return device, nil
		}
		if !errors.Is(err, inventory.ErrDeviceNotFound) {
			return nil, err
		}
	}
	device, err := tx.Devices().FindByExternalID(ctx, ref)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, inventory.ErrDeviceNotFound
	}
	return device, nil
}
