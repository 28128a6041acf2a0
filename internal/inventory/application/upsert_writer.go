package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	inventory "iot-kpi/internal/inventory/domain"
	"iot-kpi/internal/logging"
	"iot-kpi/internal/observability/metrics"
	statusapp "iot-kpi/internal/status/application"
	status "iot-kpi/internal/status/domain"
	"iot-kpi/internal/storage"
)

const defaultBatchSize = 500

// UpsertResult counts the outcome of an upsert call. Inserted is the contract
// value; Updated and Skipped are for observability.
type UpsertResult struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
}

func (r *UpsertResult) add(other UpsertResult) {
	r.Inserted += other.Inserted
	r.Updated += other.Updated
	r.Skipped += other.Skipped
}

// UpsertOptions configures an UpsertWriter.
type UpsertOptions struct {
	BatchSize int
	Publisher statusapp.TransitionPublisher
	Clock     clockwork.Clock
	Logger    *slog.Logger
}

// UpsertWriter reconciles extracted records against stored devices by
// external id. Each batch is one unit of work.
type UpsertWriter struct {
	uow        storage.UnitOfWork
	reconciler *statusapp.Reconciler
	publisher  statusapp.TransitionPublisher
	clock      clockwork.Clock
	batchSize  int
	logger     *slog.Logger
}

// NewUpsertWriter constructs a writer.
func NewUpsertWriter(uow storage.UnitOfWork, reconciler *statusapp.Reconciler, opts UpsertOptions) (*UpsertWriter, error) {
	if uow == nil {
		return nil, errors.New("upsert writer: nil unit of work")
	}
	if reconciler == nil {
		return nil, errors.New("upsert writer: nil reconciler")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &UpsertWriter{
		uow:        uow,
		reconciler: reconciler,
		publisher:  opts.Publisher,
		clock:      opts.Clock,
		batchSize:  opts.BatchSize,
		logger:     logging.OrNop(opts.Logger),
	}, nil
}

// UpsertDevices inserts unseen devices and refreshes known ones. Records
// missing a key or name are skipped. A store failure rolls back the current
// batch and is returned together with the totals of committed batches.
func (w *UpsertWriter) UpsertDevices(ctx context.Context, records []inventory.Record) (UpsertResult, error) {
	var total UpsertResult
	for start := 0; start < len(records); start += w.batchSize {
		end := start + w.batchSize
		if end > len(records) {
			end = len(records)
		}
		batch, transitions, err := w.upsertBatch(ctx, records[start:end])
		if err != nil {
			w.logger.Error("upsert batch failed",
				"stage", "upsert", "offset", start, "records", end-start, "err", err)
			metrics.AddUpserts(total.Inserted, total.Updated, total.Skipped)
			return total, fmt.Errorf("upsert batch at %d: %w", start, err)
		}
		total.add(batch)
		statusapp.PublishAll(ctx, w.publisher, w.logger, transitions)
	}
	metrics.AddUpserts(total.Inserted, total.Updated, total.Skipped)
	w.logger.Info("upsert complete",
		"stage", "upsert", "inserted", total.Inserted, "updated", total.Updated, "skipped", total.Skipped)
	return total, nil
}

func (w *UpsertWriter) upsertBatch(ctx context.Context, records []inventory.Record) (UpsertResult, []status.Transition, error) {
	var (
		result      UpsertResult
		transitions []status.Transition
	)
	err := w.uow.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		result = UpsertResult{}
		transitions = nil
		now := w.clock.Now().UTC()
		for _, rec := range records {
			device, inserted, err := w.upsertOne(ctx, tx, rec, now)
			if errors.Is(err, inventory.ErrMissingKey) || errors.Is(err, inventory.ErrMissingName) {
				result.Skipped++
				w.logger.Error("skipping record", "stage", "upsert", "device_id", rec.ExternalID, "err", err)
				continue
			}
			if err != nil {
				return fmt.Errorf("device %s: %w", rec.ExternalID, err)
			}
			if inserted {
				result.Inserted++
			} else {
				result.Updated++
			}

			t, changed, err := w.reconciler.Apply(ctx, tx, device, inventory.StatusFromActive(rec.Active), status.SourceInventory)
			if err != nil {
				return fmt.Errorf("device %s: %w", rec.ExternalID, err)
			}
			if changed {
				transitions = append(transitions, t)
			}
		}
		return nil
	})
	return result, transitions, err
}

func (w *UpsertWriter) upsertOne(ctx context.Context, tx storage.Tx, rec inventory.Record, now time.Time) (*inventory.Device, bool, error) {
	if strings.TrimSpace(rec.ExternalID) == "" {
		return nil, false, inventory.ErrMissingKey
	}
	if strings.TrimSpace(rec.Name) == "" {
		return nil, false, inventory.ErrMissingName
	}
	existing, err := tx.Devices().FindByExternalID(ctx, rec.ExternalID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		device, err := inventory.NewDevice(rec.ExternalID, rec.Name, now)
		if err != nil {
			return nil, false, err
		}
		apply(device, rec)
		if err := tx.Devices().Insert(ctx, device); err != nil {
			return nil, false, err
		}
		return device, true, nil
	}

	apply(existing, rec)
	existing.UpdatedAt = now
	if err := tx.Devices().Update(ctx, existing); err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func apply(device *inventory.Device, rec inventory.Record) {
	device.Name = rec.Name
	device.DeviceType = rec.DeviceType
	device.IsTest = rec.IsTest
	if rec.HasCreated {
		installed := rec.CreatedTime
		device.InstalledAt = &installed
	}
	device.Metadata = device.Metadata.Clone().Merge(rec.Metadata())
}
