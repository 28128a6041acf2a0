package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	inventory "iot-kpi/internal/inventory/domain"
	"iot-kpi/internal/logging"
	"iot-kpi/internal/observability/metrics"
	status "iot-kpi/internal/status/domain"
	"iot-kpi/internal/storage"
)

// Reconciler applies status transitions inside a caller-owned transaction.
// It keeps at most one open interval per device.
type Reconciler struct {
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewReconciler constructs a reconciler. A nil clock uses the real clock.
func NewReconciler(clock clockwork.Clock, logger *slog.Logger) (*Reconciler, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Reconciler{clock: clock, logger: logging.OrNop(logger)}, nil
}

// Apply moves device to next. It returns changed=false when the device already
// holds next, or when source may not leave the current status. On change the
// device value is updated in place.
func (r *Reconciler) Apply(ctx context.Context, tx storage.Tx, device *inventory.Device, next inventory.Status, source status.Source) (status.Transition, bool, error) {
	if tx == nil || device == nil {
		return status.Transition{}, false, errors.New("status reconciler: nil tx or device")
	}
	if !next.IsValid() {
		return status.Transition{}, false, fmt.Errorf("%w: %q", inventory.ErrInvalidStatus, next)
	}
	current := device.Status
	if current == next {
		return status.Transition{}, false, nil
	}
	if !status.Allowed(current, source) {
		r.logger.Debug("status change suppressed",
			"device_id", device.ExternalID, "from", current, "to", next, "source", source)
		return status.Transition{}, false, nil
	}

	now := r.clock.Now().UTC()
	if _, err := tx.Intervals().CloseOpen(ctx, device.ID, now); err != nil {
		return status.Transition{}, false, fmt.Errorf("close interval: %w", err)
	}
	iv, err := status.OpenInterval(device.ID, next, now)
	if err != nil {
		return status.Transition{}, false, err
	}
	if err := tx.Intervals().Insert(ctx, iv); err != nil {
		return status.Transition{}, false, fmt.Errorf("open interval: %w", err)
	}
	if err := tx.Devices().SetStatus(ctx, device.ID, next, now); err != nil {
		return status.Transition{}, false, fmt.Errorf("set status: %w", err)
	}
	device.Status = next
	device.UpdatedAt = now

	metrics.IncStatusTransition(string(current), string(next), string(source))
	r.logger.Info("status transition",
		"device_id", device.ExternalID, "from", current, "to", next, "source", source)
	return status.Transition{
		DeviceID:   device.ID,
		ExternalID: device.ExternalID,
		From:       current,
		To:         next,
		Source:     source,
		At:         now,
	}, true, nil
}
