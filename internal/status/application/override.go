package application

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	inventory "iot-kpi/internal/inventory/domain"
	"iot-kpi/internal/logging"
	status "iot-kpi/internal/status/domain"
	"iot-kpi/internal/storage"
)

// StatusView is the current status of one device.
type StatusView struct {
	DeviceID     uuid.UUID        `json:"device_id"`
	ExternalID   string           `json:"external_id"`
	Name         string           `json:"name"`
	Status       inventory.Status `json:"status"`
	LastSeen     *time.Time       `json:"last_seen,omitempty"`
	Online       bool             `json:"online"`
	OpenSince    *time.Time       `json:"open_since,omitempty"`
	OpenInterval *uuid.UUID       `json:"open_interval_id,omitempty"`
}

// OverrideService applies operator status changes and reads status views.
type OverrideService struct {
	uow        storage.UnitOfWork
	reconciler *Reconciler
	publisher  TransitionPublisher
	clock      clockwork.Clock
	liveness   time.Duration
	logger     *slog.Logger
}

// OverrideOptions configures an OverrideService.
type OverrideOptions struct {
	Publisher         TransitionPublisher
	Clock             clockwork.Clock
	LivenessThreshold time.Duration
	Logger            *slog.Logger
}

// NewOverrideService constructs the service.
func NewOverrideService(uow storage.UnitOfWork, reconciler *Reconciler, opts OverrideOptions) (*OverrideService, error) {
	if uow == nil {
		return nil, errors.New("status override: nil unit of work")
	}
	if reconciler == nil {
		return nil, errors.New("status override: nil reconciler")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.LivenessThreshold <= 0 {
		opts.LivenessThreshold = 5 * time.Minute
	}
	return &OverrideService{
		uow:        uow,
		reconciler: reconciler,
		publisher:  opts.Publisher,
		clock:      opts.Clock,
		liveness:   opts.LivenessThreshold,
		logger:     logging.OrNop(opts.Logger),
	}, nil
}

// SetStatus forces a device into next. ref is the device uuid or external id.
func (s *OverrideService) SetStatus(ctx context.Context, ref string, next inventory.Status) (status.Transition, bool, error) {
	if !next.IsValid() {
		return status.Transition{}, false, inventory.ErrInvalidStatus
	}
	var (
		transition status.Transition
		changed    bool
	)
	err := s.uow.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		device, err := storage.ResolveDevice(ctx, tx, ref)
		if err != nil {
			return err
		}
		transition, changed, err = s.reconciler.Apply(ctx, tx, device, next, status.SourceOverride)
		return err
	})
	if err != nil {
		return status.Transition{}, false, err
	}
	if changed {
		PublishAll(ctx, s.publisher, s.logger, []status.Transition{transition})
	}
	return transition, changed, nil
}

// View returns the status view of a device. ref is the device uuid or external id.
func (s *OverrideService) View(ctx context.Context, ref string) (StatusView, error) {
	var view StatusView
	err := s.uow.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		device, err := storage.ResolveDevice(ctx, tx, ref)
		if err != nil {
			return err
		}
		open, err := tx.Intervals().FindOpen(ctx, device.ID)
		if err != nil {
			return err
		}
		view = StatusView{
			DeviceID:   device.ID,
			ExternalID: device.ExternalID,
			Name:       device.Name,
			Status:     device.Status,
			LastSeen:   device.LastSeen,
			Online:     device.Online(s.clock.Now().UTC(), s.liveness),
		}
		if len(open) > 0 {
			since := open[0].StartedAt
			id := open[0].ID
			view.OpenSince = &since
			view.OpenInterval = &id
		}
		return nil
	})
	return view, err
}
