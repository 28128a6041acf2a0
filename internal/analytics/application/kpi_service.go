package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	analytics "iot-kpi/internal/analytics/domain"
	inventory "iot-kpi/internal/inventory/domain"
	"iot-kpi/internal/logging"
	"iot-kpi/internal/storage"
	telemetry "iot-kpi/internal/telemetry/domain"
)

// KPIRequest selects one calculation. An empty DeviceRef means fleet-wide.
type KPIRequest struct {
	DeviceRef   string         `json:"device_id,omitempty"`
	Kind        analytics.Kind `json:"calculation_type"`
	PeriodStart time.Time      `json:"period_start"`
	PeriodEnd   time.Time      `json:"period_end"`
}

// KPIOptions configures a KPIService.
type KPIOptions struct {
	// UptimeThreshold is a fraction in (0, 1].
	UptimeThreshold float64
	Clock           clockwork.Clock
	Logger          *slog.Logger
}

// KPIService computes on-demand KPIs and appends each result.
type KPIService struct {
	uow       storage.UnitOfWork
	threshold float64
	clock     clockwork.Clock
	logger    *slog.Logger
}

// NewKPIService constructs the service.
func NewKPIService(uow storage.UnitOfWork, opts KPIOptions) (*KPIService, error) {
	if uow == nil {
		return nil, errors.New("kpi service: nil unit of work")
	}
	if opts.UptimeThreshold <= 0 || opts.UptimeThreshold > 1 {
		opts.UptimeThreshold = 0.95
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &KPIService{
		uow:       uow,
		threshold: opts.UptimeThreshold,
		clock:     opts.Clock,
		logger:    logging.OrNop(opts.Logger),
	}, nil
}

// Calculate computes req and stores the calculation.
func (s *KPIService) Calculate(ctx context.Context, req KPIRequest) (analytics.Calculation, error) {
	if _, err := analytics.ParseKind(string(req.Kind)); err != nil {
		return analytics.Calculation{}, err
	}
	from, to := req.PeriodStart.UTC(), req.PeriodEnd.UTC()
	if from.IsZero() || !to.After(from) {
		return analytics.Calculation{}, analytics.ErrInvalidPeriod
	}

	var calc analytics.Calculation
	err := s.uow.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		var deviceID *uuid.UUID
		if req.DeviceRef != "" {
			device, err := storage.ResolveDevice(ctx, tx, req.DeviceRef)
			if err != nil {
				return err
			}
			id := device.ID
			deviceID = &id
		}

		now := s.clock.Now().UTC()
		var (
			value float64
			meta  analytics.Details
			err   error
		)
		switch req.Kind {
		case analytics.KindUptimePercentage, analytics.KindAvailability:
			value, meta, err = s.uptime(ctx, tx, deviceID, from, to, now)
		case analytics.KindResponseTimeAvg:
			value, meta, err = responseTimeAvg(ctx, tx, deviceID, from, to)
		case analytics.KindErrorRate:
			value, meta, err = errorRate(ctx, tx, deviceID, from, to)
		}
		if err != nil {
			return err
		}

		calc = analytics.Calculation{
			ID:           uuid.New(),
			DeviceID:     deviceID,
			Kind:         req.Kind,
			PeriodStart:  from,
			PeriodEnd:    to,
			Value:        value,
			Metadata:     meta,
			CalculatedAt: now,
		}
		return tx.KPIs().Insert(ctx, calc)
	})
	if err != nil {
		return analytics.Calculation{}, err
	}
	s.logger.Info("kpi calculated",
		"kind", calc.Kind,
		"device", req.DeviceRef,
		"period", calc.TimePeriod(),
		"value", calc.Value,
	)
	return calc, nil
}

// Recent lists the latest calculations, newest first. An empty ref lists all.
func (s *KPIService) Recent(ctx context.Context, ref string, limit int) ([]analytics.Calculation, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var out []analytics.Calculation
	err := s.uow.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		var deviceID *uuid.UUID
		if ref != "" {
			device, err := storage.ResolveDevice(ctx, tx, ref)
			if err != nil {
				return err
			}
			deviceID = &device.ID
		}
		list, err := tx.KPIs().ListRecent(ctx, deviceID, limit)
		out = list
		return err
	})
	return out, err
}

func (s *KPIService) uptime(ctx context.Context, tx storage.Tx, deviceID *uuid.UUID, from, to, now time.Time) (float64, analytics.Details, error) {
	intervals, err := tx.Intervals().ListOverlapping(ctx, deviceID, from, to)
	if err != nil {
		return 0, nil, fmt.Errorf("list intervals: %w", err)
	}
	var active time.Duration
	devices := make(map[uuid.UUID]struct{})
	for _, iv := range intervals {
		devices[iv.DeviceID] = struct{}{}
		if iv.Status == inventory.StatusActive {
			active += iv.Overlap(from, to, now)
		}
	}
	n := len(devices)
	if deviceID != nil {
		n = 1
	}
	period := to.Sub(from)
	value := 0.0
	if len(devices) > 0 {
		value = analytics.Percentage(active.Seconds(), period.Seconds()*float64(n))
	}
	meta := analytics.Details{
		"intervals":      len(intervals),
		"devices":        len(devices),
		"active_seconds": int64(active.Seconds()),
		"period_seconds": int64(period.Seconds()),
		"threshold":      s.threshold * 100,
		"threshold_met":  value >= s.threshold*100,
	}
	return value, meta, nil
}

func responseTimeAvg(ctx context.Context, tx storage.Tx, deviceID *uuid.UUID, from, to time.Time) (float64, analytics.Details, error) {
	points, err := tx.Metrics().ListBetween(ctx, deviceID, telemetry.KindResponseTime, from, to)
	if err != nil {
		return 0, nil, fmt.Errorf("list response times: %w", err)
	}
	var sum float64
	for _, p := range points {
		sum += p.Value
	}
	value := 0.0
	if len(points) > 0 {
		value = sum / float64(len(points))
	}
	return value, analytics.Details{"samples": len(points)}, nil
}

func errorRate(ctx context.Context, tx storage.Tx, deviceID *uuid.UUID, from, to time.Time) (float64, analytics.Details, error) {
	errs, err := tx.Metrics().ListBetween(ctx, deviceID, telemetry.KindErrorCount, from, to)
	if err != nil {
		return 0, nil, fmt.Errorf("list error counts: %w", err)
	}
	reqs, err := tx.Metrics().ListBetween(ctx, deviceID, telemetry.KindRequestCount, from, to)
	if err != nil {
		return 0, nil, fmt.Errorf("list request counts: %w", err)
	}
	var errSum, reqSum float64
	for _, p := range errs {
		errSum += p.Value
	}
	for _, p := range reqs {
		reqSum += p.Value
	}
	meta := analytics.Details{
		"error_samples":   len(errs),
		"request_samples": len(reqs),
		"errors":          errSum,
		"requests":        reqSum,
	}
	return analytics.Percentage(errSum, reqSum), meta, nil
}
