package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	analytics "iot-kpi/internal/analytics/domain"
	"iot-kpi/internal/logging"
	"iot-kpi/internal/storage"
)

// AggregatorOptions configures a WindowAggregator.
type AggregatorOptions struct {
	FreshThreshold time.Duration
	LookbackHours  int
	Clock          clockwork.Clock
	Logger         *slog.Logger
}

// AggregateResult summarizes one aggregation run.
type AggregateResult struct {
	From    time.Time `json:"from"`
	To      time.Time `json:"to"`
	Samples int       `json:"samples"`
	Windows int       `json:"windows"`
}

// WindowAggregator recomputes hourly per-device windows from raw telemetry.
// Recomputing a window overwrites the stored row.
type WindowAggregator struct {
	uow       storage.UnitOfWork
	threshold time.Duration
	lookback  int
	clock     clockwork.Clock
	logger    *slog.Logger
}

// NewWindowAggregator constructs an aggregator.
func NewWindowAggregator(uow storage.UnitOfWork, opts AggregatorOptions) (*WindowAggregator, error) {
	if uow == nil {
		return nil, errors.New("window aggregator: nil unit of work")
	}
	if opts.FreshThreshold <= 0 {
		opts.FreshThreshold = 5 * time.Minute
	}
	if opts.LookbackHours <= 0 {
		opts.LookbackHours = 1
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &WindowAggregator{
		uow:       uow,
		threshold: opts.FreshThreshold,
		lookback:  opts.LookbackHours,
		clock:     opts.Clock,
		logger:    logging.OrNop(opts.Logger),
	}, nil
}

// Aggregate recomputes the last completed hours.
func (a *WindowAggregator) Aggregate(ctx context.Context) (AggregateResult, error) {
	to := analytics.HourStart(a.clock.Now())
	from := to.Add(-time.Duration(a.lookback) * analytics.WindowSize)
	return a.AggregateRange(ctx, from, to)
}

// AggregateRange recomputes every window in [from, to), both truncated to
// the hour. Hours without samples produce no row.
func (a *WindowAggregator) AggregateRange(ctx context.Context, from, to time.Time) (AggregateResult, error) {
	from, to = analytics.HourStart(from), analytics.HourStart(to)
	if !to.After(from) {
		return AggregateResult{}, fmt.Errorf("%w: %s..%s", analytics.ErrInvalidPeriod, from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	result := AggregateResult{From: from, To: to}
	logger := a.logger.With("stage", "aggregate", "from", from.Format(time.RFC3339), "to", to.Format(time.RFC3339))

	err := a.uow.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		samples, err := tx.Samples().ListBetween(ctx, from, to)
		if err != nil {
			return fmt.Errorf("list samples: %w", err)
		}
		result.Samples = len(samples)

		type key struct {
			device uuid.UUID
			start  int64
		}
		buckets := make(map[key]*analytics.WindowAccumulator)
		for _, s := range samples {
			start := analytics.HourStart(s.Timestamp)
			k := key{device: s.DeviceID, start: start.Unix()}
			acc, ok := buckets[k]
			if !ok {
				acc = &analytics.WindowAccumulator{DeviceID: s.DeviceID, Start: start}
				buckets[k] = acc
			}
			acc.Add(s.RSSValue, s.Age() <= a.threshold)
		}

		keys := make([]key, 0, len(buckets))
		for k := range buckets {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			if keys[i].start != keys[j].start {
				return keys[i].start < keys[j].start
			}
			return keys[i].device.String() < keys[j].device.String()
		})

		computedAt := a.clock.Now().UTC()
		for _, k := range keys {
			w := buckets[k].Window(computedAt)
			if err := tx.Windows().Upsert(ctx, w); err != nil {
				return fmt.Errorf("upsert window %s@%s: %w", w.DeviceID, w.Start.Format(time.RFC3339), err)
			}
		}
		result.Windows = len(keys)
		return nil
	})
	if err != nil {
		logger.Error("aggregation failed", "err", err)
		return AggregateResult{From: from, To: to}, err
	}
	logger.Info("aggregation complete", "records", result.Samples, "windows", result.Windows)
	return result, nil
}
