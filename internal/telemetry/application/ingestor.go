package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"iot-kpi/internal/checkpoint"
	inventory "iot-kpi/internal/inventory/domain"
	"iot-kpi/internal/logging"
	"iot-kpi/internal/observability/metrics"
	statusapp "iot-kpi/internal/status/application"
	status "iot-kpi/internal/status/domain"
	"iot-kpi/internal/storage"
	telemetry "iot-kpi/internal/telemetry/domain"
)

// Device ingest outcomes.
const (
	OutcomeFresh  = "fresh"
	OutcomeStale  = "stale"
	OutcomeNoData = "no_data"
	OutcomeFailed = "failed"
)

const sourceTag = "api_ingestion"

// TelemetrySource fetches recent points per key for one device.
type TelemetrySource interface {
	Fetch(ctx context.Context, externalID string, keys []string, start, end time.Time) (map[string][]telemetry.Point, error)
}

// IngestOptions configures an Ingestor.
type IngestOptions struct {
	SignalKey          string
	MetricUnits        map[string]string
	Lookback           time.Duration
	LivenessThreshold  time.Duration
	Workers            int
	IncludeTestDevices bool
	Publisher          statusapp.TransitionPublisher
	Checkpoints        checkpoint.Store
	Clock              clockwork.Clock
	Logger             *slog.Logger
}

// IngestResult summarizes one ingest run. Written is the raw telemetry row
// count.
type IngestResult struct {
	Devices        int `json:"devices"`
	Fresh          int `json:"fresh"`
	Stale          int `json:"stale"`
	NoData         int `json:"no_data"`
	Failed         int `json:"failed"`
	Written        int `json:"written"`
	MetricsWritten int `json:"metrics_written"`
	Transitions    int `json:"transitions"`
}

// Ingestor polls every device for its latest sample and feeds the status
// reconciler. Each device is its own unit of work.
type Ingestor struct {
	uow        storage.UnitOfWork
	source     TelemetrySource
	reconciler *statusapp.Reconciler
	opts       IngestOptions
	keys       []string
	logger     *slog.Logger
}

// NewIngestor constructs an ingestor.
func NewIngestor(uow storage.UnitOfWork, source TelemetrySource, reconciler *statusapp.Reconciler, opts IngestOptions) (*Ingestor, error) {
	if uow == nil {
		return nil, errors.New("ingestor: nil unit of work")
	}
	if source == nil {
		return nil, errors.New("ingestor: nil telemetry source")
	}
	if reconciler == nil {
		return nil, errors.New("ingestor: nil reconciler")
	}
	if opts.SignalKey == "" {
		opts.SignalKey = inventory.MetaRSSValue
	}
	if opts.Lookback <= 0 {
		opts.Lookback = 15 * time.Minute
	}
	if opts.LivenessThreshold <= 0 {
		opts.LivenessThreshold = 5 * time.Minute
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	keys := []string{opts.SignalKey}
	metricKeys := make([]string, 0, len(opts.MetricUnits))
	for key := range opts.MetricUnits {
		if key != opts.SignalKey {
			metricKeys = append(metricKeys, key)
		}
	}
	sort.Strings(metricKeys)
	keys = append(keys, metricKeys...)

	return &Ingestor{
		uow:        uow,
		source:     source,
		reconciler: reconciler,
		opts:       opts,
		keys:       keys,
		logger:     logging.OrNop(opts.Logger),
	}, nil
}

type deviceOutcome struct {
	outcome     string
	written     int
	metrics     int
	newest      time.Time
	transitions []status.Transition
}

// Ingest processes every eligible device. A device failure is logged and does
// not stop the run; the run fails only when the device list cannot be read or
// every device failed.
func (i *Ingestor) Ingest(ctx context.Context) (IngestResult, error) {
	var devices []inventory.Device
	err := i.uow.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		devices, err = tx.Devices().List(ctx, storage.DeviceFilter{IncludeTest: i.opts.IncludeTestDevices})
		return err
	})
	if err != nil {
		return IngestResult{}, fmt.Errorf("list devices: %w", err)
	}

	var (
		mu     sync.Mutex
		result = IngestResult{Devices: len(devices)}
		newest time.Time
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.opts.Workers)
	for idx := range devices {
		device := devices[idx]
		g.Go(func() error {
			out := i.ingestDevice(gctx, device)
			metrics.IncTelemetryDevice(out.outcome)

			mu.Lock()
			defer mu.Unlock()
			switch out.outcome {
			case OutcomeFresh:
				result.Fresh++
			case OutcomeStale:
				result.Stale++
			case OutcomeNoData:
				result.NoData++
			case OutcomeFailed:
				result.Failed++
			}
			result.Written += out.written
			result.MetricsWritten += out.metrics
			result.Transitions += len(out.transitions)
			if out.newest.After(newest) {
				newest = out.newest
			}
			return nil
		})
	}
	_ = g.Wait()

	metrics.AddTelemetryWritten(result.Written)
	if i.opts.Checkpoints != nil && !newest.IsZero() {
		if err := i.opts.Checkpoints.Advance(ctx, checkpoint.TelemetryLastSample, newest); err != nil {
			i.logger.Warn("advance telemetry checkpoint failed", "stage", "ingest", "err", err)
		}
	}
	i.logger.Info("ingest complete",
		"stage", "ingest", "devices", result.Devices, "fresh", result.Fresh, "stale", result.Stale,
		"no_data", result.NoData, "failed", result.Failed, "records", result.Written)

	if result.Devices > 0 && result.Failed == result.Devices {
		return result, errors.New("ingestor: every device failed")
	}
	return result, nil
}

func (i *Ingestor) ingestDevice(ctx context.Context, device inventory.Device) deviceOutcome {
	logger := i.logger.With("stage", "ingest", "device_id", device.ExternalID)
	now := i.opts.Clock.Now().UTC()

	series, err := i.source.Fetch(ctx, device.ExternalID, i.keys, now.Add(-i.opts.Lookback), now)
	if err != nil {
		logger.Error("fetch telemetry failed", "err", err)
		return deviceOutcome{outcome: OutcomeFailed}
	}

	latest, hasSignal := telemetry.Latest(series[i.opts.SignalKey])
	points := i.metricPoints(device, series)

	out := deviceOutcome{outcome: OutcomeNoData}
	err = i.uow.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		out = deviceOutcome{outcome: OutcomeNoData}
		fresh := false
		current, err := tx.Devices().Get(ctx, device.ID)
		if err != nil {
			return err
		}

		if hasSignal {
			sample := telemetry.Sample{
				DeviceID:   device.ID,
				Timestamp:  latest.TS,
				ObservedAt: now,
				RSSValue:   latest.Value,
				Payload:    i.payload(device, series, latest, now),
			}
			inserted, err := tx.Samples().Insert(ctx, sample)
			if err != nil {
				return fmt.Errorf("insert sample: %w", err)
			}
			// A reading stored by an earlier poll is not a new observation.
			if inserted {
				out.written = 1
				out.newest = latest.TS
				out.outcome = OutcomeStale
				fresh = now.Sub(latest.TS) <= i.opts.LivenessThreshold
			}
		}
		if len(points) > 0 {
			n, err := tx.Metrics().Insert(ctx, points)
			if err != nil {
				return fmt.Errorf("insert metrics: %w", err)
			}
			out.metrics = n
		}

		var next inventory.Status
		switch {
		case fresh:
			out.outcome = OutcomeFresh
			if err := tx.Devices().Touch(ctx, device.ID, latest.TS, inventory.Metadata{inventory.MetaRSSValue: latest.Value}); err != nil {
				return fmt.Errorf("touch device: %w", err)
			}
			next = status.FromSignal(true)
		default:
			silent, seen := current.SilentFor(now)
			if seen && silent <= i.opts.LivenessThreshold {
				return nil
			}
			next = status.FromSignal(false)
		}

		t, changed, err := i.reconciler.Apply(ctx, tx, current, next, status.SourceTelemetry)
		if err != nil {
			return err
		}
		if changed {
			out.transitions = append(out.transitions, t)
		}
		return nil
	})
	if err != nil {
		logger.Error("device ingest rolled back", "err", err)
		return deviceOutcome{outcome: OutcomeFailed}
	}
	statusapp.PublishAll(ctx, i.opts.Publisher, logger, out.transitions)
	return out
}

func (i *Ingestor) metricPoints(device inventory.Device, series map[string][]telemetry.Point) []telemetry.Metric {
	var out []telemetry.Metric
	for _, key := range i.keys[1:] {
		for _, p := range series[key] {
			out = append(out, telemetry.Metric{
				DeviceID:  device.ID,
				Timestamp: p.TS,
				Kind:      key,
				Value:     p.Value,
				Unit:      i.opts.MetricUnits[key],
				Tags:      telemetry.Payload{"source": sourceTag},
			})
		}
	}
	return out
}

func (i *Ingestor) payload(device inventory.Device, series map[string][]telemetry.Point, latest telemetry.Point, now time.Time) telemetry.Payload {
	payload := telemetry.Payload{
		"device_id":     device.ExternalID,
		"source":        sourceTag,
		"ingested_at":   now.Format(time.RFC3339Nano),
		"api_timestamp": latest.TS.UnixMilli(),
	}
	for _, key := range i.keys {
		if p, ok := telemetry.Latest(series[key]); ok {
			payload[key] = p.Value
		}
	}
	return payload
}
