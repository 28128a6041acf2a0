package thingsboard

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"iot-kpi/internal/logging"
	"iot-kpi/internal/tbadapter"
	telemetry "iot-kpi/internal/telemetry/domain"
)

// TimeseriesClient is the slice of the platform client the source needs.
type TimeseriesClient interface {
	Timeseries(ctx context.Context, deviceID string, keys []string, start, end time.Time) (map[string][]tbadapter.TsValue, error)
}

// Source reads device timeseries from the platform.
type Source struct {
	client TimeseriesClient
	logger *slog.Logger
}

// NewSource constructs a telemetry source.
func NewSource(client TimeseriesClient, logger *slog.Logger) (*Source, error) {
	if client == nil {
		return nil, errors.New("telemetry thingsboard: nil client")
	}
	return &Source{client: client, logger: logging.OrNop(logger)}, nil
}

// Fetch implements application.TelemetrySource. A device unknown to the
// platform yields no points rather than an error.
func (s *Source) Fetch(ctx context.Context, externalID string, keys []string, start, end time.Time) (map[string][]telemetry.Point, error) {
	raw, err := s.client.Timeseries(ctx, externalID, keys, start, end)
	if errors.Is(err, tbadapter.ErrNotFound) {
		return map[string][]telemetry.Point{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make(map[string][]telemetry.Point, len(raw))
	for key, values := range raw {
		points := make([]telemetry.Point, 0, len(values))
		for _, v := range values {
			f, err := v.Float()
			if err != nil {
				s.logger.Debug("skipping non-numeric point", "device_id", externalID, "key", key, "ts", v.TS)
				continue
			}
			points = append(points, telemetry.Point{TS: v.Time(), Value: f})
		}
		if len(points) > 0 {
			out[key] = points
		}
	}
	return out, nil
}
