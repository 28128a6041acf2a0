package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	telemetry "iot-kpi/internal/telemetry/domain"
)

// MetricRepository is a Postgres implementation for typed metrics.
type MetricRepository struct {
	db DBTX
}

// NewMetricRepository constructs a repository.
func NewMetricRepository(db DBTX) *MetricRepository {
	return &MetricRepository{db: db}
}

// Insert appends metric points, skipping ones already stored.
func (r *MetricRepository) Insert(ctx context.Context, metrics []telemetry.Metric) (int, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("metric repo: nil db")
	}
	written := 0
	for _, m := range metrics {
		if m.DeviceID == uuid.Nil || m.Kind == "" || m.Timestamp.IsZero() {
			return written, errors.New("metric repo: invalid metric")
		}
		res, err := r.db.ExecContext(ctx, `
INSERT INTO device_metrics (
	device_id,
	timestamp,
	metric_type,
	value,
	unit,
	tags
) VALUES (
	$1, $2, $3, $4, $5, $6
)
ON CONFLICT (device_id, metric_type, timestamp) DO NOTHING`,
			m.DeviceID,
			m.Timestamp,
			m.Kind,
			m.Value,
			m.Unit,
			m.Tags,
		)
		if err != nil {
			return written, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return written, err
		}
		written += int(affected)
	}
	return written, nil
}

// ListBetween returns metric points of kind in [from, to).
func (r *MetricRepository) ListBetween(ctx context.Context, deviceID *uuid.UUID, kind string, from, to time.Time) ([]telemetry.Metric, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("metric repo: nil db")
	}
	var device any
	if deviceID != nil {
		device = *deviceID
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT
	device_id,
	timestamp,
	metric_type,
	value,
	unit,
	tags
FROM device_metrics
WHERE ($1::uuid IS NULL OR device_id = $1::uuid)
	AND metric_type = $2
	AND timestamp >= $3
	AND timestamp < $4
ORDER BY timestamp`, device, kind, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []telemetry.Metric
	for rows.Next() {
		var m telemetry.Metric
		if err := rows.Scan(&m.DeviceID, &m.Timestamp, &m.Kind, &m.Value, &m.Unit, &m.Tags); err != nil {
			return nil, err
		}
		m.Timestamp = m.Timestamp.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}
