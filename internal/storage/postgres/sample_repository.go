package postgres

import (
	"context"
	"errors"
	"time"

	telemetry "iot-kpi/internal/telemetry/domain"
)

// SampleRepository is a Postgres implementation for the raw telemetry log.
type SampleRepository struct {
	db DBTX
}

// NewSampleRepository constructs a repository.
func NewSampleRepository(db DBTX) *SampleRepository {
	return &SampleRepository{db: db}
}

// Insert appends one sample; a repeat of a stored (device, timestamp) is
// ignored.
func (r *SampleRepository) Insert(ctx context.Context, s telemetry.Sample) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("telemetry repo: nil db")
	}
	if err := s.Validate(); err != nil {
		return false, err
	}
	res, err := r.db.ExecContext(ctx, `
INSERT INTO telemetry_logs (
	device_id,
	timestamp,
	ingested_at,
	rss_value,
	raw_payload
) VALUES (
	$1, $2, $3, $4, $5
)
ON CONFLICT (device_id, timestamp) DO NOTHING`,
		s.DeviceID,
		s.Timestamp,
		s.ObservedAt,
		s.RSSValue,
		s.Payload,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListBetween returns samples with timestamp in [from, to).
func (r *SampleRepository) ListBetween(ctx context.Context, from, to time.Time) ([]telemetry.Sample, error) {
	return r.list(ctx, `WHERE timestamp >= $1 AND timestamp < $2 ORDER BY timestamp`, from, to)
}

// ListOlderThan returns samples with timestamp before cutoff.
func (r *SampleRepository) ListOlderThan(ctx context.Context, cutoff time.Time) ([]telemetry.Sample, error) {
	return r.list(ctx, `WHERE timestamp < $1 ORDER BY id`, cutoff)
}

// CountOlderThan counts samples with timestamp before cutoff.
func (r *SampleRepository) CountOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("telemetry repo: nil db")
	}
	var count int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM telemetry_logs WHERE timestamp < $1`, cutoff).Scan(&count)
	return count, err
}

// DeleteOlderThan deletes samples with timestamp before cutoff.
func (r *SampleRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("telemetry repo: nil db")
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM telemetry_logs WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *SampleRepository) list(ctx context.Context, where string, args ...any) ([]telemetry.Sample, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("telemetry repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT
	id,
	device_id,
	timestamp,
	ingested_at,
	rss_value,
	raw_payload
FROM telemetry_logs
`+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []telemetry.Sample
	for rows.Next() {
		var s telemetry.Sample
		if err := rows.Scan(&s.ID, &s.DeviceID, &s.Timestamp, &s.ObservedAt, &s.RSSValue, &s.Payload); err != nil {
			return nil, err
		}
		s.Timestamp = s.Timestamp.UTC()
		s.ObservedAt = s.ObservedAt.UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}
