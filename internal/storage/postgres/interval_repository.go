package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	inventory "iot-kpi/internal/inventory/domain"
	status "iot-kpi/internal/status/domain"
)

// IntervalRepository is a Postgres implementation for status history.
type IntervalRepository struct {
	db DBTX
}

// NewIntervalRepository constructs a repository.
func NewIntervalRepository(db DBTX) *IntervalRepository {
	return &IntervalRepository{db: db}
}

const intervalColumns = `
	id,
	device_id,
	status,
	started_at,
	ended_at,
	duration_seconds`

// FindOpen returns the open intervals of a device.
func (r *IntervalRepository) FindOpen(ctx context.Context, deviceID uuid.UUID) ([]status.Interval, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("interval repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `SELECT`+intervalColumns+`
FROM device_status_history
WHERE device_id = $1 AND ended_at IS NULL
ORDER BY started_at`, deviceID)
	if err != nil {
		return nil, err
	}
	return scanIntervals(rows)
}

// CloseOpen closes every open interval of a device at the given instant.
func (r *IntervalRepository) CloseOpen(ctx context.Context, deviceID uuid.UUID, at time.Time) (int, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("interval repo: nil db")
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE device_status_history SET
	ended_at = GREATEST($2::timestamptz, started_at),
	duration_seconds = GREATEST(EXTRACT(EPOCH FROM ($2::timestamptz - started_at)), 0)
WHERE device_id = $1 AND ended_at IS NULL`, deviceID, at)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// Insert stores an interval. The partial unique index rejects a second open one.
func (r *IntervalRepository) Insert(ctx context.Context, iv status.Interval) error {
	if r == nil || r.db == nil {
		return errors.New("interval repo: nil db")
	}
	var duration sql.NullFloat64
	if iv.EndedAt != nil {
		duration = sql.NullFloat64{Float64: iv.Duration.Seconds(), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO device_status_history (
	id,
	device_id,
	status,
	started_at,
	ended_at,
	duration_seconds
) VALUES (
	$1, $2, $3, $4, $5, $6
)`,
		iv.ID,
		iv.DeviceID,
		string(iv.Status),
		iv.StartedAt,
		nullTime(iv.EndedAt),
		duration,
	)
	return err
}

// ListOverlapping returns intervals touching [from, to).
func (r *IntervalRepository) ListOverlapping(ctx context.Context, deviceID *uuid.UUID, from, to time.Time) ([]status.Interval, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("interval repo: nil db")
	}
	var device any
	if deviceID != nil {
		device = *deviceID
	}
	rows, err := r.db.QueryContext(ctx, `SELECT`+intervalColumns+`
FROM device_status_history
WHERE ($1::uuid IS NULL OR device_id = $1::uuid)
	AND started_at < $3
	AND (ended_at IS NULL OR ended_at > $2)
ORDER BY started_at`, device, from, to)
	if err != nil {
		return nil, err
	}
	return scanIntervals(rows)
}

func scanIntervals(rows *sql.Rows) ([]status.Interval, error) {
	defer rows.Close()
	var out []status.Interval
	for rows.Next() {
		var (
			iv       status.Interval
			s        string
			endedAt  sql.NullTime
			duration sql.NullFloat64
		)
		if err := rows.Scan(&iv.ID, &iv.DeviceID, &s, &iv.StartedAt, &endedAt, &duration); err != nil {
			return nil, err
		}
		iv.Status = inventory.Status(s)
		iv.StartedAt = iv.StartedAt.UTC()
		iv.EndedAt = timePtr(endedAt)
		if duration.Valid {
			iv.Duration = time.Duration(duration.Float64 * float64(time.Second))
		}
		out = append(out, iv)
	}
	return out, rows.Err()
}
