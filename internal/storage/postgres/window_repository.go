package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	analytics "iot-kpi/internal/analytics/domain"
)

// WindowRepository is a Postgres implementation for hourly uptime windows.
type WindowRepository struct {
	db DBTX
}

// NewWindowRepository constructs a repository.
func NewWindowRepository(db DBTX) *WindowRepository {
	return &WindowRepository{db: db}
}

// Upsert writes a window, overwriting derived fields on conflict.
func (r *WindowRepository) Upsert(ctx context.Context, w analytics.Window) error {
	if r == nil || r.db == nil {
		return errors.New("window repo: nil db")
	}
	if err := w.Validate(); err != nil {
		return err
	}
	var avg sql.NullFloat64
	if w.AvgRSS != nil {
		avg = sql.NullFloat64{Float64: *w.AvgRSS, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO device_status_windows (
	device_id,
	window_start,
	window_end,
	uptime_percentage,
	avg_rss,
	active_minutes,
	inactive_minutes,
	computed_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8
)
ON CONFLICT (device_id, window_start)
DO UPDATE SET
	window_end = EXCLUDED.window_end,
	uptime_percentage = EXCLUDED.uptime_percentage,
	avg_rss = EXCLUDED.avg_rss,
	active_minutes = EXCLUDED.active_minutes,
	inactive_minutes = EXCLUDED.inactive_minutes,
	computed_at = EXCLUDED.computed_at`,
		w.DeviceID,
		w.Start,
		w.End,
		w.UptimePercentage,
		avg,
		w.ActiveMinutes,
		w.InactiveMinutes,
		w.ComputedAt,
	)
	return err
}

// ListBetween returns windows starting in [from, to).
func (r *WindowRepository) ListBetween(ctx context.Context, from, to time.Time) ([]analytics.Window, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("window repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT
	device_id,
	window_start,
	window_end,
	uptime_percentage,
	avg_rss,
	active_minutes,
	inactive_minutes,
	computed_at
FROM device_status_windows
WHERE window_start >= $1 AND window_start < $2
ORDER BY window_start, device_id`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []analytics.Window
	for rows.Next() {
		var (
			w   analytics.Window
			avg sql.NullFloat64
		)
		if err := rows.Scan(&w.DeviceID, &w.Start, &w.End, &w.UptimePercentage, &avg, &w.ActiveMinutes, &w.InactiveMinutes, &w.ComputedAt); err != nil {
			return nil, err
		}
		w.Start = w.Start.UTC()
		w.End = w.End.UTC()
		w.ComputedAt = w.ComputedAt.UTC()
		if avg.Valid {
			v := avg.Float64
			w.AvgRSS = &v
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
