package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"

	analytics "iot-kpi/internal/analytics/domain"
)

// KPIRepository is a Postgres implementation for KPI calculations.
type KPIRepository struct {
	db DBTX
}

// NewKPIRepository constructs a repository.
func NewKPIRepository(db DBTX) *KPIRepository {
	return &KPIRepository{db: db}
}

// Insert appends a calculation.
func (r *KPIRepository) Insert(ctx context.Context, c analytics.Calculation) error {
	if r == nil || r.db == nil {
		return errors.New("kpi repo: nil db")
	}
	var device any
	if c.DeviceID != nil {
		device = *c.DeviceID
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO kpi_calculations (
	id,
	device_id,
	calculation_type,
	time_period,
	period_start,
	period_end,
	value,
	metadata,
	calculated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9
)`,
		c.ID,
		device,
		string(c.Kind),
		c.TimePeriod(),
		c.PeriodStart,
		c.PeriodEnd,
		c.Value,
		c.Metadata,
		c.CalculatedAt,
	)
	return err
}

// ListRecent returns the newest calculations first.
func (r *KPIRepository) ListRecent(ctx context.Context, deviceID *uuid.UUID, limit int) ([]analytics.Calculation, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("kpi repo: nil db")
	}
	if limit <= 0 {
		limit = 100
	}
	var device any
	if deviceID != nil {
		device = *deviceID
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT
	id,
	device_id,
	calculation_type,
	period_start,
	period_end,
	value,
	metadata,
	calculated_at
FROM kpi_calculations
WHERE ($1::uuid IS NULL OR device_id = $1::uuid)
ORDER BY calculated_at DESC
LIMIT $2`, device, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []analytics.Calculation
	for rows.Next() {
		var (
			c      analytics.Calculation
			owner uuid.NullUUID
			kind  string
		)
		if err := rows.Scan(&c.ID, &owner, &kind, &c.PeriodStart, &c.PeriodEnd, &c.Value, &c.Metadata, &c.CalculatedAt); err != nil {
			return nil, err
		}
		if owner.Valid {
			id := owner.UUID
			c.DeviceID = &id
		}
		c.Kind = analytics.Kind(kind)
		c.PeriodStart = c.PeriodStart.UTC()
		c.PeriodEnd = c.PeriodEnd.UTC()
		c.CalculatedAt = c.CalculatedAt.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}
