package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	inventory "iot-kpi/internal/inventory/domain"
	"iot-kpi/internal/storage"
)

// DeviceRepository is a Postgres implementation for inventory devices.
type DeviceRepository struct {
	db DBTX
}

// NewDeviceRepository constructs a repository.
func NewDeviceRepository(db DBTX) *DeviceRepository {
	return &DeviceRepository{db: db}
}

const deviceColumns = `
	id,
	external_id,
	name,
	device_type,
	location,
	status,
	is_test_device,
	installed_at,
	last_seen,
	metadata,
	created_at,
	updated_at`

// FindByExternalID loads a device by natural key; nil when absent.
func (r *DeviceRepository) FindByExternalID(ctx context.Context, externalID string) (*inventory.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `SELECT`+deviceColumns+` FROM devices WHERE external_id = $1`, externalID)
	d, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Get loads a device by id.
func (r *DeviceRepository) Get(ctx context.Context, id uuid.UUID) (*inventory.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `SELECT`+deviceColumns+` FROM devices WHERE id = $1`, id)
	d, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, inventory.ErrDeviceNotFound
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// List returns devices ordered by external id.
func (r *DeviceRepository) List(ctx context.Context, filter storage.DeviceFilter) ([]inventory.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `SELECT`+deviceColumns+`
FROM devices
WHERE ($1 OR is_test_device = FALSE)
ORDER BY external_id`, filter.IncludeTest)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []inventory.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

// Insert creates a device row.
func (r *DeviceRepository) Insert(ctx context.Context, d *inventory.Device) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	if d == nil || d.ID == uuid.Nil || d.ExternalID == "" {
		return errors.New("device repo: invalid device")
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO devices (
	id,
	external_id,
	name,
	device_type,
	location,
	status,
	is_test_device,
	installed_at,
	last_seen,
	metadata,
	created_at,
	updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
)`,
		d.ID,
		d.ExternalID,
		d.Name,
		d.DeviceType,
		d.Location,
		string(d.Status),
		d.IsTest,
		nullTime(d.InstalledAt),
		nullTime(d.LastSeen),
		d.Metadata,
		d.CreatedAt,
		d.UpdatedAt,
	)
	return err
}

// Update writes the mutable inventory fields. The external id never changes.
func (r *DeviceRepository) Update(ctx context.Context, d *inventory.Device) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	if d == nil {
		return errors.New("device repo: invalid device")
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE devices SET
	name = $2,
	device_type = $3,
	is_test_device = $4,
	installed_at = $5,
	metadata = $6,
	updated_at = $7
WHERE id = $1`,
		d.ID,
		d.Name,
		d.DeviceType,
		d.IsTest,
		nullTime(d.InstalledAt),
		d.Metadata,
		d.UpdatedAt,
	)
	if err != nil {
		return err
	}
	return expectRow(res, inventory.ErrDeviceNotFound)
}

// SetStatus writes the device status column.
func (r *DeviceRepository) SetStatus(ctx context.Context, id uuid.UUID, s inventory.Status, at time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	res, err := r.db.ExecContext(ctx, `UPDATE devices SET status = $2, updated_at = $3 WHERE id = $1`, id, string(s), at)
	if err != nil {
		return err
	}
	return expectRow(res, inventory.ErrDeviceNotFound)
}

// Touch moves last_seen forward and merges metadata keys.
func (r *DeviceRepository) Touch(ctx context.Context, id uuid.UUID, lastSeen time.Time, meta inventory.Metadata) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE devices SET
	last_seen = GREATEST(last_seen, $2),
	metadata = metadata || $3::jsonb,
	updated_at = $2
WHERE id = $1`, id, lastSeen, meta)
	if err != nil {
		return err
	}
	return expectRow(res, inventory.ErrDeviceNotFound)
}

// MaxInstalledAt returns the newest install time in the inventory.
func (r *DeviceRepository) MaxInstalledAt(ctx context.Context) (time.Time, bool, error) {
	if r == nil || r.db == nil {
		return time.Time{}, false, errors.New("device repo: nil db")
	}
	var max sql.NullTime
	if err := r.db.QueryRowContext(ctx, `SELECT MAX(installed_at) FROM devices`).Scan(&max); err != nil {
		return time.Time{}, false, err
	}
	if !max.Valid {
		return time.Time{}, false, nil
	}
	return max.Time.UTC(), true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*inventory.Device, error) {
	var (
		d           inventory.Device
		status      string
		installedAt sql.NullTime
		lastSeen    sql.NullTime
	)
	if err := row.Scan(
		&d.ID,
		&d.ExternalID,
		&d.Name,
		&d.DeviceType,
		&d.Location,
		&status,
		&d.IsTest,
		&installedAt,
		&lastSeen,
		&d.Metadata,
		&d.CreatedAt,
		&d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	d.Status = inventory.Status(status)
	d.InstalledAt = timePtr(installedAt)
	d.LastSeen = timePtr(lastSeen)
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return &d, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func expectRow(res sql.Result, notFound error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return notFound
	}
	return nil
}
