package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"iot-kpi/internal/storage"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// UnitOfWork runs each unit on its own transaction.
type UnitOfWork struct {
	db *sql.DB
}

// NewUnitOfWork constructs a UnitOfWork.
func NewUnitOfWork(db *sql.DB) (*UnitOfWork, error) {
	if db == nil {
		return nil, errors.New("postgres: nil db")
	}
	return &UnitOfWork{db: db}, nil
}

// Do implements storage.UnitOfWork.
func (u *UnitOfWork) Do(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) (err error) {
	if fn == nil {
		return errors.New("postgres: nil unit of work")
	}
	sqlTx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = sqlTx.Rollback()
			panic(r)
		}
	}()

	if err := fn(ctx, NewTx(sqlTx)); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type pgTx struct {
	db DBTX
}

// NewTx binds the repositories to db. db may be a transaction or a pool.
func NewTx(db DBTX) storage.Tx {
	return &pgTx{db: db}
}

func (t *pgTx) Devices() storage.DeviceRepository     { return NewDeviceRepository(t.db) }
func (t *pgTx) Intervals() storage.IntervalRepository { return NewIntervalRepository(t.db) }
func (t *pgTx) Samples() storage.SampleRepository     { return NewSampleRepository(t.db) }
func (t *pgTx) Metrics() storage.MetricRepository     { return NewMetricRepository(t.db) }
func (t *pgTx) Windows() storage.WindowRepository     { return NewWindowRepository(t.db) }
func (t *pgTx) KPIs() storage.KPIRepository           { return NewKPIRepository(t.db) }
