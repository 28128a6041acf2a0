package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"iot-kpi/internal/logging"
)

// ConnectOptions bounds store acquisition.
type ConnectOptions struct {
	Retries      int
	RetryDelay   time.Duration
	MaxOpenConns int
	Logger       *slog.Logger
}

// Connect opens a pgx-backed pool and pings it, retrying up to opts.Retries
// times with opts.RetryDelay between attempts.
func Connect(ctx context.Context, dsn string, opts ConnectOptions) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("postgres: empty dsn")
	}
	logger := logging.OrNop(opts.Logger)
	attempts := opts.Retries
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		db, err := open(ctx, dsn, opts.MaxOpenConns)
		if err == nil {
			if attempt > 1 {
				logger.Info("database connected after retry", "attempt", attempt)
			}
			return db, nil
		}
		lastErr = err
		logger.Warn("database connect failed", "attempt", attempt, "max_attempts", attempts, "err", err)
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.RetryDelay):
		}
	}
	return nil, fmt.Errorf("postgres: connect after %d attempts: %w", attempts, lastErr)
}

func open(ctx context.Context, dsn string, maxOpen int) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(maxOpen / 2)
	}
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

// Healthy returns nil when the database is reachable.
func Healthy(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return errors.New("postgres: nil db")
	}
	return db.PingContext(ctx)
}
