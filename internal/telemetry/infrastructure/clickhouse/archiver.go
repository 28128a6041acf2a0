package clickhouse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"iot-kpi/internal/logging"
	telemetry "iot-kpi/internal/telemetry/domain"
)

const createArchiveTable = `
CREATE TABLE IF NOT EXISTS telemetry_archive (
	id          Int64,
	device_id   String,
	timestamp   DateTime64(3, 'UTC'),
	ingested_at DateTime64(3, 'UTC'),
	rss_value   Float64,
	raw_payload String,
	archived_at DateTime64(3, 'UTC')
) ENGINE = ReplacingMergeTree(archived_at)
PARTITION BY toYYYYMM(timestamp)
ORDER BY (device_id, timestamp, id)`

// Options configures the archive connection.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
	Logger   *slog.Logger
}

// Archiver copies raw telemetry into ClickHouse before it is pruned.
// Re-archiving a row is harmless: the table collapses duplicates by id.
type Archiver struct {
	conn   driver.Conn
	logger *slog.Logger
}

// Open connects, pings and ensures the archive table exists.
func Open(ctx context.Context, opts Options) (*Archiver, error) {
	if opts.Addr == "" {
		return nil, errors.New("clickhouse archive: empty addr")
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse archive: open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse archive: ping: %w", err)
	}
	if err := conn.Exec(ctx, createArchiveTable); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse archive: create table: %w", err)
	}
	a := &Archiver{conn: conn, logger: logging.OrNop(opts.Logger)}
	a.logger.Info("clickhouse archive ready", "addr", opts.Addr)
	return a, nil
}

// Archive implements application.Archiver.
func (a *Archiver) Archive(ctx context.Context, samples []telemetry.Sample) (int64, error) {
	if len(samples) == 0 {
		return 0, nil
	}
	batch, err := a.conn.PrepareBatch(ctx, "INSERT INTO telemetry_archive")
	if err != nil {
		return 0, fmt.Errorf("clickhouse archive: prepare: %w", err)
	}
	archivedAt := time.Now().UTC()
	for _, s := range samples {
		payload, err := json.Marshal(s.Payload)
		if err != nil {
			_ = batch.Abort()
			return 0, fmt.Errorf("clickhouse archive: encode payload %d: %w", s.ID, err)
		}
		if err := batch.Append(
			s.ID,
			s.DeviceID.String(),
			s.Timestamp.UTC(),
			s.ObservedAt.UTC(),
			s.RSSValue,
			string(payload),
			archivedAt,
		); err != nil {
			_ = batch.Abort()
			return 0, fmt.Errorf("clickhouse archive: append %d: %w", s.ID, err)
		}
	}
	if err := batch.Send(); err != nil {
		return 0, fmt.Errorf("clickhouse archive: send: %w", err)
	}
	return int64(len(samples)), nil
}

// Close closes the connection.
func (a *Archiver) Close() error {
	if a == nil || a.conn == nil {
		return nil
	}
	return a.conn.Close()
}
