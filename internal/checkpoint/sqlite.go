package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite stores checkpoints in a local SQLite file. Positions are unix
// microseconds.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens the database at dsn and creates the table.
func OpenSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:checkpoints.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &SQLite{db: db}
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Init creates the checkpoint table.
func (s *SQLite) Init(ctx context.Context) error {
	if s.db == nil {
		return errors.New("checkpoint: nil db")
	}
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS pipeline_checkpoints (
		name TEXT PRIMARY KEY,
		position INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	)`)
	return err
}

// Close releases the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Get implements Store.
func (s *SQLite) Get(ctx context.Context, name string) (time.Time, bool, error) {
	if name == "" {
		return time.Time{}, false, ErrEmptyName
	}
	var micros int64
	err := s.db.QueryRowContext(ctx, `SELECT position FROM pipeline_checkpoints WHERE name = ?`, name).Scan(&micros)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMicro(micros).UTC(), true, nil
}

// Advance implements Store.
func (s *SQLite) Advance(ctx context.Context, name string, position time.Time) error {
	if name == "" {
		return ErrEmptyName
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_checkpoints (name, position, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET position = excluded.position, updated_at = excluded.updated_at
		WHERE excluded.position > pipeline_checkpoints.position`,
		name,
		position.UnixMicro(),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}
