package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Postgres stores checkpoints in the pipeline_checkpoints table.
type Postgres struct {
	db *sql.DB
}

// NewPostgres constructs a Postgres store.
func NewPostgres(db *sql.DB) (*Postgres, error) {
	if db == nil {
		return nil, errors.New("checkpoint: nil db")
	}
	return &Postgres{db: db}, nil
}

// Get implements Store.
func (p *Postgres) Get(ctx context.Context, name string) (time.Time, bool, error) {
	if name == "" {
		return time.Time{}, false, ErrEmptyName
	}
	var pos time.Time
	err := p.db.QueryRowContext(ctx, `SELECT position FROM pipeline_checkpoints WHERE name = $1`, name).Scan(&pos)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return pos.UTC(), true, nil
}

// Advance implements Store.
func (p *Postgres) Advance(ctx context.Context, name string, position time.Time) error {
	if name == "" {
		return ErrEmptyName
	}
	_, err := p.db.ExecContext(ctx, `
INSERT INTO pipeline_checkpoints (name, position, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (name)
DO UPDATE SET
	position = EXCLUDED.position,
	updated_at = EXCLUDED.updated_at
WHERE pipeline_checkpoints.position < EXCLUDED.position`, name, position.UTC())
	return err
}
