package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"iot-kpi/internal/logging"
	"iot-kpi/internal/observability/metrics"
	"iot-kpi/internal/storage"
	telemetry "iot-kpi/internal/telemetry/domain"
)

const defaultHorizon = 30 * 24 * time.Hour

// Archiver copies rows somewhere durable before they are deleted.
type Archiver interface {
	Archive(ctx context.Context, samples []telemetry.Sample) (int64, error)
}

// PruneResult summarizes one prune run.
type PruneResult struct {
	Cutoff   time.Time `json:"cutoff"`
	Matched  int64     `json:"matched"`
	Deleted  int64     `json:"deleted"`
	Archived int64     `json:"archived"`
}

// PrunerOptions configures a Pruner.
type PrunerOptions struct {
	Horizon  time.Duration
	Archiver Archiver
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

// Pruner deletes raw telemetry older than the retention horizon.
type Pruner struct {
	uow      storage.UnitOfWork
	horizon  time.Duration
	archiver Archiver
	clock    clockwork.Clock
	logger   *slog.Logger
}

// NewPruner constructs a pruner.
func NewPruner(uow storage.UnitOfWork, opts PrunerOptions) (*Pruner, error) {
	if uow == nil {
		return nil, errors.New("pruner: nil unit of work")
	}
	if opts.Horizon <= 0 {
		opts.Horizon = defaultHorizon
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Pruner{
		uow:      uow,
		horizon:  opts.Horizon,
		archiver: opts.Archiver,
		clock:    opts.Clock,
		logger:   logging.OrNop(opts.Logger),
	}, nil
}

// Prune counts rows older than the horizon and deletes them. No delete is
// issued when nothing matches. With an archiver, rows are archived first and
// an archive failure leaves every row in place.
func (p *Pruner) Prune(ctx context.Context) (PruneResult, error) {
	result := PruneResult{Cutoff: p.clock.Now().UTC().Add(-p.horizon)}
	logger := p.logger.With("stage", "prune", "cutoff", result.Cutoff.Format(time.RFC3339))

	err := p.uow.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		matched, err := tx.Samples().CountOlderThan(ctx, result.Cutoff)
		if err != nil {
			return fmt.Errorf("count: %w", err)
		}
		result.Matched = matched
		if matched == 0 {
			return nil
		}

		if p.archiver != nil {
			samples, err := tx.Samples().ListOlderThan(ctx, result.Cutoff)
			if err != nil {
				return fmt.Errorf("list for archive: %w", err)
			}
			archived, err := p.archiver.Archive(ctx, samples)
			if err != nil {
				return fmt.Errorf("archive: %w", err)
			}
			result.Archived = archived
		}

		deleted, err := tx.Samples().DeleteOlderThan(ctx, result.Cutoff)
		if err != nil {
			return fmt.Errorf("delete: %w", err)
		}
		result.Deleted = deleted
		return nil
	})
	if err != nil {
		logger.Error("prune failed", "records", result.Matched, "err", err)
		return PruneResult{Cutoff: result.Cutoff, Matched: result.Matched}, err
	}

	metrics.AddArchived(result.Archived)
	metrics.AddPruned(result.Deleted)
	if result.Matched == 0 {
		logger.Info("nothing to prune")
	} else {
		logger.Info("prune complete", "matched", result.Matched, "archived", result.Archived, "deleted", result.Deleted)
	}
	return result, nil
}
