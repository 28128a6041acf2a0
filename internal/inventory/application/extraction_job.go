package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"iot-kpi/internal/checkpoint"
	inventory "iot-kpi/internal/inventory/domain"
	"iot-kpi/internal/logging"
	"iot-kpi/internal/storage"
)

const defaultPageSize = 1000

// JobResult summarizes one extraction run.
type JobResult struct {
	Since          *time.Time   `json:"since,omitempty"`
	Extracted      int          `json:"extracted"`
	PagesProcessed int          `json:"pages_processed"`
	Aborted        bool         `json:"aborted,omitempty"`
	Upsert         UpsertResult `json:"upsert"`
	Checkpoint     *time.Time   `json:"checkpoint,omitempty"`
}

// ExtractionJob runs one checkpointed extract-and-upsert cycle.
type ExtractionJob struct {
	extractor   *Extractor
	writer      *UpsertWriter
	checkpoints checkpoint.Store
	uow         storage.UnitOfWork
	pageSize    int
	logger      *slog.Logger
}

// NewExtractionJob constructs the job.
func NewExtractionJob(extractor *Extractor, writer *UpsertWriter, checkpoints checkpoint.Store, uow storage.UnitOfWork, pageSize int, logger *slog.Logger) (*ExtractionJob, error) {
	if extractor == nil || writer == nil {
		return nil, errors.New("extraction job: nil extractor or writer")
	}
	if checkpoints == nil {
		return nil, errors.New("extraction job: nil checkpoint store")
	}
	if uow == nil {
		return nil, errors.New("extraction job: nil unit of work")
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &ExtractionJob{
		extractor:   extractor,
		writer:      writer,
		checkpoints: checkpoints,
		uow:         uow,
		pageSize:    pageSize,
		logger:      logging.OrNop(logger),
	}, nil
}

// Run extracts devices created after the cursor and upserts them. full
// ignores the cursor. The checkpoint only advances after a complete walk and
// a successful upsert; a walk cut short still upserts what it fetched.
func (j *ExtractionJob) Run(ctx context.Context, full bool) (JobResult, error) {
	var result JobResult
	if !full {
		cursor, err := j.cursor(ctx)
		if err != nil {
			return result, err
		}
		result.Since = cursor
	}

	extracted, err := j.extractor.ExtractAfter(ctx, j.pageSize, result.Since)
	if err != nil {
		return result, err
	}
	result.Extracted = extracted.TotalCount
	result.PagesProcessed = extracted.PagesProcessed
	result.Aborted = extracted.Aborted

	upserted, err := j.writer.UpsertDevices(ctx, extracted.Records)
	result.Upsert = upserted
	if err != nil {
		return result, err
	}

	if extracted.Aborted {
		j.logger.Warn("extraction incomplete, checkpoint kept",
			"stage", "extract", "checkpoint", checkpoint.DeviceCreatedTime,
			"pages", extracted.PagesProcessed, "records", extracted.TotalCount)
		return result, nil
	}
	newest, ok := newestCreated(extracted.Records)
	if !ok {
		return result, nil
	}
	if err := j.checkpoints.Advance(ctx, checkpoint.DeviceCreatedTime, newest); err != nil {
		return result, fmt.Errorf("advance checkpoint: %w", err)
	}
	result.Checkpoint = &newest
	j.logger.Info("checkpoint advanced",
		"stage", "extract", "checkpoint", checkpoint.DeviceCreatedTime,
		"position", inventory.FormatInstant(newest))
	return result, nil
}

func (j *ExtractionJob) cursor(ctx context.Context) (*time.Time, error) {
	pos, ok, err := j.checkpoints.Get(ctx, checkpoint.DeviceCreatedTime)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	if ok {
		return &pos, nil
	}

	var (
		latest time.Time
		found  bool
	)
	err = j.uow.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		latest, found, err = tx.Devices().MaxInstalledAt(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read latest install time: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &latest, nil
}

func newestCreated(records []inventory.Record) (time.Time, bool) {
	var (
		newest time.Time
		found  bool
	)
	for _, rec := range records {
		if !rec.HasCreated {
			continue
		}
		if !found || rec.CreatedTime.After(newest) {
			newest = rec.CreatedTime
			found = true
		}
	}
	return newest, found
}
