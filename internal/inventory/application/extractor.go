package application

import (
	"context"
	"errors"
	"log/slog"
	"time"

	inventory "iot-kpi/internal/inventory/domain"
	"iot-kpi/internal/logging"
	"iot-kpi/internal/observability/metrics"
)

// PageSource fetches one page of the remote device listing, newest first.
type PageSource interface {
	FetchPage(ctx context.Context, page, pageSize int) (inventory.Page, error)
}

// Result is the outcome of one extraction call. Aborted reports a walk cut
// short by a remote failure; Records then holds only the pages before it.
type Result struct {
	Records        []inventory.Record
	TotalCount     int
	PagesProcessed int
	Aborted        bool
}

// Extractor walks the paginated listing in page order.
type Extractor struct {
	source PageSource
	logger *slog.Logger
}

// NewExtractor constructs an extractor.
func NewExtractor(source PageSource, logger *slog.Logger) (*Extractor, error) {
	if source == nil {
		return nil, errors.New("extractor: nil page source")
	}
	return &Extractor{source: source, logger: logging.OrNop(logger)}, nil
}

// Extract fetches every record, or only records created strictly after since
// when it is non-empty. A malformed since fails before any request. Remote
// failures end the walk and return what was accumulated.
func (e *Extractor) Extract(ctx context.Context, pageSize int, since string) (Result, error) {
	var cursor *time.Time
	if since != "" {
		t, err := inventory.ParseInstant(since)
		if err != nil {
			return Result{}, err
		}
		cursor = &t
	}
	return e.ExtractAfter(ctx, pageSize, cursor)
}

// ExtractAfter is Extract with an already parsed cursor. A nil cursor
// extracts everything.
func (e *Extractor) ExtractAfter(ctx context.Context, pageSize int, since *time.Time) (Result, error) {
	if pageSize <= 0 {
		return Result{}, errors.New("extractor: page size must be positive")
	}
	logger := e.logger.With("stage", "extract", "page_size", pageSize)
	if since != nil {
		logger = logger.With("since", inventory.FormatInstant(*since))
	}

	var (
		records []inventory.Record
		aborted bool
	)
	processed := 0
	for page := 0; ; page++ {
		resp, err := e.source.FetchPage(ctx, page, pageSize)
		if err != nil {
			metrics.IncExtractPage(metrics.ResultError)
			logger.Error("fetch page failed", "page", page, "records", len(records), "err", err)
			processed = page
			aborted = true
			break
		}
		metrics.IncExtractPage(metrics.ResultSuccess)
		processed = page + 1
		logger.Debug("fetched page",
			"page", page, "records", len(resp.Records),
			"total_elements", resp.TotalElements, "total_pages", resp.TotalPages)

		if len(resp.Records) == 0 {
			break
		}

		stop := false
		if since == nil {
			records = append(records, resp.Records...)
		} else {
			for _, rec := range resp.Records {
				if !rec.HasCreated {
					logger.Warn("record missing created time", "page", page, "device_id", rec.ExternalID)
					continue
				}
				if !rec.CreatedTime.After(*since) {
					logger.Info("stopping at checkpoint",
						"page", page, "device_id", rec.ExternalID,
						"created_time", inventory.FormatInstant(rec.CreatedTime))
					stop = true
					break
				}
				records = append(records, rec)
			}
		}
		if stop || !resp.HasNext || page >= resp.TotalPages-1 {
			break
		}
	}

	metrics.AddExtracted(len(records))
	logger.Info("extraction complete", "records", len(records), "pages", processed, "aborted", aborted)
	return Result{Records: records, TotalCount: len(records), PagesProcessed: processed, Aborted: aborted}, nil
}
