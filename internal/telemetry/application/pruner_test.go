package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"iot-kpi/internal/storage"
	"iot-kpi/internal/storage/memory"
	telemetry "iot-kpi/internal/telemetry/domain"
)

type stubArchiver struct {
	got []telemetry.Sample
	err error
}

func (a *stubArchiver) Archive(_ context.Context, samples []telemetry.Sample) (int64, error) {
	if a.err != nil {
		return 0, a.err
	}
	a.got = append(a.got, samples...)
	return int64(len(samples)), nil
}

func seedSamples(t *testing.T, store *memory.Store, clock clockwork.Clock, ages ...time.Duration) {
	t.Helper()
	devices := seedDevices(t, store, clock, deviceSeed{externalID: "d-1"})
	err := store.Do(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		for _, age := range ages {
			ts := clock.Now().Add(-age)
			if _, err := tx.Samples().Insert(ctx, telemetry.Sample{
				DeviceID:   devices["d-1"].ID,
				Timestamp:  ts,
				ObservedAt: ts,
				RSSValue:   -70,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed samples: %v", err)
	}
}

func countSamples(t *testing.T, store *memory.Store) int {
	t.Helper()
	var n int
	_ = store.Do(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		all, err := tx.Samples().ListBetween(ctx, time.Time{}, time.Date(3000, 1, 1, 0, 0, 0, 0, time.UTC))
		n = len(all)
		return err
	})
	return n
}

func TestPruneDeletesOlderThanHorizon(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC))
	store := memory.NewStore()
	day := 24 * time.Hour
	seedSamples(t, store, clock, time.Hour, 10*day, 31*day, 45*day)
	pruner, err := NewPruner(store, PrunerOptions{Horizon: 30 * day, Clock: clock})
	if err != nil {
		t.Fatalf("pruner: %v", err)
	}

	result, err := pruner.Prune(context.Background())
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if result.Matched != 2 || result.Deleted != 2 {
		t.Fatalf("unexpected result %+v", result)
	}
	if n := countSamples(t, store); n != 2 {
		t.Fatalf("expected 2 rows left, got %d", n)
	}
}

func TestPruneShortCircuitsOnZero(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC))
	store := memory.NewStore()
	seedSamples(t, store, clock, time.Hour)
	store.InjectFault("samples.delete", errors.New("delete must not run"))
	pruner, _ := NewPruner(store, PrunerOptions{Clock: clock})

	result, err := pruner.Prune(context.Background())
	if err != nil {
		t.Fatalf("expected no delete statement, got %v", err)
	}
	if result.Matched != 0 || result.Deleted != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestPruneArchivesBeforeDelete(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC))
	store := memory.NewStore()
	seedSamples(t, store, clock, 40*24*time.Hour, time.Hour)
	archiver := &stubArchiver{}
	pruner, _ := NewPruner(store, PrunerOptions{Clock: clock, Archiver: archiver})

	result, err := pruner.Prune(context.Background())
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if result.Archived != 1 || result.Deleted != 1 || len(archiver.got) != 1 {
		t.Fatalf("unexpected result %+v archived=%d", result, len(archiver.got))
	}
}

func TestPruneArchiveFailureKeepsRows(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC))
	store := memory.NewStore()
	seedSamples(t, store, clock, 40*24*time.Hour, 50*24*time.Hour)
	boom := errors.New("archive offline")
	pruner, _ := NewPruner(store, PrunerOptions{Clock: clock, Archiver: &stubArchiver{err: boom}})

	result, err := pruner.Prune(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected archive failure, got %v", err)
	}
	if result.Deleted != 0 {
		t.Fatalf("nothing should be deleted, got %+v", result)
	}
	if n := countSamples(t, store); n != 2 {
		t.Fatalf("rows must survive a failed archive, got %d", n)
	}
}
