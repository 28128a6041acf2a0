package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"iot-kpi/internal/checkpoint"
	inventory "iot-kpi/internal/inventory/domain"
	statusapp "iot-kpi/internal/status/application"
	"iot-kpi/internal/storage"
	"iot-kpi/internal/storage/memory"
)

func boolPtr(v bool) *bool { return &v }

func newWriter(t *testing.T, store *memory.Store, clock clockwork.Clock, batchSize int) *UpsertWriter {
	t.Helper()
	reconciler, err := statusapp.NewReconciler(clock, nil)
	if err != nil {
		t.Fatalf("reconciler: %v", err)
	}
	writer, err := NewUpsertWriter(store, reconciler, UpsertOptions{BatchSize: batchSize, Clock: clock})
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	return writer
}

func listDevices(t *testing.T, store *memory.Store) []inventory.Device {
	t.Helper()
	var devices []inventory.Device
	err := store.Do(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		var err error
		devices, err = tx.Devices().List(ctx, storage.DeviceFilter{IncludeTest: true})
		return err
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	return devices
}

func sampleRecords(created time.Time) []inventory.Record {
	return []inventory.Record{
		{ExternalID: "d-1", Name: "Gateway", DeviceType: "gateway", Active: boolPtr(true), CreatedTime: created, HasCreated: true},
		{ExternalID: "d-2", Name: "Sensor", DeviceType: "sensor", Active: boolPtr(false), CreatedTime: created.Add(-time.Hour), HasCreated: true},
		{ExternalID: "d-3", Name: "Meter", DeviceType: "meter", CustomerTitle: "Acme"},
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	store := memory.NewStore()
	writer := newWriter(t, store, clock, 2)
	records := sampleRecords(clock.Now().Add(-time.Hour))

	first, err := writer.UpsertDevices(context.Background(), records)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if first.Inserted != 3 || first.Updated != 0 {
		t.Fatalf("unexpected first result %+v", first)
	}

	clock.Advance(time.Minute)
	second, err := writer.UpsertDevices(context.Background(), records)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second.Inserted != 0 || second.Updated != 3 {
		t.Fatalf("replay should insert nothing, got %+v", second)
	}
	if n := len(listDevices(t, store)); n != 3 {
		t.Fatalf("expected 3 devices after replay, got %d", n)
	}
}

func TestUpsertDerivesStatusAndOpensInterval(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	store := memory.NewStore()
	writer := newWriter(t, store, clock, 10)

	if _, err := writer.UpsertDevices(context.Background(), sampleRecords(clock.Now())); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	want := map[string]inventory.Status{
		"d-1": inventory.StatusActive,
		"d-2": inventory.StatusInactive,
		"d-3": inventory.StatusInactive,
	}
	for _, d := range listDevices(t, store) {
		if d.Status != want[d.ExternalID] {
			t.Fatalf("%s: status %s, want %s", d.ExternalID, d.Status, want[d.ExternalID])
		}
		_ = store.Do(context.Background(), func(ctx context.Context, tx storage.Tx) error {
			open, _ := tx.Intervals().FindOpen(ctx, d.ID)
			if len(open) != 1 || open[0].Status != d.Status {
				t.Fatalf("%s: expected one open %s interval, got %+v", d.ExternalID, d.Status, open)
			}
			return nil
		})
	}
}

func TestUpsertRefreshesMutableFields(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	store := memory.NewStore()
	writer := newWriter(t, store, clock, 10)
	created := clock.Now().Add(-time.Hour)

	_, _ = writer.UpsertDevices(context.Background(), []inventory.Record{
		{ExternalID: "d-1", Name: "Old name", DeviceType: "sensor", Active: boolPtr(false), CreatedTime: created, HasCreated: true},
	})
	_, err := writer.UpsertDevices(context.Background(), []inventory.Record{
		{ExternalID: "d-1", Name: "New name", DeviceType: "gateway", Active: boolPtr(true), Label: "roof", CreatedTime: created, HasCreated: true},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	devices := listDevices(t, store)
	if len(devices) != 1 {
		t.Fatalf("expected 1 device, got %d", len(devices))
	}
	d := devices[0]
	if d.Name != "New name" || d.DeviceType != "gateway" || d.Status != inventory.StatusActive {
		t.Fatalf("fields not refreshed: %+v", d)
	}
	if d.Metadata[inventory.MetaLabel] != "roof" {
		t.Fatalf("metadata not merged: %+v", d.Metadata)
	}
	if d.InstalledAt == nil || !d.InstalledAt.Equal(created) {
		t.Fatalf("install time not set: %+v", d.InstalledAt)
	}
}

func TestUpsertSkipsInvalidRecords(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	store := memory.NewStore()
	writer := newWriter(t, store, clock, 10)

	result, err := writer.UpsertDevices(context.Background(), []inventory.Record{
		{ExternalID: "d-1", Name: "Gateway"},
		{ExternalID: "", Name: "No key"},
		{ExternalID: "d-3", Name: "  "},
		{ExternalID: "d-4", Name: "Meter"},
	})
	if err != nil {
		t.Fatalf("per-record failures must not fail the call: %v", err)
	}
	if result.Inserted != 2 || result.Skipped != 2 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestUpsertRollsBackFailedBatch(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	store := memory.NewStore()
	writer := newWriter(t, store, clock, 10)
	boom := errors.New("constraint violation")
	store.InjectFault("intervals.insert", boom)

	result, err := writer.UpsertDevices(context.Background(), sampleRecords(clock.Now()))
	if !errors.Is(err, boom) {
		t.Fatalf("expected store failure, got %v", err)
	}
	if result.Inserted != 0 {
		t.Fatalf("rolled back batch must not be counted, got %+v", result)
	}
	if n := len(listDevices(t, store)); n != 0 {
		t.Fatalf("expected rollback, found %d devices", n)
	}
}

func TestUpsertKeepsMaintenance(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	store := memory.NewStore()
	reconciler, _ := statusapp.NewReconciler(clock, nil)
	writer, _ := NewUpsertWriter(store, reconciler, UpsertOptions{Clock: clock})
	override, _ := statusapp.NewOverrideService(store, reconciler, statusapp.OverrideOptions{Clock: clock})

	_, _ = writer.UpsertDevices(context.Background(), []inventory.Record{{ExternalID: "d-1", Name: "Gateway", Active: boolPtr(true)}})
	if _, _, err := override.SetStatus(context.Background(), "d-1", inventory.StatusMaintenance); err != nil {
		t.Fatalf("override: %v", err)
	}
	_, _ = writer.UpsertDevices(context.Background(), []inventory.Record{{ExternalID: "d-1", Name: "Gateway", Active: boolPtr(false)}})

	if got := listDevices(t, store)[0].Status; got != inventory.StatusMaintenance {
		t.Fatalf("inventory refresh must not leave maintenance, got %s", got)
	}
}

func TestExtractionJobCheckpoint(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	platform := &fakePlatform{devices: []fakeDevice{
		{ID: "d-2", Name: "Two", Created: at(now)},
		{ID: "d-1", Name: "One", Created: at(now.Add(-time.Hour))},
	}}
	extractor := newExtractor(t, platform)
	store := memory.NewStore()
	writer := newWriter(t, store, clockwork.NewRealClock(), 10)
	checkpoints := checkpoint.NewMemory()
	job, err := NewExtractionJob(extractor, writer, checkpoints, store, 10, nil)
	if err != nil {
		t.Fatalf("job: %v", err)
	}

	first, err := job.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Since != nil || first.Upsert.Inserted != 2 {
		t.Fatalf("first run should be a full extraction: %+v", first)
	}
	pos, ok, _ := checkpoints.Get(context.Background(), checkpoint.DeviceCreatedTime)
	if !ok || !pos.Equal(now) {
		t.Fatalf("checkpoint not advanced to newest created time: %v %v", pos, ok)
	}

	second, err := job.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Extracted != 0 || second.Since == nil {
		t.Fatalf("incremental run should extract nothing new: %+v", second)
	}

	full, err := job.Run(context.Background(), true)
	if err != nil {
		t.Fatalf("full run: %v", err)
	}
	if full.Extracted != 2 || full.Upsert.Updated != 2 {
		t.Fatalf("full refresh should revisit every device: %+v", full)
	}
}

func TestExtractionJobFallsBackToInstallTime(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	platform := &fakePlatform{devices: []fakeDevice{
		{ID: "d-2", Name: "Two", Created: at(now)},
		{ID: "d-1", Name: "One", Created: at(now.Add(-time.Hour))},
	}}
	extractor := newExtractor(t, platform)
	store := memory.NewStore()
	writer := newWriter(t, store, clockwork.NewRealClock(), 10)
	_, _ = writer.UpsertDevices(context.Background(), []inventory.Record{
		{ExternalID: "d-1", Name: "One", CreatedTime: now.Add(-time.Hour), HasCreated: true},
	})

	job, _ := NewExtractionJob(extractor, writer, checkpoint.NewMemory(), store, 10, nil)
	result, err := job.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Since == nil || !result.Since.Equal(now.Add(-time.Hour)) {
		t.Fatalf("expected cursor from newest install time, got %v", result.Since)
	}
	if result.Extracted != 1 || result.Upsert.Inserted != 1 {
		t.Fatalf("expected only the newer device, got %+v", result)
	}
}

func TestExtractionJobKeepsCheckpointWhenWalkAborts(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	platform := &fakePlatform{
		devices: []fakeDevice{
			{ID: "new-a", Name: "A", Created: at(now)},
			{ID: "new-b", Name: "B", Created: at(now.Add(-time.Hour))},
			{ID: "old", Name: "Old", Created: at(now.Add(-48 * time.Hour))},
		},
		failPage: 1,
	}
	platform.failures.Store(1)
	extractor := newExtractor(t, platform)
	store := memory.NewStore()
	writer := newWriter(t, store, clockwork.NewRealClock(), 10)
	checkpoints := checkpoint.NewMemory()
	cursor := now.Add(-24 * time.Hour)
	if err := checkpoints.Advance(context.Background(), checkpoint.DeviceCreatedTime, cursor); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}
	job, _ := NewExtractionJob(extractor, writer, checkpoints, store, 1, nil)

	first, err := job.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if !first.Aborted || first.Extracted != 1 || first.Upsert.Inserted != 1 || first.Checkpoint != nil {
		t.Fatalf("aborted walk should upsert the fetched page only: %+v", first)
	}
	pos, _, _ := checkpoints.Get(context.Background(), checkpoint.DeviceCreatedTime)
	if !pos.Equal(cursor) {
		t.Fatalf("checkpoint moved on an aborted walk: %v", pos)
	}

	second, err := job.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Aborted || second.Extracted != 2 || second.Upsert.Inserted != 1 || second.Upsert.Updated != 1 {
		t.Fatalf("recovered run should pick up the missed device: %+v", second)
	}
	pos, _, _ = checkpoints.Get(context.Background(), checkpoint.DeviceCreatedTime)
	if !pos.Equal(now) {
		t.Fatalf("checkpoint not advanced after a complete walk: %v", pos)
	}
	stored := map[string]bool{}
	for _, d := range listDevices(t, store) {
		stored[d.ExternalID] = true
	}
	if len(stored) != 2 || !stored["new-a"] || !stored["new-b"] {
		t.Fatalf("expected new-a and new-b stored, got %v", stored)
	}
}
