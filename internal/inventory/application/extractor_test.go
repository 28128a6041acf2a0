package application

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"iot-kpi/internal/inventory/adapters/thingsboard"
	inventory "iot-kpi/internal/inventory/domain"
	"iot-kpi/internal/tbadapter"
)

type fakeDevice struct {
	ID      string
	Name    string
	Active  bool
	Created *time.Time
}

// fakePlatform serves devices newest first, paginated like the platform.
// failPage answers 500 for its next failures requests.
type fakePlatform struct {
	devices  []fakeDevice
	status   int
	requests atomic.Int32
	failPage int
	failures atomic.Int32
}

func (f *fakePlatform) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.requests.Add(1)
	if f.status != 0 {
		w.WriteHeader(f.status)
		_, _ = w.Write([]byte("upstream unavailable"))
		return
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page == f.failPage && f.failures.Load() > 0 {
		f.failures.Add(-1)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	total := len(f.devices)
	totalPages := (total + pageSize - 1) / pageSize
	start := page * pageSize
	end := start + pageSize
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}
	data := make([]map[string]any, 0, end-start)
	for _, d := range f.devices[start:end] {
		item := map[string]any{
			"id":     map[string]any{"id": d.ID},
			"name":   d.Name,
			"type":   "sensor",
			"active": d.Active,
		}
		if d.Created != nil {
			item["createdTime"] = d.Created.UnixMilli()
		}
		data = append(data, item)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"data":          data,
		"totalElements": total,
		"totalPages":    totalPages,
		"hasNext":       page < totalPages-1,
	})
}

func newExtractor(t *testing.T, platform *fakePlatform) *Extractor {
	t.Helper()
	srv := httptest.NewServer(platform)
	t.Cleanup(srv.Close)
	client, err := tbadapter.NewClient(srv.URL, "opaque-token")
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	source, err := thingsboard.NewPageSource(client)
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	extractor, err := NewExtractor(source, nil)
	if err != nil {
		t.Fatalf("extractor: %v", err)
	}
	return extractor
}

func at(t time.Time) *time.Time { return &t }

func TestExtractPaginatesAllPages(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	platform := &fakePlatform{devices: []fakeDevice{
		{ID: "d-3", Name: "Three", Created: at(now)},
		{ID: "d-2", Name: "Two", Created: at(now.Add(-time.Hour))},
		{ID: "d-1", Name: "One", Created: at(now.Add(-2 * time.Hour))},
	}}
	extractor := newExtractor(t, platform)

	result, err := extractor.Extract(context.Background(), 1, "")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if got := platform.requests.Load(); got != 3 {
		t.Fatalf("expected 3 page fetches, got %d", got)
	}
	if result.TotalCount != 3 || result.PagesProcessed != 3 {
		t.Fatalf("unexpected result counts %+v", result)
	}
	seen := map[string]bool{}
	for _, rec := range result.Records {
		if seen[rec.ExternalID] {
			t.Fatalf("duplicate record %s", rec.ExternalID)
		}
		seen[rec.ExternalID] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 unique ids, got %d", len(seen))
	}
}

func TestExtractNoDuplicatesForAnyPageSize(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	var devices []fakeDevice
	for i := 0; i < 7; i++ {
		devices = append(devices, fakeDevice{
			ID:      "d-" + strconv.Itoa(i),
			Name:    "Device",
			Created: at(now.Add(-time.Duration(i) * time.Minute)),
		})
	}
	for _, size := range []int{1, 2, 3, 7, 10} {
		platform := &fakePlatform{devices: devices}
		result, err := newExtractor(t, platform).Extract(context.Background(), size, "")
		if err != nil {
			t.Fatalf("size %d: %v", size, err)
		}
		seen := map[string]bool{}
		for _, rec := range result.Records {
			seen[rec.ExternalID] = true
		}
		if len(result.Records) != 7 || len(seen) != 7 {
			t.Fatalf("size %d: got %d records, %d unique", size, len(result.Records), len(seen))
		}
	}
}

func TestExtractSinceStopsEarly(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	platform := &fakePlatform{devices: []fakeDevice{
		{ID: "new", Name: "New", Created: at(now)},
		{ID: "old", Name: "Old", Created: at(now.Add(-24 * time.Hour))},
		{ID: "older", Name: "Older", Created: at(now.Add(-48 * time.Hour))},
	}}
	extractor := newExtractor(t, platform)

	since := inventory.FormatInstant(now.Add(-12 * time.Hour))
	result, err := extractor.Extract(context.Background(), 2, since)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(result.Records) != 1 || result.Records[0].ExternalID != "new" {
		t.Fatalf("expected only the new device, got %+v", result.Records)
	}
	if got := platform.requests.Load(); got != 1 {
		t.Fatalf("expected paging to stop after the first page, got %d fetches", got)
	}
}

func TestExtractSinceSkipsMissingCreatedTime(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	platform := &fakePlatform{devices: []fakeDevice{
		{ID: "new", Name: "New", Created: at(now)},
		{ID: "undated", Name: "Undated"},
		{ID: "newer-than-since", Name: "Recent", Created: at(now.Add(-time.Hour))},
		{ID: "old", Name: "Old", Created: at(now.Add(-24 * time.Hour))},
	}}
	extractor := newExtractor(t, platform)

	result, err := extractor.Extract(context.Background(), 10, inventory.FormatInstant(now.Add(-12*time.Hour)))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(result.Records) != 2 {
		t.Fatalf("expected 2 records, got %+v", result.Records)
	}
	for _, rec := range result.Records {
		if rec.ExternalID == "undated" || rec.ExternalID == "old" {
			t.Fatalf("unexpected record %s", rec.ExternalID)
		}
	}
}

func TestExtractHTTPErrorReturnsEmpty(t *testing.T) {
	platform := &fakePlatform{status: http.StatusInternalServerError}
	extractor := newExtractor(t, platform)

	result, err := extractor.Extract(context.Background(), 100, "")
	if err != nil {
		t.Fatalf("remote failure must not escape: %v", err)
	}
	if result.TotalCount != 0 || len(result.Records) != 0 || !result.Aborted {
		t.Fatalf("expected empty aborted result, got %+v", result)
	}
}

func TestExtractMalformedSinceFailsFast(t *testing.T) {
	platform := &fakePlatform{}
	extractor := newExtractor(t, platform)

	_, err := extractor.Extract(context.Background(), 100, "last tuesday")
	if !errors.Is(err, inventory.ErrInvalidSince) {
		t.Fatalf("expected ErrInvalidSince, got %v", err)
	}
	if got := platform.requests.Load(); got != 0 {
		t.Fatalf("expected no requests, got %d", got)
	}
}

type scriptedSource struct {
	pages []inventory.Page
	errAt int
	calls int
}

func (s *scriptedSource) FetchPage(_ context.Context, page, _ int) (inventory.Page, error) {
	s.calls++
	if page == s.errAt {
		return inventory.Page{}, errors.New("timeout")
	}
	if page >= len(s.pages) {
		return inventory.Page{}, nil
	}
	return s.pages[page], nil
}

func TestExtractKeepsPartialResultOnMidWalkFailure(t *testing.T) {
	source := &scriptedSource{
		pages: []inventory.Page{
			{Records: []inventory.Record{{ExternalID: "a", Name: "A"}}, TotalPages: 3, HasNext: true},
			{Records: []inventory.Record{{ExternalID: "b", Name: "B"}}, TotalPages: 3, HasNext: true},
		},
		errAt: 2,
	}
	extractor, _ := NewExtractor(source, nil)
	result, err := extractor.Extract(context.Background(), 1, "")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(result.Records) != 2 || result.PagesProcessed != 2 || !result.Aborted {
		t.Fatalf("unexpected partial result %+v", result)
	}
}

func TestExtractStopsOnEmptyPage(t *testing.T) {
	source := &scriptedSource{
		pages: []inventory.Page{{Records: nil, TotalPages: 5, HasNext: true}},
		errAt: -1,
	}
	extractor, _ := NewExtractor(source, nil)
	result, _ := extractor.Extract(context.Background(), 1, "")
	if source.calls != 1 || result.TotalCount != 0 {
		t.Fatalf("expected a single fetch, got %d calls and %+v", source.calls, result)
	}
}
