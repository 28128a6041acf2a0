package apihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	analyticsapp "iot-kpi/internal/analytics/application"
	analytics "iot-kpi/internal/analytics/domain"
	inventory "iot-kpi/internal/inventory/domain"
	"iot-kpi/internal/scheduler"
	statusapp "iot-kpi/internal/status/application"
	status "iot-kpi/internal/status/domain"
)

var fixedNow = time.Date(2024, 3, 2, 10, 30, 0, 0, time.UTC)

type stubPinger struct{ err error }

func (p stubPinger) PingContext(context.Context) error { return p.err }

type stubJobs struct {
	name string
	err  error
}

func (j *stubJobs) RunOnce(_ context.Context, name string) (any, error) {
	j.name = name
	if j.err != nil {
		return nil, j.err
	}
	return map[string]int{"extracted": 3}, nil
}

type stubStatus struct {
	next inventory.Status
}

func (s *stubStatus) View(_ context.Context, ref string) (statusapp.StatusView, error) {
	if ref != "dev-1" {
		return statusapp.StatusView{}, inventory.ErrDeviceNotFound
	}
	return statusapp.StatusView{ExternalID: ref, Status: inventory.StatusActive, Online: true}, nil
}

func (s *stubStatus) SetStatus(_ context.Context, ref string, next inventory.Status) (status.Transition, bool, error) {
	if ref != "dev-1" {
		return status.Transition{}, false, inventory.ErrDeviceNotFound
	}
	s.next = next
	return status.Transition{ExternalID: ref, From: inventory.StatusActive, To: next, Source: status.SourceOverride}, true, nil
}

type stubKPIs struct {
	req analyticsapp.KPIRequest
}

func (k *stubKPIs) Calculate(_ context.Context, req analyticsapp.KPIRequest) (analytics.Calculation, error) {
	k.req = req
	if _, err := analytics.ParseKind(string(req.Kind)); err != nil {
		return analytics.Calculation{}, err
	}
	return analytics.Calculation{
		ID:           uuid.New(),
		Kind:         req.Kind,
		PeriodStart:  req.PeriodStart,
		PeriodEnd:    req.PeriodEnd,
		Value:        99.5,
		Metadata:     analytics.Details{"threshold_met": true},
		CalculatedAt: fixedNow,
	}, nil
}

func (k *stubKPIs) Recent(_ context.Context, _ string, limit int) ([]analytics.Calculation, error) {
	out := make([]analytics.Calculation, limit)
	for i := range out {
		out[i] = analytics.Calculation{ID: uuid.New(), Kind: analytics.KindErrorRate}
	}
	return out, nil
}

type stubReports struct {
	from, to time.Time
}

func (r *stubReports) Uptime(_ context.Context, from, to time.Time) (analytics.UptimeReport, error) {
	r.from, r.to = from, to
	if !to.After(from) {
		return analytics.UptimeReport{}, analytics.ErrInvalidPeriod
	}
	return analytics.UptimeReport{From: from, To: to, GeneratedAt: fixedNow, Rows: []analytics.UptimeRow{{ExternalID: "dev-1", UptimePercentage: 100}}}, nil
}

type fixture struct {
	handler http.Handler
	jobs    *stubJobs
	status  *stubStatus
	kpis    *stubKPIs
	reports *stubReports
}

func newFixture(t *testing.T, db Pinger) fixture {
	t.Helper()
	f := fixture{jobs: &stubJobs{}, status: &stubStatus{}, kpis: &stubKPIs{}, reports: &stubReports{}}
	handler, err := NewRouter(Deps{
		DB:      db,
		Jobs:    f.jobs,
		Status:  f.status,
		KPIs:    f.kpis,
		Reports: f.reports,
		Now:     func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	f.handler = handler
	return f
}

func do(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewRouterRequiresDeps(t *testing.T) {
	if _, err := NewRouter(Deps{}); err == nil {
		t.Fatalf("expected missing dependency error")
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, stubPinger{})
	rec := do(f.handler, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected health %d %q", rec.Code, rec.Body.String())
	}

	rec = do(f.handler, http.MethodGet, "/healthz/detailed", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"database":"healthy"`) {
		t.Fatalf("unexpected detailed health %d %s", rec.Code, rec.Body.String())
	}
}

func TestHealthDetailedReportsDatabaseDown(t *testing.T) {
	f := newFixture(t, stubPinger{err: errors.New("connection refused")})
	rec := do(f.handler, http.MethodGet, "/healthz/detailed", "")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "unhealthy") {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
}

func TestRunJob(t *testing.T) {
	f := newFixture(t, stubPinger{})
	rec := do(f.handler, http.MethodPost, "/api/v1/jobs/extract/run?full=true", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if f.jobs.name != "extract-full" {
		t.Fatalf("unexpected job %q", f.jobs.name)
	}
	var resp jobResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.Status != "ok" {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}

	if rec := do(f.handler, http.MethodGet, "/api/v1/jobs/extract/run", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestRunJobErrors(t *testing.T) {
	f := newFixture(t, stubPinger{})
	cases := []struct {
		err  error
		want int
	}{
		{scheduler.ErrUnknownJob, http.StatusNotFound},
		{scheduler.ErrBusy, http.StatusConflict},
		{errors.New("platform down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		f.jobs.err = tc.err
		rec := do(f.handler, http.MethodPost, "/api/v1/jobs/ingest/run", "")
		if rec.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, rec.Code)
		}
	}
}

func TestDeviceStatus(t *testing.T) {
	f := newFixture(t, stubPinger{})
	rec := do(f.handler, http.MethodGet, "/api/v1/devices/dev-1/status", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"online":true`) {
		t.Fatalf("unexpected view %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(f.handler, http.MethodGet, "/api/v1/devices/ghost/status", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = do(f.handler, http.MethodPut, "/api/v1/devices/dev-1/status", `{"status":"Maintenance"}`)
	if rec.Code != http.StatusOK || f.status.next != inventory.StatusMaintenance {
		t.Fatalf("unexpected override %d %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"changed":true`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}

	if rec := do(f.handler, http.MethodPut, "/api/v1/devices/dev-1/status", `{"status":"broken"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad status, got %d", rec.Code)
	}
	if rec := do(f.handler, http.MethodPut, "/api/v1/devices/dev-1/status", `{`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad json, got %d", rec.Code)
	}
}

func TestCalculateKPI(t *testing.T) {
	f := newFixture(t, stubPinger{})
	body := `{"device_id":"dev-1","calculation_type":"uptime_percentage","period_start":"2024-03-01T00:00:00Z","period_end":"2024-03-02T00:00:00Z"}`
	rec := do(f.handler, http.MethodPost, "/api/v1/kpis", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d %s", rec.Code, rec.Body.String())
	}
	if f.kpis.req.DeviceRef != "dev-1" || f.kpis.req.PeriodEnd.Sub(f.kpis.req.PeriodStart) != 24*time.Hour {
		t.Fatalf("unexpected request %+v", f.kpis.req)
	}
	var resp kpiResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Value != 99.5 || resp.TimePeriod != "2024-03-01T00:00:00Z/24h0m0s" {
		t.Fatalf("unexpected response %+v", resp)
	}

	bad := `{"calculation_type":"mttr","period_start":"2024-03-01T00:00:00Z","period_end":"2024-03-02T00:00:00Z"}`
	if rec := do(f.handler, http.MethodPost, "/api/v1/kpis", bad); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown kind, got %d", rec.Code)
	}
}

func TestListKPIs(t *testing.T) {
	f := newFixture(t, stubPinger{})
	rec := do(f.handler, http.MethodGet, "/api/v1/kpis?limit=2", "")
	var resp []kpiResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || len(resp) != 2 {
		t.Fatalf("unexpected list %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(f.handler, http.MethodGet, "/api/v1/kpis?limit=x", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestUptimeReportDownload(t *testing.T) {
	f := newFixture(t, stubPinger{})
	rec := do(f.handler, http.MethodGet, "/api/v1/reports/uptime?format=pdf", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "application/pdf" || !bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF")) {
		t.Fatalf("expected a pdf download")
	}
	wantTo := time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC)
	if !f.reports.to.Equal(wantTo) || !f.reports.from.Equal(wantTo.Add(-24*time.Hour)) {
		t.Fatalf("unexpected default range %s..%s", f.reports.from, f.reports.to)
	}
	if !strings.Contains(rec.Header().Get("Content-Disposition"), "uptime_") {
		t.Fatalf("missing attachment header")
	}

	if rec := do(f.handler, http.MethodGet, "/api/v1/reports/uptime?format=csv", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for csv, got %d", rec.Code)
	}
	if rec := do(f.handler, http.MethodGet, "/api/v1/reports/uptime?from=yesterday", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad from, got %d", rec.Code)
	}
	inverted := "/api/v1/reports/uptime?from=2024-03-02T00:00:00Z&to=2024-03-01T00:00:00Z"
	if rec := do(f.handler, http.MethodGet, inverted, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for inverted range, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, stubPinger{})
	if rec := do(f.handler, http.MethodGet, "/metrics", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected metrics, got %d", rec.Code)
	}
}
