package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	analyticsapp "iot-kpi/internal/analytics/application"
	analytics "iot-kpi/internal/analytics/domain"
	inventory "iot-kpi/internal/inventory/domain"
	"iot-kpi/internal/logging"
	"iot-kpi/internal/report"
	"iot-kpi/internal/scheduler"
	statusapp "iot-kpi/internal/status/application"
	status "iot-kpi/internal/status/domain"
)

const timeLayout = time.RFC3339

// JobRunner runs a pipeline stage by name.
type JobRunner interface {
	RunOnce(ctx context.Context, name string) (any, error)
}

// StatusService reads and overrides device status.
type StatusService interface {
	View(ctx context.Context, ref string) (statusapp.StatusView, error)
	SetStatus(ctx context.Context, ref string, next inventory.Status) (status.Transition, bool, error)
}

// KPIService runs and lists KPI calculations.
type KPIService interface {
	Calculate(ctx context.Context, req analyticsapp.KPIRequest) (analytics.Calculation, error)
	Recent(ctx context.Context, ref string, limit int) ([]analytics.Calculation, error)
}

// UptimeReporter builds uptime reports.
type UptimeReporter interface {
	Uptime(ctx context.Context, from, to time.Time) (analytics.UptimeReport, error)
}

// Pinger checks a dependency.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps wires the handlers. Every field is required.
type Deps struct {
	DB      Pinger
	Jobs    JobRunner
	Status  StatusService
	KPIs    KPIService
	Reports UptimeReporter
	Now     func() time.Time
	Logger  *slog.Logger
}

type handlers struct {
	Deps
	logger *slog.Logger
}

// NewRouter builds the operations HTTP surface.
func NewRouter(deps Deps) (http.Handler, error) {
	if deps.DB == nil || deps.Jobs == nil || deps.Status == nil || deps.KPIs == nil || deps.Reports == nil {
		return nil, errors.New("apihttp: missing dependency")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	h := &handlers{Deps: deps, logger: logging.OrNop(deps.Logger)}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	router.HandleFunc("/healthz/detailed", h.healthDetailed).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/jobs/{name}/run", h.runJob).Methods(http.MethodPost)
	api.HandleFunc("/devices/{id}/status", h.getStatus).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}/status", h.putStatus).Methods(http.MethodPut)
	api.HandleFunc("/kpis", h.calculateKPI).Methods(http.MethodPost)
	api.HandleFunc("/kpis", h.listKPIs).Methods(http.MethodGet)
	api.HandleFunc("/reports/uptime", h.uptimeReport).Methods(http.MethodGet)

	return loggingMiddleware(router, h.logger), nil
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *handlers) healthDetailed(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	body := map[string]any{
		"status":    "healthy",
		"timestamp": h.Now().UTC().Format(timeLayout),
		"database":  "healthy",
	}
	code := http.StatusOK
	if err := h.DB.PingContext(ctx); err != nil {
		body["status"] = "unhealthy"
		body["database"] = "unhealthy"
		body["error"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, body)
}

type jobResponse struct {
	Job    string `json:"job"`
	Status string `json:"status"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (h *handlers) runJob(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if full, _ := strconv.ParseBool(r.URL.Query().Get("full")); full {
		name += "-full"
	}
	result, err := h.Jobs.RunOnce(r.Context(), name)
	if err != nil {
		code := http.StatusInternalServerError
		switch {
		case errors.Is(err, scheduler.ErrUnknownJob):
			code = http.StatusNotFound
		case errors.Is(err, scheduler.ErrBusy):
			code = http.StatusConflict
		}
		writeJSON(w, code, jobResponse{Job: name, Status: "error", Result: result, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{Job: name, Status: "ok", Result: result})
}

func (h *handlers) getStatus(w http.ResponseWriter, r *http.Request) {
	view, err := h.Status.View(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type statusRequest struct {
	Status string `json:"status"`
}

type statusResponse struct {
	Changed    bool               `json:"changed"`
	Transition *status.Transition `json:"transition,omitempty"`
}

func (h *handlers) putStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	next, err := inventory.ParseStatus(req.Status)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	transition, changed, err := h.Status.SetStatus(r.Context(), mux.Vars(r)["id"], next)
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp := statusResponse{Changed: changed}
	if changed {
		resp.Transition = &transition
	}
	writeJSON(w, http.StatusOK, resp)
}

type kpiResponse struct {
	ID              string            `json:"id"`
	DeviceID        *string           `json:"device_id"`
	CalculationType analytics.Kind    `json:"calculation_type"`
	TimePeriod      string            `json:"time_period"`
	PeriodStart     string            `json:"period_start"`
	PeriodEnd       string            `json:"period_end"`
	Value           float64           `json:"value"`
	Metadata        analytics.Details `json:"metadata"`
	CalculatedAt    string            `json:"calculated_at"`
}

func toKPIResponse(c analytics.Calculation) kpiResponse {
	resp := kpiResponse{
		ID:              c.ID.String(),
		CalculationType: c.Kind,
		TimePeriod:      c.TimePeriod(),
		PeriodStart:     c.PeriodStart.UTC().Format(timeLayout),
		PeriodEnd:       c.PeriodEnd.UTC().Format(timeLayout),
		Value:           c.Value,
		Metadata:        c.Metadata,
		CalculatedAt:    c.CalculatedAt.UTC().Format(timeLayout),
	}
	if c.DeviceID != nil {
		id := c.DeviceID.String()
		resp.DeviceID = &id
	}
	return resp
}

func (h *handlers) calculateKPI(w http.ResponseWriter, r *http.Request) {
	var req analyticsapp.KPIRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	calc, err := h.KPIs.Calculate(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toKPIResponse(calc))
}

func (h *handlers) listKPIs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	calcs, err := h.KPIs.Recent(r.Context(), r.URL.Query().Get("device_id"), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]kpiResponse, 0, len(calcs))
	for _, c := range calcs {
		out = append(out, toKPIResponse(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) uptimeReport(w http.ResponseWriter, r *http.Request) {
	to := analytics.HourStart(h.Now())
	from := to.Add(-24 * time.Hour)
	var err error
	if raw := r.URL.Query().Get("from"); raw != "" {
		if from, err = time.Parse(timeLayout, raw); err != nil {
			http.Error(w, "invalid from", http.StatusBadRequest)
			return
		}
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		if to, err = time.Parse(timeLayout, raw); err != nil {
			http.Error(w, "invalid to", http.StatusBadRequest)
			return
		}
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = report.FormatXLSX
	}

	rep, err := h.Reports.Uptime(r.Context(), from, to)
	if err != nil {
		h.writeError(w, err)
		return
	}
	data, err := report.Build(rep, format)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", report.ContentType(format))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", report.Filename(rep, format)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *handlers) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, inventory.ErrDeviceNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, inventory.ErrInvalidStatus),
		errors.Is(err, inventory.ErrMissingKey),
		errors.Is(err, analytics.ErrUnknownKind),
		errors.Is(err, analytics.ErrInvalidPeriod),
		errors.Is(err, report.ErrUnknownFormat):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.logger.Error("request failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func loggingMiddleware(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", resp.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
