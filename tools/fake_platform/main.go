package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"iot-kpi/internal/logging"
)

// fakePlatform serves the device listing and timeseries endpoints with a
// configurable fleet, latency and failure mix.
type fakePlatform struct {
	start      time.Time
	latency    time.Duration
	failRate   float64
	silentRate float64
	logger     *slog.Logger

	mu       sync.Mutex
	devices  []fakeDevice
	byDevice map[string]int64
	byStatus map[int]int64
	total    int64
}

type fakeDevice struct {
	ID      string
	Name    string
	Type    string
	Created time.Time
	Test    bool
	Silent  bool
}

func main() {
	logger := logging.NewLogger(getenvDefault("LOG_LEVEL", "info"))
	addr := getenvDefault("FAKE_PLATFORM_ADDR", ":18080")
	count := getenvIntDefault("FAKE_PLATFORM_DEVICES", 250)

	srv := newFakePlatform(
		count,
		time.Duration(getenvIntDefault("FAKE_PLATFORM_LATENCY_MS", 0))*time.Millisecond,
		getenvFloatDefault("FAKE_PLATFORM_FAIL_RATE", 0),
		getenvFloatDefault("FAKE_PLATFORM_SILENT_RATE", 0.1),
		logger,
	)

	logger.Info("fake platform listening", "addr", addr, "devices", count)
	if err := http.ListenAndServe(addr, srv.routes()); err != nil {
		logger.Error("fake platform stopped", "err", err)
		os.Exit(1)
	}
}

func newFakePlatform(count int, latency time.Duration, failRate, silentRate float64, logger *slog.Logger) *fakePlatform {
	now := time.Now().UTC()
	s := &fakePlatform{
		start:      now,
		latency:    latency,
		failRate:   failRate,
		silentRate: silentRate,
		logger:     logging.OrNop(logger),
		byDevice:   make(map[string]int64),
		byStatus:   make(map[int]int64),
	}
	types := []string{"gateway", "sensor", "meter"}
	for i := 0; i < count; i++ {
		s.devices = append(s.devices, fakeDevice{
			ID:      fmt.Sprintf("dev-%05d", i+1),
			Name:    fmt.Sprintf("Device %d", i+1),
			Type:    types[i%len(types)],
			Created: now.Add(-time.Duration(count-i) * time.Hour),
			Test:    i%50 == 49,
			Silent:  rand.Float64() < silentRate,
		})
	}
	sort.Slice(s.devices, func(i, j int) bool { return s.devices[i].Created.After(s.devices[j].Created) })
	return s
}

func (s *fakePlatform) routes() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	router.HandleFunc("/api/deviceInfos/all", s.handleDeviceInfos).Methods(http.MethodGet)
	router.HandleFunc("/api/plugins/telemetry/DEVICE/{id}/values/timeseries", s.handleTimeseries).Methods(http.MethodGet)
	return router
}

func (s *fakePlatform) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *fakePlatform) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, map[string]any{
		"started_at": s.start.Format(time.RFC3339),
		"total":      atomic.LoadInt64(&s.total),
		"by_device":  s.byDevice,
		"by_status":  s.byStatus,
	})
}

func (s *fakePlatform) handleDeviceInfos(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r, "") {
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, err := strconv.Atoi(r.URL.Query().Get("pageSize"))
	if err != nil || pageSize <= 0 || page < 0 {
		s.fail(w, "", http.StatusBadRequest, "page and pageSize required")
		return
	}

	total := len(s.devices)
	totalPages := (total + pageSize - 1) / pageSize
	from := page * pageSize
	to := from + pageSize
	if from > total {
		from = total
	}
	if to > total {
		to = total
	}
	data := make([]map[string]any, 0, to-from)
	for _, d := range s.devices[from:to] {
		data = append(data, map[string]any{
			"id":                map[string]string{"entityType": "DEVICE", "id": d.ID},
			"name":              d.Name,
			"type":              d.Type,
			"label":             strings.ToUpper(d.Type),
			"active":            !d.Silent,
			"createdTime":       d.Created.UnixMilli(),
			"customerTitle":     "Fleet",
			"deviceProfileName": "default",
			"additionalInfo":    map[string]any{"is_test_device": d.Test},
		})
	}
	s.record("", http.StatusOK)
	writeJSON(w, map[string]any{
		"data":          data,
		"totalElements": total,
		"totalPages":    totalPages,
		"hasNext":       page+1 < totalPages,
	})
}

func (s *fakePlatform) handleTimeseries(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.admit(w, r, id) {
		return
	}
	device, ok := s.find(id)
	if !ok {
		s.fail(w, id, http.StatusNotFound, "device not found")
		return
	}
	out := map[string][]map[string]any{}
	if device.Silent {
		s.record(id, http.StatusOK)
		writeJSON(w, out)
		return
	}

	now := time.Now().UTC()
	for _, key := range strings.Split(r.URL.Query().Get("keys"), ",") {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		var value float64
		switch key {
		case "rss_value":
			value = -50 - rand.Float64()*40
		case "response_time":
			value = 20 + rand.Float64()*200
		case "error_count":
			value = float64(rand.Intn(3))
		case "request_count":
			value = float64(50 + rand.Intn(50))
		default:
			value = rand.Float64() * 1000
		}
		// Values arrive as strings, the way the platform sends them.
		out[key] = []map[string]any{{
			"ts":    now.Add(-time.Duration(rand.Intn(30)) * time.Second).UnixMilli(),
			"value": strconv.FormatFloat(value, 'f', 2, 64),
		}}
	}
	s.record(id, http.StatusOK)
	writeJSON(w, out)
}

// admit applies auth, latency and the failure rate.
func (s *fakePlatform) admit(w http.ResponseWriter, r *http.Request, deviceID string) bool {
	if !strings.HasPrefix(r.Header.Get("X-Authorization"), "Bearer ") {
		s.fail(w, deviceID, http.StatusUnauthorized, "missing token")
		return false
	}
	if s.latency > 0 {
		time.Sleep(s.latency)
	}
	if s.failRate > 0 && rand.Float64() < s.failRate {
		s.fail(w, deviceID, http.StatusInternalServerError, "fake platform failure")
		return false
	}
	return true
}

func (s *fakePlatform) find(id string) (fakeDevice, bool) {
	for _, d := range s.devices {
		if d.ID == id {
			return d, true
		}
	}
	return fakeDevice{}, false
}

func (s *fakePlatform) fail(w http.ResponseWriter, deviceID string, status int, msg string) {
	s.record(deviceID, status)
	s.logger.Debug("request rejected", "device_id", deviceID, "status", status, "reason", msg)
	http.Error(w, msg, status)
}

func (s *fakePlatform) record(deviceID string, status int) {
	atomic.AddInt64(&s.total, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if deviceID != "" {
		s.byDevice[deviceID]++
	}
	s.byStatus[status]++
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvFloatDefault(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
