package metrics

import (
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "iotkpi_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	stageRuns    *prometheus.CounterVec
	stageLatency *prometheus.HistogramVec

	extractedRecords prometheus.Counter
	extractPages     *prometheus.CounterVec

	upsertRecords *prometheus.CounterVec

	telemetryDevices *prometheus.CounterVec
	telemetryWritten prometheus.Counter

	statusTransitions *prometheus.CounterVec

	prunedRows   prometheus.Counter
	archivedRows prometheus.Counter

	platformRequests *prometheus.HistogramVec

	reportExportTotal *prometheus.CounterVec
)

// Init registers collectors and DB-backed gauges.
func Init(db *sql.DB, logger *slog.Logger) {
	registerOnce.Do(func() {
		stageRuns = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "stage_runs_total",
				Help: "Pipeline stage runs by stage and result",
			},
			[]string{"stage", "result"},
		)
		stageLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "stage_latency_seconds",
				Help:    "Pipeline stage latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage", "result"},
		)

		extractedRecords = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "extracted_records_total",
				Help: "Device records accepted by the extractor",
			},
		)
		extractPages = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "extract_pages_total",
				Help: "Listing pages fetched by result",
			},
			[]string{"result"},
		)

		upsertRecords = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "device_upserts_total",
				Help: "Device upserts by outcome",
			},
			[]string{"outcome"},
		)

		telemetryDevices = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "telemetry_devices_total",
				Help: "Per-device telemetry ingest outcomes",
			},
			[]string{"outcome"},
		)
		telemetryWritten = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "telemetry_samples_written_total",
				Help: "Raw telemetry rows written",
			},
		)

		statusTransitions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "status_transitions_total",
				Help: "Device status transitions by from, to and source",
			},
			[]string{"from", "to", "source"},
		)

		prunedRows = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "telemetry_pruned_rows_total",
				Help: "Raw telemetry rows deleted by retention",
			},
		)
		archivedRows = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "telemetry_archived_rows_total",
				Help: "Raw telemetry rows archived before deletion",
			},
		)

		platformRequests = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "platform_request_seconds",
				Help:    "Platform API latency in seconds by endpoint and result",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint", "result"},
		)

		reportExportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "report_export_total",
				Help: "Uptime report exports by format and result",
			},
			[]string{"format", "result"},
		)

		prometheus.MustRegister(
			stageRuns,
			stageLatency,
			extractedRecords,
			extractPages,
			upsertRecords,
			telemetryDevices,
			telemetryWritten,
			statusTransitions,
			prunedRows,
			archivedRows,
			platformRequests,
			reportExportTotal,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveStage records a stage run duration and result.
func ObserveStage(stage, result string, duration time.Duration) {
	if stage == "" {
		stage = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if stageRuns != nil {
		stageRuns.WithLabelValues(stage, result).Inc()
	}
	if stageLatency != nil {
		stageLatency.WithLabelValues(stage, result).Observe(duration.Seconds())
	}
}

// AddExtracted counts accepted listing records.
func AddExtracted(count int) {
	if count <= 0 || extractedRecords == nil {
		return
	}
	extractedRecords.Add(float64(count))
}

// IncExtractPage counts a fetched listing page.
func IncExtractPage(result string) {
	if result == "" {
		result = resultSuccess
	}
	if extractPages != nil {
		extractPages.WithLabelValues(result).Inc()
	}
}

// AddUpserts counts upsert outcomes.
func AddUpserts(inserted, updated, skipped int) {
	if upsertRecords == nil {
		return
	}
	if inserted > 0 {
		upsertRecords.WithLabelValues("inserted").Add(float64(inserted))
	}
	if updated > 0 {
		upsertRecords.WithLabelValues("updated").Add(float64(updated))
	}
	if skipped > 0 {
		upsertRecords.WithLabelValues("skipped").Add(float64(skipped))
	}
}

// IncTelemetryDevice counts one device's ingest outcome.
func IncTelemetryDevice(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	if telemetryDevices != nil {
		telemetryDevices.WithLabelValues(outcome).Inc()
	}
}

// AddTelemetryWritten counts raw telemetry rows written.
func AddTelemetryWritten(count int) {
	if count <= 0 || telemetryWritten == nil {
		return
	}
	telemetryWritten.Add(float64(count))
}

// IncStatusTransition counts a device status transition.
func IncStatusTransition(from, to, source string) {
	if statusTransitions != nil {
		statusTransitions.WithLabelValues(from, to, source).Inc()
	}
}

// AddPruned counts deleted telemetry rows.
func AddPruned(count int64) {
	if count <= 0 || prunedRows == nil {
		return
	}
	prunedRows.Add(float64(count))
}

// AddArchived counts archived telemetry rows.
func AddArchived(count int64) {
	if count <= 0 || archivedRows == nil {
		return
	}
	archivedRows.Add(float64(count))
}

// ObservePlatformRequest records a platform API call.
func ObservePlatformRequest(endpoint, result string, duration time.Duration) {
	if endpoint == "" {
		endpoint = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if platformRequests != nil {
		platformRequests.WithLabelValues(endpoint, result).Observe(duration.Seconds())
	}
}

// IncReportExport counts an uptime report export.
func IncReportExport(format, result string) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if reportExportTotal != nil {
		reportExportTotal.WithLabelValues(format, result).Inc()
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
)
