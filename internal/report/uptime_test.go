package report

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	analytics "iot-kpi/internal/analytics/domain"
)

func sampleReport() analytics.UptimeReport {
	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	rss := -67.5
	return analytics.UptimeReport{
		From:        from,
		To:          from.Add(24 * time.Hour),
		GeneratedAt: from.Add(25 * time.Hour),
		FleetUptime: 62.5,
		Rows: []analytics.UptimeRow{
			{DeviceID: uuid.New(), ExternalID: "dev-1", Name: "Gateway 1", DeviceType: "gateway", Status: "active", UptimePercentage: 75, AvgRSS: &rss, ActiveMinutes: 45, InactiveMinutes: 15},
			{DeviceID: uuid.New(), ExternalID: "dev-2", Name: "Sensor with a very long display name for the table", Status: "unknown"},
		},
	}
}

func TestBuildUptimePDF(t *testing.T) {
	data, err := Build(sampleReport(), "PDF")
	if err != nil {
		t.Fatalf("build pdf: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("%PDF")) {
		t.Fatalf("output is not a pdf")
	}
}

func TestBuildUptimeXLSX(t *testing.T) {
	data, err := Build(sampleReport(), FormatXLSX)
	if err != nil {
		t.Fatalf("build xlsx: %v", err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("open xlsx: %v", err)
	}
	defer f.Close()

	fleet, _ := f.GetCellValue("summary", "B7")
	if fleet != "62.5" {
		t.Fatalf("unexpected fleet uptime cell %q", fleet)
	}
	rows, err := f.GetRows("devices")
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 3 || rows[1][0] != "dev-1" || rows[1][4] != "75" {
		t.Fatalf("unexpected device rows %v", rows)
	}
}

func TestBuildUnknownFormat(t *testing.T) {
	if _, err := Build(sampleReport(), "csv"); !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("expected ErrUnknownFormat, got %v", err)
	}
}

func TestFilename(t *testing.T) {
	got := Filename(sampleReport(), FormatPDF)
	if got != "uptime_20240301T00_20240302T00.pdf" {
		t.Fatalf("unexpected filename %q", got)
	}
}
