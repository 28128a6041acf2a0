package report

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	analytics "iot-kpi/internal/analytics/domain"
	"iot-kpi/internal/observability/metrics"
)

const (
	FormatXLSX = "xlsx"
	FormatPDF  = "pdf"
)

// ErrUnknownFormat indicates an unsupported export format.
var ErrUnknownFormat = errors.New("report: unknown format")

// ContentType returns the MIME type of a format.
func ContentType(format string) string {
	switch format {
	case FormatPDF:
		return "application/pdf"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "application/octet-stream"
}

// Filename names the export file for a report.
func Filename(rep analytics.UptimeReport, format string) string {
	return fmt.Sprintf("uptime_%s_%s.%s", rep.From.Format("20060102T15"), rep.To.Format("20060102T15"), format)
}

// Build renders rep in the given format.
func Build(rep analytics.UptimeReport, format string) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(format) {
	case FormatXLSX:
		format = FormatXLSX
		data, err = BuildUptimeXLSX(rep)
	case FormatPDF:
		format = FormatPDF
		data, err = BuildUptimePDF(rep)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	metrics.IncReportExport(format, result)
	return data, err
}

// BuildUptimePDF renders a one-table PDF of the report.
func BuildUptimePDF(rep analytics.UptimeReport) ([]byte, error) {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Device Uptime Report")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Period: %s to %s", rep.From.Format(time.RFC3339), rep.To.Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", rep.GeneratedAt.Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Devices: %d", len(rep.Rows)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Fleet Uptime (%%): %.2f", rep.FleetUptime))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 9)
	for _, col := range pdfColumns {
		pdf.CellFormat(col.width, 6, col.title, "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, row := range rep.Rows {
		cells := []string{
			row.ExternalID,
			row.Name,
			row.DeviceType,
			row.Status,
			fmt.Sprintf("%.2f", row.UptimePercentage),
			formatRSS(row.AvgRSS),
			fmt.Sprintf("%d", row.ActiveMinutes),
			fmt.Sprintf("%d", row.InactiveMinutes),
		}
		for i, col := range pdfColumns {
			pdf.CellFormat(col.width, 6, clip(cells[i], col.width), "1", 0, col.align, false, 0, "")
		}
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildUptimeXLSX renders a summary sheet and a per-device sheet.
func BuildUptimeXLSX(rep analytics.UptimeReport) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	summarySheet := "summary"
	devicesSheet := "devices"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(devicesSheet); err != nil {
		return nil, err
	}

	_ = f.SetCellValue(summarySheet, "A1", "Device Uptime Report")
	_ = f.SetCellValue(summarySheet, "A3", "From")
	_ = f.SetCellValue(summarySheet, "B3", rep.From.Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A4", "To")
	_ = f.SetCellValue(summarySheet, "B4", rep.To.Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A5", "Generated")
	_ = f.SetCellValue(summarySheet, "B5", rep.GeneratedAt.Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A6", "Devices")
	_ = f.SetCellValue(summarySheet, "B6", len(rep.Rows))
	_ = f.SetCellValue(summarySheet, "A7", "Fleet Uptime (%)")
	_ = f.SetCellValue(summarySheet, "B7", rep.FleetUptime)

	for i, col := range pdfColumns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(devicesSheet, cell, col.title)
	}
	for i, row := range rep.Rows {
		r := i + 2
		_ = f.SetCellValue(devicesSheet, fmt.Sprintf("A%d", r), row.ExternalID)
		_ = f.SetCellValue(devicesSheet, fmt.Sprintf("B%d", r), row.Name)
		_ = f.SetCellValue(devicesSheet, fmt.Sprintf("C%d", r), row.DeviceType)
		_ = f.SetCellValue(devicesSheet, fmt.Sprintf("D%d", r), row.Status)
		_ = f.SetCellValue(devicesSheet, fmt.Sprintf("E%d", r), row.UptimePercentage)
		if row.AvgRSS != nil {
			_ = f.SetCellValue(devicesSheet, fmt.Sprintf("F%d", r), *row.AvgRSS)
		}
		_ = f.SetCellValue(devicesSheet, fmt.Sprintf("G%d", r), row.ActiveMinutes)
		_ = f.SetCellValue(devicesSheet, fmt.Sprintf("H%d", r), row.InactiveMinutes)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type column struct {
	title string
	width float64
	align string
}

var pdfColumns = []column{
	{"Device", 40, "L"},
	{"Name", 60, "L"},
	{"Type", 35, "L"},
	{"Status", 25, "C"},
	{"Uptime (%)", 25, "R"},
	{"Avg RSS", 25, "R"},
	{"Active min", 25, "R"},
	{"Inactive min", 25, "R"},
}

func formatRSS(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f", *v)
}

// clip keeps a cell value within roughly one line of the column.
func clip(value string, width float64) string {
	limit := int(width / 2)
	if len(value) <= limit {
		return value
	}
	return value[:limit-1] + "~"
}
