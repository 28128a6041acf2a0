package application

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	analytics "iot-kpi/internal/analytics/domain"
	"iot-kpi/internal/storage"
)

// ReportService builds uptime reports from the stored hourly windows.
type ReportService struct {
	uow   storage.UnitOfWork
	clock clockwork.Clock
}

// NewReportService constructs the service.
func NewReportService(uow storage.UnitOfWork, clock clockwork.Clock) (*ReportService, error) {
	if uow == nil {
		return nil, errors.New("report service: nil unit of work")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ReportService{uow: uow, clock: clock}, nil
}

// Uptime reports every non-test device over [from, to), truncated to hours.
// Devices without windows in the range are listed with zero uptime.
func (s *ReportService) Uptime(ctx context.Context, from, to time.Time) (analytics.UptimeReport, error) {
	from, to = analytics.HourStart(from), analytics.HourStart(to)
	if !to.After(from) {
		return analytics.UptimeReport{}, analytics.ErrInvalidPeriod
	}
	report := analytics.UptimeReport{From: from, To: to, GeneratedAt: s.clock.Now().UTC()}

	err := s.uow.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		devices, err := tx.Devices().List(ctx, storage.DeviceFilter{})
		if err != nil {
			return fmt.Errorf("list devices: %w", err)
		}
		windows, err := tx.Windows().ListBetween(ctx, from, to)
		if err != nil {
			return fmt.Errorf("list windows: %w", err)
		}

		type totals struct {
			active, inactive, windows int
			rssWeighted               float64
			rssSamples                int
		}
		byDevice := make(map[uuid.UUID]*totals)
		for _, w := range windows {
			t := byDevice[w.DeviceID]
			if t == nil {
				t = &totals{}
				byDevice[w.DeviceID] = t
			}
			t.active += w.ActiveMinutes
			t.inactive += w.InactiveMinutes
			t.windows++
			if w.AvgRSS != nil {
				n := w.ActiveMinutes + w.InactiveMinutes
				t.rssWeighted += *w.AvgRSS * float64(n)
				t.rssSamples += n
			}
		}

		var fleetActive, fleetTotal int
		for _, d := range devices {
			row := analytics.UptimeRow{
				DeviceID:   d.ID,
				ExternalID: d.ExternalID,
				Name:       d.Name,
				DeviceType: d.DeviceType,
				Status:     d.Status.String(),
			}
			if t := byDevice[d.ID]; t != nil {
				row.ActiveMinutes = t.active
				row.InactiveMinutes = t.inactive
				row.Windows = t.windows
				row.UptimePercentage = analytics.Percentage(float64(t.active), float64(t.active+t.inactive))
				if t.rssSamples > 0 {
					avg := t.rssWeighted / float64(t.rssSamples)
					row.AvgRSS = &avg
				}
				fleetActive += t.active
				fleetTotal += t.active + t.inactive
			}
			report.Rows = append(report.Rows, row)
		}
		sort.SliceStable(report.Rows, func(i, j int) bool {
			return report.Rows[i].ExternalID < report.Rows[j].ExternalID
		})
		report.FleetUptime = analytics.Percentage(float64(fleetActive), float64(fleetTotal))
		return nil
	})
	if err != nil {
		return analytics.UptimeReport{}, err
	}
	return report, nil
}
