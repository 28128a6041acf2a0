package analytics

import (
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
)

// WindowSize is the fixed aggregate window length.
const WindowSize = time.Hour

var (
	// ErrInvalidWindow indicates a window that violates its invariants.
	ErrInvalidWindow = errors.New("analytics: invalid window")
	// ErrInvalidPeriod indicates a period whose end is not after its start.
	ErrInvalidPeriod = errors.New("analytics: invalid period")
)

// Window is a per-device hourly uptime aggregate keyed by (DeviceID, Start).
type Window struct {
	DeviceID         uuid.UUID
	Start            time.Time
	End              time.Time
	UptimePercentage float64
	AvgRSS           *float64
	ActiveMinutes    int
	InactiveMinutes  int
	ComputedAt       time.Time
}

// Validate checks the window invariants.
func (w Window) Validate() error {
	if w.DeviceID == uuid.Nil || w.Start.IsZero() {
		return ErrInvalidWindow
	}
	if !w.End.Equal(w.Start.Add(WindowSize)) {
		return ErrInvalidWindow
	}
	if w.UptimePercentage < 0 || w.UptimePercentage > 100 || math.IsNaN(w.UptimePercentage) {
		return ErrInvalidWindow
	}
	return nil
}

// HourStart truncates t to the start of its UTC hour.
func HourStart(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// HourRange returns the hour starts in [from, to), both truncated to hours.
func HourRange(from, to time.Time) []time.Time {
	from, to = HourStart(from), HourStart(to)
	var hours []time.Time
	for h := from; h.Before(to); h = h.Add(WindowSize) {
		hours = append(hours, h)
	}
	return hours
}

// Percentage returns part/total*100 clamped to [0, 100]. A zero or negative
// total yields 0.
func Percentage(part, total float64) float64 {
	if total <= 0 || math.IsNaN(part) || math.IsNaN(total) {
		return 0
	}
	pct := part / total * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// WindowAccumulator folds samples into one window.
type WindowAccumulator struct {
	DeviceID uuid.UUID
	Start    time.Time
	fresh    int
	stale    int
	rssSum   float64
}

// Add folds in one sample.
func (a *WindowAccumulator) Add(rss float64, fresh bool) {
	if fresh {
		a.fresh++
	} else {
		a.stale++
	}
	a.rssSum += rss
}

// Count is the number of samples folded in.
func (a *WindowAccumulator) Count() int { return a.fresh + a.stale }

// Window builds the aggregate row.
func (a *WindowAccumulator) Window(computedAt time.Time) Window {
	total := a.Count()
	w := Window{
		DeviceID:         a.DeviceID,
		Start:            a.Start,
		End:              a.Start.Add(WindowSize),
		UptimePercentage: Percentage(float64(a.fresh), float64(total)),
		ActiveMinutes:    a.fresh,
		InactiveMinutes:  a.stale,
		ComputedAt:       computedAt,
	}
	if total > 0 {
		avg := a.rssSum / float64(total)
		w.AvgRSS = &avg
	}
	return w
}
