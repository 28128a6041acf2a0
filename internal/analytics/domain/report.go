package analytics

import (
	"time"

	"github.com/google/uuid"
)

// UptimeRow is one device line of an uptime report.
type UptimeRow struct {
	DeviceID         uuid.UUID
	ExternalID       string
	Name             string
	DeviceType       string
	Status           string
	UptimePercentage float64
	AvgRSS           *float64
	ActiveMinutes    int
	InactiveMinutes  int
	Windows          int
}

// UptimeReport covers every device over [From, To).
type UptimeReport struct {
	From        time.Time
	To          time.Time
	GeneratedAt time.Time
	FleetUptime float64
	Rows        []UptimeRow
}
