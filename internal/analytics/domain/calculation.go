package analytics

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind names a KPI calculation.
type Kind string

const (
	KindUptimePercentage Kind = "uptime_percentage"
	KindAvailability     Kind = "availability"
	KindResponseTimeAvg  Kind = "response_time_avg"
	KindErrorRate        Kind = "error_rate"
)

// ErrUnknownKind indicates an unsupported calculation kind.
var ErrUnknownKind = errors.New("analytics: unknown calculation kind")

// ParseKind validates a calculation kind.
func ParseKind(value string) (Kind, error) {
	switch k := Kind(value); k {
	case KindUptimePercentage, KindAvailability, KindResponseTimeAvg, KindErrorRate:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, value)
}

// Calculation is an append-only record of an on-demand KPI computation.
// DeviceID is nil for fleet-wide calculations.
type Calculation struct {
	ID           uuid.UUID
	DeviceID     *uuid.UUID
	Kind         Kind
	PeriodStart  time.Time
	PeriodEnd    time.Time
	Value        float64
	Metadata     Details
	CalculatedAt time.Time
}

// TimePeriod labels the period for display, e.g. "2024-03-01T00:00:00Z/PT24H".
func (c Calculation) TimePeriod() string {
	return fmt.Sprintf("%s/%s", c.PeriodStart.UTC().Format(time.RFC3339), c.PeriodEnd.Sub(c.PeriodStart))
}

// Details holds calculation metadata.
type Details map[string]any

// Value implements driver.Valuer.
func (d Details) Value() (driver.Value, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(d)
}

// Scan implements sql.Scanner.
func (d *Details) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*d = Details{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.New("analytics: unsupported details type")
	}
	out := Details{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return err
		}
	}
	*d = out
	return nil
}
