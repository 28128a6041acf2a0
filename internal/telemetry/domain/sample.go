package telemetry

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidSample indicates a sample that cannot be stored.
var ErrInvalidSample = errors.New("telemetry: invalid sample")

// Sample is a raw signal-strength observation. Samples are append-only.
// ObservedAt is the instant the pipeline fetched the value; Timestamp is the
// instant the platform recorded it.
type Sample struct {
	ID         int64
	DeviceID   uuid.UUID
	Timestamp  time.Time
	ObservedAt time.Time
	RSSValue   float64
	Payload    Payload
}

// Validate checks the required fields.
func (s Sample) Validate() error {
	if s.DeviceID == uuid.Nil || s.Timestamp.IsZero() || s.ObservedAt.IsZero() {
		return ErrInvalidSample
	}
	return nil
}

// Age is how old the reading was when it was observed.
func (s Sample) Age() time.Duration {
	age := s.ObservedAt.Sub(s.Timestamp)
	if age < 0 {
		return 0
	}
	return age
}

// Metric kinds.
const (
	KindResponseTime   = "response_time"
	KindDataThroughput = "data_throughput"
	KindErrorCount     = "error_count"
	KindRequestCount   = "request_count"
)

// Metric is a typed time-series point. Metrics are append-only.
type Metric struct {
	DeviceID  uuid.UUID
	Timestamp time.Time
	Kind      string
	Value     float64
	Unit      string
	Tags      Payload
}

// Point is one timeseries value returned by the platform.
type Point struct {
	TS    time.Time
	Value float64
}

// Latest returns the point with the greatest timestamp.
func Latest(points []Point) (Point, bool) {
	if len(points) == 0 {
		return Point{}, false
	}
	latest := points[0]
	for _, p := range points[1:] {
		if p.TS.After(latest.TS) {
			latest = p
		}
	}
	return latest, true
}

// Payload is a JSON object stored alongside telemetry rows.
type Payload map[string]any

// Value implements driver.Valuer.
func (p Payload) Value() (driver.Value, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

// Scan implements sql.Scanner.
func (p *Payload) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*p = Payload{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.New("telemetry: unsupported payload type")
	}
	out := Payload{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return err
		}
	}
	*p = out
	return nil
}
