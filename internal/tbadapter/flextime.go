package tbadapter

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

const epochMillisFloor = 1_000_000_000_000

// FlexTime accepts epoch milliseconds, epoch seconds or an ISO-8601 string.
// Valid is false when the field is absent or cannot be parsed; decoding never
// fails on it.
type FlexTime struct {
	Time  time.Time
	Valid bool
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexTime) UnmarshalJSON(data []byte) error {
	*f = FlexTime{}
	raw := bytes.TrimSpace(data)
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil
		}
		if t, ok := parseFlexString(s); ok {
			f.Time, f.Valid = t, true
		}
		return nil
	}
	n, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return nil
	}
	if t, ok := fromEpoch(int64(n)); ok {
		f.Time, f.Valid = t, true
	}
	return nil
}

// MarshalJSON renders epoch milliseconds, or null when not valid.
func (f FlexTime) MarshalJSON() ([]byte, error) {
	if !f.Valid {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(f.Time.UnixMilli(), 10)), nil
}

func parseFlexString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return fromEpoch(n)
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// fromEpoch accepts milliseconds or seconds.
func fromEpoch(value int64) (time.Time, bool) {
	if value <= 0 {
		return time.Time{}, false
	}
	if value > epochMillisFloor {
		return time.UnixMilli(value).UTC(), true
	}
	return time.Unix(value, 0).UTC(), true
}
