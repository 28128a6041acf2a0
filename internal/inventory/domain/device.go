package inventory

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is a device lifecycle status.
type Status string

const (
	StatusActive      Status = "active"
	StatusInactive    Status = "inactive"
	StatusMaintenance Status = "maintenance"
	StatusUnknown     Status = "unknown"
)

// ParseStatus validates a status string.
func ParseStatus(value string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(value)))
	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, value)
	}
	return status, nil
}

// IsValid reports whether s is one of the enumerated statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusMaintenance, StatusUnknown:
		return true
	}
	return false
}

func (s Status) String() string { return string(s) }

// StatusFromActive maps the platform's active flag. A missing flag is inactive.
func StatusFromActive(active *bool) Status {
	if active != nil && *active {
		return StatusActive
	}
	return StatusInactive
}

// Device is an inventory row keyed by the platform-assigned ExternalID.
type Device struct {
	ID          uuid.UUID
	ExternalID  string
	Name        string
	DeviceType  string
	Location    string
	Status      Status
	IsTest      bool
	InstalledAt *time.Time
	LastSeen    *time.Time
	Metadata    Metadata
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewDevice builds a device for first sighting. Status starts unknown and is
// moved by the status reconciler.
func NewDevice(externalID, name string, now time.Time) (*Device, error) {
	if strings.TrimSpace(externalID) == "" {
		return nil, ErrMissingKey
	}
	if strings.TrimSpace(name) == "" {
		return nil, ErrMissingName
	}
	return &Device{
		ID:         uuid.New(),
		ExternalID: externalID,
		Name:       name,
		Status:     StatusUnknown,
		Metadata:   Metadata{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Online reports whether the device was observed within threshold of now.
func (d *Device) Online(now time.Time, threshold time.Duration) bool {
	if d == nil || d.LastSeen == nil {
		return false
	}
	return now.Sub(*d.LastSeen) <= threshold
}

// SilentFor returns how long the device has not been observed. ok is false
// when it was never observed.
func (d *Device) SilentFor(now time.Time) (time.Duration, bool) {
	if d == nil || d.LastSeen == nil {
		return 0, false
	}
	return now.Sub(*d.LastSeen), true
}

// Known metadata keys.
const (
	MetaRSSValue       = "rss_value"
	MetaLabel          = "label"
	MetaCustomerTitle  = "customer_title"
	MetaProfile        = "device_profile"
	MetaAdditionalInfo = "additional_info"
)

// Metadata is a string-keyed map of scalar or JSON values.
type Metadata map[string]any

// Clone returns a shallow copy.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Merge copies non-nil values from other into m.
func (m Metadata) Merge(other Metadata) Metadata {
	if m == nil {
		m = Metadata{}
	}
	for k, v := range other {
		if v == nil {
			continue
		}
		m[k] = v
	}
	return m
}

// RSSValue returns the last recorded signal strength.
func (m Metadata) RSSValue() (float64, bool) {
	switch v := m[MetaRSSValue].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// Value implements driver.Valuer.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.New("inventory: unsupported metadata type")
	}
	out := Metadata{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return err
		}
	}
	*m = out
	return nil
}
