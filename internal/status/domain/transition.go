package status

import (
	"time"

	"github.com/google/uuid"

	inventory "iot-kpi/internal/inventory/domain"
)

// Source names what triggered a status change.
type Source string

const (
	SourceTelemetry Source = "telemetry"
	SourceInventory Source = "inventory"
	SourceOverride  Source = "override"
)

// Transition describes one committed status change.
type Transition struct {
	DeviceID   uuid.UUID        `json:"device_id"`
	ExternalID string           `json:"external_id"`
	From       inventory.Status `json:"from"`
	To         inventory.Status `json:"to"`
	Source     Source           `json:"source"`
	At         time.Time        `json:"at"`
}

// Allowed reports whether source may move a device out of from. Only an
// override leaves maintenance.
func Allowed(from inventory.Status, source Source) bool {
	if from == inventory.StatusMaintenance {
		return source == SourceOverride
	}
	return true
}

// FromSignal maps a responding signal to a status.
func FromSignal(responding bool) inventory.Status {
	if responding {
		return inventory.StatusActive
	}
	return inventory.StatusInactive
}
