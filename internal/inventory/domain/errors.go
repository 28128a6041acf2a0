package inventory

import "errors"

var (
	// ErrDeviceNotFound indicates a missing device row.
	ErrDeviceNotFound = errors.New("inventory: device not found")
	// ErrMissingKey indicates a record without an external identifier.
	ErrMissingKey = errors.New("inventory: missing device key")
	// ErrMissingName indicates a record without a display name.
	ErrMissingName = errors.New("inventory: missing device name")
	// ErrInvalidSince indicates a caller-supplied cursor that cannot be parsed.
	ErrInvalidSince = errors.New("inventory: invalid since")
	// ErrInvalidStatus indicates a value outside the status enum.
	ErrInvalidStatus = errors.New("inventory: invalid status")
)
