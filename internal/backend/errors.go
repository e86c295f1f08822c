package backend

import (
	"errors"
	"fmt"
)

// Construction and routing errors shared by the registry and the aggregated source.
var (
	// ErrNoDeviceFound means enumeration across all registered backends returned nothing.
	ErrNoDeviceFound = errors.New("no supported devices found (check the connection and/or udev rules)")

	// ErrNoDeviceSpecified means no backend instance was constructed from the arguments.
	ErrNoDeviceSpecified = errors.New("no devices specified via device arguments")

	// ErrConstructionInvariant means a backend factory returned an inconsistent result.
	ErrConstructionInvariant = errors.New("backend construction returned inconsistent handle")

	// ErrUnrecognizedBackendType means a device group names no registered backend.
	ErrUnrecognizedBackendType = errors.New("device group names no registered backend type")

	ErrChannelOutOfRange   = errors.New("channel index out of range")
	ErrMainboardOutOfRange = errors.New("mainboard index out of range")

	ErrUnknownBackend   = errors.New("unknown backend type")
	ErrDuplicateBackend = errors.New("backend type already registered")

	// ErrNotSupported is returned for settings a backend's hardware cannot apply.
	ErrNotSupported = errors.New("operation not supported by backend")
)

func errInvalidMode(kind, value string) error {
	return fmt.Errorf("invalid %s mode: %s (must be 'off', 'manual' or 'auto')", kind, value)
}

// CheckChannel returns ErrChannelOutOfRange when ch is not a valid local channel.
func CheckChannel(ch, count int) error {
	if ch < 0 || ch >= count {
		return fmt.Errorf("channel %d of %d: %w", ch, count, ErrChannelOutOfRange)
	}
	return nil
}
