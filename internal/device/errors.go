package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrUnknownDevice) {
//	    // handle unknown device case
//	}
var (
	// ErrUnknownDevice is returned when a device id is not in the replica.
	ErrUnknownDevice = errors.New("device: unknown device")

	// ErrInvalidDevice is returned when a device record has no identity.
	ErrInvalidDevice = errors.New("device: invalid record")
)
