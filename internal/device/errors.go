package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a device address does not exist.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrDeviceExists is returned when creating a device with an address that already exists.
	ErrDeviceExists = errors.New("device: already exists")

	// ErrInvalidAddress is returned when an address is outside the 24-bit
	// range or is the broadcast address.
	ErrInvalidAddress = errors.New("device: invalid address")

	// ErrInvalidName is returned when a device name is empty or too long.
	ErrInvalidName = errors.New("device: invalid name")

	// ErrNilDevice is returned when a nil device is passed to a repository.
	ErrNilDevice = errors.New("device: nil device")
)
