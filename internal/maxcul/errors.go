package maxcul

import "errors"

var (
	// ErrNotStarted is returned by radio commands issued before Start or
	// after Stop.
	ErrNotStarted = errors.New("maxcul: connection not started")

	// ErrUnknownDevice is returned when a command targets an address the
	// registry has never seen. Pair the device first.
	ErrUnknownDevice = errors.New("maxcul: device not registered")
)
