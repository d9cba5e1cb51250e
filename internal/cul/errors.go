package cul

import "errors"

// Link errors. Use errors.Is for comparison since they are wrapped with
// context:
//
//	ack, err := link.Transmit(ctx, addr, 0, msg)
//	if errors.Is(err, cul.ErrDutyCycleExceeded) {
//	    // back off, the budget regenerates over time
//	}
var (
	// ErrLinkClosed is returned when the serial port is closed or the
	// transceiver is unreachable. Commands issued while the link reconnects
	// in the background fail with this error.
	ErrLinkClosed = errors.New("cul: link closed")

	// ErrLinkTimeout is returned when a want-ack transmit received no
	// acknowledgement after the full retry budget.
	ErrLinkTimeout = errors.New("cul: no acknowledgement from device")

	// ErrLinkNack is returned when the device explicitly refused a command.
	// Refusals are not retried.
	ErrLinkNack = errors.New("cul: device refused command")

	// ErrDutyCycleExceeded is returned when the 868 MHz airtime budget has
	// no room for the frame. Transient; credit regenerates at one unit per
	// second and callers must back off rather than busy-retry.
	ErrDutyCycleExceeded = errors.New("cul: duty-cycle budget exhausted")
)
