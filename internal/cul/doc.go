// Package cul drives a CUL 868 MHz transceiver stick over a serial port and
// provides the send/receive primitives for the Moritz radio protocol.
//
// The medium is half-duplex and shared with every device in range, so the
// link serializes transmissions, respects the regulatory duty-cycle budget
// and keeps receiving on a dedicated goroutine regardless of pending
// commands.
//
// # Key Types
//
//   - Link: The serial link. Opens the port, initialises the stick and runs
//     the receive loop.
//   - Config: Port, addressing, timeout, retry and duty-cycle settings.
//   - FrameHandler: Callback receiving every decoded non-ack frame.
//   - Stats: Operational counters for the system status endpoint.
//
// # Transmission
//
// Send writes a frame without delivery guarantees. Transmit adds the
// want-ack flag, registers the frame counter in a pending table and waits
// for the device's acknowledgement; timeouts trigger retransmits with
// jittered exponential backoff up to the retry budget. Acks piggyback the
// device's current state, which Transmit returns to the caller.
//
// Every transmit first reserves duty-cycle credit for the frame's estimated
// airtime. When the budget has no room the transmit fails immediately with
// ErrDutyCycleExceeded instead of blocking; credit regenerates at one unit
// per second. The stick's own budget reports ("21  <n>" lines) reconcile
// the local gauge.
//
// # Usage
//
//	link, err := cul.Open(cul.Config{
//	    Device:  "/dev/ttyACM0",
//	    Address: gatewayAddr,
//	})
//	if err != nil {
//	    return err
//	}
//	defer link.Close()
//
//	link.SetHandler(func(f moritz.Frame, rssi int) {
//	    // decode and dispatch
//	})
//
//	ack, err := link.Transmit(ctx, deviceAddr, 0, moritz.SetTemperature{
//	    Mode:        moritz.ModeManual,
//	    Temperature: 21.5,
//	})
package cul
