// Package moritz implements the wire codec for the Moritz radio protocol
// spoken by MAX! heating devices (radiator thermostats, wall thermostats,
// shutter contacts, push buttons) on the 868 MHz band.
//
// The package is pure: it translates between raw frame bytes (or the ASCII
// hex lines a culfw-style transceiver stick exchanges over serial) and typed
// messages. It performs no I/O, keeps no state and is fully deterministic,
// which makes it the primary unit-test surface of the driver.
//
// # Frame Layout
//
// Every frame shares a fixed header followed by a message-specific payload
// and a trailing checksum:
//
//	Byte 0:     Length (bytes after this one, excluding the checksum)
//	Byte 1:     Message counter (per-sender sequence, wraps at 0xFF)
//	Byte 2:     Flags (bit 2 set = sender expects an Ack)
//	Byte 3:     Message type (see MessageType constants)
//	Byte 4-6:   Source address (24-bit, big-endian)
//	Byte 7-9:   Destination address (24-bit, 0x000000 = broadcast)
//	Byte 10:    Group/room byte (0x00 = none)
//	Byte 11+:   Payload (message specific, may be empty)
//	Last byte:  Checksum (additive sum of all preceding bytes, mod 256)
//
// On the serial link frames travel as hex lines: transmissions are prefixed
// with "Zs", received frames arrive prefixed with "Z" and carry one extra
// RSSI byte appended by the stick after the checksum.
//
// # Temperatures
//
// Desired temperatures are carried at 0.5 °C resolution in the range
// [MinTemperature, MaxTemperature]. Measured temperatures are carried as a
// 9-bit value at 0.1 °C resolution, split across the high bit of the desired
// byte and a dedicated low byte.
package moritz
