package moritz

import (
	"fmt"
	"strconv"
	"strings"
)

// Addr is a 24-bit Moritz device address. Address 0x000000 is the broadcast
// destination and never identifies a device.
type Addr uint32

// Broadcast is the all-devices destination address.
const Broadcast Addr = 0x000000

// MaxAddr is the highest representable device address.
const MaxAddr Addr = 0xFFFFFF

// IsValid reports whether the address fits in 24 bits.
func (a Addr) IsValid() bool {
	return a <= MaxAddr
}

// IsBroadcast reports whether the address is the broadcast destination.
func (a Addr) IsBroadcast() bool {
	return a == Broadcast
}

// String returns the address in the conventional six-digit hex form.
func (a Addr) String() string {
	return fmt.Sprintf("%06X", uint32(a))
}

// MarshalText renders the address in six-digit hex form, so JSON and
// text encodings match the conventional notation.
func (a Addr) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText parses an address from its hex text form.
func (a *Addr) UnmarshalText(text []byte) error {
	parsed, err := ParseAddr(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAddr parses a six-digit hex address string (case insensitive,
// optional "0x" prefix).
//
// Returns:
//   - Addr: The parsed address
//   - error: ErrInvalidAddress if the string is not a 24-bit hex value
func ParseAddr(s string) (Addr, error) {
	cleaned := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if cleaned == "" {
		return 0, fmt.Errorf("%w: empty address", ErrInvalidAddress)
	}
	v, err := strconv.ParseUint(cleaned, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	if Addr(v) > MaxAddr {
		return 0, fmt.Errorf("%w: %q exceeds 24 bits", ErrInvalidAddress, s)
	}
	return Addr(v), nil
}

// putAddr writes the address as three big-endian bytes.
func putAddr(dst []byte, a Addr) {
	dst[0] = byte(a >> 16)
	dst[1] = byte(a >> 8)
	dst[2] = byte(a)
}

// getAddr reads a three-byte big-endian address.
func getAddr(src []byte) Addr {
	return Addr(src[0])<<16 | Addr(src[1])<<8 | Addr(src[2])
}

// DeviceType identifies the kind of MAX! device, as reported in pair pings
// and pair pongs.
type DeviceType byte

// Device type constants.
const (
	DeviceCube                  DeviceType = 0
	DeviceHeatingThermostat     DeviceType = 1
	DeviceHeatingThermostatPlus DeviceType = 2
	DeviceWallThermostat        DeviceType = 3
	DeviceShutterContact        DeviceType = 4
	DevicePushButton            DeviceType = 5
)

// IsValid reports whether the device type is part of the catalogue.
func (d DeviceType) IsValid() bool {
	return d <= DevicePushButton
}

// IsThermostat reports whether the device regulates temperature and thus
// accepts setpoint commands.
func (d DeviceType) IsThermostat() bool {
	switch d {
	case DeviceHeatingThermostat, DeviceHeatingThermostatPlus, DeviceWallThermostat:
		return true
	default:
		return false
	}
}

// String returns a stable lowercase name for the device type.
func (d DeviceType) String() string {
	switch d {
	case DeviceCube:
		return "cube"
	case DeviceHeatingThermostat:
		return "heating_thermostat"
	case DeviceHeatingThermostatPlus:
		return "heating_thermostat_plus"
	case DeviceWallThermostat:
		return "wall_thermostat"
	case DeviceShutterContact:
		return "shutter_contact"
	case DevicePushButton:
		return "push_button"
	default:
		return fmt.Sprintf("unknown(%d)", byte(d))
	}
}

// MarshalText renders the device type name for JSON and text encodings.
func (d DeviceType) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}
