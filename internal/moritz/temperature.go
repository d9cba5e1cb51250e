package moritz

import (
	"fmt"
	"math"
)

// Protocol temperature bounds for desired-temperature fields, in °C.
// 4.5 °C doubles as the "valve off" setpoint and 30.5 °C as "valve fully
// open" by domain convention; the driver treats them as plain bounds.
const (
	MinTemperature = 4.5
	MaxTemperature = 30.5
)

// desiredStep is the wire resolution of desired temperatures.
const desiredStep = 0.5

// Mode is the thermostat operating mode, carried in a 2-bit wire field.
type Mode byte

// Operating modes.
const (
	ModeAuto      Mode = 0
	ModeManual    Mode = 1
	ModeTemporary Mode = 2
	ModeBoost     Mode = 3
)

// IsValid reports whether the mode is one of the four wire values.
func (m Mode) IsValid() bool {
	return m <= ModeBoost
}

// String returns the stable lowercase mode name.
func (m Mode) String() string {
	switch m {
	case ModeAuto:
		return "auto"
	case ModeManual:
		return "manual"
	case ModeTemporary:
		return "temporary"
	case ModeBoost:
		return "boost"
	default:
		return fmt.Sprintf("unknown(%d)", byte(m))
	}
}

// MarshalText renders the mode name for JSON and text encodings.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText parses a mode from its text name.
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ParseMode parses a lowercase mode name.
//
// Returns:
//   - Mode: The parsed mode
//   - error: ErrInvalidMode if the name is not a known mode
func ParseMode(s string) (Mode, error) {
	switch s {
	case "auto":
		return ModeAuto, nil
	case "manual":
		return ModeManual, nil
	case "temporary":
		return ModeTemporary, nil
	case "boost":
		return ModeBoost, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// encodeDesired converts a desired temperature to its half-degree wire value.
//
// The value must lie in [MinTemperature, MaxTemperature] and on the 0.5 °C
// grid; the protocol cannot express anything finer.
//
// Returns:
//   - byte: temperature × 2 (fits in 6 bits for the full valid range)
//   - error: ErrOutOfRange for out-of-bounds or off-grid values
func encodeDesired(temperature float64) (byte, error) {
	if math.IsNaN(temperature) || temperature < MinTemperature || temperature > MaxTemperature {
		return 0, fmt.Errorf("%w: %.2f not in [%.1f, %.1f]",
			ErrOutOfRange, temperature, MinTemperature, MaxTemperature)
	}
	doubled := temperature * 2
	rounded := math.Round(doubled)
	if math.Abs(doubled-rounded) > 1e-9 {
		return 0, fmt.Errorf("%w: %.2f is not a multiple of %.1f °C",
			ErrOutOfRange, temperature, desiredStep)
	}
	return byte(rounded), nil
}

// decodeDesired converts a 7-bit desired wire value back to °C.
func decodeDesired(raw byte) float64 {
	return float64(raw&0x7F) / 2
}

// measured9 assembles the 9-bit measured-temperature value from the high bit
// of the desired byte and the dedicated low byte, in 0.1 °C units.
func measured9(desiredRaw, low byte) float64 {
	v := uint16(desiredRaw&0x80)<<1 | uint16(low)
	return float64(v) / 10
}

// splitMeasured converts a measured temperature in °C into the high-bit /
// low-byte pair used on the wire. Values outside the 9-bit range
// [0, 51.1] °C cannot be represented.
//
// Returns:
//   - hi: 0x80 when bit 8 of the raw value is set, otherwise 0
//   - low: the low eight bits of the raw value
//   - error: ErrOutOfRange when the value does not fit
func splitMeasured(temperature float64) (hi, low byte, err error) {
	if math.IsNaN(temperature) || temperature < 0 || temperature > 51.1 {
		return 0, 0, fmt.Errorf("%w: measured %.2f not in [0, 51.1]", ErrOutOfRange, temperature)
	}
	raw := uint16(math.Round(temperature * 10))
	if raw>>8 != 0 {
		hi = 0x80
	}
	return hi, byte(raw), nil
}
