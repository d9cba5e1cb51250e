package moritz

import (
	"fmt"
	"time"
)

// MessageType identifies the payload encoding of a frame.
type MessageType byte

// Message type catalogue.
const (
	MsgPairPing              MessageType = 0x00
	MsgPairPong              MessageType = 0x01
	MsgAck                   MessageType = 0x02
	MsgTimeInformation       MessageType = 0x03
	MsgShutterContactState   MessageType = 0x30
	MsgSetTemperature        MessageType = 0x40
	MsgWallThermostatControl MessageType = 0x42
	MsgPushButtonState       MessageType = 0x50
	MsgThermostatState       MessageType = 0x60
	MsgWallThermostatState   MessageType = 0x70
	MsgReset                 MessageType = 0xF0
	MsgWakeUp                MessageType = 0xF1
)

// String returns the stable snake_case name of the message type.
func (t MessageType) String() string {
	switch t {
	case MsgPairPing:
		return "pair_ping"
	case MsgPairPong:
		return "pair_pong"
	case MsgAck:
		return "ack"
	case MsgTimeInformation:
		return "time_information"
	case MsgShutterContactState:
		return "shutter_contact_state"
	case MsgSetTemperature:
		return "set_temperature"
	case MsgWallThermostatControl:
		return "wall_thermostat_control"
	case MsgPushButtonState:
		return "push_button_state"
	case MsgThermostatState:
		return "thermostat_state"
	case MsgWallThermostatState:
		return "wall_thermostat_state"
	case MsgReset:
		return "reset"
	case MsgWakeUp:
		return "wake_up"
	default:
		return fmt.Sprintf("unknown(0x%02X)", byte(t))
	}
}

// Message is a typed Moritz payload. The catalogue is closed: every
// implementation lives in this package.
type Message interface {
	// MessageType returns the wire type byte for this message.
	MessageType() MessageType
}

// PairPing is broadcast by a factory-reset or battery-swapped device looking
// for a controller to pair with.
type PairPing struct {
	FirmwareVersion byte
	DeviceType      DeviceType
	TestResult      byte
	// Serial is the device's 10-character ASCII serial number.
	Serial string
}

// MessageType implements Message.
func (PairPing) MessageType() MessageType { return MsgPairPing }

// PairPong is the controller's answer to a PairPing; it completes pairing.
type PairPong struct {
	// DeviceType announces what the responder is; controllers answer as a cube.
	DeviceType DeviceType
}

// MessageType implements Message.
func (PairPong) MessageType() MessageType { return MsgPairPong }

// Ack confirms (or refuses) a want-ack frame. Thermostats piggyback their
// current state onto acks, so State may carry a full snapshot.
type Ack struct {
	// Nack is set when the device refused the command.
	Nack bool

	// State is the piggybacked thermostat snapshot, nil when absent.
	State *ThermostatState
}

// MessageType implements Message.
func (Ack) MessageType() MessageType { return MsgAck }

// TimeInformation either requests the current time (empty payload from a
// device) or carries it (five-byte payload from the controller).
type TimeInformation struct {
	// Time is the wall-clock time carried by the message; the zero value
	// marks a request.
	Time time.Time
}

// MessageType implements Message.
func (TimeInformation) MessageType() MessageType { return MsgTimeInformation }

// IsRequest reports whether the message asks for the current time rather
// than carrying one.
func (t TimeInformation) IsRequest() bool { return t.Time.IsZero() }

// ShutterContactState reports a window/door contact change.
type ShutterContactState struct {
	Open       bool
	RFError    bool
	BatteryLow bool
}

// MessageType implements Message.
func (ShutterContactState) MessageType() MessageType { return MsgShutterContactState }

// SetTemperature commands a thermostat to a new setpoint and mode.
type SetTemperature struct {
	Mode        Mode
	Temperature float64
}

// MessageType implements Message.
func (SetTemperature) MessageType() MessageType { return MsgSetTemperature }

// PushButtonState reports an eco/comfort push-button press or release.
type PushButtonState struct {
	Pressed    bool
	BatteryLow bool
}

// MessageType implements Message.
func (PushButtonState) MessageType() MessageType { return MsgPushButtonState }

// ThermostatState is the periodic (and ack-piggybacked) report of a radiator
// thermostat.
type ThermostatState struct {
	Mode               Mode
	DesiredTemperature float64

	// MeasuredTemperature is nil when the report omits the measurement
	// (two-byte payloads).
	MeasuredTemperature *float64

	DSTActive    bool
	GatewayKnown bool
	PanelLocked  bool
	RFError      bool
	BatteryLow   bool
}

// MessageType implements Message.
func (ThermostatState) MessageType() MessageType { return MsgThermostatState }

// WallThermostatState is the periodic report of a wall-mounted thermostat.
type WallThermostatState struct {
	DesiredTemperature  float64
	MeasuredTemperature float64
}

// MessageType implements Message.
func (WallThermostatState) MessageType() MessageType { return MsgWallThermostatState }

// WallThermostatControl is the wall thermostat's broadcast of desired and
// measured temperature towards its valves. Same payload as
// WallThermostatState, different type byte and addressing.
type WallThermostatControl struct {
	DesiredTemperature  float64
	MeasuredTemperature float64
}

// MessageType implements Message.
func (WallThermostatControl) MessageType() MessageType { return MsgWallThermostatControl }

// Reset commands a device back to factory state.
type Reset struct{}

// MessageType implements Message.
func (Reset) MessageType() MessageType { return MsgReset }

// WakeUp asks a sleeping device to stay awake and report.
type WakeUp struct{}

// MessageType implements Message.
func (WakeUp) MessageType() MessageType { return MsgWakeUp }

// Payload sizes and field masks.
const (
	pairPingPayloadLen = 13 // firmware(1) + type(1) + test(1) + serial(10)
	serialLen          = 10
	timePayloadLen     = 5

	wakeUpPayload byte = 0x3F

	ackNackBit byte = 0x80

	stateModeMask     byte = 0x03
	stateDSTBit       byte = 0x04
	stateGatewayBit   byte = 0x08
	statePanelLockBit byte = 0x20
	stateRFErrorBit   byte = 0x40
	stateBatteryBit   byte = 0x80

	shutterOpenBit byte = 0x02

	setTempModeShift = 6
	setTempValueMask = 0x3F
)

// EncodePayload serialises a typed message to its wire payload.
//
// Parameters:
//   - msg: Any message from the catalogue
//
// Returns:
//   - []byte: The payload bytes (nil for empty payloads)
//   - error: ErrOutOfRange / ErrInvalidMode / ErrInvalidPayload for
//     unrepresentable field values, ErrUnknownMessageType for types outside
//     the catalogue
func EncodePayload(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case PairPing:
		return encodePairPing(m)
	case PairPong:
		return []byte{byte(m.DeviceType)}, nil
	case Ack:
		return encodeAck(m)
	case TimeInformation:
		return encodeTimeInformation(m)
	case ShutterContactState:
		return []byte{encodeShutterFlags(m)}, nil
	case SetTemperature:
		return encodeSetTemperature(m)
	case PushButtonState:
		return encodePushButton(m), nil
	case ThermostatState:
		return encodeThermostatState(m)
	case WallThermostatState:
		return encodeWallTemps(m.DesiredTemperature, m.MeasuredTemperature)
	case WallThermostatControl:
		return encodeWallTemps(m.DesiredTemperature, m.MeasuredTemperature)
	case Reset:
		return nil, nil
	case WakeUp:
		return []byte{wakeUpPayload}, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessageType, msg)
	}
}

// DecodeMessage decodes a frame's payload into its typed message.
//
// Parameters:
//   - f: A frame previously validated by DecodeFrame
//
// Returns:
//   - Message: One of the catalogue types
//   - error: ErrUnknownMessageType, ErrPayloadSize or ErrInvalidPayload
func DecodeMessage(f Frame) (Message, error) {
	p := f.Payload
	switch f.Type {
	case MsgPairPing:
		return decodePairPing(p)
	case MsgPairPong:
		if len(p) != 1 {
			return nil, payloadSizeErr(f.Type, len(p), "1")
		}
		return PairPong{DeviceType: DeviceType(p[0])}, nil
	case MsgAck:
		return decodeAck(p)
	case MsgTimeInformation:
		return decodeTimeInformation(p)
	case MsgShutterContactState:
		if len(p) != 1 {
			return nil, payloadSizeErr(f.Type, len(p), "1")
		}
		return ShutterContactState{
			Open:       p[0]&shutterOpenBit != 0,
			RFError:    p[0]&stateRFErrorBit != 0,
			BatteryLow: p[0]&stateBatteryBit != 0,
		}, nil
	case MsgSetTemperature:
		if len(p) != 1 {
			return nil, payloadSizeErr(f.Type, len(p), "1")
		}
		return SetTemperature{
			Mode:        Mode(p[0] >> setTempModeShift),
			Temperature: float64(p[0]&setTempValueMask) / 2,
		}, nil
	case MsgPushButtonState:
		if len(p) != 2 {
			return nil, payloadSizeErr(f.Type, len(p), "2")
		}
		return PushButtonState{
			BatteryLow: p[0]&stateBatteryBit != 0,
			Pressed:    p[1] != 0,
		}, nil
	case MsgThermostatState:
		st, err := decodeThermostatPayload(p)
		if err != nil {
			return nil, err
		}
		return st, nil
	case MsgWallThermostatState:
		desired, measured, err := decodeWallTemps(f.Type, p)
		if err != nil {
			return nil, err
		}
		return WallThermostatState{DesiredTemperature: desired, MeasuredTemperature: measured}, nil
	case MsgWallThermostatControl:
		desired, measured, err := decodeWallTemps(f.Type, p)
		if err != nil {
			return nil, err
		}
		return WallThermostatControl{DesiredTemperature: desired, MeasuredTemperature: measured}, nil
	case MsgReset:
		if len(p) != 0 {
			return nil, payloadSizeErr(f.Type, len(p), "0")
		}
		return Reset{}, nil
	case MsgWakeUp:
		if len(p) != 1 {
			return nil, payloadSizeErr(f.Type, len(p), "1")
		}
		return WakeUp{}, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownMessageType, byte(f.Type))
	}
}

// NewFrame assembles a complete frame around a typed message.
//
// Parameters:
//   - counter: Per-sender sequence number
//   - flags: Header flags (FlagWantAck for commands)
//   - src, dst: Device addresses
//   - group: Room/group byte, 0 for none
//   - msg: The message to carry
//
// Returns:
//   - Frame: Ready for Encode / FormatSendLine
//   - error: Propagated from EncodePayload
func NewFrame(counter, flags byte, src, dst Addr, group byte, msg Message) (Frame, error) {
	payload, err := EncodePayload(msg)
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		Counter: counter,
		Flags:   flags,
		Type:    msg.MessageType(),
		Src:     src,
		Dst:     dst,
		Group:   group,
		Payload: payload,
	}, nil
}

func payloadSizeErr(t MessageType, got int, want string) error {
	return fmt.Errorf("%w: %s payload is %d bytes, want %s", ErrPayloadSize, t, got, want)
}

func encodePairPing(m PairPing) ([]byte, error) {
	if len(m.Serial) != serialLen {
		return nil, fmt.Errorf("%w: serial %q must be %d characters",
			ErrInvalidPayload, m.Serial, serialLen)
	}
	buf := make([]byte, 0, pairPingPayloadLen)
	buf = append(buf, m.FirmwareVersion, byte(m.DeviceType), m.TestResult)
	buf = append(buf, m.Serial...)
	return buf, nil
}

func decodePairPing(p []byte) (PairPing, error) {
	if len(p) != pairPingPayloadLen {
		return PairPing{}, payloadSizeErr(MsgPairPing, len(p), "13")
	}
	return PairPing{
		FirmwareVersion: p[0],
		DeviceType:      DeviceType(p[1]),
		TestResult:      p[2],
		Serial:          string(p[3:]),
	}, nil
}

func encodeAck(m Ack) ([]byte, error) {
	first := byte(0x01)
	if m.Nack {
		first |= ackNackBit
	}
	if m.State == nil {
		return []byte{first}, nil
	}
	state, err := encodeThermostatState(*m.State)
	if err != nil {
		return nil, err
	}
	return append([]byte{first}, state...), nil
}

func decodeAck(p []byte) (Ack, error) {
	if len(p) < 1 {
		return Ack{}, payloadSizeErr(MsgAck, len(p), "at least 1")
	}
	ack := Ack{Nack: p[0]&ackNackBit != 0}
	// Thermostat acks append a state snapshot after the status byte.
	if len(p) >= 3 {
		st, err := decodeThermostatPayload(p[1:])
		if err != nil {
			return Ack{}, err
		}
		ack.State = &st
	}
	return ack, nil
}

func encodeTimeInformation(m TimeInformation) ([]byte, error) {
	if m.IsRequest() {
		return nil, nil
	}
	t := m.Time
	year := t.Year()
	if year < 2000 || year > 2255 {
		return nil, fmt.Errorf("%w: year %d not encodable", ErrInvalidPayload, year)
	}
	month := byte(t.Month())
	return []byte{
		byte(year - 2000),
		byte(t.Day()),
		byte(t.Hour()),
		byte(t.Minute()) | (month&0x0C)<<4,
		byte(t.Second()) | (month&0x03)<<6,
	}, nil
}

func decodeTimeInformation(p []byte) (TimeInformation, error) {
	if len(p) == 0 {
		return TimeInformation{}, nil
	}
	if len(p) != timePayloadLen {
		return TimeInformation{}, payloadSizeErr(MsgTimeInformation, len(p), "0 or 5")
	}
	year := 2000 + int(p[0])
	day := int(p[1])
	hour := int(p[2] & 0x1F)
	minute := int(p[3] & 0x3F)
	second := int(p[4] & 0x3F)
	month := int(p[3]>>4&0x0C | p[4]>>6)

	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || minute > 59 || second > 59 {
		return TimeInformation{}, fmt.Errorf("%w: %04d-%02d-%02d %02d:%02d:%02d",
			ErrInvalidPayload, year, month, day, hour, minute, second)
	}
	return TimeInformation{
		Time: time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC),
	}, nil
}

func encodeShutterFlags(m ShutterContactState) byte {
	var b byte
	if m.Open {
		b |= shutterOpenBit
	}
	if m.RFError {
		b |= stateRFErrorBit
	}
	if m.BatteryLow {
		b |= stateBatteryBit
	}
	return b
}

func encodeSetTemperature(m SetTemperature) ([]byte, error) {
	// Temporary mode needs an until-date the single-byte form cannot carry.
	if !m.Mode.IsValid() || m.Mode == ModeTemporary {
		return nil, fmt.Errorf("%w: %s", ErrInvalidMode, m.Mode)
	}
	raw, err := encodeDesired(m.Temperature)
	if err != nil {
		return nil, err
	}
	return []byte{raw&setTempValueMask | byte(m.Mode)<<setTempModeShift}, nil
}

func encodePushButton(m PushButtonState) []byte {
	var flags byte
	if m.BatteryLow {
		flags |= stateBatteryBit
	}
	var pressed byte
	if m.Pressed {
		pressed = 0x01
	}
	return []byte{flags, pressed}
}

func encodeThermostatState(m ThermostatState) ([]byte, error) {
	if !m.Mode.IsValid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidMode, m.Mode)
	}
	flags := byte(m.Mode) & stateModeMask
	if m.DSTActive {
		flags |= stateDSTBit
	}
	if m.GatewayKnown {
		flags |= stateGatewayBit
	}
	if m.PanelLocked {
		flags |= statePanelLockBit
	}
	if m.RFError {
		flags |= stateRFErrorBit
	}
	if m.BatteryLow {
		flags |= stateBatteryBit
	}

	desired, err := encodeDesired(m.DesiredTemperature)
	if err != nil {
		return nil, err
	}
	if m.MeasuredTemperature == nil {
		return []byte{flags, desired}, nil
	}

	hi, low, err := splitMeasured(*m.MeasuredTemperature)
	if err != nil {
		return nil, err
	}
	return []byte{flags, desired | hi, low}, nil
}

// decodeThermostatPayload decodes the shared state layout used by
// ThermostatState frames and ack piggybacks. Payloads longer than three
// bytes carry an until-date for temporary mode; those trailing bytes are
// not decoded.
func decodeThermostatPayload(p []byte) (ThermostatState, error) {
	if len(p) < 2 {
		return ThermostatState{}, payloadSizeErr(MsgThermostatState, len(p), "at least 2")
	}
	st := ThermostatState{
		Mode:               Mode(p[0] & stateModeMask),
		DesiredTemperature: decodeDesired(p[1]),
		DSTActive:          p[0]&stateDSTBit != 0,
		GatewayKnown:       p[0]&stateGatewayBit != 0,
		PanelLocked:        p[0]&statePanelLockBit != 0,
		RFError:            p[0]&stateRFErrorBit != 0,
		BatteryLow:         p[0]&stateBatteryBit != 0,
	}
	if len(p) >= 3 {
		measured := measured9(p[1], p[2])
		st.MeasuredTemperature = &measured
	}
	return st, nil
}

func encodeWallTemps(desired, measured float64) ([]byte, error) {
	desiredRaw, err := encodeDesired(desired)
	if err != nil {
		return nil, err
	}
	hi, low, err := splitMeasured(measured)
	if err != nil {
		return nil, err
	}
	return []byte{desiredRaw | hi, low}, nil
}

func decodeWallTemps(t MessageType, p []byte) (desired, measured float64, err error) {
	if len(p) != 2 {
		return 0, 0, payloadSizeErr(t, len(p), "2")
	}
	return decodeDesired(p[0]), measured9(p[0], p[1]), nil
}
