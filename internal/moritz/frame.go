package moritz

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Frame header flags.
const (
	// FlagNone marks a plain frame with no delivery guarantees.
	FlagNone byte = 0x00

	// FlagWantAck marks a frame whose sender expects an Ack from the
	// destination. Commands use it; broadcasts must not.
	FlagWantAck byte = 0x04
)

// Frame size constraints.
const (
	// frameHeaderLen covers counter, flags, type, src, dst and group:
	// the bytes counted by the length field besides the payload.
	frameHeaderLen = 10

	// minFrameLen is the smallest complete frame: length byte, header,
	// empty payload and checksum.
	minFrameLen = 1 + frameHeaderLen + 1

	// maxPayloadLen keeps the length field within one byte.
	maxPayloadLen = 0xFF - frameHeaderLen
)

// Serial line prefixes used by the transceiver stick.
const (
	// SendLinePrefix introduces a frame handed to the stick for transmission.
	SendLinePrefix = "Zs"

	// RecvLinePrefix introduces a frame the stick received off the air.
	RecvLinePrefix = "Z"
)

// Frame is one raw Moritz radio frame: the fixed header plus an opaque,
// message-specific payload. Encoding and decoding of payloads into typed
// messages lives in messages.go.
type Frame struct {
	// Counter is the per-sender sequence number. Acks echo it back, which
	// is how the link matches responses to pending commands.
	Counter byte

	// Flags carries the header flag bits (see FlagWantAck).
	Flags byte

	// Type identifies the payload encoding.
	Type MessageType

	// Src is the sender's device address.
	Src Addr

	// Dst is the destination address; Broadcast reaches every listener.
	Dst Addr

	// Group is the room/group byte used for room casts (0x00 = none).
	Group byte

	// Payload is the message-specific body, possibly empty.
	Payload []byte
}

// checksum returns the additive checksum over data (mod 256).
func checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}

// Encode serialises the frame to raw bytes: length byte, header, payload
// and trailing checksum.
//
// Returns:
//   - []byte: The complete frame
//   - error: ErrInvalidAddress or ErrPayloadTooLarge on unrepresentable fields
func (f Frame) Encode() ([]byte, error) {
	if !f.Src.IsValid() {
		return nil, fmt.Errorf("%w: src %#x", ErrInvalidAddress, uint32(f.Src))
	}
	if !f.Dst.IsValid() {
		return nil, fmt.Errorf("%w: dst %#x", ErrInvalidAddress, uint32(f.Dst))
	}
	if len(f.Payload) > maxPayloadLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(f.Payload))
	}

	buf := make([]byte, 0, minFrameLen+len(f.Payload))
	buf = append(buf, byte(frameHeaderLen+len(f.Payload))) // length field
	buf = append(buf, f.Counter, f.Flags, byte(f.Type))
	var addr [3]byte
	putAddr(addr[:], f.Src)
	buf = append(buf, addr[:]...)
	putAddr(addr[:], f.Dst)
	buf = append(buf, addr[:]...)
	buf = append(buf, f.Group)
	buf = append(buf, f.Payload...)
	buf = append(buf, checksum(buf))
	return buf, nil
}

// DecodeFrame parses raw frame bytes (including the trailing checksum but
// without any stick-appended RSSI byte).
//
// Validation covers minimum size, length-field consistency and checksum.
// A frame that fails any check yields an error and no partial result.
//
// Parameters:
//   - data: Raw frame bytes
//
// Returns:
//   - Frame: The parsed frame; Payload aliases data and must be copied if
//     retained beyond the caller's scope
//   - error: ErrFrameTooShort, ErrLengthMismatch or ErrChecksumMismatch
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) < minFrameLen {
		return Frame{}, fmt.Errorf("%w: %d bytes, need at least %d",
			ErrFrameTooShort, len(data), minFrameLen)
	}

	declared := int(data[0])
	// Length counts everything after the length byte except the checksum.
	if declared != len(data)-2 {
		return Frame{}, fmt.Errorf("%w: declared %d, have %d",
			ErrLengthMismatch, declared, len(data)-2)
	}

	want := data[len(data)-1]
	if got := checksum(data[:len(data)-1]); got != want {
		return Frame{}, fmt.Errorf("%w: calculated %#02x, frame carries %#02x",
			ErrChecksumMismatch, got, want)
	}

	f := Frame{
		Counter: data[1],
		Flags:   data[2],
		Type:    MessageType(data[3]),
		Src:     getAddr(data[4:7]),
		Dst:     getAddr(data[7:10]),
		Group:   data[10],
	}
	if body := data[11 : len(data)-1]; len(body) > 0 {
		f.Payload = body
	}
	return f, nil
}

// FormatSendLine renders the frame as the ASCII line handed to the
// transceiver stick (without line terminator).
//
// Returns:
//   - string: "Zs" followed by the uppercase hex frame
//   - error: Propagated from Encode
func FormatSendLine(f Frame) (string, error) {
	raw, err := f.Encode()
	if err != nil {
		return "", err
	}
	return SendLinePrefix + strings.ToUpper(hex.EncodeToString(raw)), nil
}

// ParseReceiveLine parses one "Z…" line as delivered by the stick: hex frame
// bytes followed by one RSSI byte the stick appends after the checksum.
//
// Parameters:
//   - line: The serial line without terminator
//
// Returns:
//   - Frame: The decoded frame (payload copied, safe to retain)
//   - int: Received signal strength in dBm
//   - error: ErrNotAFrameLine for non-frame lines, ErrInvalidHex for
//     malformed hex, or any DecodeFrame validation error
func ParseReceiveLine(line string) (Frame, int, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, RecvLinePrefix) || strings.HasPrefix(line, SendLinePrefix) {
		return Frame{}, 0, fmt.Errorf("%w: %q", ErrNotAFrameLine, line)
	}

	raw, err := hex.DecodeString(line[len(RecvLinePrefix):])
	if err != nil {
		return Frame{}, 0, fmt.Errorf("%w: %v", ErrInvalidHex, err)
	}
	if len(raw) < minFrameLen+1 {
		return Frame{}, 0, fmt.Errorf("%w: %d bytes including rssi",
			ErrFrameTooShort, len(raw))
	}

	rssi := decodeRSSI(raw[len(raw)-1])
	f, err := DecodeFrame(raw[:len(raw)-1])
	if err != nil {
		return Frame{}, 0, err
	}
	if f.Payload != nil {
		f.Payload = append([]byte(nil), f.Payload...)
	}
	return f, rssi, nil
}

// decodeRSSI converts the stick's raw RSSI byte to dBm following the CC1101
// convention: signed offset binary with a 74 dBm offset at half-dB steps.
func decodeRSSI(raw byte) int {
	v := int(raw)
	if v >= 128 {
		v -= 256
	}
	return v/2 - 74
}
