package moritz

import "errors"

// Encode-side errors. These indicate caller mistakes and are surfaced
// immediately, never retried.
var (
	// ErrOutOfRange is returned when a desired temperature is outside
	// [MinTemperature, MaxTemperature] or not representable at 0.5 °C.
	ErrOutOfRange = errors.New("moritz: temperature outside representable range")

	// ErrInvalidMode is returned when a mode value cannot be carried by the
	// requested message (for example Temporary, which needs an until-date
	// this driver does not transmit).
	ErrInvalidMode = errors.New("moritz: invalid mode for message")

	// ErrInvalidAddress is returned when an address does not fit in 24 bits.
	ErrInvalidAddress = errors.New("moritz: invalid device address")

	// ErrPayloadTooLarge is returned when a payload exceeds the length field.
	ErrPayloadTooLarge = errors.New("moritz: payload too large for frame")
)

// Decode-side errors. Inbound frames that fail to decode are logged and
// dropped by the link; these never reach event subscribers.
var (
	// ErrFrameTooShort is returned when fewer bytes arrive than the fixed
	// header plus checksum require.
	ErrFrameTooShort = errors.New("moritz: frame too short")

	// ErrLengthMismatch is returned when the length field disagrees with the
	// actual number of bytes received.
	ErrLengthMismatch = errors.New("moritz: length field mismatch")

	// ErrChecksumMismatch is returned when the trailing checksum does not
	// match the frame contents.
	ErrChecksumMismatch = errors.New("moritz: checksum mismatch")

	// ErrInvalidHex is returned when a received line is not valid hex.
	ErrInvalidHex = errors.New("moritz: invalid hex encoding")

	// ErrNotAFrameLine is returned when a serial line does not carry a frame.
	ErrNotAFrameLine = errors.New("moritz: not a frame line")

	// ErrUnknownMessageType is returned when the type byte is not part of
	// the message catalogue.
	ErrUnknownMessageType = errors.New("moritz: unknown message type")

	// ErrPayloadSize is returned when a payload has the wrong size for its
	// message type.
	ErrPayloadSize = errors.New("moritz: unexpected payload size")

	// ErrInvalidPayload is returned when payload values violate the
	// message's value ranges (for example an impossible calendar date).
	ErrInvalidPayload = errors.New("moritz: invalid payload values")
)
