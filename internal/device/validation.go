package device

import (
	"fmt"
	"unicode/utf8"

	"github.com/nerrad567/maxcul-core/internal/moritz"
)

// maxNameLength bounds display names; longer values are caller mistakes.
const maxNameLength = 64

// validateAddr rejects addresses that can never identify a device: values
// outside the 24-bit range and the broadcast address.
func validateAddr(addr moritz.Addr) error {
	if !addr.IsValid() {
		return fmt.Errorf("%w: %#x exceeds 24 bits", ErrInvalidAddress, uint32(addr))
	}
	if addr.IsBroadcast() {
		return fmt.Errorf("%w: broadcast address", ErrInvalidAddress)
	}
	return nil
}

// validateName rejects empty and oversized display names.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidName, maxNameLength)
	}
	return nil
}
