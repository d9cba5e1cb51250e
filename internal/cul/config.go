package cul

import (
	"time"

	"github.com/nerrad567/maxcul-core/internal/moritz"
)

// Default link settings.
const (
	// defaultBaud matches the CUL stick's USB CDC default.
	defaultBaud = 38400

	// defaultAckTimeout is how long one transmit attempt waits for its ack.
	defaultAckTimeout = 2 * time.Second

	// defaultMaxRetries is the number of retransmits after the first attempt.
	defaultMaxRetries = 3

	// defaultBackoffInitial is the delay before the first retransmit.
	defaultBackoffInitial = 500 * time.Millisecond

	// defaultBackoffMax caps the retransmit backoff.
	defaultBackoffMax = 4 * time.Second

	// defaultReconnectInitial is the delay before the first reopen attempt.
	defaultReconnectInitial = 1 * time.Second

	// defaultReconnectMax caps the reopen backoff.
	defaultReconnectMax = 30 * time.Second

	// defaultMaxCredit is the regulatory 1% duty-cycle budget in 10 ms
	// units, mirroring the transceiver firmware's own accounting.
	defaultMaxCredit = 900
)

// Config holds transceiver link settings.
type Config struct {
	// Device is the serial device path, for example /dev/ttyACM0.
	Device string

	// Baud is the serial line speed. Default: 38400.
	Baud int

	// Address is this gateway's own radio address. Outgoing frames carry it
	// as source; acks are matched against it as destination.
	Address moritz.Addr

	// AckTimeout is the wait for an acknowledgement per transmit attempt.
	// Default: 2 seconds.
	AckTimeout time.Duration

	// MaxRetries is the number of retransmits after the first attempt.
	// Zero disables retransmits; negative values select the default of 3.
	MaxRetries int

	// BackoffInitial and BackoffMax bound the jittered exponential backoff
	// between retransmits. Defaults: 500 ms and 4 s.
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// ReconnectInitial and ReconnectMax bound the backoff between reopen
	// attempts after the port fails. Defaults: 1 s and 30 s.
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration

	// ReconnectMaxAttempts limits reopen attempts; 0 retries forever.
	ReconnectMaxAttempts int

	// MaxCredit is the duty-cycle budget in 10 ms airtime units.
	// Default: 900.
	MaxCredit int

	// EnforceDutyCycle gates transmits on the local credit gauge. The
	// transceiver firmware enforces its own budget either way; the local
	// gauge exists to fail fast instead of having the stick drop frames.
	EnforceDutyCycle bool
}

// withDefaults fills unset fields with their defaults.
func (c Config) withDefaults() Config {
	if c.Baud <= 0 {
		c.Baud = defaultBaud
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = defaultAckTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = defaultBackoffInitial
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = defaultBackoffMax
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = c.BackoffInitial
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = defaultReconnectInitial
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = defaultReconnectMax
	}
	if c.ReconnectMax < c.ReconnectInitial {
		c.ReconnectMax = c.ReconnectInitial
	}
	if c.MaxCredit <= 0 {
		c.MaxCredit = defaultMaxCredit
	}
	return c
}
