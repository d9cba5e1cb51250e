package cul

import (
	"testing"
	"time"
)

func TestConfig_WithDefaults(t *testing.T) {
	got := Config{}.withDefaults()

	if got.Baud != defaultBaud {
		t.Errorf("Baud = %d, want %d", got.Baud, defaultBaud)
	}
	if got.AckTimeout != defaultAckTimeout {
		t.Errorf("AckTimeout = %v, want %v", got.AckTimeout, defaultAckTimeout)
	}
	if got.BackoffInitial != defaultBackoffInitial {
		t.Errorf("BackoffInitial = %v, want %v", got.BackoffInitial, defaultBackoffInitial)
	}
	if got.MaxCredit != defaultMaxCredit {
		t.Errorf("MaxCredit = %d, want %d", got.MaxCredit, defaultMaxCredit)
	}
}

func TestConfig_MaxRetriesDefaulting(t *testing.T) {
	tests := []struct {
		name string
		in   int
		want int
	}{
		{name: "negative selects default", in: -1, want: defaultMaxRetries},
		{name: "zero disables retransmits", in: 0, want: 0},
		{name: "explicit value kept", in: 5, want: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Config{MaxRetries: tt.in}.withDefaults()
			if got.MaxRetries != tt.want {
				t.Errorf("MaxRetries = %d, want %d", got.MaxRetries, tt.want)
			}
		})
	}
}

func TestConfig_BackoffMaxFloor(t *testing.T) {
	got := Config{
		BackoffInitial: 2 * time.Second,
		BackoffMax:     time.Second,
	}.withDefaults()

	if got.BackoffMax != 2*time.Second {
		t.Errorf("BackoffMax = %v, want %v (floored to BackoffInitial)", got.BackoffMax, 2*time.Second)
	}
}
