package cul

import (
	"errors"
	"testing"
	"time"
)

func TestAirtimeUnits(t *testing.T) {
	tests := []struct {
		name       string
		frameBytes int
		want       int
	}{
		{name: "minimum one unit", frameBytes: 0, want: 1},
		{name: "typical command frame", frameBytes: 13, want: 2},
		{name: "just under three units", frameBytes: 17, want: 2},
		{name: "rounds up", frameBytes: 18, want: 3},
		{name: "pair ping sized frame", frameBytes: 25, want: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := airtimeUnits(tt.frameBytes); got != tt.want {
				t.Errorf("airtimeUnits(%d) = %d, want %d", tt.frameBytes, got, tt.want)
			}
		})
	}
}

func TestCreditGauge_ReserveUntilExhausted(t *testing.T) {
	g := newCreditGauge(10, true)

	if err := g.reserve(4); err != nil {
		t.Fatalf("reserve(4) error = %v", err)
	}
	if err := g.reserve(6); err != nil {
		t.Fatalf("reserve(6) error = %v", err)
	}

	err := g.reserve(2)
	if !errors.Is(err, ErrDutyCycleExceeded) {
		t.Errorf("reserve(2) error = %v, want ErrDutyCycleExceeded", err)
	}
}

func TestCreditGauge_RegeneratesOverTime(t *testing.T) {
	// One unit per second is the regulatory rate; a burst of one keeps
	// the wait short.
	g := newCreditGauge(1, true)

	if err := g.reserve(1); err != nil {
		t.Fatalf("reserve(1) error = %v", err)
	}
	if err := g.reserve(1); !errors.Is(err, ErrDutyCycleExceeded) {
		t.Fatalf("reserve on empty gauge error = %v, want ErrDutyCycleExceeded", err)
	}

	time.Sleep(1100 * time.Millisecond)

	if err := g.reserve(1); err != nil {
		t.Errorf("reserve after regeneration window error = %v, want nil", err)
	}
}

func TestCreditGauge_SyncReportLowers(t *testing.T) {
	g := newCreditGauge(900, true)

	remaining, _, _ := g.snapshot()
	if remaining != 900 {
		t.Fatalf("initial remaining = %d, want 900", remaining)
	}

	g.syncReport(5)

	remaining, lastReport, lastSync := g.snapshot()
	if remaining > 5 || remaining < 4 {
		t.Errorf("remaining after sync = %d, want about 5", remaining)
	}
	if lastReport != 5 {
		t.Errorf("lastReport = %d, want 5", lastReport)
	}
	if lastSync.IsZero() {
		t.Error("lastSync is zero, want a timestamp")
	}
}

func TestCreditGauge_SyncReportNeverRaises(t *testing.T) {
	g := newCreditGauge(10, true)
	if err := g.reserve(8); err != nil {
		t.Fatalf("reserve(8) error = %v", err)
	}

	// The stick claiming a bigger budget must not inflate the local view.
	g.syncReport(900)

	remaining, _, _ := g.snapshot()
	if remaining > 3 {
		t.Errorf("remaining after optimistic report = %d, want at most 3", remaining)
	}
}

func TestCreditGauge_Drain(t *testing.T) {
	g := newCreditGauge(100, true)
	g.drain()

	remaining, _, _ := g.snapshot()
	if remaining != 0 {
		t.Errorf("remaining after drain = %d, want 0", remaining)
	}
	if err := g.reserve(1); !errors.Is(err, ErrDutyCycleExceeded) {
		t.Errorf("reserve after drain error = %v, want ErrDutyCycleExceeded", err)
	}
}

func TestCreditGauge_EnforcementDisabled(t *testing.T) {
	g := newCreditGauge(10, false)

	if err := g.reserve(10_000); err != nil {
		t.Errorf("reserve with enforcement disabled error = %v, want nil", err)
	}
}

func TestJitteredBackoff_Bounds(t *testing.T) {
	base := 100 * time.Millisecond
	low, high := 80*time.Millisecond, 120*time.Millisecond

	for i := 0; i < 200; i++ {
		d := jitteredBackoff(base)
		if d < low || d > high {
			t.Fatalf("jitteredBackoff(%v) = %v, want within [%v, %v]", base, d, low, high)
		}
	}
}
