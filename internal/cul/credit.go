package cul

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Airtime accounting constants. The transceiver counts duty-cycle budget in
// 10 ms units; at the Moritz data rate of 10 kbit/s one unit carries 100 bits.
const (
	creditUnitBits = 100

	// airtimeOverheadBytes is the radio preamble and sync word transmitted
	// before the frame bytes.
	airtimeOverheadBytes = 8

	// creditRegenPerSecond is the budget regeneration rate. One 10 ms unit
	// per second is the 1% duty-cycle rule.
	creditRegenPerSecond = 1
)

// airtimeUnits estimates the duty-cycle cost of transmitting frameBytes,
// rounded up to whole 10 ms units.
func airtimeUnits(frameBytes int) int {
	bits := (frameBytes + airtimeOverheadBytes) * 8
	units := (bits + creditUnitBits - 1) / creditUnitBits
	if units < 1 {
		units = 1
	}
	return units
}

// creditGauge tracks the remaining duty-cycle budget. A token bucket
// regenerates credit at the regulatory rate; reports from the transceiver's
// own accounting reconcile the gauge downwards, so the local view never
// claims more budget than the stick has.
type creditGauge struct {
	mu         sync.Mutex
	limiter    *rate.Limiter
	enforce    bool
	lastReport int
	lastSync   time.Time
}

func newCreditGauge(maxCredit int, enforce bool) *creditGauge {
	return &creditGauge{
		limiter: rate.NewLimiter(creditRegenPerSecond, maxCredit),
		enforce: enforce,
	}
}

// reserve takes units from the budget, failing immediately when the budget
// has no room. It never blocks.
func (g *creditGauge) reserve(units int) error {
	if !g.enforce {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.limiter.AllowN(time.Now(), units) {
		return fmt.Errorf("%w: need %d units, have %d",
			ErrDutyCycleExceeded, units, int(g.limiter.Tokens()))
	}
	return nil
}

// syncReport reconciles the gauge with the stick's own remaining budget.
// The stick wins when it reports less than the local view.
func (g *creditGauge) syncReport(units int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastReport = units
	g.lastSync = time.Now()
	if have := int(g.limiter.Tokens()); units < have {
		g.limiter.AllowN(time.Now(), have-units)
	}
}

// drain empties the gauge. Used when the stick refuses a transmit outright,
// which means its budget is gone regardless of the local count.
func (g *creditGauge) drain() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if have := int(g.limiter.Tokens()); have > 0 {
		g.limiter.AllowN(time.Now(), have)
	}
}

// snapshot returns the remaining local budget, the stick's last reported
// figure and when that report arrived.
func (g *creditGauge) snapshot() (remaining, lastReport int, lastSync time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	remaining = int(g.limiter.Tokens())
	if remaining < 0 {
		remaining = 0
	}
	return remaining, g.lastReport, g.lastSync
}
