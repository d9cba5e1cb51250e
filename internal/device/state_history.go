package device

import (
	"context"
	"time"

	"github.com/nerrad567/maxcul-core/internal/moritz"
)

// History read limits.
const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// HistoryEntry is one applied state update, as stored in the
// device_state_history table. Nil fields were absent from the update.
type HistoryEntry struct {
	ID           int64        `json:"id"`
	Addr         moritz.Addr  `json:"address"`
	Mode         *moritz.Mode `json:"mode,omitempty"`
	DesiredTemp  *float64     `json:"desired_temp,omitempty"`
	MeasuredTemp *float64     `json:"measured_temp,omitempty"`
	BatteryLow   *bool        `json:"battery_low,omitempty"`
	ContactOpen  *bool        `json:"contact_open,omitempty"`
	RSSI         *float64     `json:"rssi,omitempty"`
	RecordedAt   time.Time    `json:"recorded_at"`
}

// HistoryQuery bounds a history read. Since may be zero for no lower
// bound; Limit zero selects defaultHistoryLimit, and values above
// maxHistoryLimit are clamped.
type HistoryQuery struct {
	Addr  moritz.Addr
	Since time.Time
	Limit int
}

// StateHistoryRepository persists applied state updates.
// Implementations must prune each device back to its row cap on insert,
// so the table cannot grow without bound.
type StateHistoryRepository interface {
	// Record appends one entry and prunes the device's oldest rows
	// beyond the cap.
	Record(ctx context.Context, entry HistoryEntry) error

	// List returns entries for one device, newest first.
	List(ctx context.Context, q HistoryQuery) ([]HistoryEntry, error)
}
