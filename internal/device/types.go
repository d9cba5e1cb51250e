package device

import (
	"time"

	"github.com/nerrad567/maxcul-core/internal/moritz"
)

// PairState tracks where a device is in its pairing lifecycle.
type PairState string

// Pairing lifecycle states. A device is created in PairStatePairing and
// promoted to PairStatePaired once a pair ping has been answered.
const (
	PairStatePairing PairState = "pairing"
	PairStatePaired  PairState = "paired"
)

// Device is one MAX! radio device known to the gateway, keyed by its
// 24-bit radio address. Identity fields come from pairing; State holds
// the last values the device reported over the air.
type Device struct {
	Addr      moritz.Addr       `json:"address"`
	Name      string            `json:"name"`
	Type      moritz.DeviceType `json:"device_type"`
	Serial    string            `json:"serial,omitempty"`
	Firmware  uint8             `json:"firmware,omitempty"`
	PairState PairState         `json:"pair_state"`
	RoomID    uint8             `json:"room_id"`
	State     State             `json:"state"`
	LastSeen  *time.Time        `json:"last_seen,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// State is the last reported condition of a device. Every field is
// optional: nil means the device has never reported it. Which fields a
// device fills depends on its type; a shutter contact will only ever
// set ContactOpen, BatteryLow, and RSSI.
type State struct {
	Mode          *moritz.Mode `json:"mode,omitempty"`
	DesiredTemp   *float64     `json:"desired_temp,omitempty"`
	MeasuredTemp  *float64     `json:"measured_temp,omitempty"`
	BatteryLow    *bool        `json:"battery_low,omitempty"`
	RFError       *bool        `json:"rf_error,omitempty"`
	PanelLocked   *bool        `json:"panel_locked,omitempty"`
	ContactOpen   *bool        `json:"contact_open,omitempty"`
	ButtonPressed *bool        `json:"button_pressed,omitempty"`
	RSSI          *float64     `json:"rssi,omitempty"`
}

// PairInfo carries the identity a device announces in its pair ping.
type PairInfo struct {
	Type     moritz.DeviceType
	Serial   string
	Firmware uint8
}

// InfoUpdate describes an operator edit to device metadata. Nil fields
// are left unchanged.
type InfoUpdate struct {
	Name   *string
	RoomID *uint8
}

// DeepCopy creates a completely independent copy of the device.
// Mutating the copy never affects the original, which lets the registry
// hand snapshots across goroutine boundaries safely.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}
	out := *d
	out.LastSeen = cloneTime(d.LastSeen)
	out.State = d.State.DeepCopy()
	return &out
}

// DeepCopy creates an independent copy of the state.
func (s State) DeepCopy() State {
	return State{
		Mode:          cloneMode(s.Mode),
		DesiredTemp:   cloneFloat(s.DesiredTemp),
		MeasuredTemp:  cloneFloat(s.MeasuredTemp),
		BatteryLow:    cloneBool(s.BatteryLow),
		RFError:       cloneBool(s.RFError),
		PanelLocked:   cloneBool(s.PanelLocked),
		ContactOpen:   cloneBool(s.ContactOpen),
		ButtonPressed: cloneBool(s.ButtonPressed),
		RSSI:          cloneFloat(s.RSSI),
	}
}

func cloneMode(p *moritz.Mode) *moritz.Mode {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneBool(p *bool) *bool {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// mergeMode overwrites dst when src is present and different.
// It reports whether the stored value changed.
func mergeMode(dst **moritz.Mode, src *moritz.Mode) bool {
	if src == nil {
		return false
	}
	if *dst != nil && **dst == *src {
		return false
	}
	v := *src
	*dst = &v
	return true
}

// mergeFloat overwrites dst when src is present and different.
func mergeFloat(dst **float64, src *float64) bool {
	if src == nil {
		return false
	}
	if *dst != nil && **dst == *src {
		return false
	}
	v := *src
	*dst = &v
	return true
}

// mergeBool overwrites dst when src is present and different.
func mergeBool(dst **bool, src *bool) bool {
	if src == nil {
		return false
	}
	if *dst != nil && **dst == *src {
		return false
	}
	v := *src
	*dst = &v
	return true
}
