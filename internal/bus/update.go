package bus

import (
	"time"

	"github.com/nerrad567/maxcul-core/internal/moritz"
)

// Kind identifies what a dispatched update describes.
type Kind string

// Update kinds.
const (
	KindThermostatState     Kind = "thermostat_state"
	KindWallThermostatState Kind = "wall_thermostat_state"
	KindShutterContact      Kind = "shutter_contact"
	KindPushButton          Kind = "push_button"
	KindDevicePaired        Kind = "device_paired"
	KindDeviceRepaired      Kind = "device_repaired"
)

// Update is an immutable snapshot of one decoded device report.
//
// Pointer fields carry only what the frame actually contained; nil means
// the frame said nothing about that field, not that the value cleared.
// Subscribers must copy anything they want to keep past the handler.
type Update struct {
	Kind          Kind         `json:"kind"`
	Addr          moritz.Addr  `json:"address"`
	Mode          *moritz.Mode `json:"mode,omitempty"`
	DesiredTemp   *float64     `json:"desired_temp,omitempty"`
	MeasuredTemp  *float64     `json:"measured_temp,omitempty"`
	BatteryLow    *bool        `json:"battery_low,omitempty"`
	RFError       *bool        `json:"rf_error,omitempty"`
	PanelLocked   *bool        `json:"panel_locked,omitempty"`
	ContactOpen   *bool        `json:"contact_open,omitempty"`
	ButtonPressed *bool        `json:"button_pressed,omitempty"`
	RSSI          *float64     `json:"rssi,omitempty"`
	At            time.Time    `json:"at"`
}
