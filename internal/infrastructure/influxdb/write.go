package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the driver.
const (
	measurementThermostat = "thermostat_state"
	measurementContact    = "contact_state"
)

// WriteThermostatState records one climate report from a radiator or
// wall thermostat.
//
// The write is non-blocking; data is batched and sent asynchronously.
// Nil field pointers mean the report did not carry that value and the
// field is omitted from the point, mirroring the partial-update
// semantics of the registry.
//
// Parameters:
//   - addr: device radio address as six hex digits (tag)
//   - name: display name from the registry, may be empty (tag)
//   - mode: operating mode string, empty when the report had none (tag)
//   - measured, desired: temperatures in °C
//   - batteryLow: battery warning flag
//   - rssi: receive signal strength in dBm
//   - at: report timestamp
func (c *Client) WriteThermostatState(addr, name, mode string, measured, desired *float64, batteryLow *bool, rssi *float64, at time.Time) {
	if !c.IsConnected() {
		return
	}

	fields := make(map[string]interface{}, 4)
	if measured != nil {
		fields["measured"] = *measured
	}
	if desired != nil {
		fields["desired"] = *desired
	}
	if batteryLow != nil {
		fields["battery_low"] = *batteryLow
	}
	if rssi != nil {
		fields["rssi"] = *rssi
	}
	if len(fields) == 0 {
		return
	}

	tags := map[string]string{"address": addr}
	if name != "" {
		tags["name"] = name
	}
	if mode != "" {
		tags["mode"] = mode
	}

	c.writeAPI.WritePoint(write.NewPoint(measurementThermostat, tags, fields, at))
}

// WriteContactState records a shutter contact or push button transition.
//
// Parameters:
//   - addr, name: device identity tags, as for WriteThermostatState
//   - kind: update kind tag ("shutter_contact" or "push_button")
//   - open: contact open flag (shutter contacts)
//   - pressed: button pressed flag (push buttons)
//   - batteryLow, rssi, at: as for WriteThermostatState
func (c *Client) WriteContactState(addr, name, kind string, open, pressed, batteryLow *bool, rssi *float64, at time.Time) {
	if !c.IsConnected() {
		return
	}

	fields := make(map[string]interface{}, 4)
	if open != nil {
		fields["open"] = *open
	}
	if pressed != nil {
		fields["pressed"] = *pressed
	}
	if batteryLow != nil {
		fields["battery_low"] = *batteryLow
	}
	if rssi != nil {
		fields["rssi"] = *rssi
	}
	if len(fields) == 0 {
		return
	}

	tags := map[string]string{"address": addr, "kind": kind}
	if name != "" {
		tags["name"] = name
	}

	c.writeAPI.WritePoint(write.NewPoint(measurementContact, tags, fields, at))
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for measurements that don't fit the helper methods, such as
// link statistics sampled by the daemon.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
//
// Example:
//
//	client.WritePoint("link_stats",
//	    map[string]string{"gateway": "maxcul-001"},
//	    map[string]interface{}{"credit": 742, "frames_rx": 1190})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}
