// Package influxdb provides optional time-series storage for maxculd.
//
// It wraps the official influxdb-client-go v2 library with the driver's
// patterns for connection management, measurement writing, and health
// monitoring.
//
// # Purpose
//
// This package records long-term device telemetry:
//   - thermostat_state: measured/desired temperature, battery, RSSI
//   - contact_state: shutter contact and push button transitions
//
// The SQLite state history answers "what happened recently" queries on
// the API; InfluxDB is for dashboards and retention measured in months.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteThermostatState("0a1b2c", "Living Room", "manual",
//	    measured, desired, batteryLow, rssi, time.Now())
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking; batch errors are delivered via the
// SetOnError callback. Connection and health check errors are returned
// directly.
package influxdb
