// Package mqtt bridges the connection facade onto MQTT topics, so
// home-automation hosts without a native client library can drive the
// gateway over a broker.
//
// Topic layout (prefix configurable, default "maxcul"):
//
//	maxcul/set/<addr>           setpoint commands (inbound, JSON)
//	maxcul/wakeup/<addr>        wakeup commands (inbound)
//	maxcul/status/<addr>        retained device snapshots (outbound)
//	maxcul/event/<kind>         decoded updates and pairing events (outbound)
//	maxcul/result/<addr>        command results (outbound)
//	maxcul/bridge/availability  online/offline (outbound, retained via LWT)
//
// Inbound commands run on the paho handler goroutine with a bounded
// timeout; radio failures are reported on the result topic instead of
// being retried here. Outbound traffic is driven by a bus subscription,
// so a dead broker can never stall the radio's receive path: the bus
// sheds the oldest updates for this subscriber and the bridge catches
// up when the broker returns.
package mqtt
