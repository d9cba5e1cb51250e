package mqtt

import (
	"fmt"
	"strings"
)

// defaultTopicPrefix is used when no prefix is configured. It matches the
// config default so a zero-value Topics behaves like a default install.
const defaultTopicPrefix = "maxcul"

// Topics provides builders for the bridge's MQTT topic names. Using these
// helpers keeps topic naming consistent across publisher and subscriber code.
//
// All topics live under a configurable prefix (default "maxcul"):
//
//	<prefix>/set/<addr>           setpoint commands (inbound, JSON)
//	<prefix>/wakeup/<addr>        wakeup commands (inbound)
//	<prefix>/status/<addr>        retained device state (outbound, JSON)
//	<prefix>/event/<kind>         lifecycle events (outbound, JSON)
//	<prefix>/result/<addr>        command results (outbound, JSON)
//	<prefix>/bridge/availability  online/offline (outbound, retained)
//
// Device addresses are six hex digits. Outbound status topics carry the
// address uppercase (e.g. "0A1B2C"); inbound command topics accept
// either case, since the address is parsed case-insensitively.
type Topics struct {
	Prefix string
}

// NewTopics returns a topic builder for the given prefix. An empty prefix
// falls back to the default.
func NewTopics(prefix string) Topics {
	return Topics{Prefix: prefix}
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return defaultTopicPrefix
	}
	return t.Prefix
}

// Set returns the setpoint command topic for a device.
func (t Topics) Set(addr string) string {
	return fmt.Sprintf("%s/set/%s", t.prefix(), addr)
}

// Wakeup returns the wakeup command topic for a device.
func (t Topics) Wakeup(addr string) string {
	return fmt.Sprintf("%s/wakeup/%s", t.prefix(), addr)
}

// Status returns the retained state topic for a device.
func (t Topics) Status(addr string) string {
	return fmt.Sprintf("%s/status/%s", t.prefix(), addr)
}

// Event returns the topic for a lifecycle event kind (e.g. "device_paired").
func (t Topics) Event(kind string) string {
	return fmt.Sprintf("%s/event/%s", t.prefix(), kind)
}

// Result returns the command result topic for a device.
func (t Topics) Result(addr string) string {
	return fmt.Sprintf("%s/result/%s", t.prefix(), addr)
}

// BridgeAvailability returns the retained availability topic. The broker
// publishes "offline" here via LWT if the bridge dies unexpectedly.
func (t Topics) BridgeAvailability() string {
	return fmt.Sprintf("%s/bridge/availability", t.prefix())
}

// Wildcard patterns for subscriptions.

// AllSet matches setpoint commands for every device.
func (t Topics) AllSet() string {
	return fmt.Sprintf("%s/set/+", t.prefix())
}

// AllWakeup matches wakeup commands for every device.
func (t Topics) AllWakeup() string {
	return fmt.Sprintf("%s/wakeup/+", t.prefix())
}

// AllStatus matches retained device state for every device.
func (t Topics) AllStatus() string {
	return fmt.Sprintf("%s/status/+", t.prefix())
}

// AllEvents matches every lifecycle event kind.
func (t Topics) AllEvents() string {
	return fmt.Sprintf("%s/event/+", t.prefix())
}

// AllTopics matches everything under the prefix.
func (t Topics) AllTopics() string {
	return fmt.Sprintf("%s/#", t.prefix())
}

// DeviceAddress extracts the trailing device address from a per-device topic
// such as "maxcul/set/0a1b2c". It returns false when the topic has no
// address segment.
func DeviceAddress(topic string) (string, bool) {
	i := strings.LastIndexByte(topic, '/')
	if i < 0 || i == len(topic)-1 {
		return "", false
	}
	return topic[i+1:], true
}
