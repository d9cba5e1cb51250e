package maxcul

import (
	"context"
	"errors"
	"time"

	"github.com/nerrad567/maxcul-core/internal/bus"
	"github.com/nerrad567/maxcul-core/internal/device"
	"github.com/nerrad567/maxcul-core/internal/moritz"
)

// handleFrame is the link's frame callback. It runs on the link's single
// dispatch goroutine; everything it calls must return promptly so slow
// consumers cannot back the radio up.
func (c *Connection) handleFrame(f moritz.Frame, rssi int) {
	if f.Dst != c.addr && !f.Dst.IsBroadcast() {
		c.log().Debug("frame for another station",
			"src", f.Src.String(),
			"dst", f.Dst.String(),
			"type", f.Type.String(),
		)
		return
	}
	c.framesHandled.Add(1)

	msg, err := moritz.DecodeMessage(f)
	if err != nil {
		c.decodeDrops.Add(1)
		c.log().Debug("dropping undecodable payload",
			"src", f.Src.String(),
			"type", f.Type.String(),
			"error", err,
		)
		return
	}

	switch m := msg.(type) {
	case moritz.PairPing:
		c.handlePairPing(f.Src, m)
	case moritz.TimeInformation:
		c.handleTimeInformation(f.Src, m)
	case moritz.ThermostatState:
		c.handleStateUpdate(thermostatUpdate(f.Src, m, rssiPtr(rssi)))
	case moritz.WallThermostatState:
		c.handleStateUpdate(wallUpdate(f.Src, m.DesiredTemperature, m.MeasuredTemperature, rssiPtr(rssi)))
	case moritz.WallThermostatControl:
		// Same report as WallThermostatState, broadcast towards the
		// room's valves rather than sent to us.
		c.handleStateUpdate(wallUpdate(f.Src, m.DesiredTemperature, m.MeasuredTemperature, rssiPtr(rssi)))
	case moritz.ShutterContactState:
		c.handleStateUpdate(shutterUpdate(f.Src, m, rssiPtr(rssi)))
	case moritz.PushButtonState:
		c.handleStateUpdate(buttonUpdate(f.Src, m, rssiPtr(rssi)))
	default:
		c.log().Debug("unhandled message", "type", f.Type.String(), "src", f.Src.String())
	}
}

// handlePairPing answers pair pings. Known devices are always answered;
// a battery swap resets them and they ping the gateway they already
// belong to. Unknown devices are admitted only while the pairing window
// is open.
func (c *Connection) handlePairPing(src moritz.Addr, ping moritz.PairPing) {
	info := device.PairInfo{
		Type:     ping.DeviceType,
		Serial:   ping.Serial,
		Firmware: ping.FirmwareVersion,
	}

	if c.registry.Known(src) {
		// Answer first; the device listens only briefly after its ping.
		c.pong(src)
		if _, err := c.registry.SetPaired(c.ctx, src, info); err != nil {
			c.log().Error("re-pair bookkeeping failed", "address", src.String(), "error", err)
			return
		}
		c.bus.Publish(bus.Update{Kind: bus.KindDeviceRepaired, Addr: src, At: time.Now().UTC()})
		return
	}

	if !c.pairingOpen() {
		c.pairIgnored.Add(1)
		c.log().Debug("pair ping ignored, window closed",
			"address", src.String(),
			"type", ping.DeviceType.String(),
			"serial", ping.Serial,
		)
		return
	}

	c.pong(src)
	if _, err := c.registry.AddDevice(c.ctx, src, ""); err != nil {
		c.log().Error("registering pairing device failed", "address", src.String(), "error", err)
		return
	}
	if _, err := c.registry.SetPaired(c.ctx, src, info); err != nil {
		c.log().Error("pairing bookkeeping failed", "address", src.String(), "error", err)
		return
	}
	c.bus.Publish(bus.Update{Kind: bus.KindDevicePaired, Addr: src, At: time.Now().UTC()})
}

// pong completes a pairing handshake, announcing the gateway as a cube.
func (c *Connection) pong(dst moritz.Addr) {
	ctx, cancel := context.WithTimeout(c.ctx, replyTimeout)
	defer cancel()

	if err := c.link.Send(ctx, dst, 0, moritz.PairPong{DeviceType: moritz.DeviceCube}); err != nil {
		c.log().Error("pair pong failed", "address", dst.String(), "error", err)
		return
	}
	c.pairPongs.Add(1)
}

// handleTimeInformation answers time requests from paired devices with
// the current local time, when the connection is configured to.
func (c *Connection) handleTimeInformation(src moritz.Addr, ti moritz.TimeInformation) {
	if !ti.IsRequest() {
		c.log().Debug("time broadcast from peer",
			"address", src.String(),
			"time", ti.Time.Format(time.RFC3339),
		)
		return
	}
	if !c.timeResponder {
		return
	}
	if !c.registry.Known(src) {
		c.unknownDrops.Add(1)
		c.log().Debug("time request from unknown device", "address", src.String())
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, replyTimeout)
	defer cancel()

	if err := c.link.Send(ctx, src, 0, moritz.TimeInformation{Time: time.Now()}); err != nil {
		c.log().Error("time response failed", "address", src.String(), "error", err)
		return
	}
	c.timeResponses.Add(1)
}

// handleStateUpdate merges one decoded report. Reports from addresses
// the registry has never seen are dropped; pairing is the only way in.
func (c *Connection) handleStateUpdate(u bus.Update) {
	err := c.applyAndPublish(u)
	if err == nil {
		return
	}
	if errors.Is(err, device.ErrDeviceNotFound) {
		c.unknownDrops.Add(1)
		c.log().Debug("report from unknown device dropped",
			"address", u.Addr.String(),
			"kind", string(u.Kind),
		)
		return
	}
	c.log().Error("state merge failed", "address", u.Addr.String(), "error", err)
}

func rssiPtr(rssi int) *float64 {
	v := float64(rssi)
	return &v
}

func thermostatUpdate(addr moritz.Addr, st moritz.ThermostatState, rssi *float64) bus.Update {
	mode := st.Mode
	desired := st.DesiredTemperature
	battery := st.BatteryLow
	rfError := st.RFError
	locked := st.PanelLocked

	u := bus.Update{
		Kind:        bus.KindThermostatState,
		Addr:        addr,
		Mode:        &mode,
		DesiredTemp: &desired,
		BatteryLow:  &battery,
		RFError:     &rfError,
		PanelLocked: &locked,
		RSSI:        rssi,
		At:          time.Now().UTC(),
	}
	if st.MeasuredTemperature != nil {
		m := *st.MeasuredTemperature
		u.MeasuredTemp = &m
	}
	return u
}

func wallUpdate(addr moritz.Addr, desired, measured float64, rssi *float64) bus.Update {
	d, m := desired, measured
	return bus.Update{
		Kind:         bus.KindWallThermostatState,
		Addr:         addr,
		DesiredTemp:  &d,
		MeasuredTemp: &m,
		RSSI:         rssi,
		At:           time.Now().UTC(),
	}
}

func shutterUpdate(addr moritz.Addr, st moritz.ShutterContactState, rssi *float64) bus.Update {
	open := st.Open
	rfError := st.RFError
	battery := st.BatteryLow
	return bus.Update{
		Kind:        bus.KindShutterContact,
		Addr:        addr,
		ContactOpen: &open,
		RFError:     &rfError,
		BatteryLow:  &battery,
		RSSI:        rssi,
		At:          time.Now().UTC(),
	}
}

func buttonUpdate(addr moritz.Addr, st moritz.PushButtonState, rssi *float64) bus.Update {
	pressed := st.Pressed
	battery := st.BatteryLow
	return bus.Update{
		Kind:          bus.KindPushButton,
		Addr:          addr,
		ButtonPressed: &pressed,
		BatteryLow:    &battery,
		RSSI:          rssi,
		At:            time.Now().UTC(),
	}
}
