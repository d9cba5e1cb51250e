package maxcul

import (
	"testing"
	"time"

	"github.com/nerrad567/maxcul-core/internal/bus"
	"github.com/nerrad567/maxcul-core/internal/device"
	"github.com/nerrad567/maxcul-core/internal/moritz"
)

// inject feeds one frame into the connection's handler, the way the
// link's dispatch goroutine would.
func (tc *testConn) inject(t *testing.T, src, dst moritz.Addr, msg moritz.Message, rssi int) {
	t.Helper()

	f, err := moritz.NewFrame(1, moritz.FlagNone, src, dst, 0, msg)
	if err != nil {
		t.Fatalf("building frame: %v", err)
	}
	h := tc.link.currentHandler()
	if h == nil {
		t.Fatal("no frame handler attached")
	}
	h(f, rssi)
}

func TestPairPing_AdmittedDuringWindow(t *testing.T) {
	tc := newTestConnection(t)
	sub := tc.conn.SubscribeAll()
	defer sub.Close()

	tc.conn.EnablePairing(time.Minute)
	ping := moritz.PairPing{
		FirmwareVersion: 0x21,
		DeviceType:      moritz.DeviceHeatingThermostat,
		TestResult:      0xFF,
		Serial:          "KEQ7654321",
	}
	tc.inject(t, testDeviceAddr, moritz.Broadcast, ping, -40)

	sent := tc.link.lastSend(t)
	if sent.dst != testDeviceAddr {
		t.Errorf("pong dst = %s, want %s", sent.dst, testDeviceAddr)
	}
	pong, ok := sent.msg.(moritz.PairPong)
	if !ok {
		t.Fatalf("pong msg = %T, want PairPong", sent.msg)
	}
	if pong.DeviceType != moritz.DeviceCube {
		t.Errorf("pong announces %s, want cube", pong.DeviceType)
	}

	snap, err := tc.reg.Snapshot(testDeviceAddr)
	if err != nil {
		t.Fatalf("Snapshot error = %v", err)
	}
	if snap.PairState != device.PairStatePaired {
		t.Errorf("pair state = %s, want paired", snap.PairState)
	}
	if snap.Type != moritz.DeviceHeatingThermostat || snap.Serial != "KEQ7654321" || snap.Firmware != 0x21 {
		t.Errorf("stored identity = %s/%s/%#x", snap.Type, snap.Serial, snap.Firmware)
	}

	u := awaitUpdate(t, sub)
	if u.Kind != bus.KindDevicePaired || u.Addr != testDeviceAddr {
		t.Errorf("update = %s/%s, want device_paired/%s", u.Kind, u.Addr, testDeviceAddr)
	}

	if st := tc.conn.Stats(); st.PairPongs != 1 {
		t.Errorf("Stats.PairPongs = %d, want 1", st.PairPongs)
	}
}

func TestPairPing_IgnoredWhenWindowClosed(t *testing.T) {
	tc := newTestConnection(t)
	sub := tc.conn.SubscribeAll()
	defer sub.Close()

	ping := moritz.PairPing{
		FirmwareVersion: 0x21,
		DeviceType:      moritz.DeviceShutterContact,
		Serial:          "KEQ1111111",
	}
	tc.inject(t, testDeviceAddr, moritz.Broadcast, ping, -40)

	if n := tc.link.sendCount(); n != 0 {
		t.Errorf("sends = %d, want 0", n)
	}
	if tc.reg.Known(testDeviceAddr) {
		t.Error("device registered despite closed window")
	}
	assertNoUpdate(t, sub)

	if st := tc.conn.Stats(); st.PairPingsIgnored != 1 {
		t.Errorf("Stats.PairPingsIgnored = %d, want 1", st.PairPingsIgnored)
	}
}

func TestPairPing_KnownDeviceReanswered(t *testing.T) {
	tc := newTestConnection(t)
	tc.seedPaired(t, testDeviceAddr, moritz.DeviceHeatingThermostat, 0)

	sub := tc.conn.SubscribeAll()
	defer sub.Close()

	// No pairing window: a battery swap must still get its pong.
	ping := moritz.PairPing{
		FirmwareVersion: 0x22,
		DeviceType:      moritz.DeviceHeatingThermostat,
		Serial:          "KEQ0000000",
	}
	tc.inject(t, testDeviceAddr, testGatewayAddr, ping, -40)

	sent := tc.link.lastSend(t)
	if _, ok := sent.msg.(moritz.PairPong); !ok || sent.dst != testDeviceAddr {
		t.Errorf("re-pair pong = %T to %s", sent.msg, sent.dst)
	}

	u := awaitUpdate(t, sub)
	if u.Kind != bus.KindDeviceRepaired {
		t.Errorf("update kind = %s, want device_repaired", u.Kind)
	}

	snap, err := tc.reg.Snapshot(testDeviceAddr)
	if err != nil {
		t.Fatalf("Snapshot error = %v", err)
	}
	if snap.Firmware != 0x22 {
		t.Errorf("firmware = %#x, want refreshed 0x22", snap.Firmware)
	}
	if snap.PairState != device.PairStatePaired {
		t.Errorf("pair state = %s, want paired", snap.PairState)
	}
}

func TestFrameFilter_DropsOtherStations(t *testing.T) {
	tc := newTestConnection(t)
	tc.seedPaired(t, testDeviceAddr, moritz.DeviceHeatingThermostat, 0)
	tc.conn.EnablePairing(time.Minute)

	sub := tc.conn.SubscribeAll()
	defer sub.Close()

	otherGateway := moritz.Addr(0x999999)
	ping := moritz.PairPing{
		FirmwareVersion: 0x21,
		DeviceType:      moritz.DeviceHeatingThermostat,
		Serial:          "KEQ2222222",
	}
	tc.inject(t, 0x0BBBBB, otherGateway, ping, -40)
	tc.inject(t, testDeviceAddr, otherGateway, moritz.ThermostatState{
		Mode:               moritz.ModeManual,
		DesiredTemperature: 22.0,
	}, -40)

	if n := tc.link.sendCount(); n != 0 {
		t.Errorf("sends = %d, want 0", n)
	}
	assertNoUpdate(t, sub)

	if st := tc.conn.Stats(); st.FramesHandled != 0 {
		t.Errorf("Stats.FramesHandled = %d, want 0", st.FramesHandled)
	}
}

func TestTimeRequest_Answered(t *testing.T) {
	tc := newTestConnection(t, func(o *Options) { o.TimeResponder = true })
	tc.seedPaired(t, testDeviceAddr, moritz.DeviceHeatingThermostat, 0)

	tc.inject(t, testDeviceAddr, testGatewayAddr, moritz.TimeInformation{}, -40)

	sent := tc.link.lastSend(t)
	if sent.dst != testDeviceAddr {
		t.Errorf("time response dst = %s, want %s", sent.dst, testDeviceAddr)
	}
	reply, ok := sent.msg.(moritz.TimeInformation)
	if !ok {
		t.Fatalf("time response msg = %T, want TimeInformation", sent.msg)
	}
	if reply.IsRequest() {
		t.Error("time response carries no time")
	}
	if d := time.Since(reply.Time); d < 0 || d > time.Minute {
		t.Errorf("time response is %v old", d)
	}

	if st := tc.conn.Stats(); st.TimeResponses != 1 {
		t.Errorf("Stats.TimeResponses = %d, want 1", st.TimeResponses)
	}
}

func TestTimeRequest_UnknownDeviceIgnored(t *testing.T) {
	tc := newTestConnection(t, func(o *Options) { o.TimeResponder = true })

	tc.inject(t, testDeviceAddr, testGatewayAddr, moritz.TimeInformation{}, -40)

	if n := tc.link.sendCount(); n != 0 {
		t.Errorf("sends = %d, want 0", n)
	}
	if st := tc.conn.Stats(); st.UnknownDrops != 1 {
		t.Errorf("Stats.UnknownDrops = %d, want 1", st.UnknownDrops)
	}
}

func TestTimeRequest_ResponderDisabled(t *testing.T) {
	tc := newTestConnection(t)
	tc.seedPaired(t, testDeviceAddr, moritz.DeviceHeatingThermostat, 0)

	tc.inject(t, testDeviceAddr, testGatewayAddr, moritz.TimeInformation{}, -40)

	if n := tc.link.sendCount(); n != 0 {
		t.Errorf("sends = %d, want 0", n)
	}
}

func TestReports_MergePublishRecord(t *testing.T) {
	measured := 20.4

	tests := []struct {
		name        string
		deviceType  moritz.DeviceType
		dst         moritz.Addr
		msg         moritz.Message
		wantKind    bus.Kind
		wantHistory int
		check       func(t *testing.T, u bus.Update)
	}{
		{
			name:       "thermostat state",
			deviceType: moritz.DeviceHeatingThermostat,
			dst:        testGatewayAddr,
			msg: moritz.ThermostatState{
				Mode:                moritz.ModeAuto,
				DesiredTemperature:  19.0,
				MeasuredTemperature: &measured,
				GatewayKnown:        true,
				BatteryLow:          true,
			},
			wantKind:    bus.KindThermostatState,
			wantHistory: 1,
			check: func(t *testing.T, u bus.Update) {
				if u.Mode == nil || *u.Mode != moritz.ModeAuto {
					t.Error("mode not auto")
				}
				if u.DesiredTemp == nil || *u.DesiredTemp != 19.0 {
					t.Error("desired not 19.0")
				}
				if u.MeasuredTemp == nil || *u.MeasuredTemp != 20.4 {
					t.Error("measured not 20.4")
				}
				if u.BatteryLow == nil || !*u.BatteryLow {
					t.Error("battery flag lost")
				}
			},
		},
		{
			name:        "wall thermostat state",
			deviceType:  moritz.DeviceWallThermostat,
			dst:         testGatewayAddr,
			msg:         moritz.WallThermostatState{DesiredTemperature: 21.5, MeasuredTemperature: 22.3},
			wantKind:    bus.KindWallThermostatState,
			wantHistory: 1,
			check: func(t *testing.T, u bus.Update) {
				if u.DesiredTemp == nil || *u.DesiredTemp != 21.5 {
					t.Error("desired not 21.5")
				}
				if u.MeasuredTemp == nil || *u.MeasuredTemp != 22.3 {
					t.Error("measured not 22.3")
				}
			},
		},
		{
			name:        "wall thermostat room broadcast",
			deviceType:  moritz.DeviceWallThermostat,
			dst:         moritz.Broadcast,
			msg:         moritz.WallThermostatControl{DesiredTemperature: 18.0, MeasuredTemperature: 19.6},
			wantKind:    bus.KindWallThermostatState,
			wantHistory: 1,
			check: func(t *testing.T, u bus.Update) {
				if u.MeasuredTemp == nil || *u.MeasuredTemp != 19.6 {
					t.Error("measured not 19.6")
				}
			},
		},
		{
			name:        "shutter contact",
			deviceType:  moritz.DeviceShutterContact,
			dst:         testGatewayAddr,
			msg:         moritz.ShutterContactState{Open: true, BatteryLow: true},
			wantKind:    bus.KindShutterContact,
			wantHistory: 1,
			check: func(t *testing.T, u bus.Update) {
				if u.ContactOpen == nil || !*u.ContactOpen {
					t.Error("contact not open")
				}
				if u.BatteryLow == nil || !*u.BatteryLow {
					t.Error("battery flag lost")
				}
			},
		},
		{
			name:        "push button",
			deviceType:  moritz.DevicePushButton,
			dst:         testGatewayAddr,
			msg:         moritz.PushButtonState{Pressed: true},
			wantKind:    bus.KindPushButton,
			wantHistory: 0,
			check: func(t *testing.T, u bus.Update) {
				if u.ButtonPressed == nil || !*u.ButtonPressed {
					t.Error("press lost")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := newTestConnection(t)
			tc.seedPaired(t, testDeviceAddr, tt.deviceType, 0)

			sub := tc.conn.SubscribeAll()
			defer sub.Close()

			tc.inject(t, testDeviceAddr, tt.dst, tt.msg, -34)

			u := awaitUpdate(t, sub)
			if u.Kind != tt.wantKind || u.Addr != testDeviceAddr {
				t.Fatalf("update = %s/%s, want %s/%s", u.Kind, u.Addr, tt.wantKind, testDeviceAddr)
			}
			if u.RSSI == nil || *u.RSSI != -34 {
				t.Error("update does not carry the frame's RSSI")
			}
			tt.check(t, u)

			if got := tc.hist.count(); got != tt.wantHistory {
				t.Errorf("history entries = %d, want %d", got, tt.wantHistory)
			}

			snap, err := tc.reg.Snapshot(testDeviceAddr)
			if err != nil {
				t.Fatalf("Snapshot error = %v", err)
			}
			if snap.LastSeen == nil {
				t.Error("last-seen not bumped")
			}
		})
	}
}

func TestReport_UnknownDeviceDropped(t *testing.T) {
	tc := newTestConnection(t)
	sub := tc.conn.SubscribeAll()
	defer sub.Close()

	tc.inject(t, testDeviceAddr, testGatewayAddr, moritz.ThermostatState{
		Mode:               moritz.ModeManual,
		DesiredTemperature: 22.0,
	}, -40)

	assertNoUpdate(t, sub)
	if tc.hist.count() != 0 {
		t.Errorf("history entries = %d, want 0", tc.hist.count())
	}
	if st := tc.conn.Stats(); st.UnknownDrops != 1 {
		t.Errorf("Stats.UnknownDrops = %d, want 1", st.UnknownDrops)
	}
}

func TestCorruptPayload_Counted(t *testing.T) {
	tc := newTestConnection(t)
	sub := tc.conn.SubscribeAll()
	defer sub.Close()

	h := tc.link.currentHandler()
	if h == nil {
		t.Fatal("no frame handler attached")
	}
	// A pair ping payload far too short to decode.
	h(moritz.Frame{
		Counter: 9,
		Type:    moritz.MsgPairPing,
		Src:     testDeviceAddr,
		Dst:     testGatewayAddr,
		Payload: []byte{0x01},
	}, -40)

	assertNoUpdate(t, sub)
	if st := tc.conn.Stats(); st.DecodeDrops != 1 {
		t.Errorf("Stats.DecodeDrops = %d, want 1", st.DecodeDrops)
	}
}
