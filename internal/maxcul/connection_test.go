package maxcul

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/maxcul-core/internal/bus"
	"github.com/nerrad567/maxcul-core/internal/cul"
	"github.com/nerrad567/maxcul-core/internal/device"
	"github.com/nerrad567/maxcul-core/internal/moritz"
)

const (
	testGatewayAddr moritz.Addr = 0x123456
	testDeviceAddr  moritz.Addr = 0x0A1B2C
)

// memRepo is an in-memory device.Repository for facade tests.
type memRepo struct {
	mu      sync.Mutex
	devices map[moritz.Addr]*device.Device
}

func newMemRepo() *memRepo {
	return &memRepo{devices: make(map[moritz.Addr]*device.Device)}
}

func (r *memRepo) GetByAddr(_ context.Context, addr moritz.Addr) (*device.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[addr]
	if !ok {
		return nil, device.ErrDeviceNotFound
	}
	return d.DeepCopy(), nil
}

func (r *memRepo) List(_ context.Context) ([]device.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]device.Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d.DeepCopy())
	}
	return out, nil
}

func (r *memRepo) Create(_ context.Context, d *device.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[d.Addr]; ok {
		return device.ErrDeviceExists
	}
	r.devices[d.Addr] = d.DeepCopy()
	return nil
}

func (r *memRepo) Update(_ context.Context, d *device.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[d.Addr]; !ok {
		return device.ErrDeviceNotFound
	}
	r.devices[d.Addr] = d.DeepCopy()
	return nil
}

func (r *memRepo) UpdateState(_ context.Context, d *device.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[d.Addr]; !ok {
		return device.ErrDeviceNotFound
	}
	r.devices[d.Addr] = d.DeepCopy()
	return nil
}

// memHistory is an in-memory device.StateHistoryRepository.
type memHistory struct {
	mu      sync.Mutex
	entries []device.HistoryEntry
	err     error
}

func (h *memHistory) Record(_ context.Context, e device.HistoryEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.entries = append(h.entries, e)
	return nil
}

func (h *memHistory) List(_ context.Context, _ device.HistoryQuery) ([]device.HistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]device.HistoryEntry, len(h.entries))
	copy(out, h.entries)
	return out, nil
}

func (h *memHistory) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// fakeSend records one outbound message.
type fakeSend struct {
	dst   moritz.Addr
	group byte
	msg   moritz.Message
}

// fakeLink satisfies Transceiver and records traffic. Like the real
// link, a message that cannot encode never goes on the air.
type fakeLink struct {
	mu            sync.Mutex
	handler       cul.FrameHandler
	sends         []fakeSend
	transmits     []fakeSend
	ack           moritz.Ack
	sendErr       error
	transmitErr   error
	blockTransmit bool
	stats         cul.Stats
}

func checkEncodes(dst moritz.Addr, group byte, msg moritz.Message) error {
	_, err := moritz.NewFrame(1, moritz.FlagNone, 0x111111, dst, group, msg)
	return err
}

func (l *fakeLink) Send(ctx context.Context, dst moritz.Addr, group byte, msg moritz.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkEncodes(dst, group, msg); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return l.sendErr
	}
	l.sends = append(l.sends, fakeSend{dst: dst, group: group, msg: msg})
	return nil
}

func (l *fakeLink) Transmit(ctx context.Context, dst moritz.Addr, group byte, msg moritz.Message) (moritz.Ack, error) {
	if err := ctx.Err(); err != nil {
		return moritz.Ack{}, err
	}
	if err := checkEncodes(dst, group, msg); err != nil {
		return moritz.Ack{}, err
	}

	l.mu.Lock()
	block := l.blockTransmit
	l.mu.Unlock()
	if block {
		<-ctx.Done()
		return moritz.Ack{}, ctx.Err()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.transmitErr != nil {
		return moritz.Ack{}, l.transmitErr
	}
	l.transmits = append(l.transmits, fakeSend{dst: dst, group: group, msg: msg})
	return l.ack, nil
}

func (l *fakeLink) SetHandler(h cul.FrameHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

func (l *fakeLink) Stats() cul.Stats { return l.stats }

func (l *fakeLink) IsConnected() bool { return true }

func (l *fakeLink) currentHandler() cul.FrameHandler {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handler
}

func (l *fakeLink) sendCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sends)
}

func (l *fakeLink) transmitCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.transmits)
}

func (l *fakeLink) lastSend(t *testing.T) fakeSend {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.sends) == 0 {
		t.Fatal("no message was sent")
	}
	return l.sends[len(l.sends)-1]
}

func (l *fakeLink) lastTransmit(t *testing.T) fakeSend {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.transmits) == 0 {
		t.Fatal("no message was transmitted")
	}
	return l.transmits[len(l.transmits)-1]
}

// testConn bundles a started Connection with its collaborators.
type testConn struct {
	conn *Connection
	link *fakeLink
	reg  *device.Registry
	hist *memHistory
}

func newTestConnection(t *testing.T, mutate ...func(*Options)) *testConn {
	t.Helper()

	link := &fakeLink{}
	reg := device.NewRegistry(newMemRepo())
	hist := &memHistory{}
	opts := Options{
		Link:     link,
		Registry: reg,
		Bus:      bus.New(8),
		History:  hist,
		Address:  testGatewayAddr,
	}
	for _, m := range mutate {
		m(&opts)
	}

	conn, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(conn.Stop)

	return &testConn{conn: conn, link: link, reg: reg, hist: hist}
}

// seedPaired registers a device directly in the registry, as if it had
// completed pairing earlier.
func (tc *testConn) seedPaired(t *testing.T, addr moritz.Addr, dt moritz.DeviceType, room uint8) {
	t.Helper()
	ctx := context.Background()

	if _, err := tc.reg.AddDevice(ctx, addr, ""); err != nil {
		t.Fatalf("AddDevice(%s) error = %v", addr, err)
	}
	info := device.PairInfo{Type: dt, Serial: "KEQ0000000", Firmware: 0x11}
	if _, err := tc.reg.SetPaired(ctx, addr, info); err != nil {
		t.Fatalf("SetPaired(%s) error = %v", addr, err)
	}
	if room != 0 {
		r := room
		if _, err := tc.reg.UpdateInfo(ctx, addr, device.InfoUpdate{RoomID: &r}); err != nil {
			t.Fatalf("UpdateInfo(%s) error = %v", addr, err)
		}
	}
}

func awaitUpdate(t *testing.T, sub *bus.Subscription) bus.Update {
	t.Helper()
	select {
	case u, ok := <-sub.Updates():
		if !ok {
			t.Fatal("subscription closed while waiting for an update")
		}
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an update")
	}
	return bus.Update{}
}

func assertNoUpdate(t *testing.T, sub *bus.Subscription) {
	t.Helper()
	select {
	case u, ok := <-sub.Updates():
		if ok {
			t.Fatalf("unexpected update published: %+v", u)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNew_ValidatesOptions(t *testing.T) {
	link := &fakeLink{}
	reg := device.NewRegistry(newMemRepo())
	b := bus.New(0)

	tests := []struct {
		name string
		opts Options
	}{
		{"missing link", Options{Registry: reg, Bus: b, Address: testGatewayAddr}},
		{"missing registry", Options{Link: link, Bus: b, Address: testGatewayAddr}},
		{"missing bus", Options{Link: link, Registry: reg, Address: testGatewayAddr}},
		{"broadcast address", Options{Link: link, Registry: reg, Bus: b, Address: moritz.Broadcast}},
		{"oversized address", Options{Link: link, Registry: reg, Bus: b, Address: moritz.MaxAddr + 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.opts); err == nil {
				t.Error("New() accepted invalid options")
			}
		})
	}
}

func TestCommands_RequireStart(t *testing.T) {
	conn, err := New(Options{
		Link:     &fakeLink{},
		Registry: device.NewRegistry(newMemRepo()),
		Bus:      bus.New(0),
		Address:  testGatewayAddr,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx := context.Background()
	if err := conn.SetTemperature(ctx, testDeviceAddr, 21.0, moritz.ModeManual); !errors.Is(err, ErrNotStarted) {
		t.Errorf("SetTemperature error = %v, want ErrNotStarted", err)
	}
	if err := conn.SetRoomTemperature(ctx, 1, 21.0, moritz.ModeManual); !errors.Is(err, ErrNotStarted) {
		t.Errorf("SetRoomTemperature error = %v, want ErrNotStarted", err)
	}
	if err := conn.Wakeup(ctx, testDeviceAddr); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Wakeup error = %v, want ErrNotStarted", err)
	}
}

func TestSetTemperature_UnknownDevice(t *testing.T) {
	tc := newTestConnection(t)

	err := tc.conn.SetTemperature(context.Background(), testDeviceAddr, 21.0, moritz.ModeManual)
	if !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("SetTemperature error = %v, want ErrUnknownDevice", err)
	}
	if n := tc.link.transmitCount(); n != 0 {
		t.Errorf("transmits = %d, want 0", n)
	}
}

func TestSetTemperature_TransmitsAndPublishes(t *testing.T) {
	tc := newTestConnection(t)
	tc.seedPaired(t, testDeviceAddr, moritz.DeviceHeatingThermostat, 0)

	sub := tc.conn.SubscribeAll()
	defer sub.Close()

	if err := tc.conn.SetTemperature(context.Background(), testDeviceAddr, 21.5, moritz.ModeManual); err != nil {
		t.Fatalf("SetTemperature error = %v", err)
	}

	sent := tc.link.lastTransmit(t)
	if sent.dst != testDeviceAddr || sent.group != 0 {
		t.Errorf("transmit dst/group = %s/%d, want %s/0", sent.dst, sent.group, testDeviceAddr)
	}
	msg, ok := sent.msg.(moritz.SetTemperature)
	if !ok {
		t.Fatalf("transmit msg = %T, want SetTemperature", sent.msg)
	}
	if msg.Mode != moritz.ModeManual || msg.Temperature != 21.5 {
		t.Errorf("transmit = %+v, want manual 21.5", msg)
	}

	u := awaitUpdate(t, sub)
	if u.Kind != bus.KindThermostatState || u.Addr != testDeviceAddr {
		t.Fatalf("update kind/addr = %s/%s", u.Kind, u.Addr)
	}
	if u.Mode == nil || *u.Mode != moritz.ModeManual {
		t.Error("update mode not manual")
	}
	if u.DesiredTemp == nil || *u.DesiredTemp != 21.5 {
		t.Error("update desired temperature not 21.5")
	}
	if u.RSSI != nil {
		t.Error("optimistic update carries an RSSI")
	}

	snap, err := tc.reg.Snapshot(testDeviceAddr)
	if err != nil {
		t.Fatalf("Snapshot error = %v", err)
	}
	if snap.State.DesiredTemp == nil || *snap.State.DesiredTemp != 21.5 {
		t.Error("registry did not record the setpoint")
	}
	if tc.hist.count() != 1 {
		t.Errorf("history entries = %d, want 1", tc.hist.count())
	}
}

func TestSetTemperature_AckReportWins(t *testing.T) {
	tc := newTestConnection(t)
	tc.seedPaired(t, testDeviceAddr, moritz.DeviceHeatingThermostat, 0)

	measured := 20.5
	tc.link.ack = moritz.Ack{State: &moritz.ThermostatState{
		Mode:                moritz.ModeAuto,
		DesiredTemperature:  19.0,
		MeasuredTemperature: &measured,
		GatewayKnown:        true,
	}}

	sub := tc.conn.SubscribeAll()
	defer sub.Close()

	if err := tc.conn.SetTemperature(context.Background(), testDeviceAddr, 21.5, moritz.ModeManual); err != nil {
		t.Fatalf("SetTemperature error = %v", err)
	}

	// The device's piggybacked report overrides the commanded values.
	u := awaitUpdate(t, sub)
	if u.Mode == nil || *u.Mode != moritz.ModeAuto {
		t.Error("update mode does not follow the ack report")
	}
	if u.DesiredTemp == nil || *u.DesiredTemp != 19.0 {
		t.Error("update desired does not follow the ack report")
	}
	if u.MeasuredTemp == nil || *u.MeasuredTemp != 20.5 {
		t.Error("update measured missing from the ack report")
	}
}

func TestSetTemperature_LinkFailureLeavesNoTrace(t *testing.T) {
	tc := newTestConnection(t)
	tc.seedPaired(t, testDeviceAddr, moritz.DeviceHeatingThermostat, 0)
	tc.link.transmitErr = cul.ErrLinkTimeout

	sub := tc.conn.SubscribeAll()
	defer sub.Close()

	err := tc.conn.SetTemperature(context.Background(), testDeviceAddr, 21.5, moritz.ModeManual)
	if !errors.Is(err, cul.ErrLinkTimeout) {
		t.Fatalf("SetTemperature error = %v, want ErrLinkTimeout", err)
	}

	assertNoUpdate(t, sub)
	if tc.hist.count() != 0 {
		t.Errorf("history entries = %d, want 0", tc.hist.count())
	}
	snap, err := tc.reg.Snapshot(testDeviceAddr)
	if err != nil {
		t.Fatalf("Snapshot error = %v", err)
	}
	if snap.State.DesiredTemp != nil {
		t.Error("failed command still reached the registry")
	}
}

func TestSetTemperature_RejectsUnencodableCommands(t *testing.T) {
	tc := newTestConnection(t)
	tc.seedPaired(t, testDeviceAddr, moritz.DeviceHeatingThermostat, 0)

	tests := []struct {
		name        string
		temperature float64
		mode        moritz.Mode
		wantErr     error
	}{
		{"above range", 31.0, moritz.ModeManual, moritz.ErrOutOfRange},
		{"below range", 4.0, moritz.ModeManual, moritz.ErrOutOfRange},
		{"off the half-degree grid", 21.3, moritz.ModeManual, moritz.ErrOutOfRange},
		{"temporary without schedule", 21.0, moritz.ModeTemporary, moritz.ErrInvalidMode},
		{"unknown mode", 21.0, moritz.Mode(9), moritz.ErrInvalidMode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tc.conn.SetTemperature(context.Background(), testDeviceAddr, tt.temperature, tt.mode)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("SetTemperature error = %v, want %v", err, tt.wantErr)
			}
		})
	}
	if n := tc.link.transmitCount(); n != 0 {
		t.Errorf("transmits = %d, want 0", n)
	}
}

func TestSetRoomTemperature_BroadcastsAndMerges(t *testing.T) {
	tc := newTestConnection(t)
	wall := moritz.Addr(0x0AAA01)
	radiator := moritz.Addr(0x0AAA02)
	contact := moritz.Addr(0x0AAA03)
	elsewhere := moritz.Addr(0x0AAA04)
	tc.seedPaired(t, wall, moritz.DeviceWallThermostat, 2)
	tc.seedPaired(t, radiator, moritz.DeviceHeatingThermostat, 2)
	tc.seedPaired(t, contact, moritz.DeviceShutterContact, 2)
	tc.seedPaired(t, elsewhere, moritz.DeviceHeatingThermostat, 3)

	sub := tc.conn.SubscribeAll()
	defer sub.Close()

	if err := tc.conn.SetRoomTemperature(context.Background(), 2, 18.0, moritz.ModeAuto); err != nil {
		t.Fatalf("SetRoomTemperature error = %v", err)
	}

	sent := tc.link.lastSend(t)
	if !sent.dst.IsBroadcast() || sent.group != 2 {
		t.Errorf("broadcast dst/group = %s/%d, want broadcast/2", sent.dst, sent.group)
	}

	got := map[moritz.Addr]bool{}
	for range 2 {
		u := awaitUpdate(t, sub)
		if u.Kind != bus.KindThermostatState {
			t.Errorf("update kind = %s, want thermostat_state", u.Kind)
		}
		if u.DesiredTemp == nil || *u.DesiredTemp != 18.0 {
			t.Error("room update desired temperature not 18.0")
		}
		got[u.Addr] = true
	}
	if !got[wall] || !got[radiator] {
		t.Errorf("updates reached %v, want the room's thermostats", got)
	}
	assertNoUpdate(t, sub)

	for _, addr := range []moritz.Addr{contact, elsewhere} {
		snap, err := tc.reg.Snapshot(addr)
		if err != nil {
			t.Fatalf("Snapshot(%s) error = %v", addr, err)
		}
		if snap.State.DesiredTemp != nil {
			t.Errorf("%s picked up a setpoint it should not", addr)
		}
	}
}

func TestSetRoomTemperature_RejectsRoomZero(t *testing.T) {
	tc := newTestConnection(t)

	err := tc.conn.SetRoomTemperature(context.Background(), 0, 18.0, moritz.ModeAuto)
	if !errors.Is(err, moritz.ErrOutOfRange) {
		t.Fatalf("SetRoomTemperature error = %v, want ErrOutOfRange", err)
	}
	if n := tc.link.sendCount(); n != 0 {
		t.Errorf("sends = %d, want 0", n)
	}
}

func TestWakeup(t *testing.T) {
	tc := newTestConnection(t)
	tc.seedPaired(t, testDeviceAddr, moritz.DeviceHeatingThermostat, 0)

	if err := tc.conn.Wakeup(context.Background(), testDeviceAddr); err != nil {
		t.Fatalf("Wakeup error = %v", err)
	}
	sent := tc.link.lastSend(t)
	if sent.dst != testDeviceAddr {
		t.Errorf("wakeup dst = %s, want %s", sent.dst, testDeviceAddr)
	}
	if _, ok := sent.msg.(moritz.WakeUp); !ok {
		t.Errorf("wakeup msg = %T, want WakeUp", sent.msg)
	}

	err := tc.conn.Wakeup(context.Background(), 0x0FFFFF)
	if !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("Wakeup(unknown) error = %v, want ErrUnknownDevice", err)
	}
}

func TestAddPairedDevice_RegistersForPairing(t *testing.T) {
	tc := newTestConnection(t)

	if err := tc.conn.AddPairedDevice(context.Background(), testDeviceAddr); err != nil {
		t.Fatalf("AddPairedDevice error = %v", err)
	}
	snap, err := tc.reg.Snapshot(testDeviceAddr)
	if err != nil {
		t.Fatalf("Snapshot error = %v", err)
	}
	if snap.PairState != device.PairStatePairing {
		t.Errorf("pair state = %s, want pairing", snap.PairState)
	}

	// Repeating the address is not an error.
	if err := tc.conn.AddPairedDevice(context.Background(), testDeviceAddr); err != nil {
		t.Errorf("AddPairedDevice(again) error = %v", err)
	}
}

func TestPairingWindow(t *testing.T) {
	tc := newTestConnection(t)

	if _, open := tc.conn.PairingWindow(); open {
		t.Fatal("pairing window open before EnablePairing")
	}

	until := tc.conn.EnablePairing(time.Minute)
	reported, open := tc.conn.PairingWindow()
	if !open {
		t.Fatal("pairing window closed right after EnablePairing")
	}
	if !reported.Equal(until) {
		t.Errorf("PairingWindow until = %v, want %v", reported, until)
	}
	if d := time.Until(until); d < 55*time.Second || d > time.Minute {
		t.Errorf("window length = %v, want about a minute", d)
	}

	// A non-positive duration takes the default.
	until = tc.conn.EnablePairing(0)
	if d := time.Until(until); d <= 0 || d > DefaultPairingWindow {
		t.Errorf("default window length = %v, want at most %v", d, DefaultPairingWindow)
	}
}

func TestStop_AbortsInFlightCommands(t *testing.T) {
	tc := newTestConnection(t)
	tc.seedPaired(t, testDeviceAddr, moritz.DeviceHeatingThermostat, 0)
	tc.link.blockTransmit = true

	errCh := make(chan error, 1)
	go func() {
		errCh <- tc.conn.SetTemperature(context.Background(), testDeviceAddr, 21.0, moritz.ModeManual)
	}()

	// Let the command reach the blocking transmit before stopping.
	time.Sleep(20 * time.Millisecond)
	tc.conn.Stop()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("SetTemperature error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not abort the in-flight command")
	}

	if err := tc.conn.SetTemperature(context.Background(), testDeviceAddr, 21.0, moritz.ModeManual); !errors.Is(err, ErrNotStarted) {
		t.Errorf("SetTemperature after Stop error = %v, want ErrNotStarted", err)
	}
}

func TestStop_Idempotent(t *testing.T) {
	tc := newTestConnection(t)
	tc.conn.Stop()
	tc.conn.Stop()

	if tc.link.currentHandler() != nil {
		t.Error("frame handler still attached after Stop")
	}
}

func TestStats_CountsCommands(t *testing.T) {
	tc := newTestConnection(t)
	tc.seedPaired(t, testDeviceAddr, moritz.DeviceHeatingThermostat, 0)

	if err := tc.conn.SetTemperature(context.Background(), testDeviceAddr, 21.0, moritz.ModeManual); err != nil {
		t.Fatalf("SetTemperature error = %v", err)
	}

	st := tc.conn.Stats()
	if !st.Started {
		t.Error("Stats.Started = false, want true")
	}
	if st.UpdatesApplied != 1 {
		t.Errorf("Stats.UpdatesApplied = %d, want 1", st.UpdatesApplied)
	}
	if st.PairingOpen {
		t.Error("Stats.PairingOpen = true, want false")
	}
}
