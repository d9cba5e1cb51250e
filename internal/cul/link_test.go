package cul

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.bug.st/serial"

	"github.com/nerrad567/maxcul-core/internal/moritz"
)

const (
	testOwnAddr    moritz.Addr = 0x123456
	testDeviceAddr moritz.Addr = 0x0A1B2C
)

// fakePort is an in-memory serial.Port. Bytes written by the link are split
// into lines and recorded; push delivers lines as if the stick had sent them.
type fakePort struct {
	reader *io.PipeReader
	writer *io.PipeWriter

	mu      sync.Mutex
	partial string
	written []string
	lineCh  chan string

	closeOnce sync.Once
}

func newFakePort() *fakePort {
	r, w := io.Pipe()
	return &fakePort{reader: r, writer: w, lineCh: make(chan string, 64)}
}

// push delivers one line to the link as if the stick had printed it.
func (p *fakePort) push(t *testing.T, line string) {
	t.Helper()
	if _, err := p.writer.Write([]byte(line + "\r\n")); err != nil {
		t.Fatalf("pushing %q: %v", line, err)
	}
}

// fail simulates the stick disappearing mid-session: the link's pending and
// future reads return an error.
func (p *fakePort) fail() {
	p.writer.CloseWithError(io.ErrUnexpectedEOF) //nolint:errcheck // test stub
}

func (p *fakePort) Read(b []byte) (int, error) { return p.reader.Read(b) }

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.partial += string(b)
	for {
		i := strings.Index(p.partial, "\r\n")
		if i < 0 {
			break
		}
		line := p.partial[:i]
		p.partial = p.partial[i+2:]
		p.written = append(p.written, line)
		select {
		case p.lineCh <- line:
		default:
		}
	}
	return len(b), nil
}

func (p *fakePort) writtenLines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.written...)
}

func (p *fakePort) Close() error {
	p.closeOnce.Do(func() {
		p.writer.Close() //nolint:errcheck // pipe close cannot fail
		p.reader.Close() //nolint:errcheck // pipe close cannot fail
	})
	return nil
}

func (p *fakePort) SetMode(*serial.Mode) error         { return nil }
func (p *fakePort) Drain() error                       { return nil }
func (p *fakePort) ResetInputBuffer() error            { return nil }
func (p *fakePort) ResetOutputBuffer() error           { return nil }
func (p *fakePort) SetDTR(bool) error                  { return nil }
func (p *fakePort) SetRTS(bool) error                  { return nil }
func (p *fakePort) SetReadTimeout(time.Duration) error { return nil }
func (p *fakePort) Break(time.Duration) error          { return nil }

func (p *fakePort) GetModemStatusBits() (*serial.ModemStatusBits, error) {
	return &serial.ModemStatusBits{}, nil
}

// testConfig returns link settings tuned for fast tests.
func testConfig() Config {
	return Config{
		Device:           "test",
		Address:          testOwnAddr,
		AckTimeout:       400 * time.Millisecond,
		MaxRetries:       2,
		BackoffInitial:   10 * time.Millisecond,
		BackoffMax:       20 * time.Millisecond,
		ReconnectInitial: 5 * time.Millisecond,
		ReconnectMax:     10 * time.Millisecond,
		MaxCredit:        900,
		EnforceDutyCycle: true,
	}
}

// newTestLink builds a started link backed by a fake port, with the setup
// handshake already consumed.
func newTestLink(t *testing.T, cfg Config) (*Link, *fakePort) {
	t.Helper()
	port := newFakePort()
	l := newLink(cfg.withDefaults())
	l.openPort = func() (serial.Port, error) { return port, nil }
	if err := l.connect(); err != nil {
		t.Fatalf("connecting fake port: %v", err)
	}
	l.start()
	t.Cleanup(func() { _ = l.Close() })
	drainSetup(t, port)
	return l, port
}

// drainSetup consumes the four initialisation commands written on connect.
func drainSetup(t *testing.T, p *fakePort) {
	t.Helper()
	for i := 0; i < 4; i++ {
		awaitLine(t, p)
	}
}

func awaitLine(t *testing.T, p *fakePort) string {
	t.Helper()
	select {
	case line := <-p.lineCh:
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a serial write")
		return ""
	}
}

func assertNoLine(t *testing.T, p *fakePort, wait time.Duration) {
	t.Helper()
	select {
	case line := <-p.lineCh:
		t.Fatalf("unexpected serial write %q", line)
	case <-time.After(wait):
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// parseSent decodes a "Zs…" line back into the frame the link transmitted.
func parseSent(t *testing.T, line string) moritz.Frame {
	t.Helper()
	if !strings.HasPrefix(line, moritz.SendLinePrefix) {
		t.Fatalf("expected a send line, got %q", line)
	}
	raw, err := hex.DecodeString(line[len(moritz.SendLinePrefix):])
	if err != nil {
		t.Fatalf("send line is not hex: %v", err)
	}
	f, err := moritz.DecodeFrame(raw)
	if err != nil {
		t.Fatalf("decoding sent frame: %v", err)
	}
	return f
}

// frameLine renders a frame as the stick would print it, with the raw RSSI
// byte appended.
func frameLine(t *testing.T, f moritz.Frame, rssiRaw byte) string {
	t.Helper()
	raw, err := f.Encode()
	if err != nil {
		t.Fatalf("encoding frame: %v", err)
	}
	raw = append(raw, rssiRaw)
	return moritz.RecvLinePrefix + strings.ToUpper(hex.EncodeToString(raw))
}

// ackLine builds the device's answer to a sent want-ack frame.
func ackLine(t *testing.T, sent moritz.Frame, nack bool, state *moritz.ThermostatState) string {
	t.Helper()
	f, err := moritz.NewFrame(sent.Counter, moritz.FlagNone, sent.Dst, sent.Src, 0,
		moritz.Ack{Nack: nack, State: state})
	if err != nil {
		t.Fatalf("building ack frame: %v", err)
	}
	return frameLine(t, f, 0x50)
}

type transmitOutcome struct {
	ack moritz.Ack
	err error
}

func goTransmit(ctx context.Context, l *Link, dst moritz.Addr, msg moritz.Message) <-chan transmitOutcome {
	ch := make(chan transmitOutcome, 1)
	go func() {
		ack, err := l.Transmit(ctx, dst, 0, msg)
		ch <- transmitOutcome{ack: ack, err: err}
	}()
	return ch
}

func awaitOutcome(t *testing.T, ch <-chan transmitOutcome) transmitOutcome {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("transmit never completed")
		return transmitOutcome{}
	}
}

func TestOpen_RejectsUnusableOwnAddress(t *testing.T) {
	tests := []struct {
		name string
		addr moritz.Addr
	}{
		{name: "broadcast", addr: moritz.Broadcast},
		{name: "wider than 24 bits", addr: moritz.Addr(0x1000000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Address = tt.addr
			if _, err := Open(cfg); err == nil {
				t.Errorf("Open accepted own address %#x", uint32(tt.addr))
			}
		})
	}
}

func TestConnect_InitialisesTransceiver(t *testing.T) {
	port := newFakePort()
	l := newLink(testConfig().withDefaults())
	l.openPort = func() (serial.Port, error) { return port, nil }

	if err := l.connect(); err != nil {
		t.Fatalf("connect() error = %v", err)
	}
	defer l.Close() //nolint:errcheck // teardown

	want := []string{"V", "Zr", "Za123456", "X"}
	got := port.writtenLines()
	if len(got) != len(want) {
		t.Fatalf("setup wrote %d lines %v, want %v", len(got), got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("setup line %d = %q, want %q", i, got[i], want[i])
		}
	}
	if !l.IsConnected() {
		t.Error("IsConnected() = false after connect")
	}
}

func TestTransmit_AckCompletesCommand(t *testing.T) {
	l, port := newTestLink(t, testConfig())

	res := goTransmit(context.Background(), l, testDeviceAddr, moritz.WakeUp{})

	sent := parseSent(t, awaitLine(t, port))
	if sent.Type != moritz.MsgWakeUp {
		t.Errorf("sent frame type = %v, want %v", sent.Type, moritz.MsgWakeUp)
	}
	if sent.Flags&moritz.FlagWantAck == 0 {
		t.Error("sent frame does not request an ack")
	}
	if sent.Src != testOwnAddr || sent.Dst != testDeviceAddr {
		t.Errorf("sent frame %s -> %s, want %s -> %s", sent.Src, sent.Dst, testOwnAddr, testDeviceAddr)
	}

	port.push(t, ackLine(t, sent, false, nil))

	r := awaitOutcome(t, res)
	if r.err != nil {
		t.Fatalf("Transmit() error = %v", r.err)
	}
	if r.ack.Nack {
		t.Error("ack reported as nack")
	}

	st := l.Stats()
	if st.FramesTx != 1 {
		t.Errorf("FramesTx = %d, want 1", st.FramesTx)
	}
	if st.AcksReceived != 1 {
		t.Errorf("AcksReceived = %d, want 1", st.AcksReceived)
	}
}

func TestTransmit_AckCarriesPiggybackedState(t *testing.T) {
	l, port := newTestLink(t, testConfig())

	res := goTransmit(context.Background(), l, testDeviceAddr,
		moritz.SetTemperature{Mode: moritz.ModeManual, Temperature: 21.5})

	sent := parseSent(t, awaitLine(t, port))
	measured := 20.4
	port.push(t, ackLine(t, sent, false, &moritz.ThermostatState{
		Mode:                moritz.ModeManual,
		DesiredTemperature:  21.5,
		MeasuredTemperature: &measured,
		GatewayKnown:        true,
	}))

	r := awaitOutcome(t, res)
	if r.err != nil {
		t.Fatalf("Transmit() error = %v", r.err)
	}
	if r.ack.State == nil {
		t.Fatal("ack carries no state snapshot")
	}
	if r.ack.State.Mode != moritz.ModeManual {
		t.Errorf("piggybacked mode = %v, want manual", r.ack.State.Mode)
	}
	if r.ack.State.DesiredTemperature != 21.5 {
		t.Errorf("piggybacked desired = %v, want 21.5", r.ack.State.DesiredTemperature)
	}
	if r.ack.State.MeasuredTemperature == nil || *r.ack.State.MeasuredTemperature != 20.4 {
		t.Errorf("piggybacked measured = %v, want 20.4", r.ack.State.MeasuredTemperature)
	}
	if !r.ack.State.GatewayKnown {
		t.Error("piggybacked GatewayKnown = false, want true")
	}
}

func TestTransmit_NackReturnsError(t *testing.T) {
	l, port := newTestLink(t, testConfig())

	res := goTransmit(context.Background(), l, testDeviceAddr, moritz.WakeUp{})
	sent := parseSent(t, awaitLine(t, port))
	port.push(t, ackLine(t, sent, true, nil))

	r := awaitOutcome(t, res)
	if !errors.Is(r.err, ErrLinkNack) {
		t.Fatalf("Transmit() error = %v, want ErrLinkNack", r.err)
	}
	if !r.ack.Nack {
		t.Error("returned ack is not marked as nack")
	}
	if st := l.Stats(); st.NacksReceived != 1 {
		t.Errorf("NacksReceived = %d, want 1", st.NacksReceived)
	}
}

func TestTransmit_RetriesThenTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.AckTimeout = 30 * time.Millisecond
	cfg.MaxRetries = 2
	l, port := newTestLink(t, cfg)

	res := goTransmit(context.Background(), l, testDeviceAddr, moritz.WakeUp{})

	first := awaitLine(t, port)
	second := awaitLine(t, port)
	third := awaitLine(t, port)
	if first != second || second != third {
		t.Errorf("retransmits are not identical:\n%q\n%q\n%q", first, second, third)
	}

	r := awaitOutcome(t, res)
	if !errors.Is(r.err, ErrLinkTimeout) {
		t.Fatalf("Transmit() error = %v, want ErrLinkTimeout", r.err)
	}

	st := l.Stats()
	if st.FramesTx != 3 {
		t.Errorf("FramesTx = %d, want 3", st.FramesTx)
	}
	if st.Retries != 2 {
		t.Errorf("Retries = %d, want 2", st.Retries)
	}
	assertNoLine(t, port, 60*time.Millisecond)
}

func TestTransmit_IgnoresAckFromOtherDevice(t *testing.T) {
	cfg := testConfig()
	cfg.AckTimeout = 60 * time.Millisecond
	cfg.MaxRetries = 0
	l, port := newTestLink(t, cfg)

	res := goTransmit(context.Background(), l, testDeviceAddr, moritz.WakeUp{})
	sent := parseSent(t, awaitLine(t, port))

	// Same counter, wrong sender. Counters are per-device sequence numbers,
	// so collisions across devices are routine on a shared medium.
	forged, err := moritz.NewFrame(sent.Counter, moritz.FlagNone, moritz.Addr(0x0BADED), testOwnAddr, 0, moritz.Ack{})
	if err != nil {
		t.Fatalf("building forged ack: %v", err)
	}
	port.push(t, frameLine(t, forged, 0x50))

	r := awaitOutcome(t, res)
	if !errors.Is(r.err, ErrLinkTimeout) {
		t.Fatalf("Transmit() error = %v, want ErrLinkTimeout", r.err)
	}
	if st := l.Stats(); st.AcksReceived != 0 {
		t.Errorf("AcksReceived = %d, want 0", st.AcksReceived)
	}
}

func TestTransmit_FailsFastWhenBudgetExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.MaxCredit = 1
	l, port := newTestLink(t, cfg)

	_, err := l.Transmit(context.Background(), testDeviceAddr, 0, moritz.WakeUp{})
	if !errors.Is(err, ErrDutyCycleExceeded) {
		t.Fatalf("Transmit() error = %v, want ErrDutyCycleExceeded", err)
	}

	assertNoLine(t, port, 50*time.Millisecond)
	if st := l.Stats(); st.DutyCycleRejects != 1 {
		t.Errorf("DutyCycleRejects = %d, want 1", st.DutyCycleRejects)
	}
}

func TestTransmit_CancelledBeforeWrite(t *testing.T) {
	l, port := newTestLink(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Transmit(ctx, testDeviceAddr, 0, moritz.WakeUp{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Transmit() error = %v, want context.Canceled", err)
	}
	assertNoLine(t, port, 50*time.Millisecond)
}

func TestTransmit_CancelStopsRetries(t *testing.T) {
	cfg := testConfig()
	cfg.AckTimeout = 40 * time.Millisecond
	cfg.MaxRetries = 5
	l, port := newTestLink(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	res := goTransmit(ctx, l, testDeviceAddr, moritz.WakeUp{})

	awaitLine(t, port) // first attempt is on the air
	cancel()

	r := awaitOutcome(t, res)
	if !errors.Is(r.err, context.Canceled) {
		t.Fatalf("Transmit() error = %v, want context.Canceled", r.err)
	}
	assertNoLine(t, port, 100*time.Millisecond)
	if st := l.Stats(); st.FramesTx != 1 {
		t.Errorf("FramesTx = %d, want 1", st.FramesTx)
	}
}

func TestSend_NoAckRequested(t *testing.T) {
	l, port := newTestLink(t, testConfig())

	err := l.Send(context.Background(), moritz.Broadcast, 0, moritz.PairPong{DeviceType: moritz.DeviceCube})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	sent := parseSent(t, awaitLine(t, port))
	if sent.Type != moritz.MsgPairPong {
		t.Errorf("sent frame type = %v, want %v", sent.Type, moritz.MsgPairPong)
	}
	if sent.Flags&moritz.FlagWantAck != 0 {
		t.Error("broadcast frame requests an ack")
	}
	if sent.Dst != moritz.Broadcast {
		t.Errorf("sent frame dst = %s, want broadcast", sent.Dst)
	}
	if st := l.Stats(); st.FramesTx != 1 {
		t.Errorf("FramesTx = %d, want 1", st.FramesTx)
	}
}

func TestHandler_DispatchesInboundFrames(t *testing.T) {
	l, port := newTestLink(t, testConfig())

	type received struct {
		frame moritz.Frame
		rssi  int
	}
	got := make(chan received, 4)
	l.SetHandler(func(f moritz.Frame, rssi int) { got <- received{frame: f, rssi: rssi} })

	f, err := moritz.NewFrame(9, moritz.FlagNone, testDeviceAddr, testOwnAddr, 0,
		moritz.ThermostatState{Mode: moritz.ModeAuto, DesiredTemperature: 19})
	if err != nil {
		t.Fatalf("building state frame: %v", err)
	}
	port.push(t, frameLine(t, f, 0x50))

	select {
	case r := <-got:
		if r.frame.Type != moritz.MsgThermostatState {
			t.Errorf("dispatched type = %v, want %v", r.frame.Type, moritz.MsgThermostatState)
		}
		if r.frame.Src != testDeviceAddr {
			t.Errorf("dispatched src = %s, want %s", r.frame.Src, testDeviceAddr)
		}
		if r.rssi != -34 {
			t.Errorf("rssi = %d, want -34", r.rssi)
		}
		msg, err := moritz.DecodeMessage(r.frame)
		if err != nil {
			t.Fatalf("decoding dispatched frame: %v", err)
		}
		state, ok := msg.(moritz.ThermostatState)
		if !ok {
			t.Fatalf("dispatched message is %T", msg)
		}
		if state.DesiredTemperature != 19 {
			t.Errorf("desired = %v, want 19", state.DesiredTemperature)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame never reached the handler")
	}

	if st := l.Stats(); st.FramesRx != 1 {
		t.Errorf("FramesRx = %d, want 1", st.FramesRx)
	}
}

func TestHandler_DropsCorruptLines(t *testing.T) {
	l, port := newTestLink(t, testConfig())

	got := make(chan moritz.Frame, 4)
	l.SetHandler(func(f moritz.Frame, _ int) { got <- f })

	port.push(t, "Zxyz")        // not hex
	port.push(t, "Z0BADC0FFEE") // shorter than any frame

	f, err := moritz.NewFrame(3, moritz.FlagNone, testDeviceAddr, testOwnAddr, 0,
		moritz.ShutterContactState{Open: true})
	if err != nil {
		t.Fatalf("building contact frame: %v", err)
	}
	port.push(t, frameLine(t, f, 0x40))

	select {
	case r := <-got:
		if r.Type != moritz.MsgShutterContactState {
			t.Errorf("dispatched type = %v, want %v", r.Type, moritz.MsgShutterContactState)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid frame never reached the handler")
	}

	st := l.Stats()
	if st.DecodeDrops != 2 {
		t.Errorf("DecodeDrops = %d, want 2", st.DecodeDrops)
	}
	if st.FramesRx != 1 {
		t.Errorf("FramesRx = %d, want 1", st.FramesRx)
	}
}

func TestCreditReport_ReconcilesGauge(t *testing.T) {
	l, port := newTestLink(t, testConfig())

	port.push(t, "21  7")

	waitFor(t, "credit report to land", func() bool {
		return l.Stats().LastCreditReport == 7
	})
	st := l.Stats()
	if st.CreditRemaining > 7 {
		t.Errorf("CreditRemaining = %d, want at most 7", st.CreditRemaining)
	}
	if st.LastCreditSync.IsZero() {
		t.Error("LastCreditSync is zero, want a timestamp")
	}
}

func TestOverflowNotice_DrainsCredit(t *testing.T) {
	l, port := newTestLink(t, testConfig())

	port.push(t, "LOVF")

	// The link asks the stick for its real budget after an overflow.
	if line := awaitLine(t, port); line != "X" {
		t.Errorf("post-overflow write = %q, want %q", line, "X")
	}

	st := l.Stats()
	if st.DutyCycleRejects != 1 {
		t.Errorf("DutyCycleRejects = %d, want 1", st.DutyCycleRejects)
	}
	if st.CreditRemaining != 0 {
		t.Errorf("CreditRemaining = %d, want 0", st.CreditRemaining)
	}
}

func TestFirmwareBanner_Recorded(t *testing.T) {
	l, port := newTestLink(t, testConfig())

	port.push(t, "V 1.66 CUL868")

	waitFor(t, "firmware banner to land", func() bool {
		return l.Stats().Firmware == "V 1.66 CUL868"
	})
}

func TestReconnect_ReinitialisesTransceiver(t *testing.T) {
	first, second := newFakePort(), newFakePort()
	l := newLink(testConfig().withDefaults())
	var opens atomic.Int32
	l.openPort = func() (serial.Port, error) {
		if opens.Add(1) == 1 {
			return first, nil
		}
		return second, nil
	}

	if err := l.connect(); err != nil {
		t.Fatalf("connect() error = %v", err)
	}
	l.start()
	t.Cleanup(func() { _ = l.Close() })
	drainSetup(t, first)

	got := make(chan moritz.Frame, 1)
	l.SetHandler(func(f moritz.Frame, _ int) { got <- f })

	first.fail()

	// The fresh port gets the full setup handshake again.
	drainSetup(t, second)
	waitFor(t, "link to reconnect", func() bool {
		st := l.Stats()
		return st.Reconnects == 1 && st.Connected
	})

	f, err := moritz.NewFrame(3, moritz.FlagNone, testDeviceAddr, testOwnAddr, 0,
		moritz.ShutterContactState{Open: true})
	if err != nil {
		t.Fatalf("building contact frame: %v", err)
	}
	second.push(t, frameLine(t, f, 0x40))

	select {
	case r := <-got:
		if r.Type != moritz.MsgShutterContactState {
			t.Errorf("dispatched type = %v, want %v", r.Type, moritz.MsgShutterContactState)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no traffic after reconnect")
	}
}

func TestClose_FailsPendingTransmit(t *testing.T) {
	l, port := newTestLink(t, testConfig())

	res := goTransmit(context.Background(), l, testDeviceAddr, moritz.WakeUp{})
	awaitLine(t, port) // the frame is on the air

	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	r := awaitOutcome(t, res)
	if !errors.Is(r.err, ErrLinkClosed) {
		t.Errorf("Transmit() error = %v, want ErrLinkClosed", r.err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	l, _ := newTestLink(t, testConfig())

	if err := l.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if l.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}

	if err := l.Send(context.Background(), testDeviceAddr, 0, moritz.WakeUp{}); !errors.Is(err, ErrLinkClosed) {
		t.Errorf("Send() after Close error = %v, want ErrLinkClosed", err)
	}
}
