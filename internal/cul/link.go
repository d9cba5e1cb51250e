package cul

import (
	"bufio"
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"github.com/nerrad567/maxcul-core/internal/moritz"
)

// Transceiver commands. Each is written as one CR/LF-terminated line.
const (
	cmdVersion       = "V"  // firmware banner
	cmdMoritzReceive = "Zr" // enable Moritz receive mode
	cmdSetAddress    = "Za" // set own radio address, six hex digits appended
	cmdQueryCredit   = "X"  // ask for the remaining duty-cycle budget
)

// creditReportPrefix introduces the stick's budget report line ("21  900").
const creditReportPrefix = "21"

// overflowLine is printed by the stick when a transmit would exceed its
// duty-cycle budget. The frame did not go on air.
const overflowLine = "LOVF"

// inboundQueueSize bounds the frame handler queue. A full queue drops the
// newest frame rather than stalling the receive loop.
const inboundQueueSize = 128

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// noopLogger discards all log messages. Used when no logger is configured.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// FrameHandler receives every decoded non-ack frame together with its
// signal strength in dBm. Invoked on a single dispatch goroutine, so
// per-device ordering follows arrival order.
type FrameHandler func(f moritz.Frame, rssi int)

// Stats holds operational counters for the link.
type Stats struct {
	FramesTx         uint64
	FramesRx         uint64
	AcksReceived     uint64
	NacksReceived    uint64
	Retries          uint64
	DecodeDrops      uint64 // lines that failed frame or payload decoding
	FramesDropped    uint64 // frames dropped due to a full handler queue
	DutyCycleRejects uint64 // local reserve failures plus stick overflows
	Reconnects       uint64
	CreditRemaining  int
	LastCreditReport int
	LastCreditSync   time.Time
	LastActivity     time.Time
	Connected        bool
	Reconnecting     bool
	Firmware         string
}

// inboundFrame pairs a decoded frame with its signal strength for dispatch.
type inboundFrame struct {
	frame moritz.Frame
	rssi  int
}

// pendingAck tracks one outstanding want-ack transmit. The ack must come
// from the peer the frame was sent to; counters alone are not unique on a
// shared medium.
type pendingAck struct {
	peer moritz.Addr
	ch   chan ackResult
}

type ackResult struct {
	ack  moritz.Ack
	rssi int
}

// Link drives a CUL transceiver stick over a serial port.
//
// Thread safety: all methods are safe for concurrent use. Transmissions are
// serialized by a write mutex (the medium is half-duplex); receiving runs on
// a dedicated goroutine and is never blocked by a pending command.
//
// When the port fails, the link reopens it in the background with capped
// exponential backoff and restores receive mode. Commands issued while the
// port is down fail with ErrLinkClosed.
type Link struct {
	cfg Config

	// openPort is swappable for tests.
	openPort func() (serial.Port, error)

	portMu    sync.RWMutex
	port      serial.Port
	connected bool

	// writeMu serializes writes to the half-duplex medium.
	writeMu sync.Mutex

	counterMu sync.Mutex
	counter   byte

	pendingMu sync.Mutex
	pending   map[byte]*pendingAck

	credit *creditGauge

	handlerMu sync.RWMutex
	onFrame   FrameHandler

	frameQueue chan inboundFrame

	firmwareMu sync.RWMutex
	firmware   string

	reconnecting atomic.Bool
	done         *closeOnce
	wg           sync.WaitGroup

	loggerMu sync.RWMutex
	logger   Logger

	framesTx      atomic.Uint64
	framesRx      atomic.Uint64
	acksRx        atomic.Uint64
	nacksRx       atomic.Uint64
	retries       atomic.Uint64
	decodeDrops   atomic.Uint64
	framesDropped atomic.Uint64
	dutyRejects   atomic.Uint64
	reconnects    atomic.Uint64
	lastActivity  atomic.Int64 // Unix timestamp
}

// Open opens the serial port, initialises the transceiver and starts the
// receive loop. The initial open must succeed; later port failures trigger
// background reconnection.
//
// Parameters:
//   - cfg: Link configuration; zero fields take defaults
//
// Returns:
//   - *Link: Connected link ready for use
//   - error: If the port cannot be opened or initialised
func Open(cfg Config) (*Link, error) {
	cfg = cfg.withDefaults()
	if !cfg.Address.IsValid() || cfg.Address.IsBroadcast() {
		return nil, fmt.Errorf("cul: own address %#x must be a valid non-broadcast address", uint32(cfg.Address))
	}

	l := newLink(cfg)
	if err := l.connect(); err != nil {
		return nil, fmt.Errorf("cul: opening %s: %w", cfg.Device, err)
	}
	l.start()
	return l, nil
}

// newLink builds an unconnected link with the real serial opener.
func newLink(cfg Config) *Link {
	l := &Link{
		cfg:        cfg,
		pending:    make(map[byte]*pendingAck),
		frameQueue: make(chan inboundFrame, inboundQueueSize),
		credit:     newCreditGauge(cfg.MaxCredit, cfg.EnforceDutyCycle),
		done:       newCloseOnce(),
		logger:     noopLogger{},
	}
	l.openPort = func() (serial.Port, error) {
		return serial.Open(cfg.Device, &serial.Mode{
			BaudRate: cfg.Baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		})
	}
	return l
}

// connect opens and initialises the port and makes it current.
func (l *Link) connect() error {
	port, err := l.openPort()
	if err != nil {
		return err
	}
	if err := l.setup(port); err != nil {
		port.Close() //nolint:errcheck // best-effort cleanup of a failed open
		return err
	}
	l.swapPort(port)
	return nil
}

// start launches the receive and dispatch goroutines.
func (l *Link) start() {
	l.wg.Add(2)
	go l.receiveLoop()
	go l.dispatchLoop()
}

// setup initialises a freshly opened port: query the firmware banner, enable
// Moritz receive mode, set the gateway's own address and seed the credit
// gauge from the stick's accounting.
func (l *Link) setup(port serial.Port) error {
	port.ResetInputBuffer() //nolint:errcheck // stale bytes are harmless

	cmds := []string{
		cmdVersion,
		cmdMoritzReceive,
		cmdSetAddress + l.cfg.Address.String(),
		cmdQueryCredit,
	}
	for _, cmd := range cmds {
		if _, err := port.Write([]byte(cmd + "\r\n")); err != nil {
			return fmt.Errorf("writing %q: %w", cmd, err)
		}
	}
	return nil
}

// SetLogger sets the logger for this link.
func (l *Link) SetLogger(logger Logger) {
	l.loggerMu.Lock()
	defer l.loggerMu.Unlock()
	if logger != nil {
		l.logger = logger
	}
}

func (l *Link) log() Logger {
	l.loggerMu.RLock()
	defer l.loggerMu.RUnlock()
	return l.logger
}

// SetHandler sets the callback for received non-ack frames. Set it before
// traffic is expected; frames arriving without a handler are dropped.
func (l *Link) SetHandler(h FrameHandler) {
	l.handlerMu.Lock()
	l.onFrame = h
	l.handlerMu.Unlock()
}

func (l *Link) handler() FrameHandler {
	l.handlerMu.RLock()
	defer l.handlerMu.RUnlock()
	return l.onFrame
}

// Send transmits msg to dst without requesting an acknowledgement. Used for
// broadcasts and pair pongs where the protocol defines no ack.
//
// Parameters:
//   - ctx: Checked for cancellation before the write
//   - dst: Destination address
//   - group: Room/group byte, 0 for none
//   - msg: The message to carry
//
// Returns:
//   - error: Encode errors, ErrDutyCycleExceeded or ErrLinkClosed
func (l *Link) Send(ctx context.Context, dst moritz.Addr, group byte, msg moritz.Message) error {
	line, units, _, err := l.prepare(moritz.FlagNone, dst, group, msg)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("sending %s to %s: %w", msg.MessageType(), dst, ctx.Err())
	case <-l.done.Done():
		return ErrLinkClosed
	default:
	}

	if err := l.credit.reserve(units); err != nil {
		l.dutyRejects.Add(1)
		return fmt.Errorf("sending %s to %s: %w", msg.MessageType(), dst, err)
	}
	if err := l.writeLine(line); err != nil {
		return fmt.Errorf("sending %s to %s: %w", msg.MessageType(), dst, err)
	}
	l.framesTx.Add(1)
	return nil
}

// Transmit sends msg to dst with the want-ack flag and waits for the
// device's acknowledgement, retransmitting with jittered exponential backoff
// on timeout.
//
// Cancellation before the first write aborts cleanly. Once a frame is on the
// air only further retries are suppressed; the in-flight attempt cannot be
// recalled.
//
// Parameters:
//   - ctx: Context for cancellation
//   - dst: Destination address
//   - group: Room/group byte, 0 for none
//   - msg: The message to carry
//
// Returns:
//   - moritz.Ack: The device's acknowledgement, possibly carrying a
//     piggybacked state snapshot
//   - error: Encode errors, ErrDutyCycleExceeded, ErrLinkNack,
//     ErrLinkTimeout after the retry budget, or ErrLinkClosed
func (l *Link) Transmit(ctx context.Context, dst moritz.Addr, group byte, msg moritz.Message) (moritz.Ack, error) {
	line, units, counter, err := l.prepare(moritz.FlagWantAck, dst, group, msg)
	if err != nil {
		return moritz.Ack{}, err
	}

	ch := make(chan ackResult, 1)
	l.registerPending(counter, dst, ch)
	defer l.unregisterPending(counter)

	backoff := l.cfg.BackoffInitial
	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return moritz.Ack{}, fmt.Errorf("transmitting %s to %s: %w", msg.MessageType(), dst, ctx.Err())
		case <-l.done.Done():
			return moritz.Ack{}, ErrLinkClosed
		default:
		}

		if err := l.credit.reserve(units); err != nil {
			l.dutyRejects.Add(1)
			return moritz.Ack{}, fmt.Errorf("transmitting %s to %s: %w", msg.MessageType(), dst, err)
		}
		if err := l.writeLine(line); err != nil {
			return moritz.Ack{}, fmt.Errorf("transmitting %s to %s: %w", msg.MessageType(), dst, err)
		}
		l.framesTx.Add(1)
		if attempt > 0 {
			l.retries.Add(1)
		}

		timer := time.NewTimer(l.cfg.AckTimeout)
		select {
		case res := <-ch:
			timer.Stop()
			if res.ack.Nack {
				l.nacksRx.Add(1)
				return res.ack, fmt.Errorf("transmitting %s to %s: %w", msg.MessageType(), dst, ErrLinkNack)
			}
			l.acksRx.Add(1)
			return res.ack, nil
		case <-timer.C:
			// No ack; fall through to retry.
		case <-ctx.Done():
			timer.Stop()
			return moritz.Ack{}, fmt.Errorf("transmitting %s to %s: %w", msg.MessageType(), dst, ctx.Err())
		case <-l.done.Done():
			timer.Stop()
			return moritz.Ack{}, ErrLinkClosed
		}

		if attempt >= l.cfg.MaxRetries {
			return moritz.Ack{}, fmt.Errorf("transmitting %s to %s: no ack after %d attempts: %w",
				msg.MessageType(), dst, attempt+1, ErrLinkTimeout)
		}
		l.log().Debug("retransmitting after ack timeout",
			"type", msg.MessageType().String(), "dst", dst.String(), "attempt", attempt+1)

		select {
		case <-time.After(jitteredBackoff(backoff)):
		case <-ctx.Done():
			return moritz.Ack{}, fmt.Errorf("transmitting %s to %s: %w", msg.MessageType(), dst, ctx.Err())
		case <-l.done.Done():
			return moritz.Ack{}, ErrLinkClosed
		}
		backoff *= 2
		if backoff > l.cfg.BackoffMax {
			backoff = l.cfg.BackoffMax
		}
	}
}

// prepare assembles the frame, renders its serial line and estimates the
// airtime cost.
func (l *Link) prepare(flags byte, dst moritz.Addr, group byte, msg moritz.Message) (line string, units int, counter byte, err error) {
	counter = l.nextCounter()
	frame, err := moritz.NewFrame(counter, flags, l.cfg.Address, dst, group, msg)
	if err != nil {
		return "", 0, 0, err
	}
	line, err = moritz.FormatSendLine(frame)
	if err != nil {
		return "", 0, 0, err
	}
	// The hex line carries two characters per frame byte after the prefix.
	units = airtimeUnits((len(line) - len("Zs")) / 2)
	return line, units, counter, nil
}

// jitteredBackoff spreads delay by ±20% so colliding retransmitters desync.
func jitteredBackoff(delay time.Duration) time.Duration {
	fifth := delay / 5
	if fifth > 0 {
		delay += time.Duration(rand.Int64N(int64(2*fifth))) - fifth
	}
	return delay
}

func (l *Link) nextCounter() byte {
	l.counterMu.Lock()
	defer l.counterMu.Unlock()
	l.counter++
	return l.counter
}

func (l *Link) registerPending(counter byte, peer moritz.Addr, ch chan ackResult) {
	l.pendingMu.Lock()
	l.pending[counter] = &pendingAck{peer: peer, ch: ch}
	l.pendingMu.Unlock()
}

func (l *Link) unregisterPending(counter byte) {
	l.pendingMu.Lock()
	delete(l.pending, counter)
	l.pendingMu.Unlock()
}

// writeLine writes one CR/LF-terminated line to the current port.
func (l *Link) writeLine(line string) error {
	l.portMu.RLock()
	port, connected := l.port, l.connected
	l.portMu.RUnlock()
	if !connected || port == nil {
		return ErrLinkClosed
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := port.Write([]byte(line + "\r\n")); err != nil {
		return fmt.Errorf("%w: %w", ErrLinkClosed, err)
	}
	l.lastActivity.Store(time.Now().Unix())
	return nil
}

// receiveLoop reads lines off the port for the lifetime of the link,
// reopening the port when it fails.
func (l *Link) receiveLoop() {
	defer l.wg.Done()

	for {
		port := l.currentPort()
		if port == nil {
			if l.isClosed() || !l.reconnect() {
				return
			}
			continue
		}

		scanner := bufio.NewScanner(port)
		for scanner.Scan() {
			l.handleLine(strings.TrimSpace(scanner.Text()))
		}

		if l.isClosed() {
			return
		}
		l.log().Warn("serial link lost", "error", scanner.Err())
		l.markDisconnected()
		if !l.reconnect() {
			return
		}
	}
}

// dispatchLoop feeds queued frames to the handler. A single goroutine keeps
// per-device updates in arrival order.
func (l *Link) dispatchLoop() {
	defer l.wg.Done()

	for {
		select {
		case <-l.done.Done():
			return
		case in := <-l.frameQueue:
			if h := l.handler(); h != nil {
				h(in.frame, in.rssi)
			}
		}
	}
}

// handleLine routes one serial line: frames, credit reports, the firmware
// banner and overflow notices.
func (l *Link) handleLine(line string) {
	if line == "" {
		return
	}
	l.lastActivity.Store(time.Now().Unix())

	switch {
	case strings.HasPrefix(line, moritz.SendLinePrefix):
		// Our own transmissions are not echoed; anything that looks like
		// one is noise.
		l.log().Debug("ignoring echoed send line", "line", line)
	case strings.HasPrefix(line, moritz.RecvLinePrefix):
		l.handleFrameLine(line)
	case strings.HasPrefix(line, cmdVersion):
		l.setFirmware(line)
		l.log().Info("transceiver firmware", "banner", line)
	case strings.HasPrefix(line, creditReportPrefix):
		l.handleCreditReport(line)
	case line == overflowLine:
		l.dutyRejects.Add(1)
		l.credit.drain()
		l.log().Warn("transceiver refused transmit, duty-cycle budget exhausted")
		l.queryCredit()
	default:
		l.log().Debug("unhandled serial line", "line", line)
	}
}

// handleFrameLine decodes a "Z…" line and routes it to the pending-ack
// table or the frame handler queue. Corrupt lines are counted and dropped;
// a lossy channel must not stall the stream.
func (l *Link) handleFrameLine(line string) {
	frame, rssi, err := moritz.ParseReceiveLine(line)
	if err != nil {
		l.decodeDrops.Add(1)
		l.log().Debug("dropping undecodable line", "line", line, "error", err)
		return
	}
	l.framesRx.Add(1)

	if frame.Type == moritz.MsgAck {
		l.deliverAck(frame, rssi)
		return
	}

	select {
	case l.frameQueue <- inboundFrame{frame: frame, rssi: rssi}:
	default:
		l.framesDropped.Add(1)
		l.log().Warn("frame handler queue full, dropping frame",
			"type", frame.Type.String(), "src", frame.Src.String())
	}
}

// deliverAck completes the pending transmit the ack answers. Acks for other
// stations or without a matching pending entry are dropped.
func (l *Link) deliverAck(frame moritz.Frame, rssi int) {
	if frame.Dst != l.cfg.Address {
		l.log().Debug("ack for another station", "src", frame.Src.String(), "dst", frame.Dst.String())
		return
	}

	msg, err := moritz.DecodeMessage(frame)
	if err != nil {
		l.decodeDrops.Add(1)
		l.log().Debug("dropping undecodable ack", "src", frame.Src.String(), "error", err)
		return
	}
	ack, ok := msg.(moritz.Ack)
	if !ok {
		return
	}

	l.pendingMu.Lock()
	p, found := l.pending[frame.Counter]
	l.pendingMu.Unlock()
	if !found || p.peer != frame.Src {
		l.log().Debug("orphaned ack", "src", frame.Src.String(), "counter", frame.Counter)
		return
	}

	select {
	case p.ch <- ackResult{ack: ack, rssi: rssi}:
	default:
	}
}

// handleCreditReport parses a "21  <n>" line and reconciles the gauge.
func (l *Link) handleCreditReport(line string) {
	n, err := strconv.Atoi(strings.TrimSpace(line[len(creditReportPrefix):]))
	if err != nil || n < 0 {
		l.log().Debug("unparseable credit report", "line", line)
		return
	}
	l.credit.syncReport(n)
	l.log().Debug("credit report", "units", n)
}

// queryCredit asks the stick for its remaining budget, best effort.
func (l *Link) queryCredit() {
	if err := l.writeLine(cmdQueryCredit); err != nil {
		l.log().Debug("credit query failed", "error", err)
	}
}

func (l *Link) setFirmware(banner string) {
	l.firmwareMu.Lock()
	l.firmware = banner
	l.firmwareMu.Unlock()
}

// reconnect reopens the port with capped exponential backoff. Returns false
// when the link is closed or the attempt budget is spent.
func (l *Link) reconnect() bool {
	l.reconnecting.Store(true)
	defer l.reconnecting.Store(false)

	backoff := l.cfg.ReconnectInitial
	for attempt := 1; ; attempt++ {
		if l.isClosed() {
			return false
		}
		if l.cfg.ReconnectMaxAttempts > 0 && attempt > l.cfg.ReconnectMaxAttempts {
			l.log().Error("giving up on serial reconnect", "attempts", attempt-1)
			return false
		}

		l.log().Info("reopening serial port", "device", l.cfg.Device, "attempt", attempt)
		err := l.connect()
		if err == nil {
			l.reconnects.Add(1)
			l.log().Info("serial link restored", "attempts", attempt)
			return true
		}
		l.log().Warn("serial reopen failed", "error", err, "backoff", backoff.String())

		select {
		case <-l.done.Done():
			return false
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > l.cfg.ReconnectMax {
			backoff = l.cfg.ReconnectMax
		}
	}
}

func (l *Link) swapPort(port serial.Port) {
	l.portMu.Lock()
	if l.port != nil {
		l.port.Close() //nolint:errcheck // replacing a dead port
	}
	l.port = port
	l.connected = true
	l.portMu.Unlock()
}

func (l *Link) markDisconnected() {
	l.portMu.Lock()
	if l.port != nil {
		l.port.Close() //nolint:errcheck // port already failed
		l.port = nil
	}
	l.connected = false
	l.portMu.Unlock()
}

func (l *Link) currentPort() serial.Port {
	l.portMu.RLock()
	defer l.portMu.RUnlock()
	return l.port
}

func (l *Link) isClosed() bool {
	select {
	case <-l.done.Done():
		return true
	default:
		return false
	}
}

// IsConnected reports whether the serial port is currently open.
func (l *Link) IsConnected() bool {
	l.portMu.RLock()
	defer l.portMu.RUnlock()
	return l.connected
}

// Stats returns current operational statistics.
func (l *Link) Stats() Stats {
	remaining, lastReport, lastSync := l.credit.snapshot()
	l.firmwareMu.RLock()
	firmware := l.firmware
	l.firmwareMu.RUnlock()

	return Stats{
		FramesTx:         l.framesTx.Load(),
		FramesRx:         l.framesRx.Load(),
		AcksReceived:     l.acksRx.Load(),
		NacksReceived:    l.nacksRx.Load(),
		Retries:          l.retries.Load(),
		DecodeDrops:      l.decodeDrops.Load(),
		FramesDropped:    l.framesDropped.Load(),
		DutyCycleRejects: l.dutyRejects.Load(),
		Reconnects:       l.reconnects.Load(),
		CreditRemaining:  remaining,
		LastCreditReport: lastReport,
		LastCreditSync:   lastSync,
		LastActivity:     time.Unix(l.lastActivity.Load(), 0),
		Connected:        l.IsConnected(),
		Reconnecting:     l.reconnecting.Load(),
		Firmware:         firmware,
	}
}

// Close shuts the link down: the receive loop stops, the port closes and
// pending transmits fail with ErrLinkClosed. Safe to call multiple times.
func (l *Link) Close() error {
	l.done.Close()

	l.portMu.Lock()
	l.connected = false
	var err error
	if l.port != nil {
		err = l.port.Close()
		l.port = nil
	}
	l.portMu.Unlock()

	l.wg.Wait()
	l.log().Info("serial link closed")
	return err
}
