package maxcul

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/maxcul-core/internal/bus"
	"github.com/nerrad567/maxcul-core/internal/cul"
	"github.com/nerrad567/maxcul-core/internal/device"
	"github.com/nerrad567/maxcul-core/internal/moritz"
)

// DefaultPairingWindow is how long pairing stays open when EnablePairing
// is called without a positive duration.
const DefaultPairingWindow = 30 * time.Second

// replyTimeout bounds radio replies the connection sends on its own
// behalf (pair pongs, time responses). These run on the inbound dispatch
// goroutine and must never stall it for long.
const replyTimeout = 2 * time.Second

// Logger defines the logging interface used by the Connection.
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

// Transceiver is the radio link the connection drives. *cul.Link
// implements it; tests substitute a fake.
type Transceiver interface {
	Send(ctx context.Context, dst moritz.Addr, group byte, msg moritz.Message) error
	Transmit(ctx context.Context, dst moritz.Addr, group byte, msg moritz.Message) (moritz.Ack, error)
	SetHandler(h cul.FrameHandler)
	Stats() cul.Stats
	IsConnected() bool
}

// Options configures a Connection.
type Options struct {
	// Link is the radio transceiver. Required.
	Link Transceiver

	// Registry holds the paired-device cache and store. Required.
	Registry *device.Registry

	// Bus fans applied updates out to subscribers. Required. The
	// Connection owns it and closes it on Stop.
	Bus *bus.Bus

	// History records applied climate and contact updates. Optional;
	// nil disables recording.
	History device.StateHistoryRepository

	// Address is the gateway's own radio address. Must match the
	// address the link was opened with.
	Address moritz.Addr

	// TimeResponder answers time requests from paired devices with the
	// current local time.
	TimeResponder bool

	// Logger receives structured log output. Optional.
	Logger Logger
}

// Stats holds operational counters for the connection.
type Stats struct {
	FramesHandled    uint64    `json:"frames_handled"`
	UpdatesApplied   uint64    `json:"updates_applied"`
	UnknownDrops     uint64    `json:"unknown_device_drops"`
	DecodeDrops      uint64    `json:"decode_drops"`
	PairPongs        uint64    `json:"pair_pongs"`
	PairPingsIgnored uint64    `json:"pair_pings_ignored"`
	TimeResponses    uint64    `json:"time_responses"`
	PairingOpen      bool      `json:"pairing_open"`
	PairingUntil     time.Time `json:"pairing_until"`
	Started          bool      `json:"started"`
}

// Connection is the driver facade: it owns the inbound frame pipeline
// (decode, pair, merge, record, publish) and exposes the outbound
// command surface (setpoints, wakeups, pairing control).
//
// All public methods are safe for concurrent use. Inbound frames are
// handled on the link's single dispatch goroutine, so per-device update
// ordering follows arrival order.
type Connection struct {
	link     Transceiver
	registry *device.Registry
	bus      *bus.Bus
	history  device.StateHistoryRepository

	addr          moritz.Addr
	timeResponder bool

	// ctx ends when Stop is called; in-flight commands and handler-side
	// persistence abort with it.
	ctx       context.Context
	ctxCancel context.CancelFunc

	startMu  sync.Mutex
	started  atomic.Bool
	stopOnce sync.Once

	pairingMu    sync.Mutex
	pairingUntil time.Time

	loggerMu sync.RWMutex
	logger   Logger

	framesHandled  atomic.Uint64
	updatesApplied atomic.Uint64
	unknownDrops   atomic.Uint64
	decodeDrops    atomic.Uint64
	pairPongs      atomic.Uint64
	pairIgnored    atomic.Uint64
	timeResponses  atomic.Uint64
}

// New creates a Connection from the given options.
//
// Returns:
//   - *Connection: ready to Start
//   - error: if a required option is missing or the address is unusable
func New(opts Options) (*Connection, error) {
	if opts.Link == nil {
		return nil, errors.New("maxcul: link is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("maxcul: device registry is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("maxcul: dispatch bus is required")
	}
	if !opts.Address.IsValid() || opts.Address.IsBroadcast() {
		return nil, fmt.Errorf("maxcul: own address %#x must be a valid non-broadcast address", uint32(opts.Address))
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		link:          opts.Link,
		registry:      opts.Registry,
		bus:           opts.Bus,
		history:       opts.History,
		addr:          opts.Address,
		timeResponder: opts.TimeResponder,
		ctx:           ctx,
		ctxCancel:     cancel,
		logger:        noopLogger{},
	}
	if opts.Logger != nil {
		c.logger = opts.Logger
	}
	return c, nil
}

// SetLogger sets the logger. A nil logger is ignored.
func (c *Connection) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	defer c.loggerMu.Unlock()
	if logger != nil {
		c.logger = logger
	}
}

func (c *Connection) log() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// Start restores the paired-device cache from the store and attaches the
// inbound frame handler to the link. Calling Start twice is a no-op.
func (c *Connection) Start(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	if c.started.Load() {
		return nil
	}
	if err := c.registry.Load(ctx); err != nil {
		return fmt.Errorf("restoring paired devices: %w", err)
	}
	c.link.SetHandler(c.handleFrame)
	c.started.Store(true)

	c.log().Info("driver started",
		"own_address", c.addr.String(),
		"devices", c.registry.Count(),
		"time_responder", c.timeResponder,
	)
	return nil
}

// Stop detaches the frame handler, aborts in-flight commands and closes
// the bus. The link itself stays open; its owner closes it. Idempotent.
func (c *Connection) Stop() {
	c.stopOnce.Do(func() {
		c.started.Store(false)
		c.link.SetHandler(nil)
		c.ctxCancel()
		c.bus.Close()
		c.log().Info("driver stopped")
	})
}

// Subscribe returns a subscription delivering updates for one address.
func (c *Connection) Subscribe(addr moritz.Addr) *bus.Subscription {
	return c.bus.Subscribe(addr)
}

// SubscribeAll returns a subscription delivering every update.
func (c *Connection) SubscribeAll() *bus.Subscription {
	return c.bus.SubscribeAll()
}

// EnablePairing opens the pairing window. Durations of zero or less take
// DefaultPairingWindow. Calling it again extends (or shortens) the
// window from now.
//
// Returns the instant the window closes.
func (c *Connection) EnablePairing(d time.Duration) time.Time {
	if d <= 0 {
		d = DefaultPairingWindow
	}
	until := time.Now().Add(d)

	c.pairingMu.Lock()
	c.pairingUntil = until
	c.pairingMu.Unlock()

	c.log().Info("pairing window opened", "duration", d.String(), "until", until.Format(time.RFC3339))
	return until
}

// PairingWindow reports the current window deadline and whether it is
// still open.
func (c *Connection) PairingWindow() (time.Time, bool) {
	c.pairingMu.Lock()
	until := c.pairingUntil
	c.pairingMu.Unlock()
	return until, time.Now().Before(until)
}

func (c *Connection) pairingOpen() bool {
	_, open := c.PairingWindow()
	return open
}

// AddPairedDevice registers an address by hand, for devices whose pair
// ping cannot be repeated on demand. The device enters the registry in
// the pairing state; its type and serial fill in when it next pings.
func (c *Connection) AddPairedDevice(ctx context.Context, addr moritz.Addr) error {
	_, err := c.registry.AddDevice(ctx, addr, "")
	return err
}

// SetTemperature transmits a setpoint to one thermostat and waits for
// the ack. On success the registry, history and bus all see the new
// state: the ack's piggybacked report when present, otherwise the
// commanded values.
//
// Parameters:
//   - addr: target thermostat; must be registered
//   - temperature: desired setpoint in °C, 0.5° steps within the
//     protocol range
//   - mode: operating mode to set; temporary mode needs a schedule and
//     is rejected
//
// Returns:
//   - error: ErrNotStarted, ErrUnknownDevice, codec validation errors,
//     or a link error (cul.ErrLinkNack, cul.ErrLinkTimeout, ...)
func (c *Connection) SetTemperature(ctx context.Context, addr moritz.Addr, temperature float64, mode moritz.Mode) error {
	if !c.started.Load() {
		return ErrNotStarted
	}
	if !c.registry.Known(addr) {
		return fmt.Errorf("setting temperature for %s: %w", addr, ErrUnknownDevice)
	}

	ctx, cancel := c.commandContext(ctx)
	defer cancel()

	ack, err := c.link.Transmit(ctx, addr, 0, moritz.SetTemperature{Mode: mode, Temperature: temperature})
	if err != nil {
		return err
	}

	u := setpointUpdate(addr, temperature, mode, ack.State)
	if err := c.applyAndPublish(u); err != nil {
		return fmt.Errorf("device %s acknowledged, recording state: %w", addr, err)
	}

	c.log().Info("setpoint acknowledged",
		"address", addr.String(),
		"temperature", temperature,
		"mode", mode.String(),
		"reported_state", ack.State != nil,
	)
	return nil
}

// SetRoomTemperature broadcasts a setpoint to every thermostat in a
// room group. Wall and radiator thermostats in the room apply it
// locally; no device acks a broadcast, so the registry is updated
// optimistically for each registered thermostat in the room.
//
// Parameters:
//   - room: group id programmed into the devices; must be 1-255
//   - temperature, mode: as for SetTemperature
func (c *Connection) SetRoomTemperature(ctx context.Context, room uint8, temperature float64, mode moritz.Mode) error {
	if !c.started.Load() {
		return ErrNotStarted
	}
	if room == 0 {
		return fmt.Errorf("room cast needs a group id in [1, 255]: %w", moritz.ErrOutOfRange)
	}

	ctx, cancel := c.commandContext(ctx)
	defer cancel()

	msg := moritz.SetTemperature{Mode: mode, Temperature: temperature}
	if err := c.link.Send(ctx, moritz.Broadcast, room, msg); err != nil {
		return err
	}

	devices := c.registry.ListByRoom(room)
	merged := 0
	for i := range devices {
		if !devices[i].Type.IsThermostat() {
			continue
		}
		if err := c.applyAndPublish(setpointUpdate(devices[i].Addr, temperature, mode, nil)); err != nil {
			c.log().Error("room cast state merge failed", "address", devices[i].Addr.String(), "error", err)
			continue
		}
		merged++
	}

	c.log().Info("room setpoint broadcast",
		"room", room,
		"temperature", temperature,
		"mode", mode.String(),
		"thermostats", merged,
	)
	return nil
}

// Wakeup asks a device to stay awake for roughly 30 seconds, so
// follow-up commands reach it without waiting for its next wake slot.
// Fire and forget; the device does not ack it.
func (c *Connection) Wakeup(ctx context.Context, addr moritz.Addr) error {
	if !c.started.Load() {
		return ErrNotStarted
	}
	if !c.registry.Known(addr) {
		return fmt.Errorf("waking %s: %w", addr, ErrUnknownDevice)
	}

	ctx, cancel := c.commandContext(ctx)
	defer cancel()

	return c.link.Send(ctx, addr, 0, moritz.WakeUp{})
}

// Stats returns a snapshot of the connection's counters.
func (c *Connection) Stats() Stats {
	until, open := c.PairingWindow()
	return Stats{
		FramesHandled:    c.framesHandled.Load(),
		UpdatesApplied:   c.updatesApplied.Load(),
		UnknownDrops:     c.unknownDrops.Load(),
		DecodeDrops:      c.decodeDrops.Load(),
		PairPongs:        c.pairPongs.Load(),
		PairPingsIgnored: c.pairIgnored.Load(),
		TimeResponses:    c.timeResponses.Load(),
		PairingOpen:      open,
		PairingUntil:     until,
		Started:          c.started.Load(),
	}
}

// LinkStats returns the radio link's counters.
func (c *Connection) LinkStats() cul.Stats {
	return c.link.Stats()
}

// commandContext derives a context that ends when the caller's context
// or the connection's lifetime ends, whichever is first. Stop thereby
// aborts in-flight commands.
func (c *Connection) commandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	detach := context.AfterFunc(c.ctx, cancel)
	return merged, func() {
		detach()
		cancel()
	}
}

// applyAndPublish merges one update into the registry, records it in
// history and fans it out on the bus, in that order. Persistence runs
// under the connection's own context: once a device accepted a command
// or a frame decoded, a cancelled caller must not lose the state.
func (c *Connection) applyAndPublish(u bus.Update) error {
	if _, err := c.registry.ApplyUpdate(c.ctx, u); err != nil {
		return err
	}
	c.updatesApplied.Add(1)
	c.recordHistory(u)
	c.bus.Publish(u)
	return nil
}

// recordHistory appends climate and contact updates to the state
// history. Failures are logged and do not block the update path.
func (c *Connection) recordHistory(u bus.Update) {
	if c.history == nil {
		return
	}
	switch u.Kind {
	case bus.KindThermostatState, bus.KindWallThermostatState, bus.KindShutterContact:
	default:
		return
	}

	entry := device.HistoryEntry{
		Addr:         u.Addr,
		Mode:         u.Mode,
		DesiredTemp:  u.DesiredTemp,
		MeasuredTemp: u.MeasuredTemp,
		BatteryLow:   u.BatteryLow,
		ContactOpen:  u.ContactOpen,
		RSSI:         u.RSSI,
		RecordedAt:   u.At,
	}
	if err := c.history.Record(c.ctx, entry); err != nil {
		c.log().Warn("state history write failed", "address", u.Addr.String(), "error", err)
	}
}

// setpointUpdate builds the update a successful setpoint command feeds
// back into the registry. The ack's piggybacked report wins when
// present; otherwise the commanded values stand in until the device
// reports on its own.
func setpointUpdate(addr moritz.Addr, temperature float64, mode moritz.Mode, reported *moritz.ThermostatState) bus.Update {
	if reported != nil {
		return thermostatUpdate(addr, *reported, nil)
	}
	m, t := mode, temperature
	return bus.Update{
		Kind:        bus.KindThermostatState,
		Addr:        addr,
		Mode:        &m,
		DesiredTemp: &t,
		At:          time.Now().UTC(),
	}
}
