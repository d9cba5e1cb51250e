package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/maxcul-core/internal/audit"
	"github.com/nerrad567/maxcul-core/internal/bus"
	"github.com/nerrad567/maxcul-core/internal/device"
	transport "github.com/nerrad567/maxcul-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/maxcul-core/internal/moritz"
)

const (
	// defaultCommandTimeout bounds a single radio command triggered
	// from a broker message. Long enough for the full retry schedule.
	defaultCommandTimeout = 15 * time.Second
)

// Broker is the subset of the MQTT client the bridge needs. Satisfied
// by *mqtt.Client from internal/infrastructure/mqtt; small enough to
// fake in tests.
type Broker interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler transport.MessageHandler) error
	Topics() transport.Topics
	IsConnected() bool
}

// Driver is the radio surface the bridge drives. Satisfied by
// *maxcul.Connection.
type Driver interface {
	SetTemperature(ctx context.Context, addr moritz.Addr, temperature float64, mode moritz.Mode) error
	Wakeup(ctx context.Context, addr moritz.Addr) error
	SubscribeAll() *bus.Subscription
}

// Snapshots resolves a device address to its current merged state for
// retained status publishes. Satisfied by *device.Registry.
type Snapshots interface {
	Snapshot(addr moritz.Addr) (*device.Device, error)
}

// Logger is the minimal logging interface the bridge needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a Bridge.
type Options struct {
	Broker   Broker
	Driver   Driver
	Registry Snapshots

	// Audit is optional; commands are recorded with origin "mqtt"
	// when set.
	Audit audit.Repository

	// QoS for all subscriptions and publishes.
	QoS byte

	// CommandTimeout bounds each inbound command. Zero means the
	// default.
	CommandTimeout time.Duration

	Logger Logger
}

// Bridge translates between broker topics and the radio driver:
// inbound set/wakeup commands become radio commands, and every bus
// update becomes a retained status snapshot plus an event publish.
//
// All methods are safe for concurrent use.
type Bridge struct {
	broker   Broker
	driver   Driver
	registry Snapshots
	auditLog audit.Repository

	qos        byte
	cmdTimeout time.Duration

	sub *bus.Subscription

	// Shutdown coordination
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc

	started atomic.Bool

	commandsOK      atomic.Uint64
	commandsFailed  atomic.Uint64
	statusPublished atomic.Uint64
	publishErrors   atomic.Uint64

	logger   Logger
	loggerMu sync.RWMutex
}

// Stats is a point-in-time snapshot of bridge counters.
type Stats struct {
	CommandsOK      uint64 `json:"commands_ok"`
	CommandsFailed  uint64 `json:"commands_failed"`
	StatusPublished uint64 `json:"status_published"`
	PublishErrors   uint64 `json:"publish_errors"`
	UpdatesDropped  uint64 `json:"updates_dropped"`
}

// New creates a Bridge. Broker, Driver and Registry are required.
func New(opts Options) (*Bridge, error) {
	if opts.Broker == nil {
		return nil, errors.New("mqtt bridge: broker is required")
	}
	if opts.Driver == nil {
		return nil, errors.New("mqtt bridge: driver is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("mqtt bridge: registry is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	timeout := opts.CommandTimeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	return &Bridge{
		broker:     opts.Broker,
		driver:     opts.Driver,
		registry:   opts.Registry,
		auditLog:   opts.Audit,
		qos:        opts.QoS,
		cmdTimeout: timeout,
		logger:     logger,
	}, nil
}

// Start subscribes to the command topics and begins pumping bus
// updates to the broker. The passed context scopes startup only;
// shutdown is driven by Stop.
func (b *Bridge) Start(ctx context.Context) error {
	if b.started.Load() {
		return errors.New("mqtt bridge: already started")
	}

	// Context first: a command can arrive the instant we subscribe.
	b.ctx, b.ctxCancel = context.WithCancel(context.Background())

	topics := b.broker.Topics()
	if err := b.broker.Subscribe(topics.AllSet(), b.qos, b.handleSet); err != nil {
		b.ctxCancel()
		return fmt.Errorf("subscribe %s: %w", topics.AllSet(), err)
	}
	if err := b.broker.Subscribe(topics.AllWakeup(), b.qos, b.handleWakeup); err != nil {
		b.ctxCancel()
		return fmt.Errorf("subscribe %s: %w", topics.AllWakeup(), err)
	}

	b.sub = b.driver.SubscribeAll()
	b.started.Store(true)

	b.wg.Add(1)
	go b.pumpUpdates()

	b.getLogger().Info("mqtt bridge started",
		"set_topic", topics.AllSet(),
		"wakeup_topic", topics.AllWakeup(),
		"qos", b.qos)
	return nil
}

// Stop halts the update pump and waits for it to drain. Idempotent.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		if b.ctxCancel != nil {
			b.ctxCancel()
		}
		if b.sub != nil {
			b.sub.Close()
		}
		b.wg.Wait()
		b.started.Store(false)
		b.getLogger().Info("mqtt bridge stopped")
	})
}

// Stats returns current counters. UpdatesDropped counts bus updates
// shed because this bridge fell behind.
func (b *Bridge) Stats() Stats {
	s := Stats{
		CommandsOK:      b.commandsOK.Load(),
		CommandsFailed:  b.commandsFailed.Load(),
		StatusPublished: b.statusPublished.Load(),
		PublishErrors:   b.publishErrors.Load(),
	}
	if b.sub != nil {
		s.UpdatesDropped = b.sub.Dropped()
	}
	return s
}

// SetLogger replaces the bridge's logger. Safe to call at any time.
func (b *Bridge) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
}

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

// setCommand is the JSON body accepted on set/<addr>.
type setCommand struct {
	Temperature float64 `json:"temperature"`
	Mode        string  `json:"mode"`
}

// commandResult is published to result/<addr> after each command.
type commandResult struct {
	OK     bool   `json:"ok"`
	Action string `json:"action"`
	Error  string `json:"error,omitempty"`
}

func (b *Bridge) handleSet(topic string, payload []byte) error {
	raw, ok := transport.DeviceAddress(topic)
	if !ok {
		b.getLogger().Warn("set command on malformed topic", "topic", topic)
		return nil
	}

	addr, err := moritz.ParseAddr(raw)
	if err != nil {
		b.publishResult(raw, audit.ActionSetTemperature, err)
		return nil
	}

	var cmd setCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.publishResult(raw, audit.ActionSetTemperature, fmt.Errorf("invalid payload: %w", err))
		return nil
	}

	mode := moritz.ModeManual
	if cmd.Mode != "" {
		mode, err = moritz.ParseMode(cmd.Mode)
		if err != nil {
			b.publishResult(raw, audit.ActionSetTemperature, err)
			return nil
		}
	}

	ctx, cancel := context.WithTimeout(b.ctx, b.cmdTimeout)
	defer cancel()

	err = b.driver.SetTemperature(ctx, addr, cmd.Temperature, mode)
	b.publishResult(raw, audit.ActionSetTemperature, err)
	b.record(audit.ActionSetTemperature, raw, err, map[string]any{
		"temperature": cmd.Temperature,
		"mode":        mode.String(),
	})
	return nil
}

func (b *Bridge) handleWakeup(topic string, payload []byte) error {
	raw, ok := transport.DeviceAddress(topic)
	if !ok {
		b.getLogger().Warn("wakeup command on malformed topic", "topic", topic)
		return nil
	}

	addr, err := moritz.ParseAddr(raw)
	if err != nil {
		b.publishResult(raw, audit.ActionWakeup, err)
		return nil
	}

	ctx, cancel := context.WithTimeout(b.ctx, b.cmdTimeout)
	defer cancel()

	err = b.driver.Wakeup(ctx, addr)
	b.publishResult(raw, audit.ActionWakeup, err)
	b.record(audit.ActionWakeup, raw, err, nil)
	return nil
}

func (b *Bridge) publishResult(addr, action string, cmdErr error) {
	result := commandResult{OK: cmdErr == nil, Action: action}
	if cmdErr != nil {
		result.Error = cmdErr.Error()
		b.commandsFailed.Add(1)
		b.getLogger().Warn("command failed", "action", action, "addr", addr, "error", cmdErr)
	} else {
		b.commandsOK.Add(1)
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := b.broker.Publish(b.broker.Topics().Result(addr), payload, b.qos, false); err != nil {
		b.publishErrors.Add(1)
		b.getLogger().Error("publish result failed", "addr", addr, "error", err)
	}
}

func (b *Bridge) record(action, addr string, cmdErr error, details map[string]any) {
	if b.auditLog == nil {
		return
	}
	if details == nil {
		details = map[string]any{}
	}
	details["ok"] = cmdErr == nil
	if cmdErr != nil {
		details["error"] = cmdErr.Error()
	}
	entry := &audit.Entry{
		Action:     action,
		TargetAddr: addr,
		Origin:     audit.OriginMQTT,
		Details:    details,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.auditLog.Record(ctx, entry); err != nil {
		b.getLogger().Warn("audit record failed", "action", action, "error", err)
	}
}

// pumpUpdates forwards every bus update to the broker: an event
// publish with the raw update, and a retained snapshot of the merged
// device state.
func (b *Bridge) pumpUpdates() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case u, ok := <-b.sub.Updates():
			if !ok {
				return
			}
			b.publishEvent(u)
			b.publishStatus(u.Addr)
		}
	}
}

func (b *Bridge) publishEvent(u bus.Update) {
	payload, err := json.Marshal(u)
	if err != nil {
		b.getLogger().Error("marshal update failed", "kind", u.Kind, "error", err)
		return
	}
	topic := b.broker.Topics().Event(string(u.Kind))
	if err := b.broker.Publish(topic, payload, b.qos, false); err != nil {
		b.publishErrors.Add(1)
		b.getLogger().Warn("publish event failed", "topic", topic, "error", err)
	}
}

func (b *Bridge) publishStatus(addr moritz.Addr) {
	dev, err := b.registry.Snapshot(addr)
	if err != nil {
		// Pairing events can race registry persistence; skip quietly.
		b.getLogger().Debug("no snapshot for status publish", "addr", addr.String())
		return
	}

	payload, err := json.Marshal(dev)
	if err != nil {
		b.getLogger().Error("marshal device failed", "addr", addr.String(), "error", err)
		return
	}
	topic := b.broker.Topics().Status(addr.String())
	if err := b.broker.Publish(topic, payload, b.qos, true); err != nil {
		b.publishErrors.Add(1)
		b.getLogger().Warn("publish status failed", "topic", topic, "error", err)
		return
	}
	b.statusPublished.Add(1)
}
