package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/maxcul-core/internal/bus"
	"github.com/nerrad567/maxcul-core/internal/moritz"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry tracks every device known to the gateway. It keeps the full
// set in memory for lock-cheap reads and writes every mutation through
// to the repository, so paired devices survive restarts.
//
// Call Load once at startup; after that the cache is authoritative and
// read methods never touch the database.
//
// Mutations for the same address are serialized in arrival order by a
// per-address lock; different addresses proceed concurrently.
//
// All public methods are thread-safe.
type Registry struct {
	repo    Repository
	cache   map[moritz.Addr]*Device // last stored version per address
	cacheMu sync.RWMutex            // protects cache

	addrLocks  map[moritz.Addr]*sync.Mutex // serializes same-address mutations
	addrLockMu sync.Mutex

	logger Logger
}

// NewRegistry creates a new device registry.
// The repository is used for persistence; the registry adds caching.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:      repo,
		cache:     make(map[moritz.Addr]*Device),
		addrLocks: make(map[moritz.Addr]*sync.Mutex),
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// Load reads all devices from the repository into the cache.
// It must be called on startup before the registry serves reads.
func (r *Registry) Load(ctx context.Context) error {
	devices, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	r.cache = make(map[moritz.Addr]*Device, len(devices))
	for i := range devices {
		d := devices[i]
		r.cache[d.Addr] = d.DeepCopy()
	}

	r.logger.Info("device cache loaded", "count", len(devices))
	return nil
}

// AddDevice registers a device in the "pairing" state. Repeating an
// address is not an error: the existing device is returned unchanged.
// An empty name defaults to the hex address.
//
// Returns:
//   - *Device: a deep copy of the stored device
//   - error: ErrInvalidAddress / ErrInvalidName, or a repository error
func (r *Registry) AddDevice(ctx context.Context, addr moritz.Addr, name string) (*Device, error) {
	if err := validateAddr(addr); err != nil {
		return nil, err
	}
	if name == "" {
		name = addr.String()
	}
	if err := validateName(name); err != nil {
		return nil, err
	}

	lock := r.lockAddr(addr)
	lock.Lock()
	defer lock.Unlock()

	if existing, ok := r.cached(addr); ok {
		return existing.DeepCopy(), nil
	}

	now := time.Now().UTC()
	dev := &Device{
		Addr:      addr,
		Name:      name,
		PairState: PairStatePairing,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.repo.Create(ctx, dev); err != nil {
		if errors.Is(err, ErrDeviceExists) {
			// Row exists but the cache missed it (cold cache); adopt the
			// stored version.
			stored, getErr := r.repo.GetByAddr(ctx, addr)
			if getErr != nil {
				return nil, getErr
			}
			r.storeInCache(stored)
			return stored.DeepCopy(), nil
		}
		return nil, fmt.Errorf("creating device %s: %w", addr, err)
	}
	r.storeInCache(dev)

	r.logger.Info("device registered", "address", addr.String(), "name", name)
	return dev.DeepCopy(), nil
}

// SetPaired promotes a device to the "paired" state and records the
// identity it announced in its pair ping. Pairing counts as a sighting,
// so last-seen is bumped too.
//
// Returns:
//   - *Device: a deep copy of the updated device
//   - error: ErrDeviceNotFound, or a repository error
func (r *Registry) SetPaired(ctx context.Context, addr moritz.Addr, info PairInfo) (*Device, error) {
	lock := r.lockAddr(addr)
	lock.Lock()
	defer lock.Unlock()

	current, ok := r.cached(addr)
	if !ok {
		return nil, ErrDeviceNotFound
	}

	updated := current.DeepCopy()
	updated.PairState = PairStatePaired
	updated.Type = info.Type
	updated.Firmware = info.Firmware
	if info.Serial != "" {
		updated.Serial = info.Serial
	}
	now := time.Now().UTC()
	updated.LastSeen = &now
	updated.UpdatedAt = now

	if err := r.repo.Update(ctx, updated); err != nil {
		return nil, fmt.Errorf("pairing device %s: %w", addr, err)
	}
	r.storeInCache(updated)

	r.logger.Info("device paired",
		"address", addr.String(),
		"type", info.Type.String(),
		"serial", info.Serial,
		"firmware", info.Firmware,
	)
	return updated.DeepCopy(), nil
}

// UpdateInfo applies an operator edit to device metadata. Nil fields in
// the update are left unchanged.
//
// Returns:
//   - *Device: a deep copy of the updated device
//   - error: ErrDeviceNotFound / ErrInvalidName, or a repository error
func (r *Registry) UpdateInfo(ctx context.Context, addr moritz.Addr, upd InfoUpdate) (*Device, error) {
	if upd.Name != nil {
		if err := validateName(*upd.Name); err != nil {
			return nil, err
		}
	}

	lock := r.lockAddr(addr)
	lock.Lock()
	defer lock.Unlock()

	current, ok := r.cached(addr)
	if !ok {
		return nil, ErrDeviceNotFound
	}

	updated := current.DeepCopy()
	if upd.Name != nil {
		updated.Name = *upd.Name
	}
	if upd.RoomID != nil {
		updated.RoomID = *upd.RoomID
	}
	updated.UpdatedAt = time.Now().UTC()

	if err := r.repo.Update(ctx, updated); err != nil {
		return nil, fmt.Errorf("updating device %s: %w", addr, err)
	}
	r.storeInCache(updated)

	r.logger.Debug("device info updated", "address", addr.String())
	return updated.DeepCopy(), nil
}

// ApplyUpdate merges a decoded update into the stored device snapshot.
// Only the fields present in the update are overwritten; everything
// else keeps its prior value. Last-seen is bumped whether or not any
// field changed, and the result is persisted before the cache swaps.
//
// Returns:
//   - bool: whether any state field actually changed value
//   - error: ErrDeviceNotFound for unregistered addresses, or a
//     repository error (in which case nothing was mutated)
func (r *Registry) ApplyUpdate(ctx context.Context, u bus.Update) (bool, error) {
	lock := r.lockAddr(u.Addr)
	lock.Lock()
	defer lock.Unlock()

	current, ok := r.cached(u.Addr)
	if !ok {
		return false, ErrDeviceNotFound
	}

	updated := current.DeepCopy()
	st := &updated.State

	changed := false
	if mergeMode(&st.Mode, u.Mode) {
		changed = true
	}
	if mergeFloat(&st.DesiredTemp, u.DesiredTemp) {
		changed = true
	}
	if mergeFloat(&st.MeasuredTemp, u.MeasuredTemp) {
		changed = true
	}
	if mergeBool(&st.BatteryLow, u.BatteryLow) {
		changed = true
	}
	if mergeBool(&st.RFError, u.RFError) {
		changed = true
	}
	if mergeBool(&st.PanelLocked, u.PanelLocked) {
		changed = true
	}
	if mergeBool(&st.ContactOpen, u.ContactOpen) {
		changed = true
	}
	if mergeBool(&st.ButtonPressed, u.ButtonPressed) {
		changed = true
	}
	if mergeFloat(&st.RSSI, u.RSSI) {
		changed = true
	}

	seen := u.At.UTC()
	if u.At.IsZero() {
		seen = time.Now().UTC()
	}
	updated.LastSeen = &seen
	updated.UpdatedAt = time.Now().UTC()

	if err := r.repo.UpdateState(ctx, updated); err != nil {
		return false, fmt.Errorf("persisting state for %s: %w", u.Addr, err)
	}
	r.storeInCache(updated)

	r.logger.Debug("device state updated",
		"address", u.Addr.String(),
		"kind", string(u.Kind),
		"changed", changed,
	)
	return changed, nil
}

// Snapshot retrieves a device by address.
// Returns ErrDeviceNotFound if the device does not exist.
// The returned device is a deep copy; callers can safely modify it.
func (r *Registry) Snapshot(addr moritz.Addr) (*Device, error) {
	current, ok := r.cached(addr)
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return current.DeepCopy(), nil
}

// List returns all devices sorted by address.
// The returned devices are deep copies; callers can safely modify them.
func (r *Registry) List() []Device {
	r.cacheMu.RLock()
	devices := make([]Device, 0, len(r.cache))
	for _, d := range r.cache {
		devices = append(devices, *d.DeepCopy())
	}
	r.cacheMu.RUnlock()

	sort.Slice(devices, func(i, j int) bool {
		return devices[i].Addr < devices[j].Addr
	})
	return devices
}

// ListByRoom returns all devices assigned to the given room, sorted by
// address. The returned devices are deep copies.
func (r *Registry) ListByRoom(room uint8) []Device {
	r.cacheMu.RLock()
	devices := make([]Device, 0, len(r.cache))
	for _, d := range r.cache {
		if d.RoomID == room {
			devices = append(devices, *d.DeepCopy())
		}
	}
	r.cacheMu.RUnlock()

	sort.Slice(devices, func(i, j int) bool {
		return devices[i].Addr < devices[j].Addr
	})
	return devices
}

// Known reports whether an address is registered, in any pair state.
func (r *Registry) Known(addr moritz.Addr) bool {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	_, ok := r.cache[addr]
	return ok
}

// Count returns the number of registered devices.
func (r *Registry) Count() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}

// Stats summarizes the registry for diagnostics.
type Stats struct {
	Total   int            `json:"total"`
	Paired  int            `json:"paired"`
	Pairing int            `json:"pairing"`
	ByType  map[string]int `json:"by_type"`
}

// GetStats returns registry counts by pair state and device type.
func (r *Registry) GetStats() Stats {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	stats := Stats{
		Total:  len(r.cache),
		ByType: make(map[string]int),
	}
	for _, d := range r.cache {
		switch d.PairState {
		case PairStatePaired:
			stats.Paired++
		case PairStatePairing:
			stats.Pairing++
		}
		stats.ByType[d.Type.String()]++
	}
	return stats
}

// cached returns the stored device for an address. Callers must not
// mutate the result; deep copy before any edit.
func (r *Registry) cached(addr moritz.Addr) (*Device, bool) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	d, ok := r.cache[addr]
	return d, ok
}

// storeInCache replaces the cached version of a device with a deep copy.
func (r *Registry) storeInCache(d *Device) {
	r.cacheMu.Lock()
	r.cache[d.Addr] = d.DeepCopy()
	r.cacheMu.Unlock()
}

// lockAddr returns the mutex serializing mutations for one address,
// creating it on first use. Lock instances are never removed; the set of
// addresses a gateway ever sees is small.
func (r *Registry) lockAddr(addr moritz.Addr) *sync.Mutex {
	r.addrLockMu.Lock()
	defer r.addrLockMu.Unlock()
	m, ok := r.addrLocks[addr]
	if !ok {
		m = &sync.Mutex{}
		r.addrLocks[addr] = m
	}
	return m
}
