// Package device provides the device registry for maxculd.
//
// The registry is the catalogue of every MAX! radio device the gateway
// has paired (or is pairing) with, keyed by 24-bit radio address. It
// owns the last-known state of each device, merges decoded updates into
// it field by field, and persists everything to SQLite so pairings
// survive restarts.
//
// # Key Types
//
//   - Device: identity from pairing plus last reported State
//   - State: pointer-optional fields; nil means never reported
//   - Registry: in-memory cache over a Repository, thread-safe
//   - Repository: persistence interface (SQLiteRepository included)
//   - StateHistoryRepository: append-only log of applied updates with a
//     per-device row cap
//
// # Update Semantics
//
// ApplyUpdate is a partial merge: only the fields present in the update
// overwrite stored values, everything else keeps its prior value. A
// thermostat reporting just a measured temperature must not disturb the
// stored mode or desired temperature. This mirrors how the devices
// themselves report (most frames carry a subset of the full state).
//
// # Usage
//
//	repo := device.NewSQLiteRepository(db)
//	registry := device.NewRegistry(repo)
//	registry.SetLogger(log)
//
//	if err := registry.Load(ctx); err != nil {
//	    return err
//	}
//
//	dev, err := registry.AddDevice(ctx, addr, "Living Room Radiator")
//	...
//	changed, err := registry.ApplyUpdate(ctx, update)
//
// # Concurrency
//
// Reads come from an RWMutex-guarded cache and return deep copies.
// Mutations for the same address are serialized in arrival order by a
// per-address lock; different addresses proceed independently. The
// database write always lands before the cache swaps, so a failed write
// leaves both unchanged.
package device
