// Package bus provides the dispatch bus that fans decoded radio updates
// out to subscribers.
//
// The receive path decodes frames far faster than a slow subscriber may
// drain them, so delivery is decoupled through a bounded per-subscriber
// queue: Publish never blocks, and when a queue is full the oldest queued
// update is dropped, counted, and logged. Updates for one device arrive
// in publish order; ordering across subscribers is unspecified.
//
// # Key Types
//
//   - Update: immutable snapshot of one decoded device report; pointer
//     fields carry only what the frame contained
//   - Bus: the fan-out point, safe for concurrent use
//   - Subscription: one subscriber's bounded queue and filter
//
// # Usage
//
//	b := bus.New(0) // default queue capacity
//	b.SetLogger(log)
//
//	sub := b.Subscribe(addr) // or b.SubscribeAll()
//	defer sub.Close()
//
//	for u := range sub.Updates() {
//	    // react to u
//	}
package bus
