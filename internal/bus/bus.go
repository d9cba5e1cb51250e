package bus

import (
	"sync"
	"sync/atomic"

	"github.com/nerrad567/maxcul-core/internal/moritz"
)

// DefaultQueueSize is the per-subscriber queue capacity used when New is
// given a non-positive capacity.
const DefaultQueueSize = 64

// Logger defines the logging interface used by the Bus.
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

// Bus fans updates out to subscribers through bounded per-subscriber
// queues. Publish never blocks: a full queue sheds its oldest update so
// the receive path stays live no matter how slow a subscriber is.
//
// Lock discipline: subscriber channels are closed only under the write
// lock, and Publish delivers under the read lock. Delivery is always
// non-blocking, so the read lock is held only briefly, and a send can
// never race a close.
//
// All methods are safe for concurrent use.
type Bus struct {
	mu       sync.RWMutex
	subs     map[*Subscription]struct{}
	capacity int
	closed   bool
	logger   Logger
}

// Subscription is one subscriber's view of the bus: a filter plus a
// bounded update queue. Obtain one via Subscribe or SubscribeAll and
// release it with Close (or Bus.Unsubscribe); both are idempotent.
type Subscription struct {
	bus     *Bus
	addr    moritz.Addr
	all     bool
	ch      chan Update
	enqueMu sync.Mutex
	dropped atomic.Uint64
}

// New creates a bus whose subscribers each buffer up to capacity updates.
// A non-positive capacity selects DefaultQueueSize.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &Bus{
		subs:     make(map[*Subscription]struct{}),
		capacity: capacity,
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for the bus.
func (b *Bus) SetLogger(logger Logger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = logger
}

// Subscribe registers a subscriber that receives only updates for the
// given device address.
func (b *Bus) Subscribe(addr moritz.Addr) *Subscription {
	return b.add(&Subscription{addr: addr})
}

// SubscribeAll registers a subscriber that receives every update.
func (b *Bus) SubscribeAll() *Subscription {
	return b.add(&Subscription{all: true})
}

func (b *Bus) add(sub *Subscription) *Subscription {
	sub.bus = b
	sub.ch = make(chan Update, b.capacity)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		// Late subscribers get an already-drained view instead of a
		// handle that would never close.
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes a subscription and closes its channel. Calling it
// again, or with nil, is a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// Publish delivers the update to every matching subscriber. It never
// blocks; see Subscription for the overflow policy. Publishing on a
// closed bus is a no-op.
func (b *Bus) Publish(u Update) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		if sub.matches(u) {
			sub.enqueue(u, b.logger)
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close shuts the bus down and closes every subscriber channel. Further
// publishes and subscriptions are no-ops. Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
}

// Updates returns the subscriber's receive channel. The channel is
// closed by Close, Unsubscribe, or Bus.Close.
func (s *Subscription) Updates() <-chan Update {
	return s.ch
}

// Close releases the subscription. Idempotent.
func (s *Subscription) Close() {
	if s.bus != nil {
		s.bus.Unsubscribe(s)
	}
}

// Dropped reports how many updates this subscriber has lost to queue
// overflow since it subscribed.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) matches(u Update) bool {
	return s.all || s.addr == u.Addr
}

// enqueue adds the update to the queue, shedding the oldest queued
// update when full. The per-subscription mutex keeps concurrent
// publishers from interleaving their drop-and-send pairs, which would
// break per-device FIFO order.
func (s *Subscription) enqueue(u Update, logger Logger) {
	s.enqueMu.Lock()
	defer s.enqueMu.Unlock()

	for {
		select {
		case s.ch <- u:
			return
		default:
		}

		select {
		case old := <-s.ch:
			total := s.dropped.Add(1)
			logger.Warn("subscriber queue overflow, dropped oldest update",
				"address", old.Addr.String(),
				"kind", old.Kind,
				"total_dropped", total,
			)
		default:
			// Consumer drained the queue between the two selects; retry
			// the send.
		}
	}
}
