package event

import (
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is the per-subscription buffer used when Subscribe is
// called with a non-positive size.
const DefaultBufferSize = 256

// Bus is an in-process broadcast bus with lossy fan-out. Publish delivers
// to every live subscription with a non-blocking send; a subscription whose
// buffer is full loses the event and its dropped counter advances.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}

	totalPublished atomic.Int64
	totalDropped   atomic.Int64

	closed atomic.Bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a new subscription with the given buffer size.
// Subscribing to a closed bus returns an already-closed subscription.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}

	sub := &Subscription{ch: make(chan Event, buffer)}
	if b.closed.Load() {
		sub.close()
		return sub
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return sub
}

// Unsubscribe removes the subscription and closes its channel.
// Safe to call for subscriptions already removed.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()

	sub.close()
}

// Publish fans evt out to all subscriptions without blocking.
func (b *Bus) Publish(evt Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		if sub.send(evt) {
			b.totalPublished.Add(1)
		} else {
			b.totalDropped.Add(1)
		}
	}
}

// Close shuts the bus down and closes every subscription channel.
// Safe to call multiple times; Publish after Close is a no-op.
func (b *Bus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		sub.close()
		delete(b.subs, sub)
	}
}

// Stats returns bus counters.
func (b *Bus) Stats() BusStats {
	b.mu.RLock()
	count := len(b.subs)
	b.mu.RUnlock()

	return BusStats{
		Subscriptions:  count,
		TotalPublished: b.totalPublished.Load(),
		TotalDropped:   b.totalDropped.Load(),
	}
}

// BusStats contains bus metrics.
type BusStats struct {
	Subscriptions  int   `json:"subscriptions"`
	TotalPublished int64 `json:"total_published"`
	TotalDropped   int64 `json:"total_dropped"`
}

// Subscription is one receiver on the bus.
type Subscription struct {
	ch chan Event

	dropped atomic.Int64
	closed  atomic.Bool
}

// C returns the read-only event channel. It is closed when the
// subscription is removed or the bus shuts down.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped returns how many events this subscription has lost to a full
// buffer.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// send attempts a non-blocking delivery. Returns false when the event was
// dropped (closed subscription or full buffer).
func (s *Subscription) send(evt Event) bool {
	if s.closed.Load() {
		return false
	}

	select {
	case s.ch <- evt:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// close closes the channel. Safe to call multiple times.
func (s *Subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}
