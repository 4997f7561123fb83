// Package ringchan provides a bounded channel with overwrite-oldest
// semantics for fanning live telemetry out to consumers of uneven speed.
package ringchan

import "sync/atomic"

// Ring is a bounded channel-like buffer with overwrite-oldest semantics.
//
// It wraps an underlying buffered channel and ensures producers never block
// on a slow consumer: if the buffer is full, the oldest element is discarded
// and the consumer sees only the freshest values.
//
// # Example
//
//	rc := ringchan.New[int](3)
//
//	// Writer: always succeeds, drops oldest if full.
//	for i := 0; i < 10; i++ {
//	    rc.Send(i)
//	}
//	rc.Close()
//
//	// Reader: acts like a normal Go channel.
//	for v := range rc.C() {
//	    fmt.Println("got:", v)
//	}
//
// In the example above, only the last 3 values are printed because earlier
// ones were overwritten.
//
// Writers use Send, TrySend, or ForceSend. Readers can use C() for a plain
// <-chan T, or Receive()/TryReceive() for stats tracking.
type Ring[T any] struct {
	ch    chan T
	stats Stats // lock-free counters
}

// New creates a Ring with the given capacity.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &Ring[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel.
// Consumers can range over this until it's closed.
//
// WARNING: Reading from the returned channel bypasses stats tracking.
// The Consumed counter will NOT be incremented for reads via C().
// Use Receive() or TryReceive() if you need stats tracking.
func (rc *Ring[T]) C() <-chan T {
	return rc.ch
}

// Send inserts an item. If the buffer is full, it discards the oldest.
// This call always succeeds and never blocks indefinitely.
//
// The drop-oldest receive must stay non-blocking: a concurrent Receive can
// drain the ring between the failed enqueue and the drop, and a bare <-rc.ch
// would then wait forever with no other sender to wake it.
func (rc *Ring[T]) Send(v T) {
	select {
	case rc.ch <- v:
		rc.stats.addPublished(1)
	default:
		select {
		case <-rc.ch: // drop oldest
			rc.stats.addDropped(1)
		default: // a receiver already freed the slot
		}
		rc.ch <- v
		rc.stats.addPublished(1)
	}
}

// TrySend attempts to insert without blocking.
// Returns true if successful, false if the buffer is full.
func (rc *Ring[T]) TrySend(v T) bool {
	select {
	case rc.ch <- v:
		rc.stats.addPublished(1)
		return true
	default:
		return false
	}
}

// ForceSend always succeeds immediately, discarding the oldest if needed.
// It never blocks. The result reports whether an element was dropped.
func (rc *Ring[T]) ForceSend(v T) bool {
	dropped := false

	select {
	case rc.ch <- v:
		rc.stats.addPublished(1)
	default:
		select {
		case <-rc.ch: // drop oldest
			rc.stats.addDropped(1)
			dropped = true
		default:
		}
		rc.ch <- v
		rc.stats.addPublished(1)
	}

	return dropped
}

// Receive blocks until a value is available or the channel is closed.
// The ok result is false if the channel is closed.
func (rc *Ring[T]) Receive() (v T, ok bool) {
	v, ok = <-rc.ch
	if ok {
		rc.stats.addConsumed(1)
	}
	return
}

// TryReceive attempts a non-blocking receive.
// Returns (zero, false) if no value is ready.
func (rc *Ring[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-rc.ch:
		if ok {
			rc.stats.addConsumed(1)
		}
		return
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of buffered elements.
func (rc *Ring[T]) Len() int {
	return len(rc.ch)
}

// Cap returns the channel capacity.
func (rc *Ring[T]) Cap() int {
	return cap(rc.ch)
}

// Close closes the underlying channel. After this, Send/ForceSend panics.
func (rc *Ring[T]) Close() {
	close(rc.ch)
}

// GetStats returns a snapshot of the current counters.
// All reads are atomic and thread-safe.
//
// Note: the Consumed counter is only incremented by Receive() and
// TryReceive(). Reads via C() bypass stats and will not be counted.
func (rc *Ring[T]) GetStats() Stats {
	return Stats{
		Published: atomic.LoadInt64(&rc.stats.Published),
		Dropped:   atomic.LoadInt64(&rc.stats.Dropped),
		Consumed:  atomic.LoadInt64(&rc.stats.Consumed),
	}
}

// Stats provides lock-free counters for a Ring.
//
// All fields use atomic operations for thread-safe access.
type Stats struct {
	Published int64
	Dropped   int64
	Consumed  int64
}

func (s *Stats) addPublished(n int) {
	atomic.AddInt64(&s.Published, int64(n))
}

func (s *Stats) addDropped(n int) {
	atomic.AddInt64(&s.Dropped, int64(n))
}

func (s *Stats) addConsumed(n int) {
	atomic.AddInt64(&s.Consumed, int64(n))
}
