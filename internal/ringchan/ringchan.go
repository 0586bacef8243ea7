// Package ringchan provides a bounded channel that never blocks its producer.
package ringchan

import (
	"sync"
	"sync/atomic"
)

// RingChannel is a buffered channel with overwrite-oldest semantics.
//
// Producers (BLE callbacks, the port store) must never stall on a slow
// consumer, so when the buffer is full the oldest element is discarded
// and the new one is queued. Consumers read from C() like any channel.
//
//	rc := ringchan.New[protocol.Message](64)
//	rc.Send(msg)
//	for m := range rc.C() { ... }
type RingChannel[T any] struct {
	mu      sync.Mutex // serializes producers so drop-then-send is atomic
	ch      chan T
	closed  bool
	metrics Metrics
}

// New creates a RingChannel holding up to capacity elements.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the receive side of the channel.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send queues v, dropping the oldest element if the buffer is full.
// It reports whether an element was dropped. Sending on a closed
// RingChannel is a no-op.
func (rc *RingChannel[T]) Send(v T) (dropped bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		return false
	}

	for {
		select {
		case rc.ch <- v:
			atomic.AddInt64(&rc.metrics.Written, 1)
			return dropped
		default:
		}

		select {
		case <-rc.ch:
			atomic.AddInt64(&rc.metrics.Overwritten, 1)
			dropped = true
		default:
		}
	}
}

// TrySend queues v only if there is room.
func (rc *RingChannel[T]) TrySend(v T) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		return false
	}

	select {
	case rc.ch <- v:
		atomic.AddInt64(&rc.metrics.Written, 1)
		return true
	default:
		return false
	}
}

// Len returns the number of queued elements.
func (rc *RingChannel[T]) Len() int { return len(rc.ch) }

// Cap returns the buffer capacity.
func (rc *RingChannel[T]) Cap() int { return cap(rc.ch) }

// Close closes the channel so ranging consumers terminate. Safe to call more than once.
func (rc *RingChannel[T]) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if !rc.closed {
		rc.closed = true
		close(rc.ch)
	}
}

// Metrics returns a snapshot of the producer counters.
func (rc *RingChannel[T]) Metrics() Metrics {
	return Metrics{
		Written:     atomic.LoadInt64(&rc.metrics.Written),
		Overwritten: atomic.LoadInt64(&rc.metrics.Overwritten),
	}
}

// Metrics counts elements queued and elements lost to overwrite.
type Metrics struct {
	Written     int64
	Overwritten int64
}
