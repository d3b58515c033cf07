package session

import "sync/atomic"

// RingChannel is a bounded channel with overwrite-oldest semantics. Producers
// never block: when the buffer is full the oldest element is discarded.
//
// Send is safe for a single producer at a time; the session serializes its
// publishers under its own mutex.
type RingChannel[T any] struct {
	ch          chan T
	written     atomic.Int64
	overwritten atomic.Int64
}

// NewRingChannel creates a RingChannel with the given capacity.
func NewRingChannel[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the receive side. It is closed by Close.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts v, discarding the oldest element if the buffer is full. It
// reports whether an element was dropped.
func (rc *RingChannel[T]) Send(v T) bool {
	dropped := false
	select {
	case rc.ch <- v:
	default:
		select {
		case <-rc.ch:
			rc.overwritten.Add(1)
			dropped = true
		default:
		}
		rc.ch <- v
	}
	rc.written.Add(1)
	return dropped
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int { return len(rc.ch) }

// Close closes the channel. Send must not be called afterwards.
func (rc *RingChannel[T]) Close() { close(rc.ch) }

// Written returns how many elements were sent.
func (rc *RingChannel[T]) Written() int64 { return rc.written.Load() }

// Overwritten returns how many elements were dropped unread.
func (rc *RingChannel[T]) Overwritten() int64 { return rc.overwritten.Load() }
