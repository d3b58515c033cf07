package telemetry

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/srg/fallwatch/internal/device"
)

// Window is an immutable, oldest-first snapshot of the most recent samples of
// one channel. Length never exceeds Capacity.
type Window struct {
	Channel  device.Channel
	Capacity int
	Samples  []device.Sample
}

// Len returns the number of samples in the window.
func (w Window) Len() int { return len(w.Samples) }

// Empty reports whether the window has no data yet.
func (w Window) Empty() bool { return len(w.Samples) == 0 }

// Latest returns the newest sample.
func (w Window) Latest() (device.Sample, bool) {
	if len(w.Samples) == 0 {
		return device.Sample{}, false
	}
	return w.Samples[len(w.Samples)-1], true
}

// Axis extracts value i of every sample, oldest first.
func (w Window) Axis(i int) []float64 {
	out := make([]float64, len(w.Samples))
	for k, s := range w.Samples {
		out[k] = s.Value(i)
	}
	return out
}

// Trim returns a window without the newest n samples.
func (w Window) Trim(n int) Window {
	if n <= 0 {
		return w
	}
	if n >= len(w.Samples) {
		return Window{Channel: w.Channel, Capacity: w.Capacity}
	}
	return Window{Channel: w.Channel, Capacity: w.Capacity, Samples: w.Samples[:len(w.Samples)-n]}
}

// ring is a fixed-capacity ring of samples with overwrite-oldest semantics.
// One writer and many readers may use it concurrently.
//
// session is the recording session the ring currently accepts; a push tagged
// with an older session lost the race with reset and is rejected. The scalar
// summary is written under the same lock so reset clears both together.
type ring struct {
	mu      sync.RWMutex
	channel device.Channel
	buf     []device.Sample
	start   int // index of the oldest sample
	n       int
	evicted uint64
	session uint64
	scalar  atomic.Uint64 // float64 bits; NaN means "no data yet"
}

func newRing(ch device.Channel, capacity int) *ring {
	if capacity <= 0 {
		panic("telemetry: window capacity must be > 0")
	}
	r := &ring{channel: ch, buf: make([]device.Sample, capacity)}
	r.scalar.Store(math.Float64bits(math.NaN()))
	return r
}

// push records s for session and reports whether it was accepted.
func (r *ring) push(s device.Sample, session uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if session != r.session {
		return false
	}
	if v, ok := derive(s); ok {
		r.scalar.Store(math.Float64bits(v))
	}

	capacity := len(r.buf)
	if r.n < capacity {
		r.buf[(r.start+r.n)%capacity] = s
		r.n++
		return true
	}
	// Full: overwrite the oldest slot and advance.
	r.buf[r.start] = s
	r.start = (r.start + 1) % capacity
	r.evicted++
	return true
}

func (r *ring) snapshot() Window {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w := Window{Channel: r.channel, Capacity: len(r.buf)}
	if r.n == 0 {
		return w
	}
	w.Samples = make([]device.Sample, r.n)
	for i := 0; i < r.n; i++ {
		w.Samples[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return w
}

// reset empties the ring and moves it to session.
func (r *ring) reset(session uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	clear(r.buf)
	r.start = 0
	r.n = 0
	// Concurrent Stop and Flush may reset out of order; never move back.
	if session > r.session {
		r.session = session
	}
	r.scalar.Store(math.Float64bits(math.NaN()))
}

func (r *ring) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.n
}
