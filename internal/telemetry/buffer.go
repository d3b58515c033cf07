package telemetry

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/fallwatch/internal/device"
)

// Capacities maps each channel to its window size in samples.
type Capacities map[device.Channel]int

// Metrics provides lock-free counters for a Buffer.
type Metrics struct {
	Pushed  int64
	Dropped int64 // pushes ignored while stopped or overtaken by a Stop
}

// Buffer holds one sliding window per channel plus derived scalars.
//
// The set of channels is fixed at construction, so the window map itself is
// never written after New returns and channels need no joint locking. Each
// window is guarded by its own lock.
type Buffer struct {
	windows map[device.Channel]*ring
	active  atomic.Bool
	session atomic.Uint64 // bumped by Stop and Flush so in-flight pushes cannot outlive the clear
	metrics Metrics
	logger  *logrus.Logger
}

// New creates a Buffer with the given per-channel capacities. The buffer starts
// stopped; call Start to begin accepting samples.
func New(capacities Capacities, logger *logrus.Logger) (*Buffer, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if len(capacities) == 0 {
		return nil, fmt.Errorf("at least one channel capacity is required")
	}

	b := &Buffer{
		windows: make(map[device.Channel]*ring, len(capacities)),
		logger:  logger,
	}
	for ch, capacity := range capacities {
		if !ch.Valid() {
			return nil, fmt.Errorf("%w: %d", device.ErrUnknownChannel, int(ch))
		}
		if capacity <= 0 {
			return nil, fmt.Errorf("window capacity for %s must be > 0, got %d", ch, capacity)
		}
		b.windows[ch] = newRing(ch, capacity)
	}
	return b, nil
}

// Start begins a detection session: subsequent pushes are recorded.
func (b *Buffer) Start() {
	if b.active.CompareAndSwap(false, true) {
		b.logger.Debug("Telemetry buffer started")
	}
}

// Stop ends the detection session, clears every window and scalar and ignores
// further pushes until Start is called again.
func (b *Buffer) Stop() {
	if !b.active.CompareAndSwap(true, false) {
		return
	}
	session := b.session.Add(1)
	for _, r := range b.windows {
		r.reset(session)
	}
	b.logger.Debug("Telemetry buffer stopped and cleared")
}

// Flush clears every window and scalar of a running session and keeps
// recording. It is a no-op while stopped.
func (b *Buffer) Flush() {
	if !b.active.Load() {
		return
	}
	session := b.session.Add(1)
	for _, r := range b.windows {
		r.reset(session)
	}
	b.logger.Debug("Telemetry buffer flushed")
}

// Active reports whether the buffer is recording.
func (b *Buffer) Active() bool { return b.active.Load() }

// Push appends a sample to its channel window, evicting the oldest sample when
// the window is full. Safe to call concurrently with readers.
func (b *Buffer) Push(s device.Sample) error {
	r, ok := b.windows[s.Channel]
	if !ok {
		return fmt.Errorf("%w: %s", device.ErrUnknownChannel, s.Channel)
	}
	// Read the session before the active flag: a Stop landing in between
	// moves the ring on and the push is rejected under its lock.
	session := b.session.Load()
	if !b.active.Load() || !r.push(s, session) {
		atomic.AddInt64(&b.metrics.Dropped, 1)
		return nil
	}
	atomic.AddInt64(&b.metrics.Pushed, 1)
	return nil
}

// LatestWindow returns a snapshot of the channel window. The snapshot never
// aliases buffer storage. Unknown channels yield an empty window.
func (b *Buffer) LatestWindow(ch device.Channel) Window {
	r, ok := b.windows[ch]
	if !ok {
		return Window{Channel: ch}
	}
	return r.snapshot()
}

// Windows returns snapshots of the requested channels (all channels when none
// are given).
func (b *Buffer) Windows(chs ...device.Channel) map[device.Channel]Window {
	if len(chs) == 0 {
		chs = b.Channels()
	}
	out := make(map[device.Channel]Window, len(chs))
	for _, ch := range chs {
		out[ch] = b.LatestWindow(ch)
	}
	return out
}

// Len returns the number of samples currently held for ch.
func (b *Buffer) Len(ch device.Channel) int {
	r, ok := b.windows[ch]
	if !ok {
		return 0
	}
	return r.len()
}

// Channels returns the buffered channels in canonical order.
func (b *Buffer) Channels() []device.Channel {
	out := make([]device.Channel, 0, len(b.windows))
	for _, ch := range device.Channels {
		if _, ok := b.windows[ch]; ok {
			out = append(out, ch)
		}
	}
	return out
}

// DerivedScalar returns the scalar summary of a channel: heart rate (bpm) for
// HeartRate and percent for Battery. ok is false before the first sample and
// for channels without a scalar summary.
func (b *Buffer) DerivedScalar(ch device.Channel) (float64, bool) {
	r, ok := b.windows[ch]
	if !ok {
		return 0, false
	}
	v := math.Float64frombits(r.scalar.Load())
	if math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// Evicted returns how many samples were overwritten in the channel window.
func (b *Buffer) Evicted(ch device.Channel) uint64 {
	r, ok := b.windows[ch]
	if !ok {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.evicted
}

// GetMetrics returns a snapshot of the buffer counters.
func (b *Buffer) GetMetrics() Metrics {
	return Metrics{
		Pushed:  atomic.LoadInt64(&b.metrics.Pushed),
		Dropped: atomic.LoadInt64(&b.metrics.Dropped),
	}
}

func derive(s device.Sample) (float64, bool) {
	switch s.Channel {
	case device.HeartRate, device.Battery:
		if len(s.Values) == 0 {
			return 0, false
		}
		return s.Values[0], true
	default:
		return 0, false
	}
}
