// Package link owns the connection to the chest strap. It runs the
// Disconnected/Searching/Connected/Retry state machine, manages per-channel
// subscriptions and watches every enabled stream for silence.
//
// Commands (AutoConnect, DisconnectFromDevice, SetChannel and the toggles) are
// serialized; the search, link monitor, pump and watchdog goroutines commit
// their results through the same serialization so a stale search can never
// overwrite a newer state.
package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/fallwatch/internal/device"
)

// ErrInvalidTransition is returned by commands issued from a state that does
// not accept them.
var ErrInvalidTransition = errors.New("invalid link transition")

// Sink receives every sample delivered by the strap.
type Sink interface {
	Push(device.Sample) error
}

// Config controls discovery and stream supervision.
type Config struct {
	PreferredID      string                           // empty accepts the first compatible strap
	SearchTimeout    time.Duration                    // total time spent searching before Retry
	PollInterval     time.Duration                    // duration of one discovery attempt
	StreamTimeouts   map[device.Channel]time.Duration // zero or missing: channel not watched
	WatchdogInterval time.Duration
	QueueSize        uint32
	InitialChannels  []device.Channel // channels enabled at construction
}

// DefaultConfig returns the timings used by the strap application.
func DefaultConfig() Config {
	return Config{
		SearchTimeout: 10 * time.Second,
		PollInterval:  2 * time.Second,
		StreamTimeouts: map[device.Channel]time.Duration{
			device.ECG:           5 * time.Second,
			device.Accelerometer: 5 * time.Second,
			device.HeartRate:     5 * time.Second,
		},
		WatchdogInterval: time.Second,
		QueueSize:        4096,
		InitialChannels:  []device.Channel{device.HeartRate, device.Battery},
	}
}

// Metrics provides lock-free counters for the ingest path.
type Metrics struct {
	SamplesQueued      uint64
	SamplesOverwritten uint64
	SinkErrors         uint64
	StreamFailures     uint64
}

type channelStatus struct {
	state    device.ChannelState
	lastSeen atomic.Int64 // unix nanos of the last sample or of the subscription
}

// Link is the device link. The zero value is not usable; create one with New.
type Link struct {
	cfg    Config
	periph device.Peripheral
	sink   Sink
	logger *logrus.Logger

	opMu sync.Mutex // serializes commands and asynchronous commits

	mu       sync.RWMutex // guards the fields below for readers
	state    device.ConnectionState
	channels map[device.Channel]*channelStatus

	searchGen    uint64
	searchCancel context.CancelFunc
	connGen      uint64
	monitorStop  context.CancelFunc

	onConnectionChange func(device.ConnectionState)
	onChannelChange    func(device.Channel, device.ChannelState)

	queue   mpmc.RichOverlappedRingBuffer[device.Sample]
	wake    chan struct{}
	metrics Metrics
	now     func() time.Time
}

// New creates a link in the Disconnected state.
func New(cfg Config, periph device.Peripheral, sink Sink, logger *logrus.Logger) (*Link, error) {
	if periph == nil {
		return nil, fmt.Errorf("peripheral cannot be nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("sample sink cannot be nil")
	}
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.SearchTimeout <= 0 || cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("search timeout and poll interval must be > 0")
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = time.Second
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}

	l := &Link{
		cfg:      cfg,
		periph:   periph,
		sink:     sink,
		logger:   logger,
		state:    device.Disconnected(),
		channels: make(map[device.Channel]*channelStatus, len(device.Channels)),
		queue:    mpmc.NewOverlappedRingBuffer[device.Sample](cfg.QueueSize),
		wake:     make(chan struct{}, 1),
		now:      time.Now,
	}
	for _, ch := range device.Channels {
		l.channels[ch] = &channelStatus{state: device.Disabled}
	}
	for _, ch := range cfg.InitialChannels {
		if st, ok := l.channels[ch]; ok {
			st.state = device.Enabled
		}
	}
	return l, nil
}

// OnConnectionChange registers a hook invoked after every connection state
// transition. Hooks run synchronously and must not call back into the Link.
func (l *Link) OnConnectionChange(fn func(device.ConnectionState)) {
	l.opMu.Lock()
	defer l.opMu.Unlock()
	l.onConnectionChange = fn
}

// OnChannelChange registers a hook invoked after every channel state change.
func (l *Link) OnChannelChange(fn func(device.Channel, device.ChannelState)) {
	l.opMu.Lock()
	defer l.opMu.Unlock()
	l.onChannelChange = fn
}

// State returns the current connection state.
func (l *Link) State() device.ConnectionState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// ChannelState returns the current state of ch.
func (l *Link) ChannelState(ch device.Channel) device.ChannelState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if st, ok := l.channels[ch]; ok {
		return st.state
	}
	return device.Disabled
}

// ChannelStates returns a copy of every channel state.
func (l *Link) ChannelStates() map[device.Channel]device.ChannelState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[device.Channel]device.ChannelState, len(l.channels))
	for ch, st := range l.channels {
		out[ch] = st.state
	}
	return out
}

// GetMetrics returns a snapshot of the ingest counters.
func (l *Link) GetMetrics() Metrics {
	return Metrics{
		SamplesQueued:      atomic.LoadUint64(&l.metrics.SamplesQueued),
		SamplesOverwritten: atomic.LoadUint64(&l.metrics.SamplesOverwritten),
		SinkErrors:         atomic.LoadUint64(&l.metrics.SinkErrors),
		StreamFailures:     atomic.LoadUint64(&l.metrics.StreamFailures),
	}
}

// AutoConnect starts searching for the strap. Valid from Disconnected or
// Retry. The search runs in the background and ends in Connected, in Retry
// when the search timeout elapses, or silently when DisconnectFromDevice
// cancels it or ctx ends.
func (l *Link) AutoConnect(ctx context.Context) error {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	cur := l.State()
	if cur.Phase != device.PhaseDisconnected && cur.Phase != device.PhaseRetry {
		return fmt.Errorf("%w: auto-connect while %s", ErrInvalidTransition, cur)
	}

	searchCtx, cancel := context.WithCancel(ctx)
	l.searchGen++
	l.searchCancel = cancel
	gen := l.searchGen

	l.setStateLocked(device.Searching())
	l.startSearch(searchCtx, gen)
	return nil
}

// DisconnectFromDevice tears down the link. Valid from Connected; it also
// cancels a search in progress. Both end in Disconnected.
func (l *Link) DisconnectFromDevice() error {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	cur := l.State()
	switch cur.Phase {
	case device.PhaseSearching:
		l.cancelSearchLocked()
		l.setStateLocked(device.Disconnected())
		l.logger.Info("Search cancelled")
		return nil
	case device.PhaseConnected:
		l.connGen++
		if l.monitorStop != nil {
			l.monitorStop()
			l.monitorStop = nil
		}
		if err := l.periph.Disconnect(); err != nil {
			l.logger.WithError(err).Warn("Peripheral reported an error while disconnecting")
		}
		l.setStateLocked(device.Disconnected())
		l.logger.WithField("device_id", cur.DeviceID).Info("Disconnected from device")
		return nil
	default:
		return fmt.Errorf("%w: disconnect while %s", ErrInvalidTransition, cur)
	}
}

// EcgToggle flips the ECG stream.
func (l *Link) EcgToggle() error { return l.Toggle(device.ECG) }

// AccToggle flips the accelerometer stream.
func (l *Link) AccToggle() error { return l.Toggle(device.Accelerometer) }

// Toggle flips ch: Disabled becomes Enabled, Enabled becomes Disabled and
// Failed is restarted as Enabled.
func (l *Link) Toggle(ch device.Channel) error {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	cur, err := l.channelStateChecked(ch)
	if err != nil {
		return err
	}
	return l.setChannelLocked(ch, cur != device.Enabled)
}

// SetChannel enables or disables ch. It is a no-op when ch is already in the
// requested state; a Failed channel counts as enabled-but-failed and is
// restarted by enabled=true.
func (l *Link) SetChannel(ch device.Channel, enabled bool) error {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	if _, err := l.channelStateChecked(ch); err != nil {
		return err
	}
	return l.setChannelLocked(ch, enabled)
}

func (l *Link) channelStateChecked(ch device.Channel) (device.ChannelState, error) {
	if !ch.Valid() {
		return device.Disabled, fmt.Errorf("%w: %s", device.ErrUnknownChannel, ch)
	}
	return l.ChannelState(ch), nil
}

// setChannelLocked must be called with opMu held.
func (l *Link) setChannelLocked(ch device.Channel, enabled bool) error {
	cur := l.ChannelState(ch)
	connected := l.State().IsConnected()

	if !enabled {
		if cur == device.Disabled {
			return nil
		}
		if connected && cur == device.Enabled {
			if err := l.periph.Unsubscribe(ch); err != nil {
				l.logger.WithError(err).WithField("channel", ch).Warn("Failed to unsubscribe channel")
			}
		}
		l.setChannelStateLocked(ch, device.Disabled)
		return nil
	}

	if cur == device.Enabled {
		return nil
	}
	if connected {
		if err := l.subscribeLocked(ch); err != nil {
			l.setChannelStateLocked(ch, device.Failed)
			return fmt.Errorf("failed to start %s stream: %w", ch, err)
		}
	}
	l.setChannelStateLocked(ch, device.Enabled)
	return nil
}

func (l *Link) subscribeLocked(ch device.Channel) error {
	l.mu.RLock()
	st := l.channels[ch]
	l.mu.RUnlock()

	st.lastSeen.Store(l.now().UnixNano())
	if err := l.periph.Subscribe(ch, l.handler(ch)); err != nil {
		return err
	}
	l.logger.WithField("channel", ch).Debug("Channel subscribed")
	return nil
}

func (l *Link) setStateLocked(s device.ConnectionState) {
	l.mu.Lock()
	prev := l.state
	l.state = s
	l.mu.Unlock()

	if prev == s {
		return
	}
	l.logger.WithFields(logrus.Fields{
		"from": prev.String(),
		"to":   s.String(),
	}).Debug("Connection state changed")
	if l.onConnectionChange != nil {
		l.onConnectionChange(s)
	}
}

func (l *Link) setChannelStateLocked(ch device.Channel, s device.ChannelState) {
	l.mu.Lock()
	st := l.channels[ch]
	prev := st.state
	st.state = s
	l.mu.Unlock()

	if prev == s {
		return
	}
	l.logger.WithFields(logrus.Fields{
		"channel": ch.String(),
		"from":    prev.String(),
		"to":      s.String(),
	}).Debug("Channel state changed")
	if l.onChannelChange != nil {
		l.onChannelChange(ch, s)
	}
}

func (l *Link) cancelSearchLocked() {
	l.searchGen++
	if l.searchCancel != nil {
		l.searchCancel()
		l.searchCancel = nil
	}
}
