// Package session holds the process-wide state shared by the link, the
// classifier, the alert coordinator and the host.
//
// All reads and writes go through one mutex. Every mutation that changes the
// state publishes a new Snapshot to the subscribers; setters that would not
// change anything publish nothing.
package session

import (
	"maps"
	"math"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/fallwatch/internal/device"
	"github.com/srg/fallwatch/internal/model"
)

// DefaultSubscriberBuffer is the ring size used when Subscribe gets size <= 0.
const DefaultSubscriberBuffer = 16

// Config is changed only by explicit commands.
type Config struct {
	FallDetectionEnabled bool
	Started              bool
}

// Snapshot is an immutable copy of the session state.
type Snapshot struct {
	Version    uint64
	Connection device.ConnectionState
	Channels   map[device.Channel]device.ChannelState
	Config     Config
	Alerting   bool
	Battery    float64 // percent, NaN until the first reading
	HeartRate  float64 // bpm, NaN until the first reading
	FeatureSet model.FeatureSet
}

// DetectionActive reports whether the classifier should run in this snapshot.
func (s Snapshot) DetectionActive() bool {
	return s.Config.Started && s.Config.FallDetectionEnabled && !s.Alerting
}

// Subscription receives snapshots until it is unsubscribed.
type Subscription struct {
	id   uint64
	ring *RingChannel[Snapshot]
}

// C returns the snapshot stream. It is closed by Unsubscribe.
func (s *Subscription) C() <-chan Snapshot { return s.ring.C() }

// Dropped returns how many snapshots were overwritten before being read.
func (s *Subscription) Dropped() int64 { return s.ring.Overwritten() }

// State is the shared session container.
type State struct {
	mu     sync.Mutex
	snap   Snapshot
	subs   map[uint64]*Subscription
	nextID uint64
	logger *logrus.Logger
}

// New creates a stopped, disconnected session with every channel disabled.
func New(set model.FeatureSet, logger *logrus.Logger) *State {
	if logger == nil {
		logger = logrus.New()
	}
	channels := make(map[device.Channel]device.ChannelState, len(device.Channels))
	for _, ch := range device.Channels {
		channels[ch] = device.Disabled
	}
	return &State{
		snap: Snapshot{
			Connection: device.Disconnected(),
			Channels:   channels,
			Battery:    math.NaN(),
			HeartRate:  math.NaN(),
			FeatureSet: set,
		},
		subs:   make(map[uint64]*Subscription),
		logger: logger,
	}
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

// DetectionActive reports whether the session is started, detection is
// enabled and no alert is pending.
func (s *State) DetectionActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.DetectionActive()
}

func (s *State) SetConnection(c device.ConnectionState) {
	s.update(func(snap *Snapshot) bool {
		if snap.Connection == c {
			return false
		}
		snap.Connection = c
		return true
	})
}

func (s *State) SetChannelState(ch device.Channel, st device.ChannelState) {
	s.update(func(snap *Snapshot) bool {
		if cur, ok := snap.Channels[ch]; ok && cur == st {
			return false
		}
		snap.Channels[ch] = st
		return true
	})
}

func (s *State) SetStarted(v bool) {
	s.update(func(snap *Snapshot) bool {
		if snap.Config.Started == v {
			return false
		}
		snap.Config.Started = v
		return true
	})
}

func (s *State) SetFallDetectionEnabled(v bool) {
	s.update(func(snap *Snapshot) bool {
		if snap.Config.FallDetectionEnabled == v {
			return false
		}
		snap.Config.FallDetectionEnabled = v
		return true
	})
}

func (s *State) SetAlerting(v bool) {
	s.update(func(snap *Snapshot) bool {
		if snap.Alerting == v {
			return false
		}
		snap.Alerting = v
		return true
	})
}

func (s *State) SetBattery(percent float64) {
	s.update(func(snap *Snapshot) bool {
		if snap.Battery == percent {
			return false
		}
		snap.Battery = percent
		return true
	})
}

func (s *State) SetHeartRate(bpm float64) {
	s.update(func(snap *Snapshot) bool {
		if snap.HeartRate == bpm {
			return false
		}
		snap.HeartRate = bpm
		return true
	})
}

func (s *State) SetFeatureSet(set model.FeatureSet) {
	s.update(func(snap *Snapshot) bool {
		if snap.FeatureSet == set {
			return false
		}
		snap.FeatureSet = set
		return true
	})
}

// Subscribe registers a subscriber with a ring of size snapshots. The current
// snapshot is delivered immediately.
func (s *State) Subscribe(size int) *Subscription {
	if size <= 0 {
		size = DefaultSubscriberBuffer
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	sub := &Subscription{id: s.nextID, ring: NewRingChannel[Snapshot](size)}
	s.subs[sub.id] = sub
	sub.ring.Send(s.copyLocked())

	s.logger.WithField("subscribers", len(s.subs)).Debug("Session subscriber added")
	return sub
}

// Unsubscribe removes sub and closes its channel. It is safe to call twice.
func (s *State) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub.id]; !ok {
		return
	}
	delete(s.subs, sub.id)
	sub.ring.Close()
}

// update applies fn under the lock and publishes when fn reports a change.
func (s *State) update(fn func(*Snapshot) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !fn(&s.snap) {
		return
	}
	s.snap.Version++
	if len(s.subs) == 0 {
		return
	}
	snap := s.copyLocked()
	for _, sub := range s.subs {
		if sub.ring.Send(snap) {
			s.logger.WithField("subscriber", sub.id).Trace("Slow session subscriber, oldest snapshot dropped")
		}
	}
}

func (s *State) copyLocked() Snapshot {
	c := s.snap
	c.Channels = maps.Clone(s.snap.Channels)
	return c
}
