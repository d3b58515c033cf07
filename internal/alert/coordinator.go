// Package alert runs the user-cancellable countdown that follows a detected
// fall and notifies the emergency contacts when it expires.
//
// At most one alert is in flight. Every alert carries a generation number and
// the countdown timer only acts if its generation is still current, so a timer
// that fires after Cancel or ConfirmDisable is a no-op.
package alert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/fallwatch/internal/classifier"
	"github.com/srg/fallwatch/internal/groutine"
)

// ErrNoPendingAlert is returned by Cancel when no alert is counting down.
var ErrNoPendingAlert = errors.New("no pending alert")

// SessionPort is the part of the session state the coordinator drives.
type SessionPort interface {
	SetAlerting(bool)
	SetFallDetectionEnabled(bool)
	SetStarted(bool)
}

// Recorder is the telemetry session the coordinator flushes on a cancelled
// alert and stops on a confirmed disable. *telemetry.Buffer implements it.
type Recorder interface {
	Flush()
	Stop()
}

// Config controls the countdown.
type Config struct {
	Countdown     time.Duration
	NotifyTimeout time.Duration
	Contacts      []Contact
}

// Metrics counts alert outcomes.
type Metrics struct {
	Raised     uint64
	Suppressed uint64 // events arriving while an alert was pending
	Stale      uint64 // events not newer than the last resolved alert
	Cancelled  uint64
	Notified   uint64
	Failed     uint64 // notifier errors
}

type pending struct {
	alert Alert
	gen   uint64
	timer *time.Timer
}

// Coordinator owns the single in-flight alert.
type Coordinator struct {
	cfg      Config
	notifier Notifier
	session  SessionPort
	recorder Recorder
	logger   *logrus.Logger

	mu           sync.Mutex
	pending      *pending
	gen          uint64
	lastResolved time.Time

	inflight sync.WaitGroup
	metrics  Metrics
}

// NewCoordinator creates an idle coordinator.
func NewCoordinator(cfg Config, notifier Notifier, session SessionPort, recorder Recorder, logger *logrus.Logger) (*Coordinator, error) {
	if cfg.Countdown <= 0 {
		return nil, fmt.Errorf("alert countdown must be > 0, got %s", cfg.Countdown)
	}
	if notifier == nil || session == nil || recorder == nil {
		return nil, fmt.Errorf("coordinator requires a notifier, session and recorder")
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Coordinator{
		cfg:      cfg,
		notifier: notifier,
		session:  session,
		recorder: recorder,
		logger:   logger,
	}, nil
}

// Raise starts the countdown for ev and pauses detection. It returns false
// when an alert is already pending (the event is suppressed) or when ev is
// not newer than the last resolved alert.
func (c *Coordinator) Raise(ev *classifier.FallEvent) bool {
	if ev == nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	log := c.logger.WithField("event_id", ev.ID.String())
	if c.pending != nil {
		atomic.AddUint64(&c.metrics.Suppressed, 1)
		log.WithField("pending_id", c.pending.alert.Event.ID.String()).Info("Alert already pending, event suppressed")
		return false
	}
	if !ev.Timestamp.After(c.lastResolved) {
		atomic.AddUint64(&c.metrics.Stale, 1)
		log.Debug("Event predates the last resolved alert, ignored")
		return false
	}

	c.gen++
	gen := c.gen
	now := time.Now()
	p := &pending{
		alert: Alert{
			Event:    ev,
			Contacts: c.cfg.Contacts,
			RaisedAt: now,
			Deadline: now.Add(c.cfg.Countdown),
		},
		gen: gen,
	}
	p.timer = time.AfterFunc(c.cfg.Countdown, func() { c.expire(gen) })
	c.pending = p

	c.session.SetAlerting(true)
	c.session.SetFallDetectionEnabled(false)
	atomic.AddUint64(&c.metrics.Raised, 1)

	log.WithFields(logrus.Fields{
		"confidence": ev.Confidence,
		"countdown":  c.cfg.Countdown,
	}).Warn("Fall alert raised, countdown started")
	return true
}

// Cancel is the user's "No, cancel": the countdown is discarded, detection is
// re-enabled and nobody is notified.
func (c *Coordinator) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil {
		return ErrNoPendingAlert
	}
	id := c.resolveLocked()
	// Flush before detection resumes so the windows that raised this alert
	// cannot raise it again.
	c.recorder.Flush()
	c.session.SetAlerting(false)
	c.session.SetFallDetectionEnabled(true)
	atomic.AddUint64(&c.metrics.Cancelled, 1)

	c.logger.WithField("event_id", id).Info("Fall alert cancelled by user")
	return nil
}

// ConfirmDisable is the user's explicit decision to turn fall detection off.
// Any pending countdown is discarded without notification, the telemetry
// session is stopped and the session is marked disabled and not started.
func (c *Coordinator) ConfirmDisable() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending != nil {
		id := c.resolveLocked()
		c.logger.WithField("event_id", id).Info("Pending fall alert discarded")
	}
	c.recorder.Stop()
	c.session.SetAlerting(false)
	c.session.SetFallDetectionEnabled(false)
	c.session.SetStarted(false)

	c.logger.Info("Fall detection disabled by user")
}

// Pending returns the alert currently counting down.
func (c *Coordinator) Pending() (Alert, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return Alert{}, false
	}
	return c.pending.alert, true
}

// Wait blocks until notifications already started have returned.
func (c *Coordinator) Wait() {
	c.inflight.Wait()
}

// GetMetrics returns a snapshot of the coordinator counters.
func (c *Coordinator) GetMetrics() Metrics {
	return Metrics{
		Raised:     atomic.LoadUint64(&c.metrics.Raised),
		Suppressed: atomic.LoadUint64(&c.metrics.Suppressed),
		Stale:      atomic.LoadUint64(&c.metrics.Stale),
		Cancelled:  atomic.LoadUint64(&c.metrics.Cancelled),
		Notified:   atomic.LoadUint64(&c.metrics.Notified),
		Failed:     atomic.LoadUint64(&c.metrics.Failed),
	}
}

// resolveLocked ends the pending alert without notification.
func (c *Coordinator) resolveLocked() string {
	p := c.pending
	p.timer.Stop()
	c.pending = nil
	c.gen++
	c.lastResolved = p.alert.Event.Timestamp
	return p.alert.Event.ID.String()
}

// expire runs on the countdown timer for alert generation gen.
func (c *Coordinator) expire(gen uint64) {
	c.mu.Lock()
	if c.pending == nil || c.pending.gen != gen {
		c.mu.Unlock()
		return
	}
	a := c.pending.alert
	c.pending = nil
	c.gen++
	c.lastResolved = a.Event.Timestamp
	c.session.SetAlerting(false)
	c.inflight.Add(1)
	c.mu.Unlock()

	atomic.AddUint64(&c.metrics.Notified, 1)
	log := c.logger.WithField("event_id", a.Event.ID.String())
	log.Warn("Fall alert countdown expired, notifying contacts")

	groutine.Go(context.Background(), "alert-notify", func(ctx context.Context) {
		defer c.inflight.Done()
		ctx, cancel := context.WithTimeout(ctx, c.cfg.NotifyTimeout)
		defer cancel()
		if err := c.notifier.Notify(ctx, a); err != nil {
			atomic.AddUint64(&c.metrics.Failed, 1)
			log.WithError(err).Error("Failed to notify contacts")
			return
		}
		log.WithField("contacts", len(a.Contacts)).Info("Contacts notified")
	})
}
