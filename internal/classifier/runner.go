package classifier

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/fallwatch/internal/device"
	"github.com/srg/fallwatch/internal/model"
	"github.com/srg/fallwatch/internal/telemetry"
)

// WindowSource provides consistent per-channel window snapshots.
type WindowSource interface {
	Windows(chs ...device.Channel) map[device.Channel]telemetry.Window
}

// ModelSource provides the active model. *selector.Selector implements it.
type ModelSource interface {
	Active() (model.Model, error)
}

// Gate reports whether detection should currently run.
type Gate interface {
	DetectionActive() bool
}

// EventSink receives fall events. It reports whether the event was accepted.
type EventSink interface {
	Raise(ev *FallEvent) bool
}

// Metrics counts runner outcomes.
type Metrics struct {
	Evaluations uint64
	Skipped     uint64 // gate closed
	NoDecisions uint64
	NoFalls     uint64
	Falls       uint64
}

// Runner evaluates the active model on a fixed cadence and on demand.
type Runner struct {
	cadence time.Duration
	windows WindowSource
	models  ModelSource
	gate    Gate
	sink    EventSink
	logger  *logrus.Logger

	trigger chan struct{}
	metrics Metrics
}

// NewRunner creates a runner. cadence must be > 0.
func NewRunner(cadence time.Duration, windows WindowSource, models ModelSource, gate Gate, sink EventSink, logger *logrus.Logger) (*Runner, error) {
	if cadence <= 0 {
		return nil, fmt.Errorf("classification cadence must be > 0, got %s", cadence)
	}
	if windows == nil || models == nil || gate == nil || sink == nil {
		return nil, fmt.Errorf("runner requires a window source, model source, gate and sink")
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Runner{
		cadence: cadence,
		windows: windows,
		models:  models,
		gate:    gate,
		sink:    sink,
		logger:  logger,
		trigger: make(chan struct{}, 1),
	}, nil
}

// Trigger requests an evaluation outside the cadence. Never blocks; requests
// made while one is pending coalesce.
func (r *Runner) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run evaluates on every tick and trigger until ctx is done.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cadence)
	defer ticker.Stop()

	r.logger.WithField("cadence", r.cadence).Debug("Classifier runner started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("Classifier runner stopped")
			return
		case <-ticker.C:
			r.Evaluate()
		case <-r.trigger:
			r.Evaluate()
		}
	}
}

// Evaluate runs one classification if the gate is open. The active model is
// read once, so a concurrent swap is observed either fully or not at all.
func (r *Runner) Evaluate() Decision {
	if !r.gate.DetectionActive() {
		atomic.AddUint64(&r.metrics.Skipped, 1)
		return NoDecision
	}
	atomic.AddUint64(&r.metrics.Evaluations, 1)

	m, err := r.models.Active()
	if err != nil {
		atomic.AddUint64(&r.metrics.NoDecisions, 1)
		r.logger.WithError(err).Debug("No model to evaluate")
		return NoDecision
	}

	windows := r.windows.Windows(model.RequiredChannels(m.Key().Features)...)
	ev, d, reason := classify(m, windows)
	switch d {
	case NoDecision:
		atomic.AddUint64(&r.metrics.NoDecisions, 1)
		r.logger.WithError(reason).WithField("model", m.Key().String()).Debug("No decision")
	case NoFall:
		atomic.AddUint64(&r.metrics.NoFalls, 1)
	case Fall:
		atomic.AddUint64(&r.metrics.Falls, 1)
		accepted := r.sink.Raise(ev)
		r.logger.WithFields(logrus.Fields{
			"event_id":   ev.ID.String(),
			"confidence": ev.Confidence,
			"model":      ev.Model.String(),
			"accepted":   accepted,
		}).Info("Fall detected")
	}
	return d
}

// GetMetrics returns a snapshot of the runner counters.
func (r *Runner) GetMetrics() Metrics {
	return Metrics{
		Evaluations: atomic.LoadUint64(&r.metrics.Evaluations),
		Skipped:     atomic.LoadUint64(&r.metrics.Skipped),
		NoDecisions: atomic.LoadUint64(&r.metrics.NoDecisions),
		NoFalls:     atomic.LoadUint64(&r.metrics.NoFalls),
		Falls:       atomic.LoadUint64(&r.metrics.Falls),
	}
}
