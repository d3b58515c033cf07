// Package monitor wires the device link, telemetry buffer, model selector,
// classifier runner and alert coordinator into one fall monitor, and mirrors
// their state into the shared session.
//
// The host drives the monitor only through its commands and reads it only
// through Snapshot, Subscribe and the window accessors.
package monitor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/fallwatch/internal/alert"
	"github.com/srg/fallwatch/internal/classifier"
	"github.com/srg/fallwatch/internal/device"
	"github.com/srg/fallwatch/internal/groutine"
	"github.com/srg/fallwatch/internal/link"
	"github.com/srg/fallwatch/internal/model"
	"github.com/srg/fallwatch/internal/selector"
	"github.com/srg/fallwatch/internal/session"
	"github.com/srg/fallwatch/internal/telemetry"
)

// Config assembles the component settings.
type Config struct {
	Link        link.Config
	Capacities  telemetry.Capacities
	FeatureSet  model.FeatureSet
	Arch        model.Architecture
	Lag         int
	Cadence     time.Duration
	Alert       alert.Config
	SensorRange float64 // full-scale value used by Normalized
}

// DefaultCapacities sizes the windows for roughly four seconds of ECG (130 Hz),
// accelerometer (200 Hz) and heart rate (1 Hz) data.
func DefaultCapacities() telemetry.Capacities {
	return telemetry.Capacities{
		device.ECG:           520,
		device.Accelerometer: 800,
		device.HeartRate:     16,
		device.Battery:       1,
	}
}

// DefaultConfig returns a configuration for a Polar H10 with the logistic
// models of the built-in catalog.
func DefaultConfig() Config {
	return Config{
		Link:        link.DefaultConfig(),
		Capacities:  DefaultCapacities(),
		FeatureSet:  model.Acc,
		Arch:        model.Logistic,
		Lag:         0,
		Cadence:     500 * time.Millisecond,
		Alert:       alert.Config{Countdown: 30 * time.Second, NotifyTimeout: 10 * time.Second},
		SensorRange: telemetry.DefaultSensorRange,
	}
}

// Metrics aggregates the component counters.
type Metrics struct {
	Link       link.Metrics
	Telemetry  telemetry.Metrics
	Classifier classifier.Metrics
	Alert      alert.Metrics
}

// Monitor is the fall detection core.
type Monitor struct {
	cfg      Config
	link     *link.Link
	buffer   *telemetry.Buffer
	selector *selector.Selector
	runner   *classifier.Runner
	alerts   *alert.Coordinator
	session  *session.State
	logger   *logrus.Logger

	lastPhase atomic.Int32
}

// New builds a monitor around periph. The initial feature set is selected
// immediately, so a missing model fails here rather than at run time.
func New(cfg Config, periph device.Peripheral, loader selector.Loader, notifier alert.Notifier, logger *logrus.Logger) (*Monitor, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.SensorRange <= 0 {
		cfg.SensorRange = telemetry.DefaultSensorRange
	}

	m := &Monitor{cfg: cfg, logger: logger}
	var err error

	if m.buffer, err = telemetry.New(cfg.Capacities, logger); err != nil {
		return nil, fmt.Errorf("failed to create telemetry buffer: %w", err)
	}
	if m.selector, err = selector.New(loader, cfg.Arch, cfg.Lag, logger); err != nil {
		return nil, fmt.Errorf("failed to create model selector: %w", err)
	}
	if err = m.selector.SelectFeatureSet(cfg.FeatureSet); err != nil {
		return nil, err
	}
	m.session = session.New(cfg.FeatureSet, logger)

	if m.alerts, err = alert.NewCoordinator(cfg.Alert, notifier, m.session, m.buffer, logger); err != nil {
		return nil, fmt.Errorf("failed to create alert coordinator: %w", err)
	}
	if m.runner, err = classifier.NewRunner(cfg.Cadence, m.buffer, m.selector, m.session, m.alerts, logger); err != nil {
		return nil, fmt.Errorf("failed to create classifier runner: %w", err)
	}
	if m.link, err = link.New(cfg.Link, periph, sampleSink{m}, logger); err != nil {
		return nil, fmt.Errorf("failed to create device link: %w", err)
	}

	for ch, st := range m.link.ChannelStates() {
		m.session.SetChannelState(ch, st)
	}
	m.link.OnConnectionChange(m.onConnectionChange)
	m.link.OnChannelChange(m.session.SetChannelState)

	if err := m.enableRequired(cfg.FeatureSet); err != nil {
		return nil, err
	}
	return m, nil
}

// Run starts the ingest pump, the stream watchdog and the classifier runner
// and blocks until ctx is done and pending notifications have returned.
func (m *Monitor) Run(ctx context.Context) {
	var g groutine.Group
	g.Go(ctx, "monitor-link", m.link.Run)
	g.Go(ctx, "classifier-runner", m.runner.Run)
	g.Wait()
	m.alerts.Wait()
}

// Start opens a detection session with fall detection enabled.
func (m *Monitor) Start() {
	m.buffer.Start()
	m.session.SetStarted(true)
	m.session.SetFallDetectionEnabled(true)
	m.logger.WithField("feature_set", m.selector.FeatureSet()).Info("Detection session started")
}

// Stop ends the detection session and discards buffered telemetry. A pending
// alert is left to the user to resolve.
func (m *Monitor) Stop() {
	m.stopSession("stopped by user")
}

func (m *Monitor) AutoConnect(ctx context.Context) error { return m.link.AutoConnect(ctx) }

func (m *Monitor) DisconnectFromDevice() error { return m.link.DisconnectFromDevice() }

func (m *Monitor) EcgToggle() error { return m.link.EcgToggle() }

func (m *Monitor) AccToggle() error { return m.link.AccToggle() }

// SelectFeatureSet swaps the active model and enables the channels the new
// set needs. On failure the previous model stays active.
func (m *Monitor) SelectFeatureSet(set model.FeatureSet) error {
	if err := m.selector.SelectFeatureSet(set); err != nil {
		return err
	}
	m.session.SetFeatureSet(set)
	return m.enableRequired(set)
}

// SetFallDetection flips the detection-enabled flag. Turning detection on
// while no session is running starts one. Use ConfirmDisable to turn
// detection off and stop the session.
func (m *Monitor) SetFallDetection(on bool) {
	if on && !m.session.Snapshot().Config.Started {
		m.Start()
		return
	}
	m.session.SetFallDetectionEnabled(on)
	m.logger.WithField("enabled", on).Info("Fall detection toggled")
}

// CancelAlert discards the pending alert and re-enables detection. The
// windows that produced the alert are flushed so they cannot raise it again;
// nothing is flushed when no alert was pending.
func (m *Monitor) CancelAlert() error {
	return m.alerts.Cancel()
}

// ConfirmDisable turns fall detection off and stops the detection session.
func (m *Monitor) ConfirmDisable() {
	m.alerts.ConfirmDisable()
}

// Snapshot returns the current session state.
func (m *Monitor) Snapshot() session.Snapshot { return m.session.Snapshot() }

// Subscribe streams session snapshots; see session.State.Subscribe.
func (m *Monitor) Subscribe(size int) *session.Subscription { return m.session.Subscribe(size) }

func (m *Monitor) Unsubscribe(sub *session.Subscription) { m.session.Unsubscribe(sub) }

// LatestWindow returns a snapshot of the channel's window.
func (m *Monitor) LatestWindow(ch device.Channel) telemetry.Window {
	return m.buffer.LatestWindow(ch)
}

// Normalized returns one axis of the channel's window, mean-centred and
// scaled to the sensor range.
func (m *Monitor) Normalized(ch device.Channel, axis int) []float64 {
	return telemetry.Normalize(m.buffer.LatestWindow(ch).Axis(axis), m.cfg.SensorRange)
}

// PendingAlert returns the alert currently counting down.
func (m *Monitor) PendingAlert() (alert.Alert, bool) { return m.alerts.Pending() }

// ActiveModel returns the key of the model in use.
func (m *Monitor) ActiveModel() (model.Key, bool) { return m.selector.ActiveKey() }

// Metrics returns the component counters.
func (m *Monitor) Metrics() Metrics {
	return Metrics{
		Link:       m.link.GetMetrics(),
		Telemetry:  m.buffer.GetMetrics(),
		Classifier: m.runner.GetMetrics(),
		Alert:      m.alerts.GetMetrics(),
	}
}

func (m *Monitor) stopSession(reason string) {
	m.buffer.Stop()
	m.session.SetStarted(false)
	m.logger.WithField("reason", reason).Info("Detection session stopped")
}

func (m *Monitor) enableRequired(set model.FeatureSet) error {
	for _, ch := range model.RequiredChannels(set) {
		if m.link.ChannelState(ch) == device.Enabled {
			continue
		}
		if err := m.link.SetChannel(ch, true); err != nil {
			return fmt.Errorf("failed to enable %s for feature set %s: %w", ch, set, err)
		}
	}
	return nil
}

// onConnectionChange runs inside the link's state transition. Only a polar
// session depends on the strap for every input, so only it is stopped; acc
// and all sessions keep their model and windows across a reconnect.
func (m *Monitor) onConnectionChange(c device.ConnectionState) {
	prev := device.LinkPhase(m.lastPhase.Swap(int32(c.Phase)))
	m.session.SetConnection(c)

	if prev == device.PhaseConnected && !c.IsConnected() && m.selector.FeatureSet() == model.Polar {
		m.stopSession("device disconnected")
	}
}

// sampleSink feeds the buffer, mirrors the scalar channels into the session
// and wakes the runner when a window grows.
type sampleSink struct {
	m *Monitor
}

func (s sampleSink) Push(sample device.Sample) error {
	if err := s.m.buffer.Push(sample); err != nil {
		return err
	}
	switch sample.Channel {
	case device.HeartRate:
		if len(sample.Values) > 0 {
			s.m.session.SetHeartRate(sample.Values[0])
		}
	case device.Battery:
		if len(sample.Values) > 0 {
			s.m.session.SetBattery(sample.Values[0])
		}
	case device.ECG, device.Accelerometer:
		s.m.runner.Trigger()
	}
	return nil
}
