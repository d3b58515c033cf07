package monitor

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/fallwatch/internal/alert"
	"github.com/srg/fallwatch/internal/device"
	"github.com/srg/fallwatch/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const testDeviceID = "C4:7F:51:00:00:01"

// MockPeripheral is a testify mock of device.Peripheral that keeps the
// subscription handlers so tests can stream samples.
type MockPeripheral struct {
	mock.Mock

	mu       sync.Mutex
	handlers map[device.Channel]func(device.Sample)
}

func (m *MockPeripheral) Discover(ctx context.Context, preferredID string) (string, error) {
	args := m.Called(ctx, preferredID)
	return args.String(0), args.Error(1)
}

func (m *MockPeripheral) Connect(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockPeripheral) Disconnect() error {
	return m.Called().Error(0)
}

func (m *MockPeripheral) Subscribe(ch device.Channel, handler func(device.Sample)) error {
	err := m.Called(ch, handler).Error(0)
	if err == nil {
		m.mu.Lock()
		if m.handlers == nil {
			m.handlers = make(map[device.Channel]func(device.Sample))
		}
		m.handlers[ch] = handler
		m.mu.Unlock()
	}
	return err
}

func (m *MockPeripheral) Unsubscribe(ch device.Channel) error {
	m.mu.Lock()
	delete(m.handlers, ch)
	m.mu.Unlock()
	return m.Called(ch).Error(0)
}

func (m *MockPeripheral) Disconnected() <-chan struct{} {
	args := m.Called()
	if ch, ok := args.Get(0).(chan struct{}); ok {
		return ch
	}
	return nil
}

func (m *MockPeripheral) subscribed(ch device.Channel) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handlers[ch] != nil
}

func (m *MockPeripheral) emit(s device.Sample) bool {
	m.mu.Lock()
	h := m.handlers[s.Channel]
	m.mu.Unlock()
	if h == nil {
		return false
	}
	h(s)
	return true
}

type countingNotifier struct {
	calls atomic.Int32
}

func (n *countingNotifier) Notify(context.Context, alert.Alert) error {
	n.calls.Add(1)
	return nil
}

// MonitorTestSuite runs the whole core against a mocked strap.
type MonitorTestSuite struct {
	suite.Suite

	periph   *MockPeripheral
	notifier *countingNotifier
	lost     chan struct{}
	mon      *Monitor

	cancelRun context.CancelFunc
	runDone   chan struct{}
}

func (s *MonitorTestSuite) newMonitor(set model.FeatureSet, countdown time.Duration) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	s.periph = &MockPeripheral{}
	s.notifier = &countingNotifier{}
	s.lost = make(chan struct{})

	s.periph.On("Discover", mock.Anything, "").Return(testDeviceID, nil).Maybe()
	s.periph.On("Connect", mock.Anything, testDeviceID).Return(nil).Maybe()
	s.periph.On("Disconnected").Return(s.lost).Maybe()
	s.periph.On("Subscribe", mock.Anything, mock.Anything).Return(nil).Maybe()
	s.periph.On("Unsubscribe", mock.Anything).Return(nil).Maybe()
	s.periph.On("Disconnect").Return(nil).Maybe()

	cfg := DefaultConfig()
	cfg.FeatureSet = set
	cfg.Cadence = 10 * time.Millisecond
	cfg.Link.SearchTimeout = time.Second
	cfg.Link.PollInterval = 10 * time.Millisecond
	cfg.Alert.Countdown = countdown

	reg, err := model.DefaultRegistry(logger)
	s.Require().NoError(err)

	s.mon, err = New(cfg, s.periph, reg, s.notifier, logger)
	s.Require().NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelRun = cancel
	s.runDone = make(chan struct{})
	go func() {
		defer close(s.runDone)
		s.mon.Run(ctx)
	}()
}

func (s *MonitorTestSuite) TearDownTest() {
	if s.cancelRun != nil {
		s.cancelRun()
		<-s.runDone
		s.cancelRun = nil
	}
}

func (s *MonitorTestSuite) connect() {
	s.Require().NoError(s.mon.AutoConnect(context.Background()))
	s.Require().Eventually(func() bool {
		return s.mon.Snapshot().Connection.IsConnected()
	}, time.Second, 5*time.Millisecond, "monitor MUST reach Connected")
}

// streamFall emits standing, free fall, impact and lying-still accelerometer samples.
func (s *MonitorTestSuite) streamFall(start time.Time) {
	var mags []float64
	for i := 0; i < 20; i++ {
		mags = append(mags, 1)
	}
	mags = append(mags, 0.2, 0.2, 0.2, 0.2, 0.2, 3, 3, 3, 1, 1, 1, 1, 1)
	for i, g := range mags {
		ts := start.Add(time.Duration(i) * 5 * time.Millisecond)
		s.Require().True(s.periph.emit(device.NewSample(device.Accelerometer, ts, 0, 0, g*1000)))
	}
}

func (s *MonitorTestSuite) TestFallRaisesAlertAndCancelRestoresDetection() {
	// GOAL: Verify a fall on the accelerometer raises one alert and Cancel re-enables detection without notifying
	//
	// TEST SCENARIO: connect → start → stream fall → alert pending, detection paused → CancelAlert → enabled, windows flushed, no notify

	s.newMonitor(model.Acc, time.Hour)
	s.connect()
	s.True(s.periph.subscribed(device.Accelerometer), "acc feature set MUST subscribe the accelerometer")
	s.mon.Start()

	s.streamFall(time.Now())
	s.Require().Eventually(func() bool {
		_, ok := s.mon.PendingAlert()
		return ok
	}, time.Second, 5*time.Millisecond, "fall MUST raise an alert")

	s.Require().Eventually(func() bool { return s.mon.Metrics().Telemetry.Pushed == 33 }, time.Second, 5*time.Millisecond,
		"every streamed sample MUST reach the buffer")

	snap := s.mon.Snapshot()
	s.True(snap.Alerting, "session MUST be alerting")
	s.False(snap.DetectionActive(), "detection MUST pause during the countdown")

	s.Require().NoError(s.mon.CancelAlert())
	snap = s.mon.Snapshot()
	s.False(snap.Alerting)
	s.True(snap.Config.FallDetectionEnabled, "cancel MUST re-enable detection")
	s.True(snap.Config.Started, "cancel MUST keep the session running")
	s.True(s.mon.LatestWindow(device.Accelerometer).Empty(), "cancel MUST flush the alerting window")
	s.Equal(int32(0), s.notifier.calls.Load(), "cancelled alert MUST NOT notify")
	s.Equal(uint64(1), s.mon.Metrics().Alert.Raised)
	s.ErrorIs(s.mon.CancelAlert(), alert.ErrNoPendingAlert)
}

func (s *MonitorTestSuite) TestExpiredAlertNotifiesOnce() {
	// GOAL: Verify an unanswered alert notifies exactly once
	//
	// TEST SCENARIO: connect → start → stream fall → countdown expires → one notification, detection stays off

	s.newMonitor(model.Acc, 30*time.Millisecond)
	s.connect()
	s.mon.Start()

	s.streamFall(time.Now())
	s.Require().Eventually(func() bool { return s.notifier.calls.Load() == 1 }, time.Second, 5*time.Millisecond,
		"expired alert MUST notify")
	time.Sleep(100 * time.Millisecond)
	s.Equal(int32(1), s.notifier.calls.Load(), "alert MUST be notified exactly once")

	snap := s.mon.Snapshot()
	s.False(snap.Alerting)
	s.False(snap.Config.FallDetectionEnabled)

	s.ErrorIs(s.mon.CancelAlert(), alert.ErrNoPendingAlert, "cancel after expiry MUST report no pending alert")
	s.False(s.mon.LatestWindow(device.Accelerometer).Empty(), "cancel after expiry MUST NOT flush the windows")
}

func (s *MonitorTestSuite) TestNoDetectionBeforeStart() {
	// GOAL: Verify samples are ignored until a detection session is started
	//
	// TEST SCENARIO: connect → stream fall without Start → no alert, buffer empty

	s.newMonitor(model.Acc, time.Hour)
	s.connect()
	s.streamFall(time.Now())

	time.Sleep(50 * time.Millisecond)
	_, pending := s.mon.PendingAlert()
	s.False(pending, "no alert MUST be raised before Start")
	s.True(s.mon.LatestWindow(device.Accelerometer).Empty(), "stopped buffer MUST drop samples")
}

func (s *MonitorTestSuite) TestConfirmDisableStopsSession() {
	// GOAL: Verify ConfirmDisable discards the alert and stops the session
	//
	// TEST SCENARIO: connect → start → fall → ConfirmDisable → not started, not enabled, no notify

	s.newMonitor(model.Acc, time.Hour)
	s.connect()
	s.mon.Start()
	s.streamFall(time.Now())
	s.Require().Eventually(func() bool {
		_, ok := s.mon.PendingAlert()
		return ok
	}, time.Second, 5*time.Millisecond)

	s.mon.ConfirmDisable()
	snap := s.mon.Snapshot()
	s.False(snap.Config.Started)
	s.False(snap.Config.FallDetectionEnabled)
	s.False(snap.Alerting)
	s.Equal(int32(0), s.notifier.calls.Load())
}

func (s *MonitorTestSuite) TestEnablingDetectionRestartsSession() {
	// GOAL: Verify turning detection back on after a confirmed disable starts a new session
	//
	// TEST SCENARIO: connect → start → ConfirmDisable → SetFallDetection(true) → started, enabled, buffer recording

	s.newMonitor(model.Acc, time.Hour)
	s.connect()
	s.mon.Start()
	s.mon.ConfirmDisable()
	s.Require().False(s.mon.Snapshot().Config.Started)

	s.mon.SetFallDetection(true)
	snap := s.mon.Snapshot()
	s.True(snap.Config.Started, "enabling detection MUST start the session")
	s.True(snap.Config.FallDetectionEnabled)

	s.Require().True(s.periph.emit(device.NewSample(device.Accelerometer, time.Now(), 0, 0, 1000)))
	s.Eventually(func() bool {
		return s.mon.LatestWindow(device.Accelerometer).Len() == 1
	}, time.Second, 5*time.Millisecond, "restarted session MUST record samples")

	s.mon.SetFallDetection(false)
	snap = s.mon.Snapshot()
	s.False(snap.Config.FallDetectionEnabled)
	s.True(snap.Config.Started, "disabling without confirmation MUST keep the session")
}

func (s *MonitorTestSuite) TestScalarsMirroredIntoSession() {
	// GOAL: Verify heart rate and battery readings reach the session snapshot
	//
	// TEST SCENARIO: connect → emit HR 72 and battery 85 → snapshot shows both

	s.newMonitor(model.Acc, time.Hour)
	s.connect()
	s.mon.Start()

	s.Require().True(s.periph.emit(device.NewSample(device.HeartRate, time.Now(), 72, 830)))
	s.Require().True(s.periph.emit(device.NewSample(device.Battery, time.Now(), 85)))

	s.Eventually(func() bool {
		snap := s.mon.Snapshot()
		return snap.HeartRate == 72 && snap.Battery == 85
	}, time.Second, 5*time.Millisecond, "scalar channels MUST be mirrored into the session")
}

func (s *MonitorTestSuite) TestDisconnectStopsPolarSession() {
	// GOAL: Verify losing the strap stops the session when the polar feature set is active
	//
	// TEST SCENARIO: polar set → connect → start → link lost → Disconnected, session stopped

	s.newMonitor(model.Polar, time.Hour)
	s.Equal(device.Enabled, s.mon.Snapshot().Channels[device.ECG], "polar feature set MUST enable ECG")
	s.connect()
	s.mon.Start()

	close(s.lost)
	s.Require().Eventually(func() bool {
		return !s.mon.Snapshot().Connection.IsConnected()
	}, time.Second, 5*time.Millisecond)
	s.Eventually(func() bool { return !s.mon.Snapshot().Config.Started }, time.Second, 5*time.Millisecond,
		"polar session MUST stop on disconnect")
}

func (s *MonitorTestSuite) TestDisconnectKeepsAccSession() {
	// GOAL: Verify an accelerometer session survives a disconnect
	//
	// TEST SCENARIO: acc set → connect → start → DisconnectFromDevice → still started

	s.newMonitor(model.Acc, time.Hour)
	s.connect()
	s.mon.Start()

	s.Require().NoError(s.mon.DisconnectFromDevice())
	snap := s.mon.Snapshot()
	s.Equal(device.Disconnected(), snap.Connection)
	s.True(snap.Config.Started, "acc session MUST survive a disconnect")
}

func (s *MonitorTestSuite) TestLinkLossKeepsAllSession() {
	// GOAL: Verify the all feature set keeps its session and model when the strap drops
	//
	// TEST SCENARIO: all set → connect → start → link lost → Disconnected, still started, same model

	s.newMonitor(model.All, time.Hour)
	s.connect()
	s.mon.Start()
	before, _ := s.mon.ActiveModel()

	close(s.lost)
	s.Require().Eventually(func() bool {
		return !s.mon.Snapshot().Connection.IsConnected()
	}, time.Second, 5*time.Millisecond)

	s.True(s.mon.Snapshot().Config.Started, "all session MUST survive link loss")
	after, ok := s.mon.ActiveModel()
	s.Require().True(ok)
	s.Equal(before, after)
}

func (s *MonitorTestSuite) TestSelectFeatureSet() {
	// GOAL: Verify switching feature sets swaps the model and enables the needed channels
	//
	// TEST SCENARIO: acc → SelectFeatureSet(all) → ECG enabled, model all → unknown set → model unchanged

	s.newMonitor(model.Acc, time.Hour)

	s.Require().NoError(s.mon.SelectFeatureSet(model.All))
	key, ok := s.mon.ActiveModel()
	s.Require().True(ok)
	s.Equal(model.All, key.Features)
	snap := s.mon.Snapshot()
	s.Equal(model.All, snap.FeatureSet)
	s.Equal(device.Enabled, snap.Channels[device.ECG])

	s.ErrorIs(s.mon.SelectFeatureSet(model.FeatureSet("cnn")), model.ErrUnknownFeatureSet)
	key, _ = s.mon.ActiveModel()
	s.Equal(model.All, key.Features, "failed selection MUST keep the previous model")
}

func (s *MonitorTestSuite) TestToggleMirrorsChannelState() {
	// GOAL: Verify channel toggles are visible in the session snapshot
	//
	// TEST SCENARIO: EcgToggle → Enabled → EcgToggle → Disabled

	s.newMonitor(model.Acc, time.Hour)
	s.Require().NoError(s.mon.EcgToggle())
	s.Equal(device.Enabled, s.mon.Snapshot().Channels[device.ECG])
	s.Require().NoError(s.mon.EcgToggle())
	s.Equal(device.Disabled, s.mon.Snapshot().Channels[device.ECG])
}

func (s *MonitorTestSuite) TestNormalized() {
	// GOAL: Verify Normalized centres and scales one axis of a window
	//
	// TEST SCENARIO: start → push z = 900, 1100 → mean 1000, denominator 3000-1000 → [-0.05, 0.05]

	s.newMonitor(model.Acc, time.Hour)
	s.connect()
	s.mon.Start()

	now := time.Now()
	s.Require().True(s.periph.emit(device.NewSample(device.Accelerometer, now, 0, 0, 900)))
	s.Require().True(s.periph.emit(device.NewSample(device.Accelerometer, now.Add(5*time.Millisecond), 0, 0, 1100)))
	s.Require().Eventually(func() bool { return s.mon.LatestWindow(device.Accelerometer).Len() == 2 },
		time.Second, 5*time.Millisecond)

	norm := s.mon.Normalized(device.Accelerometer, 2)
	s.Require().Len(norm, 2)
	s.InDelta(-0.05, norm[0], 1e-9)
	s.InDelta(0.05, norm[1], 1e-9)
}

func TestMonitorTestSuite(t *testing.T) {
	suite.Run(t, new(MonitorTestSuite))
}

func TestNew_UnknownModel(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	reg, err := model.DefaultRegistry(logger)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Lag = 99
	_, err = New(cfg, &MockPeripheral{}, reg, &countingNotifier{}, logger)
	assert.ErrorIs(t, err, model.ErrModelNotFound, "missing model MUST fail construction")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, model.Acc, cfg.FeatureSet)
	assert.Equal(t, 30*time.Second, cfg.Alert.Countdown)
	assert.False(t, math.IsNaN(cfg.SensorRange))
	for _, ch := range device.Channels {
		assert.Greater(t, cfg.Capacities[ch], 0, "channel %s MUST have a window", ch)
	}
}
