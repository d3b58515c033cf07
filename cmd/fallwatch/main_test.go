package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fatih/color"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/fallwatch/internal/alert"
	"github.com/srg/fallwatch/internal/classifier"
	"github.com/srg/fallwatch/internal/device"
	"github.com/srg/fallwatch/internal/device/goble"
	"github.com/srg/fallwatch/internal/model"
	"github.com/srg/fallwatch/internal/session"
	"github.com/srg/fallwatch/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	l.SetOutput(io.Discard)
	return l
}

func executeCommand(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.0", formatVersion("1.2.0"))
	assert.Equal(t, "dev", formatVersion("dev"))
	assert.Equal(t, "", formatVersion(""))
}

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "bluetooth off", err: fmt.Errorf("scan failed: %w", device.ErrBluetoothOff), want: "Bluetooth is turned off"},
		{name: "no strap", err: device.ErrDeviceNotFound, want: "no Polar H10 strap found"},
		{name: "unsupported", err: device.ErrUnsupported, want: "not supported"},
		{name: "missing model", err: fmt.Errorf("%w: cnn/all/lag0", model.ErrModelNotFound), want: "fallwatch models"},
		{name: "config", err: errors.Join(&config.ValidationError{Field: "alert.countdown", Reason: "must be > 0"}), want: "configuration is invalid:\n  invalid config alert.countdown"},
		{name: "other", err: errors.New("boom"), want: "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, FormatUserError(tt.err), tt.want)
		})
	}
}

func TestConfigureLogger(t *testing.T) {
	newCmd := func(args ...string) *cobra.Command {
		cmd := &cobra.Command{Use: "x"}
		cmd.Flags().String("log-level", "", "")
		cmd.Flags().Bool("verbose", false, "")
		require.NoError(t, cmd.Flags().Parse(args))
		return cmd
	}
	info := config.DefaultConfig()

	tests := []struct {
		name string
		args []string
		cfg  *config.Config
		want logrus.Level
		err  bool
	}{
		{name: "silent without config", want: logrus.PanicLevel},
		{name: "config level", cfg: info, want: logrus.InfoLevel},
		{name: "verbose", args: []string{"--verbose"}, cfg: info, want: logrus.DebugLevel},
		{name: "log level wins", args: []string{"--verbose", "--log-level", "warn"}, want: logrus.WarnLevel},
		{name: "invalid", args: []string{"--log-level", "loud"}, err: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := configureLogger(newCmd(tt.args...), tt.cfg)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, logger.GetLevel())
		})
	}
}

// MockController records the commands issued by the interactive loop.
type MockController struct {
	mock.Mock
}

func (m *MockController) AutoConnect(ctx context.Context) error { return m.Called(ctx).Error(0) }
func (m *MockController) Start() { m.Called() }
func (m *MockController) Stop() { m.Called() }
func (m *MockController) SetFallDetection(on bool) { m.Called(on) }
func (m *MockController) CancelAlert() error { return m.Called().Error(0) }
func (m *MockController) ConfirmDisable() { m.Called() }
func (m *MockController) EcgToggle() error { return m.Called().Error(0) }
func (m *MockController) AccToggle() error { return m.Called().Error(0) }
func (m *MockController) SelectFeatureSet(set model.FeatureSet) error {
	return m.Called(set).Error(0)
}

func TestHandleCommand(t *testing.T) {
	ctx := context.Background()
	c := &MockController{}
	c.On("CancelAlert").Return(alert.ErrNoPendingAlert).Once()
	c.On("ConfirmDisable").Once()
	c.On("Start").Once()
	c.On("Stop").Once()
	c.On("SetFallDetection", false).Once()
	c.On("EcgToggle").Return(nil).Once()
	c.On("SelectFeatureSet", model.Polar).Return(nil).Once()
	c.On("AutoConnect", ctx).Return(nil).Once()

	assert.ErrorIs(t, handleCommand(ctx, c, "c"), alert.ErrNoPendingAlert)
	assert.NoError(t, handleCommand(ctx, c, " D "))
	assert.NoError(t, handleCommand(ctx, c, "start"))
	assert.NoError(t, handleCommand(ctx, c, "x"))
	assert.NoError(t, handleCommand(ctx, c, "off"))
	assert.NoError(t, handleCommand(ctx, c, "e"))
	assert.NoError(t, handleCommand(ctx, c, "f polar-only"))
	assert.NoError(t, handleCommand(ctx, c, "r"))
	assert.NoError(t, handleCommand(ctx, c, ""))

	assert.ErrorIs(t, handleCommand(ctx, c, "f cnn"), model.ErrUnknownFeatureSet)
	assert.Error(t, handleCommand(ctx, c, "f"))
	assert.Error(t, handleCommand(ctx, c, "jump"))
	assert.ErrorIs(t, handleCommand(ctx, c, "q"), errQuit)

	c.AssertExpectations(t)
}

func TestReadCommands(t *testing.T) {
	c := &MockController{}
	c.On("Start").Once()
	c.On("CancelAlert").Return(alert.ErrNoPendingAlert).Once()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out bytes.Buffer
	quit := readCommands(ctx, strings.NewReader("s\nc\nq\ns\n"), &out, c, quietLogger())

	assert.True(t, quit, "q MUST request shutdown")
	assert.Contains(t, out.String(), alert.ErrNoPendingAlert.Error(), "command errors MUST be printed")
	c.AssertExpectations(t)

	assert.False(t, readCommands(ctx, strings.NewReader(""), &out, c, quietLogger()),
		"end of input MUST NOT request shutdown")
}

func TestRenderStatus(t *testing.T) {
	color.NoColor = true
	now := time.Now()

	st := session.New(model.Acc, quietLogger())
	snap := st.Snapshot()
	line := renderStatus(snap, nil, now)
	assert.Contains(t, line, "disconnected")
	assert.Contains(t, line, "HR --")
	assert.Contains(t, line, "stopped")

	st.SetConnection(device.Connected("c4:7f:51:00:00:01"))
	st.SetChannelState(device.Accelerometer, device.Enabled)
	st.SetChannelState(device.ECG, device.Failed)
	st.SetHeartRate(71)
	st.SetBattery(90)
	st.SetStarted(true)
	st.SetFallDetectionEnabled(true)
	line = renderStatus(st.Snapshot(), nil, now)
	assert.Contains(t, line, "c4:7f:51:00:00:01")
	assert.Contains(t, line, "ecg!")
	assert.Contains(t, line, "HR 71bpm")
	assert.Contains(t, line, "battery 90%")
	assert.Contains(t, line, "watching")

	st.SetFallDetectionEnabled(false)
	assert.Contains(t, renderStatus(st.Snapshot(), nil, now), "detection off")

	pending := &alert.Alert{Event: &classifier.FallEvent{}, Deadline: now.Add(12 * time.Second)}
	assert.Contains(t, renderStatus(st.Snapshot(), pending, now), "notifying in 12s")
	pending.Deadline = now.Add(-time.Second)
	assert.Contains(t, renderStatus(st.Snapshot(), pending, now), "notifying in 0s")
}

type stateSource struct {
	*session.State
}

func (stateSource) PendingAlert() (alert.Alert, bool) { return alert.Alert{}, false }

func TestRenderLoop_PrintsChanges(t *testing.T) {
	st := session.New(model.Acc, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())

	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		renderLoop(ctx, stateSource{st}, pw, false)
		pw.Close()
		close(done)
	}()

	lines := make(chan string, 16)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := pr.Read(buf)
			if n > 0 {
				lines <- string(buf[:n])
			}
			if err != nil {
				close(lines)
				return
			}
		}
	}()

	first := <-lines
	assert.Contains(t, first, "disconnected", "the current snapshot MUST be printed first")

	st.SetHeartRate(64)
	assert.Eventually(t, func() bool {
		select {
		case l := <-lines:
			return strings.Contains(l, "HR 64bpm")
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

type fakeToken struct{ done chan struct{} }

func (t *fakeToken) Wait() bool { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error { return nil }

type fakePublisher struct{ published atomic.Int32 }

func (p *fakePublisher) Publish(string, byte, bool, interface{}) mqtt.Token {
	p.published.Add(1)
	done := make(chan struct{})
	close(done)
	return &fakeToken{done: done}
}

func TestBuildNotifier(t *testing.T) {
	mr := miniredis.RunT(t)

	var hooks atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hooks.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	pub := &fakePublisher{}
	var closed atomic.Bool
	orig := newMQTTClient
	newMQTTClient = func(o alert.MQTTOptions) (alert.Publisher, func(), error) {
		assert.Equal(t, "tcp://broker:1883", o.Broker)
		return pub, func() { closed.Store(true) }, nil
	}
	defer func() { newMQTTClient = orig }()

	cfg := config.DefaultConfig().Alert
	cfg.Redis.Addr = mr.Addr()
	cfg.MQTT.Broker = "tcp://broker:1883"
	cfg.Webhook.URL = srv.URL
	cfg.Webhook.RetryCount = 0

	n, closeFn, err := buildNotifier(&cfg, quietLogger())
	require.NoError(t, err)

	multi, ok := n.(alert.Multi)
	require.True(t, ok)
	assert.Len(t, multi, 4, "log, redis, mqtt and webhook notifiers MUST be configured")

	ts := time.Now()
	a := alert.Alert{
		Event:    &classifier.FallEvent{ID: classifier.EventID(model.Key{Arch: model.Logistic, Features: model.Acc}, ts), Timestamp: ts},
		RaisedAt: ts,
	}
	require.NoError(t, n.Notify(context.Background(), a))

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	entries, err := rdb.XRange(context.Background(), cfg.Redis.Stream, "-", "+").Result()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, int32(1), pub.published.Load())
	assert.Equal(t, int32(1), hooks.Load())

	closeFn()
	assert.True(t, closed.Load(), "close MUST release the MQTT client")
}

func TestBuildNotifier_LogOnly(t *testing.T) {
	cfg := config.DefaultConfig().Alert
	n, closeFn, err := buildNotifier(&cfg, quietLogger())
	require.NoError(t, err)
	defer closeFn()
	assert.Len(t, n.(alert.Multi), 1)
}

func TestBuildNotifier_MQTTFailure(t *testing.T) {
	orig := newMQTTClient
	newMQTTClient = func(alert.MQTTOptions) (alert.Publisher, func(), error) {
		return nil, nil, errors.New("connection refused")
	}
	defer func() { newMQTTClient = orig }()

	cfg := config.DefaultConfig().Alert
	cfg.MQTT.Broker = "tcp://broker:1883"
	_, _, err := buildNotifier(&cfg, quietLogger())
	assert.ErrorContains(t, err, "connection refused")
}

type fakeScanner struct {
	straps []goble.Strap
	opts   *goble.ScanOptions
}

func (f *fakeScanner) Scan(_ context.Context, opts *goble.ScanOptions) ([]goble.Strap, error) {
	f.opts = opts
	return f.straps, nil
}

func TestScanCommand(t *testing.T) {
	fake := &fakeScanner{straps: []goble.Strap{
		{ID: "c4:7f:51:00:00:01", Name: "Polar H10 8C4D1F2E", RSSI: -52, LastSeen: time.Now()},
	}}
	orig := newScanner
	newScanner = func(*logrus.Logger) strapScanner { return fake }
	defer func() { newScanner = orig }()

	out, err := executeCommand("scan", "--format", "json", "--duration", "2s")
	require.NoError(t, err)
	var got []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "c4:7f:51:00:00:01", got[0]["address"])
	assert.Equal(t, 2*time.Second, fake.opts.Duration)
	assert.Equal(t, goble.DefaultNamePrefix, fake.opts.NamePrefix)

	out, err = executeCommand("scan", "--format", "table", "--duration", "1s")
	require.NoError(t, err)
	assert.Contains(t, out, "Polar H10 8C4D1F2E")
	assert.Contains(t, out, "-52 dBm")

	_, err = executeCommand("scan", "--format", "xml", "--duration", "1s")
	assert.ErrorContains(t, err, "invalid format")
}

func TestModelsCommand(t *testing.T) {
	out, err := executeCommand("models")
	require.NoError(t, err)
	assert.Contains(t, out, "ARCH")
	assert.Contains(t, out, "threshold")
	assert.Contains(t, out, "Accelerometer impact scorer (default)")
}

func TestProgressPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgressPrinter(&buf, "Scanning", 3*time.Second)
	p.Start()
	p.Start()
	time.Sleep(150 * time.Millisecond)
	p.Stop()
	p.Stop()

	out := buf.String()
	assert.Contains(t, out, "Scanning (3s)")
	assert.True(t, strings.HasSuffix(out, clearLineSequence), "Stop MUST clear the line")

	idle := NewProgressPrinter(&buf, "idle", 0)
	idle.Stop()
}
