package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/fallwatch/internal/alert"
	"github.com/srg/fallwatch/internal/device"
	"github.com/srg/fallwatch/internal/link"
	"github.com/srg/fallwatch/internal/model"
	"github.com/srg/fallwatch/internal/monitor"
	"github.com/srg/fallwatch/internal/telemetry"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel  string          `yaml:"log_level" default:"info"`
	Device    DeviceConfig    `yaml:"device"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Detection DetectionConfig `yaml:"detection"`
	Alert     AlertConfig     `yaml:"alert"`
}

// DeviceConfig controls discovery and stream supervision.
type DeviceConfig struct {
	PreferredID      string        `yaml:"preferred_id"`
	SearchTimeout    time.Duration `yaml:"search_timeout" default:"10s"`
	PollInterval     time.Duration `yaml:"poll_interval" default:"2s"`
	StreamTimeout    time.Duration `yaml:"stream_timeout" default:"5s"`
	WatchdogInterval time.Duration `yaml:"watchdog_interval" default:"1s"`
	QueueSize        uint32        `yaml:"queue_size" default:"4096"`
	ScanTimeout      time.Duration `yaml:"scan_timeout" default:"10s"`
}

// TelemetryConfig sizes the per-channel windows (in samples).
type TelemetryConfig struct {
	ECGWindow       int     `yaml:"ecg_window" default:"520"`
	AccWindow       int     `yaml:"acc_window" default:"800"`
	HeartRateWindow int     `yaml:"hr_window" default:"16"`
	SensorRange     float64 `yaml:"sensor_range" default:"3000"`
}

// DetectionConfig selects the model family and the evaluation cadence.
type DetectionConfig struct {
	FeatureSet   string        `yaml:"feature_set" default:"acc"`
	Architecture string        `yaml:"architecture" default:"logistic"`
	Lag          int           `yaml:"lag" default:"0"`
	Cadence      time.Duration `yaml:"cadence" default:"500ms"`
	AutoStart    bool          `yaml:"auto_start" default:"true"`
	// Models is an optional manifest replacing the built-in catalog.
	Models string `yaml:"models"`
}

// AlertConfig configures the countdown and the notifiers. A remote notifier
// is enabled when its address is set.
type AlertConfig struct {
	Countdown     time.Duration   `yaml:"countdown" default:"30s"`
	NotifyTimeout time.Duration   `yaml:"notify_timeout" default:"10s"`
	Contacts      []alert.Contact `yaml:"contacts"`
	Redis         RedisConfig     `yaml:"redis"`
	MQTT          MQTTConfig      `yaml:"mqtt"`
	Webhook       WebhookConfig   `yaml:"webhook"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" default:"0"`
	Stream   string `yaml:"stream" default:"fallwatch:alerts"`
	MaxLen   int64  `yaml:"max_len" default:"1000"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id" default:"fallwatch"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic" default:"fallwatch/alerts"`
	QoS      byte   `yaml:"qos" default:"1"`
}

type WebhookConfig struct {
	URL        string        `yaml:"url"`
	Token      string        `yaml:"token"`
	Timeout    time.Duration `yaml:"timeout" default:"10s"`
	RetryCount int           `yaml:"retry_count" default:"3"`
}

// ValidationError reports one invalid configuration field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. Unknown keys are rejected. The
// models manifest path is resolved relative to the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if cfg.Detection.Models != "" && !filepath.IsAbs(cfg.Detection.Models) {
		cfg.Detection.Models = filepath.Join(filepath.Dir(path), cfg.Detection.Models)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field and joins the problems found.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(field, format string, args ...any) {
		errs = append(errs, &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)})
	}

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		invalid("log_level", "unknown level %q", c.LogLevel)
	}

	positive := map[string]time.Duration{
		"device.search_timeout":    c.Device.SearchTimeout,
		"device.poll_interval":     c.Device.PollInterval,
		"device.stream_timeout":    c.Device.StreamTimeout,
		"device.watchdog_interval": c.Device.WatchdogInterval,
		"detection.cadence":        c.Detection.Cadence,
		"alert.countdown":          c.Alert.Countdown,
		"alert.notify_timeout":     c.Alert.NotifyTimeout,
	}
	for _, field := range slices.Sorted(maps.Keys(positive)) {
		if positive[field] <= 0 {
			invalid(field, "must be > 0, got %s", positive[field])
		}
	}
	if c.Device.QueueSize == 0 {
		invalid("device.queue_size", "must be > 0")
	}

	windows := map[string]int{
		"telemetry.ecg_window": c.Telemetry.ECGWindow,
		"telemetry.acc_window": c.Telemetry.AccWindow,
		"telemetry.hr_window":  c.Telemetry.HeartRateWindow,
	}
	for _, field := range slices.Sorted(maps.Keys(windows)) {
		if windows[field] <= 0 {
			invalid(field, "must be > 0, got %d", windows[field])
		}
	}
	if c.Telemetry.SensorRange <= 0 {
		invalid("telemetry.sensor_range", "must be > 0")
	}

	if _, err := model.ParseFeatureSet(c.Detection.FeatureSet); err != nil {
		invalid("detection.feature_set", "%v", err)
	}
	switch model.Architecture(c.Detection.Architecture) {
	case model.Logistic, model.Threshold, model.Lua:
	default:
		invalid("detection.architecture", "unknown architecture %q", c.Detection.Architecture)
	}
	if c.Detection.Lag < 0 {
		invalid("detection.lag", "must be >= 0, got %d", c.Detection.Lag)
	}

	for i, contact := range c.Alert.Contacts {
		if strings.TrimSpace(contact.Phone) == "" {
			invalid(fmt.Sprintf("alert.contacts[%d].phone", i), "must not be empty")
		}
	}
	if c.Alert.Redis.Addr != "" && c.Alert.Redis.Stream == "" {
		invalid("alert.redis.stream", "must not be empty")
	}
	if c.Alert.MQTT.Broker != "" {
		if c.Alert.MQTT.Topic == "" {
			invalid("alert.mqtt.topic", "must not be empty")
		}
		if c.Alert.MQTT.QoS > 2 {
			invalid("alert.mqtt.qos", "must be 0, 1 or 2, got %d", c.Alert.MQTT.QoS)
		}
	}
	if c.Alert.Webhook.URL != "" && !strings.HasPrefix(c.Alert.Webhook.URL, "http://") && !strings.HasPrefix(c.Alert.Webhook.URL, "https://") {
		invalid("alert.webhook.url", "must be an http(s) URL")
	}

	return errors.Join(errs...)
}

// Level returns the configured log level, Info when it does not parse.
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// Monitor converts the configuration into the core's settings.
func (c *Config) Monitor() (monitor.Config, error) {
	set, err := model.ParseFeatureSet(c.Detection.FeatureSet)
	if err != nil {
		return monitor.Config{}, err
	}

	lc := link.DefaultConfig()
	lc.PreferredID = c.Device.PreferredID
	lc.SearchTimeout = c.Device.SearchTimeout
	lc.PollInterval = c.Device.PollInterval
	lc.WatchdogInterval = c.Device.WatchdogInterval
	lc.QueueSize = c.Device.QueueSize
	lc.StreamTimeouts = map[device.Channel]time.Duration{
		device.ECG:           c.Device.StreamTimeout,
		device.Accelerometer: c.Device.StreamTimeout,
		device.HeartRate:     c.Device.StreamTimeout,
	}

	return monitor.Config{
		Link: lc,
		Capacities: telemetry.Capacities{
			device.ECG:           c.Telemetry.ECGWindow,
			device.Accelerometer: c.Telemetry.AccWindow,
			device.HeartRate:     c.Telemetry.HeartRateWindow,
			device.Battery:       1,
		},
		FeatureSet: set,
		Arch:       model.Architecture(c.Detection.Architecture),
		Lag:        c.Detection.Lag,
		Cadence:    c.Detection.Cadence,
		Alert: alert.Config{
			Countdown:     c.Alert.Countdown,
			NotifyTimeout: c.Alert.NotifyTimeout,
			Contacts:      c.Alert.Contacts,
		},
		SensorRange: c.Telemetry.SensorRange,
	}, nil
}
