// Package goble implements device.Peripheral for a Polar H10 strap on top of
// the go-ble stack.
package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/fallwatch/internal/device"
	"github.com/srg/fallwatch/internal/device/polar"
)

// DefaultControlTimeout bounds a PMD control point round trip.
const DefaultControlTimeout = 3 * time.Second

// Peripheral is a Polar H10 reached through go-ble.
type Peripheral struct {
	logger  *logrus.Logger
	scanner *Scanner
	adapter func() (ble.Device, error)

	// ControlTimeout bounds PMD start/stop requests.
	ControlTimeout time.Duration

	mu      sync.Mutex // serializes connection and subscription changes
	dev     ble.Device
	client  ble.Client
	chars   map[string]*ble.Characteristic
	pmdOn   bool
	cpResp  chan []byte
	lostCh  <-chan struct{}
	streams map[polar.MeasureType]bool

	hmu      sync.RWMutex
	handlers map[device.Channel]func(device.Sample)
}

// NewPeripheral creates an unconnected peripheral. adapter returns the BLE
// adapter; nil uses DeviceFactory.
func NewPeripheral(adapter func() (ble.Device, error), logger *logrus.Logger) *Peripheral {
	if logger == nil {
		logger = logrus.New()
	}
	if adapter == nil {
		adapter = DeviceFactory
	}
	p := &Peripheral{
		logger:         logger,
		adapter:        adapter,
		ControlTimeout: DefaultControlTimeout,
		handlers:       make(map[device.Channel]func(device.Sample)),
		streams:        make(map[polar.MeasureType]bool),
	}
	p.scanner = NewScanner(p.device, logger)
	return p
}

// device returns the adapter, creating it once.
func (p *Peripheral) device() (ble.Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deviceLocked()
}

func (p *Peripheral) deviceLocked() (ble.Device, error) {
	if p.dev != nil {
		return p.dev, nil
	}
	dev, err := p.adapter()
	if err != nil {
		return nil, NormalizeError(err)
	}
	p.dev = dev
	return dev, nil
}

// Discover scans until the first matching strap is seen or ctx ends.
func (p *Peripheral) Discover(ctx context.Context, preferredID string) (string, error) {
	opts := &ScanOptions{NamePrefix: DefaultNamePrefix, PreferredID: preferredID, StopOnFirst: true}
	found, err := p.scanner.Scan(ctx, opts)
	if err != nil {
		return "", err
	}
	if len(found) == 0 {
		return "", device.ErrDeviceNotFound
	}
	return found[0].ID, nil
}

// Connect dials the strap and resolves the characteristics the channels use.
func (p *Peripheral) Connect(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("device address is empty")
	}
	if p.client != nil {
		return device.ErrAlreadyConnected
	}
	dev, err := p.deviceLocked()
	if err != nil {
		return err
	}

	p.logger.WithField("address", id).Info("Connecting to sensor strap...")
	client, err := dev.Dial(ctx, ble.NewAddr(id))
	if err != nil {
		return fmt.Errorf("failed to connect to device with address %q: %w", id, NormalizeError(err))
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			p.logger.WithError(cancelErr).Warn("Failed to cancel connection during profile discovery failure")
		}
		return fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
	}

	chars := make(map[string]*ble.Characteristic)
	for _, svc := range profile.Services {
		for _, c := range svc.Characteristics {
			for _, want := range []string{
				polar.HeartRateMeasurementUUID,
				polar.BatteryLevelUUID,
				polar.PMDControlPointUUID,
				polar.PMDDataUUID,
			} {
				if sameUUID(c.UUID, want) {
					chars[want] = c
				}
			}
		}
	}

	p.client = client
	p.chars = chars
	p.pmdOn = false
	p.streams = make(map[polar.MeasureType]bool)
	p.lostCh = client.Disconnected()
	if p.lostCh != nil {
		go p.releaseOnLoss(client, p.lostCh)
	}

	p.logger.WithFields(logrus.Fields{
		"address":         id,
		"services":        len(profile.Services),
		"characteristics": len(chars),
	}).Info("Sensor strap connected")
	return nil
}

// Disconnect drops every subscription and closes the link.
func (p *Peripheral) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client == nil {
		return device.ErrNotConnected
	}
	client := p.client
	p.releaseLocked()

	if err := client.CancelConnection(); err != nil {
		return NormalizeError(err)
	}
	return nil
}

// releaseOnLoss forgets client once the stack reports the link dropped, so a
// later Connect can dial again.
func (p *Peripheral) releaseOnLoss(client ble.Client, lost <-chan struct{}) {
	<-lost
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != client {
		return
	}
	p.releaseLocked()
	p.logger.Warn("Sensor strap link lost")
}

func (p *Peripheral) releaseLocked() {
	p.client = nil
	p.chars = nil
	p.lostCh = nil
	p.pmdOn = false
	p.streams = make(map[polar.MeasureType]bool)

	p.hmu.Lock()
	p.handlers = make(map[device.Channel]func(device.Sample))
	p.hmu.Unlock()
}

// Disconnected is closed by the stack when the link drops.
func (p *Peripheral) Disconnected() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lostCh
}

// Subscribe starts the stream that feeds ch.
func (p *Peripheral) Subscribe(ch device.Channel, handler func(device.Sample)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client == nil {
		return device.ErrNotConnected
	}
	p.setHandler(ch, handler)

	var err error
	switch ch {
	case device.HeartRate:
		err = p.subscribeHeartRateLocked()
	case device.Battery:
		err = p.subscribeBatteryLocked()
	case device.ECG:
		err = p.startMeasureLocked(polar.ECGType, polar.DefaultECGSettings)
	case device.Accelerometer:
		err = p.startMeasureLocked(polar.AccType, polar.DefaultAccSettings)
	default:
		err = fmt.Errorf("%w: %s", device.ErrUnknownChannel, ch)
	}
	if err != nil {
		p.setHandler(ch, nil)
		return err
	}
	p.logger.WithField("channel", ch).Debug("Stream started")
	return nil
}

// Unsubscribe stops the stream that feeds ch.
func (p *Peripheral) Unsubscribe(ch device.Channel) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.setHandler(ch, nil)
	if p.client == nil {
		return device.ErrNotConnected
	}

	switch ch {
	case device.HeartRate:
		return p.unsubscribeLocked(polar.HeartRateMeasurementUUID)
	case device.Battery:
		c := p.chars[polar.BatteryLevelUUID]
		if c == nil || c.Property&ble.CharNotify == 0 {
			return nil
		}
		return p.unsubscribeLocked(polar.BatteryLevelUUID)
	case device.ECG:
		return p.stopMeasureLocked(polar.ECGType)
	case device.Accelerometer:
		return p.stopMeasureLocked(polar.AccType)
	default:
		return fmt.Errorf("%w: %s", device.ErrUnknownChannel, ch)
	}
}

func (p *Peripheral) setHandler(ch device.Channel, h func(device.Sample)) {
	p.hmu.Lock()
	defer p.hmu.Unlock()
	if h == nil {
		delete(p.handlers, ch)
		return
	}
	p.handlers[ch] = h
}

func (p *Peripheral) deliver(s device.Sample) {
	p.hmu.RLock()
	h := p.handlers[s.Channel]
	p.hmu.RUnlock()
	if h != nil {
		h(s)
	}
}

func (p *Peripheral) characteristicLocked(service, uuid string) (*ble.Characteristic, error) {
	c := p.chars[uuid]
	if c == nil {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, uuid}}
	}
	return c, nil
}

func (p *Peripheral) unsubscribeLocked(uuid string) error {
	c := p.chars[uuid]
	if c == nil {
		return nil
	}
	if err := p.client.Unsubscribe(c, false); err != nil {
		return NormalizeError(err)
	}
	return nil
}

func (p *Peripheral) subscribeHeartRateLocked() error {
	c, err := p.characteristicLocked(polar.HeartRateServiceUUID, polar.HeartRateMeasurementUUID)
	if err != nil {
		return err
	}
	return NormalizeError(p.client.Subscribe(c, false, p.onHeartRate))
}

func (p *Peripheral) subscribeBatteryLocked() error {
	c, err := p.characteristicLocked(polar.BatteryServiceUUID, polar.BatteryLevelUUID)
	if err != nil {
		return err
	}
	data, err := p.client.ReadCharacteristic(c)
	if err != nil {
		return fmt.Errorf("failed to read battery level: %w", NormalizeError(err))
	}
	p.onBattery(data)
	if c.Property&ble.CharNotify == 0 {
		return nil
	}
	return NormalizeError(p.client.Subscribe(c, false, p.onBattery))
}

func (p *Peripheral) onHeartRate(data []byte) {
	var hr polar.HeartRate
	if err := hr.UnmarshalBinary(data); err != nil {
		p.logger.WithError(err).Debug("Dropping heart rate notification")
		return
	}
	p.deliver(device.NewSample(device.HeartRate, time.Now(), hr.Values()...))
}

func (p *Peripheral) onBattery(data []byte) {
	level, err := polar.DecodeBattery(data)
	if err != nil {
		p.logger.WithError(err).Debug("Dropping battery notification")
		return
	}
	p.deliver(device.NewSample(device.Battery, time.Now(), float64(level)))
}
