package goble

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/fallwatch/internal/device"
	"github.com/srg/fallwatch/internal/device/polar"
)

// enablePMDLocked subscribes to control point indications and data
// notifications once per connection.
func (p *Peripheral) enablePMDLocked() error {
	if p.pmdOn {
		return nil
	}
	cp, err := p.characteristicLocked(polar.PMDServiceUUID, polar.PMDControlPointUUID)
	if err != nil {
		return err
	}
	data, err := p.characteristicLocked(polar.PMDServiceUUID, polar.PMDDataUUID)
	if err != nil {
		return err
	}

	p.cpResp = make(chan []byte, 1)
	resp := p.cpResp
	onControl := func(b []byte) {
		msg := append([]byte(nil), b...)
		select {
		case resp <- msg:
		default:
		}
	}
	if err := p.client.Subscribe(cp, true, onControl); err != nil {
		return fmt.Errorf("failed to subscribe to PMD control point: %w", NormalizeError(err))
	}
	if err := p.client.Subscribe(data, false, p.onPMDData); err != nil {
		return fmt.Errorf("failed to subscribe to PMD data: %w", NormalizeError(err))
	}
	p.pmdOn = true
	return nil
}

func (p *Peripheral) startMeasureLocked(measure polar.MeasureType, settings []polar.Setting) error {
	if err := p.enablePMDLocked(); err != nil {
		return err
	}
	if p.streams[measure] {
		return nil
	}
	if err := p.controlLocked(polar.StartMeasure, measure, settings...); err != nil {
		return err
	}
	p.streams[measure] = true
	return nil
}

func (p *Peripheral) stopMeasureLocked(measure polar.MeasureType) error {
	if !p.streams[measure] {
		return nil
	}
	delete(p.streams, measure)
	return p.controlLocked(polar.StopMeasure, measure)
}

// controlLocked writes a control point request and waits for its response.
func (p *Peripheral) controlLocked(com polar.Command, measure polar.MeasureType, settings ...polar.Setting) error {
	cp := p.chars[polar.PMDControlPointUUID]
	if cp == nil {
		return &device.NotFoundError{Resource: "characteristic", UUIDs: []string{polar.PMDServiceUUID, polar.PMDControlPointUUID}}
	}

	// drop a stale response left by an earlier timed-out request
	select {
	case <-p.cpResp:
	default:
	}

	req := polar.EncodeCommand(com, measure, settings...)
	if err := p.client.WriteCharacteristic(cp, req, false); err != nil {
		return fmt.Errorf("failed to write PMD control point: %w", NormalizeError(err))
	}

	timeout := p.ControlTimeout
	if timeout <= 0 {
		timeout = DefaultControlTimeout
	}
	select {
	case resp := <-p.cpResp:
		return polar.CheckResponse(resp, com, measure)
	case <-time.After(timeout):
		return fmt.Errorf("%w: PMD control point response", device.ErrTimeout)
	}
}

// onPMDData fans a data frame out as per-sample events. Samples are stamped
// with host time: the last sample of a frame gets the arrival time and the
// others are spread back by the stream period.
func (p *Peripheral) onPMDData(data []byte) {
	p.dispatchFrame(data, time.Now())
}

func (p *Peripheral) dispatchFrame(data []byte, arrived time.Time) {
	f, err := polar.DecodeFrame(data)
	if err != nil {
		p.logger.WithError(err).Debug("Dropping PMD frame")
		return
	}

	var ch device.Channel
	var rate uint16
	switch f.Type {
	case polar.ECGType:
		ch, rate = device.ECG, sampleRate(polar.DefaultECGSettings)
	case polar.AccType:
		ch, rate = device.Accelerometer, sampleRate(polar.DefaultAccSettings)
	default:
		return
	}

	f.Timestamp = arrived
	times := f.SampleTimes(rate)
	for i, values := range f.Samples {
		p.deliver(device.NewSample(ch, times[i], values...))
	}
	if p.logger.IsLevelEnabled(logrus.TraceLevel) {
		p.logger.WithFields(logrus.Fields{"channel": ch, "samples": len(f.Samples)}).Trace("PMD frame")
	}
}

func sampleRate(settings []polar.Setting) uint16 {
	for _, s := range settings {
		if s.Type == polar.SampleRate {
			return s.Value
		}
	}
	return 0
}

var _ device.Peripheral = (*Peripheral)(nil)
