package model

import (
	"fmt"

	"github.com/srg/fallwatch/internal/device"
	"github.com/srg/fallwatch/internal/telemetry"
)

// ThresholdParams configures ThresholdModel.
type ThresholdParams struct {
	FreeFallG  float64 // magnitude below this counts as free fall
	ImpactG    float64 // magnitude above this counts as impact
	HRSurgeBPM float64 // heart rate rise over the window that counts as a surge
}

// ThresholdModel is a rule based detector. With accelerometer data it looks
// for a free-fall phase followed by an impact; with only ECG and heart rate it
// looks for a heart rate surge across the window.
type ThresholdModel struct {
	key    Key
	params ThresholdParams
}

// NewThreshold builds a threshold model for key.
func NewThreshold(key Key, p ThresholdParams) (*ThresholdModel, error) {
	if Uses(key.Features, device.Accelerometer) {
		if p.FreeFallG <= 0 || p.ImpactG <= p.FreeFallG {
			return nil, fmt.Errorf("%w: %s: need 0 < free_fall_g < impact_g", ErrInvalidModel, key)
		}
	} else if p.HRSurgeBPM <= 0 {
		return nil, fmt.Errorf("%w: %s: hr_surge_bpm must be > 0", ErrInvalidModel, key)
	}
	return &ThresholdModel{key: key, params: p}, nil
}

func (m *ThresholdModel) Key() Key { return m.key }

func (m *ThresholdModel) Predict(windows map[device.Channel]telemetry.Window) (Prediction, error) {
	for _, ch := range RequiredChannels(m.key.Features) {
		if windows[ch].Trim(m.key.Lag).Len() < MinSamples {
			return Prediction{}, fmt.Errorf("%w: %s", ErrInsufficientData, ch)
		}
	}

	if Uses(m.key.Features, device.Accelerometer) {
		return m.impact(windows[device.Accelerometer].Trim(m.key.Lag)), nil
	}
	hr := windows[device.HeartRate].Trim(m.key.Lag).Axis(0)
	delta := hr[len(hr)-1] - hr[0]
	p := clamp01(0.5 * delta / m.params.HRSurgeBPM)
	return Prediction{Probability: p, Fall: delta >= m.params.HRSurgeBPM}, nil
}

// impact reports a fall when a magnitude below FreeFallG is followed by a
// later peak above ImpactG.
func (m *ThresholdModel) impact(w telemetry.Window) Prediction {
	mag := Magnitude(w)

	low := -1
	for i, v := range mag {
		if v < m.params.FreeFallG && (low < 0 || v < mag[low]) {
			low = i
		}
	}

	start := 0
	if low >= 0 {
		start = low
	}
	peak := start
	for i := start + 1; i < len(mag); i++ {
		if mag[i] > mag[peak] {
			peak = i
		}
	}

	if low >= 0 && mag[peak] > m.params.ImpactG {
		p := clamp01(0.5 + 0.5*(mag[peak]-m.params.ImpactG)/m.params.ImpactG)
		return Prediction{Probability: p, Fall: true}
	}
	return Prediction{Probability: min(0.49, 0.5*mag[peak]/m.params.ImpactG), Fall: false}
}
