package model

import (
	"fmt"
	"math"
	"sort"

	"github.com/srg/fallwatch/internal/device"
	"github.com/srg/fallwatch/internal/telemetry"
)

// MinSamples is the fewest samples per channel a feature vector is computed from.
const MinSamples = 2

// Feature names produced by Extract.
const (
	ECGMean  = "ecg_mean"
	ECGStd   = "ecg_std"
	ECGRange = "ecg_range"

	AccMagMean = "acc_mag_mean"
	AccMagStd  = "acc_mag_std"
	AccMagMin  = "acc_mag_min"
	AccMagMax  = "acc_mag_max"
	AccJerkMax = "acc_jerk_max"

	HRLast  = "hr_last"
	HRMean  = "hr_mean"
	HRDelta = "hr_delta"
)

var channelFeatures = map[device.Channel][]string{
	device.ECG:           {ECGMean, ECGStd, ECGRange},
	device.Accelerometer: {AccMagMean, AccMagStd, AccMagMin, AccMagMax, AccJerkMax},
	device.HeartRate:     {HRLast, HRMean, HRDelta},
}

// Features is a named feature vector.
type Features map[string]float64

// Names returns the feature names in sorted order.
func (f Features) Names() []string {
	names := make([]string, 0, len(f))
	for k := range f {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// FeatureNames lists every feature produced for set, in a stable order.
func FeatureNames(set FeatureSet) []string {
	var out []string
	for _, ch := range RequiredChannels(set) {
		out = append(out, channelFeatures[ch]...)
	}
	return out
}

// Magnitude returns the accelerometer magnitude series in g for a window of
// x/y/z samples in mG.
func Magnitude(w telemetry.Window) []float64 {
	out := make([]float64, len(w.Samples))
	for i, s := range w.Samples {
		x, y, z := s.Value(0), s.Value(1), s.Value(2)
		out[i] = math.Sqrt(x*x+y*y+z*z) / 1000
	}
	return out
}

// Extract computes the feature vector of set from windows, ignoring the newest
// lag samples of every window. Returns ErrInsufficientData when a required
// channel has fewer than MinSamples samples left.
func Extract(set FeatureSet, windows map[device.Channel]telemetry.Window, lag int) (Features, error) {
	if !set.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFeatureSet, set)
	}
	f := make(Features, len(FeatureNames(set)))
	for _, ch := range RequiredChannels(set) {
		w := windows[ch].Trim(lag)
		if w.Len() < MinSamples {
			return nil, fmt.Errorf("%w: %s has %d samples after lag %d", ErrInsufficientData, ch, w.Len(), lag)
		}
		switch ch {
		case device.ECG:
			s := telemetry.Describe(w.Axis(0))
			f[ECGMean] = s.Mean
			f[ECGStd] = s.Std
			f[ECGRange] = s.Max - s.Min
		case device.Accelerometer:
			mag := Magnitude(w)
			s := telemetry.Describe(mag)
			f[AccMagMean] = s.Mean
			f[AccMagStd] = s.Std
			f[AccMagMin] = s.Min
			f[AccMagMax] = s.Max
			f[AccJerkMax] = maxAbsDiff(mag)
		case device.HeartRate:
			hr := w.Axis(0)
			s := telemetry.Describe(hr)
			f[HRLast] = hr[len(hr)-1]
			f[HRMean] = s.Mean
			f[HRDelta] = hr[len(hr)-1] - hr[0]
		}
	}
	return f, nil
}

func maxAbsDiff(values []float64) float64 {
	var m float64
	for i := 1; i < len(values); i++ {
		if d := math.Abs(values[i] - values[i-1]); d > m {
			m = d
		}
	}
	return m
}
