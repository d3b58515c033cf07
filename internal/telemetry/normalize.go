package telemetry

import "math"

// DefaultSensorRange is the accelerometer full-scale constant used when
// centring samples for display and feature purposes.
const DefaultSensorRange = 3000.0

// Mean returns the arithmetic mean of values, or 0 when fewer than two values
// are present (the mean of a single sample carries no centring information).
func Mean(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Normalize centres values on their mean and scales them by rangeMax - mean.
//
// An empty input yields an empty result, a single sample yields [0], and a
// zero denominator yields all zeros.
func Normalize(values []float64, rangeMax float64) []float64 {
	out := make([]float64, len(values))
	if len(values) < 2 {
		return out
	}
	mean := Mean(values)
	denom := rangeMax - mean
	if denom == 0 || math.IsNaN(denom) {
		return out
	}
	for i, v := range values {
		out[i] = (v - mean) / denom
	}
	return out
}

// Extent returns the minimum and maximum of values. ok is false for an empty
// input, which means "no data yet" rather than "all zeros".
func Extent(values []float64) (lo, hi float64, ok bool) {
	if len(values) == 0 {
		return 0, 0, false
	}
	lo, hi = values[0], values[0]
	for _, v := range values[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi, true
}

// ScaleToPeak divides values by the largest absolute value so the trace fits
// [-1, 1]. ok is false when there is no data or every value is zero.
func ScaleToPeak(values []float64) ([]float64, bool) {
	lo, hi, ok := Extent(values)
	if !ok {
		return nil, false
	}
	peak := math.Max(math.Abs(lo), math.Abs(hi))
	if peak == 0 {
		return make([]float64, len(values)), false
	}
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = v / peak
	}
	return out, true
}

// Stats summarises a series.
type Stats struct {
	Count int
	Mean  float64
	Std   float64
	Min   float64
	Max   float64
}

// Describe computes Stats for values. The zero Stats is returned for an empty
// input.
func Describe(values []float64) Stats {
	lo, hi, ok := Extent(values)
	if !ok {
		return Stats{}
	}
	n := float64(len(values))
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / n
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return Stats{
		Count: len(values),
		Mean:  mean,
		Std:   math.Sqrt(sq / n),
		Min:   lo,
		Max:   hi,
	}
}
