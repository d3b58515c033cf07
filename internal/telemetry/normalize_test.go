package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		values   []float64
		rangeMax float64
		want     []float64
	}{
		{name: "empty", values: nil, rangeMax: 3000, want: []float64{}},
		{name: "single sample", values: []float64{1200}, rangeMax: 3000, want: []float64{0}},
		{name: "centred on mean", values: []float64{0, 1000, 2000}, rangeMax: 3000, want: []float64{-0.5, 0, 0.5}},
		{name: "zero denominator", values: []float64{2999, 3001}, rangeMax: 3000, want: []float64{0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.values, tt.rangeMax)
			assert.InDeltaSlice(t, tt.want, got, 1e-9)
			assert.Len(t, got, len(tt.values))
		})
	}
}

func TestExtent(t *testing.T) {
	_, _, ok := Extent(nil)
	assert.False(t, ok, "empty input MUST report no data")

	lo, hi, ok := Extent([]float64{3, -7, 2, 11})
	assert.True(t, ok)
	assert.Equal(t, -7.0, lo)
	assert.Equal(t, 11.0, hi)
}

func TestScaleToPeak(t *testing.T) {
	got, ok := ScaleToPeak([]float64{-4, 2, 1})
	assert.True(t, ok)
	assert.InDeltaSlice(t, []float64{-1, 0.5, 0.25}, got, 1e-9)

	_, ok = ScaleToPeak(nil)
	assert.False(t, ok)

	got, ok = ScaleToPeak([]float64{0, 0})
	assert.False(t, ok)
	assert.Equal(t, []float64{0, 0}, got)
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, Stats{}, Describe(nil))

	s := Describe([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	assert.Equal(t, 8, s.Count)
	assert.InDelta(t, 5.0, s.Mean, 1e-9)
	assert.InDelta(t, 2.0, s.Std, 1e-9)
	assert.Equal(t, 2.0, s.Min)
	assert.Equal(t, 9.0, s.Max)
}
