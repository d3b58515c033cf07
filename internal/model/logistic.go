package model

import (
	"fmt"

	"github.com/srg/fallwatch/internal/device"
	"github.com/srg/fallwatch/internal/telemetry"
)

// LogisticModel scores the feature vector with a linear model followed by a
// logistic link. Features without a weight contribute nothing.
type LogisticModel struct {
	key       Key
	weights   map[string]float64
	bias      float64
	threshold float64
}

// NewLogistic builds a logistic model. Every weight must name a feature of
// the key's feature set.
func NewLogistic(key Key, weights map[string]float64, bias, threshold float64) (*LogisticModel, error) {
	known := make(map[string]struct{})
	for _, name := range FeatureNames(key.Features) {
		known[name] = struct{}{}
	}
	w := make(map[string]float64, len(weights))
	for name, v := range weights {
		if _, ok := known[name]; !ok {
			return nil, fmt.Errorf("%w: %s: feature %q is not produced for %s", ErrInvalidModel, key, name, key.Features)
		}
		w[name] = v
	}
	if threshold <= 0 || threshold >= 1 {
		return nil, fmt.Errorf("%w: %s: threshold %v must be in (0,1)", ErrInvalidModel, key, threshold)
	}
	return &LogisticModel{key: key, weights: w, bias: bias, threshold: threshold}, nil
}

func (m *LogisticModel) Key() Key { return m.key }

func (m *LogisticModel) Predict(windows map[device.Channel]telemetry.Window) (Prediction, error) {
	f, err := Extract(m.key.Features, windows, m.key.Lag)
	if err != nil {
		return Prediction{}, err
	}
	return m.Score(f), nil
}

// Score evaluates an already extracted feature vector.
func (m *LogisticModel) Score(f Features) Prediction {
	z := m.bias
	for name, w := range m.weights {
		z += w * f[name]
	}
	p := sigmoid(z)
	return Prediction{Probability: p, Fall: p >= m.threshold}
}
