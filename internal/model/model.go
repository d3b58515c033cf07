// Package model holds the fall detection model catalog and the model
// architectures the detector can run.
//
// A model is identified by Key{Arch, Features, Lag}. Lag is the prediction
// delay in samples: the newest Lag samples of every window are excluded
// before features are computed, which is how the catalog trades latency for
// context. Models are immutable once loaded.
package model

import (
	"errors"
	"fmt"
	"math"

	"github.com/srg/fallwatch/internal/device"
	"github.com/srg/fallwatch/internal/telemetry"
)

// Architecture names a model implementation.
type Architecture string

const (
	Logistic  Architecture = "logistic"
	Threshold Architecture = "threshold"
	Lua       Architecture = "lua"
)

var (
	// ErrModelNotFound is returned when no catalog entry matches a key.
	ErrModelNotFound = errors.New("model not found")
	// ErrInsufficientData is returned by Predict when the windows are too short
	// to evaluate.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrInvalidModel is returned for catalog entries that cannot be built.
	ErrInvalidModel = errors.New("invalid model definition")
)

// Key identifies a trained artifact.
type Key struct {
	Arch     Architecture
	Features FeatureSet
	Lag      int
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/lag%d", k.Arch, k.Features, k.Lag)
}

// Prediction is a model verdict for one set of windows.
type Prediction struct {
	Probability float64
	Fall        bool
}

// Model evaluates telemetry windows.
type Model interface {
	Key() Key
	// Predict evaluates windows. It returns ErrInsufficientData when a
	// required channel is too short after the lag is applied.
	Predict(windows map[device.Channel]telemetry.Window) (Prediction, error)
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
