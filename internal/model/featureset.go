package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/srg/fallwatch/internal/device"
)

// FeatureSet names the group of channels a model consumes.
type FeatureSet string

const (
	Polar FeatureSet = "polar" // ECG + heart rate
	Acc   FeatureSet = "acc"   // accelerometer only
	All   FeatureSet = "all"   // ECG + accelerometer + heart rate
)

// FeatureSets lists every feature set in display order.
var FeatureSets = []FeatureSet{Polar, Acc, All}

// ErrUnknownFeatureSet is returned for feature set names outside FeatureSets.
var ErrUnknownFeatureSet = errors.New("unknown feature set")

// ParseFeatureSet accepts the canonical names plus the long forms used by
// settings screens ("polar-only", "accelerometer-only").
func ParseFeatureSet(s string) (FeatureSet, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "polar", "polar-only":
		return Polar, nil
	case "acc", "accelerometer-only":
		return Acc, nil
	case "all":
		return All, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFeatureSet, s)
	}
}

// Valid reports whether f is one of FeatureSets.
func (f FeatureSet) Valid() bool {
	switch f {
	case Polar, Acc, All:
		return true
	}
	return false
}

func (f FeatureSet) String() string { return string(f) }

// RequiredChannels returns the channels whose windows must be non-empty before
// a model of set f may run. An unknown set requires nothing and is rejected
// elsewhere.
func RequiredChannels(f FeatureSet) []device.Channel {
	switch f {
	case Polar:
		return []device.Channel{device.ECG, device.HeartRate}
	case Acc:
		return []device.Channel{device.Accelerometer}
	case All:
		return []device.Channel{device.ECG, device.Accelerometer, device.HeartRate}
	default:
		return nil
	}
}

// Uses reports whether set f consumes channel ch.
func Uses(f FeatureSet, ch device.Channel) bool {
	for _, c := range RequiredChannels(f) {
		if c == ch {
			return true
		}
	}
	return false
}
