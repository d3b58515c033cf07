package device

import (
	"fmt"
	"strings"
	"time"
)

// Channel identifies one telemetry stream of the sensor strap.
type Channel int

const (
	ECG Channel = iota
	Accelerometer
	HeartRate
	Battery
)

// Channels lists every channel in a stable order.
var Channels = []Channel{ECG, Accelerometer, HeartRate, Battery}

var channelNames = map[Channel]string{
	ECG:           "ecg",
	Accelerometer: "acc",
	HeartRate:     "hr",
	Battery:       "battery",
}

func (c Channel) String() string {
	if name, ok := channelNames[c]; ok {
		return name
	}
	return fmt.Sprintf("channel(%d)", int(c))
}

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	_, ok := channelNames[c]
	return ok
}

// ParseChannel converts a configuration name ("ecg", "acc", "accelerometer", "hr",
// "heart_rate", "battery") into a Channel.
func ParseChannel(s string) (Channel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ecg":
		return ECG, nil
	case "acc", "accelerometer":
		return Accelerometer, nil
	case "hr", "heart_rate", "heartrate":
		return HeartRate, nil
	case "battery":
		return Battery, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownChannel, s)
	}
}

// ChannelState is the per-channel stream state. It replaces a pair of
// enabled/failed flags so that "disabled but failed" cannot be represented.
type ChannelState int

const (
	Disabled ChannelState = iota
	Enabled
	Failed // enabled, but the stream stopped delivering; sticky until re-enabled
)

func (s ChannelState) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Enabled:
		return "enabled"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("channel_state(%d)", int(s))
	}
}

// Sample is a single timestamped reading of one channel. Accelerometer samples
// carry three axes (mG), ECG one value (uV), heart rate the bpm followed by any
// RR intervals (ms), battery one value (percent).
//
// Samples are immutable once produced: Values must be treated as read-only.
type Sample struct {
	Channel   Channel
	Timestamp time.Time
	Values    []float64
}

// NewSample creates a sample that owns a private copy of values.
func NewSample(ch Channel, ts time.Time, values ...float64) Sample {
	v := make([]float64, len(values))
	copy(v, values)
	return Sample{Channel: ch, Timestamp: ts, Values: v}
}

// Value returns the i-th value, or 0 if the sample has fewer values.
func (s Sample) Value(i int) float64 {
	if i < 0 || i >= len(s.Values) {
		return 0
	}
	return s.Values[i]
}
