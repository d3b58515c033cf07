// Package classifier turns telemetry windows into fall decisions using the
// active model.
package classifier

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/srg/fallwatch/internal/device"
	"github.com/srg/fallwatch/internal/model"
	"github.com/srg/fallwatch/internal/telemetry"
)

// eventNamespace scopes the name-based FallEvent identifiers.
var eventNamespace = uuid.MustParse("5b0f8b7e-3c1a-4d8e-9d7a-6a1f4c2e9b10")

// Decision is the outcome of one classification.
type Decision int

const (
	NoDecision Decision = iota // required data missing or model unable to evaluate
	NoFall
	Fall
)

func (d Decision) String() string {
	switch d {
	case NoDecision:
		return "no-decision"
	case NoFall:
		return "no-fall"
	case Fall:
		return "fall"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// FallEvent is a positive classification. It is never persisted by the core.
type FallEvent struct {
	ID         uuid.UUID
	Timestamp  time.Time // newest sample time across the evaluated windows
	Confidence float64
	Model      model.Key
	Windows    map[device.Channel]telemetry.Window
}

// Classify evaluates m over windows. It returns a FallEvent only for a Fall
// decision. Missing channels and model failures are NoDecision, never errors.
func Classify(m model.Model, windows map[device.Channel]telemetry.Window) (*FallEvent, Decision) {
	ev, d, _ := classify(m, windows)
	return ev, d
}

// classify is Classify with the reason for a NoDecision.
func classify(m model.Model, windows map[device.Channel]telemetry.Window) (*FallEvent, Decision, error) {
	if m == nil {
		return nil, NoDecision, errors.New("no model")
	}
	key := m.Key()
	required := model.RequiredChannels(key.Features)
	if len(required) == 0 {
		return nil, NoDecision, fmt.Errorf("%w: %q", model.ErrUnknownFeatureSet, key.Features)
	}
	for _, ch := range required {
		if windows[ch].Empty() {
			return nil, NoDecision, fmt.Errorf("%w: %s window is empty", model.ErrInsufficientData, ch)
		}
	}

	pred, err := m.Predict(windows)
	if err != nil {
		return nil, NoDecision, err
	}
	if !pred.Fall {
		return nil, NoFall, nil
	}

	snapshot := make(map[device.Channel]telemetry.Window, len(required))
	var ts time.Time
	for _, ch := range required {
		w := windows[ch]
		snapshot[ch] = w
		if latest, ok := w.Latest(); ok && latest.Timestamp.After(ts) {
			ts = latest.Timestamp
		}
	}

	return &FallEvent{
		ID:         EventID(key, ts),
		Timestamp:  ts,
		Confidence: pred.Probability,
		Model:      key,
		Windows:    snapshot,
	}, Fall, nil
}

// EventID derives the identifier of a fall event from the model key and
// timestamp, so the same windows always yield the same ID.
func EventID(key model.Key, ts time.Time) uuid.UUID {
	return uuid.NewSHA1(eventNamespace, []byte(key.String()+"@"+ts.UTC().Format(time.RFC3339Nano)))
}
