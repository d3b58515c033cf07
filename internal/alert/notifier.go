package alert

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/fallwatch/internal/classifier"
)

// Contact is an emergency contact.
type Contact struct {
	Name  string `yaml:"name" json:"name"`
	Phone string `yaml:"phone" json:"phone"`
}

// Alert is one fall alert with the people to call.
type Alert struct {
	Event    *classifier.FallEvent
	Contacts []Contact
	RaisedAt time.Time
	Deadline time.Time
}

// Payload is the wire form of an Alert sent to external notifiers.
type Payload struct {
	EventID    string    `json:"event_id"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence"`
	Model      string    `json:"model"`
	RaisedAt   time.Time `json:"raised_at"`
	Contacts   []Contact `json:"contacts"`
}

// Payload converts a to its wire form.
func (a Alert) Payload() Payload {
	p := Payload{
		RaisedAt: a.RaisedAt.UTC(),
		Contacts: a.Contacts,
	}
	if p.Contacts == nil {
		p.Contacts = []Contact{}
	}
	if a.Event != nil {
		p.EventID = a.Event.ID.String()
		p.Timestamp = a.Event.Timestamp.UTC()
		p.Confidence = a.Event.Confidence
		p.Model = a.Event.Model.String()
	}
	return p
}

// MarshalPayload returns the JSON encoding of a's payload.
func (a Alert) MarshalPayload() ([]byte, error) {
	return json.Marshal(a.Payload())
}

// Notifier delivers an expired alert to the outside world. Notify is called
// exactly once per expired alert.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, a Alert) error

func (f NotifierFunc) Notify(ctx context.Context, a Alert) error { return f(ctx, a) }

// LogNotifier writes the alert to the log. It is always part of the chain so
// an alert leaves a trace even when every remote notifier fails.
type LogNotifier struct {
	Logger *logrus.Logger
}

func (n LogNotifier) Notify(_ context.Context, a Alert) error {
	p := a.Payload()
	entry := n.Logger.WithFields(logrus.Fields{
		"event_id":   p.EventID,
		"timestamp":  p.Timestamp.Format(time.RFC3339),
		"confidence": p.Confidence,
		"model":      p.Model,
	})
	if len(p.Contacts) == 0 {
		entry.Error("FALL ALERT: no emergency contacts configured")
		return nil
	}
	for _, c := range p.Contacts {
		entry.WithFields(logrus.Fields{
			"contact": c.Name,
			"phone":   c.Phone,
		}).Error("FALL ALERT: calling emergency contact")
	}
	return nil
}

// Multi fans an alert out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
