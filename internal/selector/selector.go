// Package selector owns the active fall detection model and swaps it when the
// feature set changes.
package selector

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/fallwatch/internal/model"
)

// ErrNoActiveModel is returned by Active before the first successful selection.
var ErrNoActiveModel = errors.New("no active model")

// Loader builds models by key. *model.Registry implements it.
type Loader interface {
	Load(key model.Key) (model.Model, error)
}

// Selector holds the active model. Readers get one consistent reference per
// call through an atomic pointer; selections are serialized.
type Selector struct {
	loader Loader
	arch   model.Architecture
	lag    int
	logger *logrus.Logger

	mu     sync.Mutex // serializes selections
	active atomic.Pointer[model.Model]
}

// New creates a selector that loads models of arch with the given lag.
func New(loader Loader, arch model.Architecture, lag int, logger *logrus.Logger) (*Selector, error) {
	if loader == nil {
		return nil, fmt.Errorf("model loader cannot be nil")
	}
	if lag < 0 {
		return nil, fmt.Errorf("lag must be >= 0, got %d", lag)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Selector{loader: loader, arch: arch, lag: lag, logger: logger}, nil
}

// SelectFeatureSet loads the model for (arch, set, lag) and makes it active.
// On any error the previously active model stays in place.
func (s *Selector) SelectFeatureSet(set model.FeatureSet) error {
	if !set.Valid() {
		return fmt.Errorf("%w: %q", model.ErrUnknownFeatureSet, set)
	}
	return s.Select(model.Key{Arch: s.arch, Features: set, Lag: s.lag})
}

// Select loads key and makes it the active model.
func (s *Selector) Select(key model.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.loader.Load(key)
	if err != nil {
		s.logger.WithError(err).WithField("model", key.String()).Error("Model selection failed, keeping previous model")
		return fmt.Errorf("failed to select model %s: %w", key, err)
	}

	prev := s.active.Swap(&m)
	s.logger.WithField("model", key.String()).Info("Active model selected")

	if prev != nil {
		if c, ok := (*prev).(io.Closer); ok {
			if err := c.Close(); err != nil {
				s.logger.WithError(err).WithField("model", (*prev).Key().String()).Debug("Failed to release previous model")
			}
		}
	}
	return nil
}

// Active returns the active model.
func (s *Selector) Active() (model.Model, error) {
	p := s.active.Load()
	if p == nil {
		return nil, ErrNoActiveModel
	}
	return *p, nil
}

// ActiveKey returns the key of the active model; ok is false before the first
// selection.
func (s *Selector) ActiveKey() (model.Key, bool) {
	m, err := s.Active()
	if err != nil {
		return model.Key{}, false
	}
	return m.Key(), true
}

// FeatureSet returns the feature set of the active model, or "" before the
// first selection.
func (s *Selector) FeatureSet() model.FeatureSet {
	k, _ := s.ActiveKey()
	return k.Features
}
