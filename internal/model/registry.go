package model

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Entry is one model definition in a catalog manifest.
type Entry struct {
	Arch        Architecture `yaml:"arch"`
	Features    string       `yaml:"features"`
	Lag         int          `yaml:"lag"`
	Description string       `yaml:"description,omitempty"`

	// logistic and lua
	Threshold float64            `yaml:"threshold,omitempty"`
	Weights   map[string]float64 `yaml:"weights,omitempty"`
	Bias      float64            `yaml:"bias,omitempty"`

	// threshold
	FreeFallG  float64 `yaml:"free_fall_g,omitempty"`
	ImpactG    float64 `yaml:"impact_g,omitempty"`
	HRSurgeBPM float64 `yaml:"hr_surge_bpm,omitempty"`

	// lua: inline script or a file relative to the manifest
	Script     string `yaml:"script,omitempty"`
	ScriptFile string `yaml:"script_file,omitempty"`
}

type manifest struct {
	Models []Entry `yaml:"models"`
}

// Registry is the catalog of available models, in declaration order.
type Registry struct {
	entries *orderedmap.OrderedMap[Key, Entry]
	baseDir string
	logger  *logrus.Logger
}

// DefaultRegistry returns the catalog compiled into the binary.
func DefaultRegistry(logger *logrus.Logger) (*Registry, error) {
	return ParseManifest(defaultCatalog, "", logger)
}

// LoadManifest reads a catalog manifest from path. Script files are resolved
// relative to the manifest directory.
func LoadManifest(path string, logger *logrus.Logger) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model manifest %s: %w", path, err)
	}
	return ParseManifest(data, filepath.Dir(path), logger)
}

// ParseManifest parses a YAML catalog. Duplicate keys and unknown feature sets
// are configuration errors.
func ParseManifest(data []byte, baseDir string, logger *logrus.Logger) (*Registry, error) {
	if logger == nil {
		logger = logrus.New()
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse model manifest: %w", err)
	}

	r := &Registry{
		entries: orderedmap.New[Key, Entry](),
		baseDir: baseDir,
		logger:  logger,
	}
	for i, e := range m.Models {
		set, err := ParseFeatureSet(e.Features)
		if err != nil {
			return nil, fmt.Errorf("model #%d: %w", i+1, err)
		}
		if e.Lag < 0 {
			return nil, fmt.Errorf("model #%d: lag must be >= 0, got %d", i+1, e.Lag)
		}
		key := Key{Arch: e.Arch, Features: set, Lag: e.Lag}
		if _, dup := r.entries.Get(key); dup {
			return nil, fmt.Errorf("model #%d: duplicate key %s", i+1, key)
		}
		r.entries.Set(key, e)
	}

	logger.WithField("models", r.entries.Len()).Debug("Model catalog loaded")
	return r, nil
}

// Keys returns every catalog key in declaration order.
func (r *Registry) Keys() []Key {
	keys := make([]Key, 0, r.entries.Len())
	for pair := r.entries.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// Entry returns the catalog definition of key.
func (r *Registry) Entry(key Key) (Entry, bool) {
	return r.entries.Get(key)
}

// Len returns the number of catalog entries.
func (r *Registry) Len() int { return r.entries.Len() }

// Load builds the model identified by key. It never substitutes a different
// key: a missing entry is ErrModelNotFound.
func (r *Registry) Load(key Key) (Model, error) {
	e, ok := r.entries.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, key)
	}

	switch key.Arch {
	case Logistic:
		return NewLogistic(key, e.Weights, e.Bias, e.Threshold)
	case Threshold:
		return NewThreshold(key, ThresholdParams{
			FreeFallG:  e.FreeFallG,
			ImpactG:    e.ImpactG,
			HRSurgeBPM: e.HRSurgeBPM,
		})
	case Lua:
		script := e.Script
		if e.ScriptFile != "" {
			path := e.ScriptFile
			if !filepath.IsAbs(path) && r.baseDir != "" {
				path = filepath.Join(r.baseDir, path)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidModel, key, err)
			}
			script = string(data)
		}
		return NewLua(key, script, e.Threshold)
	default:
		return nil, fmt.Errorf("%w: %s: unsupported architecture %q", ErrInvalidModel, key, key.Arch)
	}
}
