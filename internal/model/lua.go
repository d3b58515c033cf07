package model

import (
	"fmt"
	"strings"
	"sync"

	"github.com/aarzilli/golua/lua"
	"github.com/srg/fallwatch/internal/device"
	"github.com/srg/fallwatch/internal/telemetry"
)

// classifyFunction is the global every scorer script must define. It receives
// a table of feature name to value and returns a fall probability in [0,1].
const classifyFunction = "classify"

// LuaModel runs a scripted scorer. The Lua state is not safe for concurrent
// use, so every call is serialized.
type LuaModel struct {
	key       Key
	threshold float64

	mu    sync.Mutex
	state *lua.State
}

// NewLua loads script into a fresh Lua state and checks it defines classify.
func NewLua(key Key, script string, threshold float64) (*LuaModel, error) {
	if strings.TrimSpace(script) == "" {
		return nil, fmt.Errorf("%w: %s: empty script", ErrInvalidModel, key)
	}
	if threshold <= 0 || threshold >= 1 {
		return nil, fmt.Errorf("%w: %s: threshold %v must be in (0,1)", ErrInvalidModel, key, threshold)
	}

	L := lua.NewState()
	L.OpenLibs()
	if err := L.DoString(script); err != nil {
		L.Close()
		return nil, fmt.Errorf("%w: %s: script failed to load: %v", ErrInvalidModel, key, err)
	}
	L.GetGlobal(classifyFunction)
	isFunc := L.IsFunction(-1)
	L.Pop(1)
	if !isFunc {
		L.Close()
		return nil, fmt.Errorf("%w: %s: script does not define %s(features)", ErrInvalidModel, key, classifyFunction)
	}

	return &LuaModel{key: key, threshold: threshold, state: L}, nil
}

func (m *LuaModel) Key() Key { return m.key }

func (m *LuaModel) Predict(windows map[device.Channel]telemetry.Window) (Prediction, error) {
	f, err := Extract(m.key.Features, windows, m.key.Lag)
	if err != nil {
		return Prediction{}, err
	}
	p, err := m.Score(f)
	if err != nil {
		return Prediction{}, err
	}
	return Prediction{Probability: p, Fall: p >= m.threshold}, nil
}

// Score calls classify(features) and returns its result clamped to [0,1].
func (m *LuaModel) Score(f Features) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	L := m.state
	if L == nil {
		return 0, fmt.Errorf("%s: lua model is closed", m.key)
	}

	L.GetGlobal(classifyFunction)
	L.NewTable()
	for _, name := range f.Names() {
		L.PushString(name)
		L.PushNumber(f[name])
		L.SetTable(-3)
	}
	if err := L.Call(1, 1); err != nil {
		L.SetTop(0)
		return 0, fmt.Errorf("%s: %s failed: %w", m.key, classifyFunction, err)
	}
	defer L.Pop(1)
	if !L.IsNumber(-1) {
		return 0, fmt.Errorf("%s: %s must return a number", m.key, classifyFunction)
	}
	return clamp01(L.ToNumber(-1)), nil
}

// Close releases the Lua state. Predict fails afterwards.
func (m *LuaModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != nil {
		m.state.Close()
		m.state = nil
	}
	return nil
}
