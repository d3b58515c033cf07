package device

import "fmt"

// LinkPhase enumerates the phases of the device connection state machine.
type LinkPhase int

const (
	PhaseDisconnected LinkPhase = iota
	PhaseSearching
	PhaseConnected
	PhaseRetry
)

func (p LinkPhase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseSearching:
		return "searching"
	case PhaseConnected:
		return "connected"
	case PhaseRetry:
		return "retry"
	default:
		return fmt.Sprintf("link_phase(%d)", int(p))
	}
}

// ConnectionState is the variant {Disconnected, Searching, Connected(id), Retry}.
// Only the Connected variant carries a device identity.
type ConnectionState struct {
	Phase    LinkPhase
	DeviceID string
}

// Disconnected returns the Disconnected variant.
func Disconnected() ConnectionState { return ConnectionState{Phase: PhaseDisconnected} }

// Searching returns the Searching variant.
func Searching() ConnectionState { return ConnectionState{Phase: PhaseSearching} }

// Connected returns the Connected(id) variant.
func Connected(id string) ConnectionState {
	return ConnectionState{Phase: PhaseConnected, DeviceID: id}
}

// Retry returns the Retry variant.
func Retry() ConnectionState { return ConnectionState{Phase: PhaseRetry} }

// IsConnected reports whether the state is Connected to any device.
func (s ConnectionState) IsConnected() bool { return s.Phase == PhaseConnected }

func (s ConnectionState) String() string {
	if s.Phase == PhaseConnected {
		return fmt.Sprintf("connected(%s)", s.DeviceID)
	}
	return s.Phase.String()
}
