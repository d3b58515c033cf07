package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// NotFoundError represents an error when a GATT resource required by a channel is not found
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // One or more UUIDs (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// ConnectionErrorKind represents the specific kind of connectivity failure
type ConnectionErrorKind string

const (
	NotConnected     ConnectionErrorKind = "not_connected"
	AlreadyConnected ConnectionErrorKind = "already_connected"
	NotInitialized   ConnectionErrorKind = "not_initialized"
	DeviceNotFound   ConnectionErrorKind = "device_not_found"
	BluetoothOff     ConnectionErrorKind = "bluetooth_off"
)

// ConnectionError represents any connectivity problem. Connectivity errors are
// surfaced to callers as link state transitions; the error value only carries
// the reason into logs.
type ConnectionError struct {
	Kind ConnectionErrorKind
	Msg  string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by Kind
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors for connectivity failures
var (
	ErrNotConnected     = &ConnectionError{Kind: NotConnected}
	ErrAlreadyConnected = &ConnectionError{Kind: AlreadyConnected}
	ErrNotInitialized   = &ConnectionError{Kind: NotInitialized}
	ErrDeviceNotFound   = &ConnectionError{Kind: DeviceNotFound}
	ErrBluetoothOff     = &ConnectionError{Kind: BluetoothOff, Msg: "Bluetooth is turned off - please enable Bluetooth and retry"}
)

// Operation errors
var (
	ErrTimeout        = errors.New("timeout")
	ErrUnsupported    = errors.New("unsupported")
	ErrUnknownChannel = errors.New("unknown channel")
)

// IsConnectionKind reports whether err is a ConnectionError of the given kind
func IsConnectionKind(err error, kind ConnectionErrorKind) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.Kind == kind
	}
	return false
}

// ContainsIgnoreCase checks the substring case-insensitively
func ContainsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// Peripheral is the contract between the device link and a Bluetooth stack
// for a single paired sensor strap.
//
// Implementations must deliver samples from their own callback context and
// must not block inside handler invocations for longer than it takes to copy
// the sample.
type Peripheral interface {
	// Discover looks for a compatible peripheral until ctx is done. When
	// preferredID is not empty only that device is accepted. Returns
	// ErrDeviceNotFound if nothing matched before ctx ended.
	Discover(ctx context.Context, preferredID string) (string, error)

	// Connect dials the discovered device and prepares its services.
	Connect(ctx context.Context, id string) error

	// Disconnect drops all subscriptions and closes the link.
	Disconnect() error

	// Subscribe starts streaming samples of the given channel into handler.
	Subscribe(ch Channel, handler func(Sample)) error

	// Unsubscribe stops streaming samples of the given channel.
	Unsubscribe(ch Channel) error

	// Disconnected is closed when the active link is lost. Returns nil when
	// not connected.
	Disconnected() <-chan struct{}
}
