//go:build !darwin && !linux

package goble

import (
	"fmt"
	"runtime"

	"github.com/go-ble/ble"
	"github.com/srg/fallwatch/internal/device"
)

// DeviceFactory creates the host BLE adapter (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test overrides
var DeviceFactory = func() (ble.Device, error) {
	return nil, fmt.Errorf("%w: no BLE adapter support on %s", device.ErrUnsupported, runtime.GOOS)
}
