package main

import (
	"errors"
	"strings"

	"github.com/srg/fallwatch/internal/device"
	"github.com/srg/fallwatch/internal/model"
	"github.com/srg/fallwatch/pkg/config"
)

// FormatUserError turns known failures into a short actionable message.
// Unknown errors are returned verbatim.
func FormatUserError(err error) string {
	var verr *config.ValidationError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off - please enable Bluetooth and retry"
	case errors.Is(err, device.ErrDeviceNotFound):
		return "no Polar H10 strap found - make sure the strap is worn and not paired with another app"
	case errors.Is(err, device.ErrUnsupported):
		return "Bluetooth is not supported on this platform"
	case errors.Is(err, model.ErrModelNotFound):
		return err.Error() + " - run 'fallwatch models' to list the available models"
	case errors.As(err, &verr):
		// errors.Join separates every problem with a newline
		return "configuration is invalid:\n  " + strings.ReplaceAll(err.Error(), "\n", "\n  ")
	default:
		return err.Error()
	}
}
