package main

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/srg/fallwatch/internal/alert"
	"github.com/srg/fallwatch/internal/device"
	"github.com/srg/fallwatch/internal/session"
)

var (
	alertColor = color.New(color.FgRed, color.Bold)
	okColor    = color.New(color.FgGreen)
	warnColor  = color.New(color.FgYellow)
	dimColor   = color.New(color.Faint)
)

// renderStatus formats the one-line session summary shown by `run`.
func renderStatus(snap session.Snapshot, pending *alert.Alert, now time.Time) string {
	var b strings.Builder

	switch snap.Connection.Phase {
	case device.PhaseConnected:
		b.WriteString(okColor.Sprint(snap.Connection.DeviceID))
	case device.PhaseSearching, device.PhaseRetry:
		b.WriteString(warnColor.Sprint(snap.Connection.Phase))
	default:
		b.WriteString(dimColor.Sprint(snap.Connection.Phase))
	}

	for _, ch := range device.Channels {
		st, ok := snap.Channels[ch]
		if !ok {
			continue
		}
		label := ch.String()
		switch st {
		case device.Enabled:
			label = okColor.Sprint(label)
		case device.Failed:
			label = alertColor.Sprint(label + "!")
		default:
			label = dimColor.Sprint(label)
		}
		b.WriteString(" " + label)
	}

	fmt.Fprintf(&b, " | HR %s | battery %s | %s", scalar(snap.HeartRate, "bpm"), scalar(snap.Battery, "%"), snap.FeatureSet)

	switch {
	case pending != nil:
		left := pending.Deadline.Sub(now).Round(time.Second)
		if left < 0 {
			left = 0
		}
		b.WriteString(" | " + alertColor.Sprintf("FALL DETECTED - notifying in %s ([c]ancel)", left))
	case snap.DetectionActive():
		b.WriteString(" | " + okColor.Sprint("watching"))
	case !snap.Config.Started:
		b.WriteString(" | " + dimColor.Sprint("stopped"))
	default:
		b.WriteString(" | " + warnColor.Sprint("detection off"))
	}
	return b.String()
}

func scalar(v float64, unit string) string {
	if math.IsNaN(v) {
		return "--"
	}
	return fmt.Sprintf("%.0f%s", v, unit)
}
