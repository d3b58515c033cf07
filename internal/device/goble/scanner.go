package goble

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/fallwatch/internal/device/polar"
)

// DefaultNamePrefix matches the advertised name of a Polar H10 strap.
const DefaultNamePrefix = "Polar H10"

// Strap is a sensor strap seen during a scan.
type Strap struct {
	ID       string
	Name     string
	RSSI     int
	LastSeen time.Time
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	Duration    time.Duration
	NamePrefix  string
	PreferredID string // when set, only this address is accepted
	StopOnFirst bool
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration:   10 * time.Second,
		NamePrefix: DefaultNamePrefix,
	}
}

// Scanner finds Polar straps.
type Scanner struct {
	logger *logrus.Logger
	device func() (ble.Device, error)
}

// NewScanner creates a scanner. adapter returns the BLE adapter to scan with;
// nil uses DeviceFactory.
func NewScanner(adapter func() (ble.Device, error), logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	if adapter == nil {
		adapter = DeviceFactory
	}
	return &Scanner{logger: logger, device: adapter}
}

// Scan listens for advertisements until the duration elapses, ctx ends or,
// with StopOnFirst, a strap is found. Straps are returned strongest first.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions) ([]Strap, error) {
	if opts == nil {
		opts = DefaultScanOptions()
	}
	if opts.NamePrefix == "" && opts.PreferredID == "" {
		opts.NamePrefix = DefaultNamePrefix
	}

	dev, err := s.device()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if opts.Duration > 0 {
		scanCtx, cancel = context.WithTimeout(scanCtx, opts.Duration)
		defer cancel()
	}

	straps := hashmap.New[string, Strap]()
	handler := func(adv ble.Advertisement) {
		strap, ok := s.match(adv, opts)
		if !ok {
			return
		}
		if _, seen := straps.Get(strap.ID); !seen {
			s.logger.WithFields(logrus.Fields{
				"device":  strap.Name,
				"address": strap.ID,
				"rssi":    strap.RSSI,
			}).Info("Discovered sensor strap")
		}
		straps.Set(strap.ID, strap)
		if opts.StopOnFirst {
			cancel()
		}
	}

	s.logger.WithField("duration", opts.Duration).Debug("Starting BLE scan...")
	err = dev.Scan(scanCtx, true, handler)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", NormalizeError(err))
	}

	found := make([]Strap, 0, straps.Len())
	straps.Range(func(_ string, v Strap) bool {
		found = append(found, v)
		return true
	})
	sort.Slice(found, func(i, j int) bool {
		if found[i].RSSI != found[j].RSSI {
			return found[i].RSSI > found[j].RSSI
		}
		return found[i].ID < found[j].ID
	})

	s.logger.WithField("device_count", len(found)).Debug("BLE scan completed")
	return found, nil
}

// match applies the address and name filters. A strap that does not
// advertise its name is still accepted when it advertises the PMD service.
func (s *Scanner) match(adv ble.Advertisement, opts *ScanOptions) (Strap, bool) {
	addr := adv.Addr().String()
	if opts.PreferredID != "" && !strings.EqualFold(addr, opts.PreferredID) {
		return Strap{}, false
	}
	name := adv.LocalName()
	if opts.PreferredID == "" && !strings.HasPrefix(name, opts.NamePrefix) && !advertises(adv, polar.PMDServiceUUID) {
		return Strap{}, false
	}
	return Strap{ID: addr, Name: name, RSSI: adv.RSSI(), LastSeen: time.Now()}, true
}

func advertises(adv ble.Advertisement, uuid string) bool {
	for _, u := range adv.Services() {
		if sameUUID(u, uuid) {
			return true
		}
	}
	return false
}

const bluetoothBaseSuffix = "00001000800000805f9b34fb"

// sameUUID compares a ble UUID with a textual one, treating 16-bit SIG
// identifiers and their 128-bit base forms as equal.
func sameUUID(u ble.UUID, want string) bool {
	return canonicalUUID(u.String()) == canonicalUUID(want)
}

func canonicalUUID(s string) string {
	s = strings.ToLower(strings.ReplaceAll(s, "-", ""))
	switch len(s) {
	case 4:
		return "0000" + s + bluetoothBaseSuffix
	case 8:
		return s + bluetoothBaseSuffix
	}
	return s
}
