package link

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/fallwatch/internal/device"
	"github.com/srg/fallwatch/internal/groutine"
)

// startSearch runs the discovery loop for search generation gen.
func (l *Link) startSearch(ctx context.Context, gen uint64) {
	groutine.Go(ctx, "link-search", func(ctx context.Context) {
		deadline := l.now().Add(l.cfg.SearchTimeout)
		log := l.logger.WithFields(logrus.Fields{
			"preferred_id": l.cfg.PreferredID,
			"timeout":      l.cfg.SearchTimeout,
		})
		log.Info("Searching for device...")

		for attempt := 1; ; attempt++ {
			remaining := deadline.Sub(l.now())
			if remaining <= 0 {
				l.commitRetry(gen)
				return
			}
			poll := min(l.cfg.PollInterval, remaining)

			attemptStart := l.now()
			id, err := l.discoverOnce(ctx, poll)
			if ctx.Err() != nil {
				log.Debug("Search cancelled")
				return
			}
			if err == nil {
				if l.commitConnected(ctx, gen, id) {
					return
				}
				// Stale or failed connect: keep searching until the deadline.
			} else {
				log.WithFields(logrus.Fields{
					"attempt": attempt,
					"error":   err,
				}).Debug("No device found in this poll")
				if errors.Is(err, device.ErrBluetoothOff) {
					log.Warn("Bluetooth is turned off")
				}
			}

			// Pace attempts at the poll interval when discovery returns early.
			if wait := poll - l.now().Sub(attemptStart); wait > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
				}
			}
		}
	})
}

func (l *Link) discoverOnce(ctx context.Context, poll time.Duration) (string, error) {
	pollCtx, cancel := context.WithTimeout(ctx, poll)
	defer cancel()
	return l.periph.Discover(pollCtx, l.cfg.PreferredID)
}

// commitRetry moves Searching to Retry unless the search was superseded.
func (l *Link) commitRetry(gen uint64) {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	if gen != l.searchGen || l.State().Phase != device.PhaseSearching {
		return
	}
	l.searchCancel = nil
	l.setStateLocked(device.Retry())
	l.logger.WithField("timeout", l.cfg.SearchTimeout).Warn("No device found, search gave up")
}

// commitConnected dials id and, if the search is still current, transitions
// to Connected. Returns true when the search loop should end.
func (l *Link) commitConnected(ctx context.Context, gen uint64, id string) bool {
	log := l.logger.WithField("device_id", id)
	log.Info("Device found, connecting...")

	if err := l.periph.Connect(ctx, id); err != nil {
		if ctx.Err() != nil {
			return true
		}
		log.WithError(err).Warn("Failed to connect to device")
		return false
	}

	l.opMu.Lock()
	defer l.opMu.Unlock()

	if gen != l.searchGen || l.State().Phase != device.PhaseSearching {
		// Superseded while dialing: drop the connection we just made.
		log.Debug("Search superseded while connecting, dropping connection")
		if err := l.periph.Disconnect(); err != nil {
			log.WithError(err).Debug("Disconnect of stale connection failed")
		}
		return true
	}

	l.searchCancel = nil
	l.connGen++
	l.setStateLocked(device.Connected(id))
	l.startMonitorLocked(l.connGen)

	for _, ch := range device.Channels {
		if l.ChannelState(ch) != device.Enabled {
			continue
		}
		if err := l.subscribeLocked(ch); err != nil {
			log.WithError(err).WithField("channel", ch).Warn("Failed to start stream")
			l.setChannelStateLocked(ch, device.Failed)
		}
	}
	log.Info("Device connected")
	return true
}

// startMonitorLocked watches the peripheral for link loss during connection
// generation gen.
func (l *Link) startMonitorLocked(gen uint64) {
	lost := l.periph.Disconnected()
	if lost == nil {
		l.logger.Debug("Peripheral does not report disconnections")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.monitorStop = cancel
	groutine.Go(ctx, "link-monitor", func(ctx context.Context) {
		select {
		case <-ctx.Done():
		case <-lost:
			l.commitLinkLost(gen)
		}
	})
}

func (l *Link) commitLinkLost(gen uint64) {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	if gen != l.connGen || !l.State().IsConnected() {
		return
	}
	l.connGen++
	if l.monitorStop != nil {
		l.monitorStop()
		l.monitorStop = nil
	}
	id := l.State().DeviceID
	// The peripheral may already have released the dead connection itself.
	if err := l.periph.Disconnect(); err != nil && !errors.Is(err, device.ErrNotConnected) {
		l.logger.WithError(err).Debug("Release of lost connection failed")
	}
	l.setStateLocked(device.Disconnected())
	l.logger.WithField("device_id", id).Warn("Connection to device lost")
}
