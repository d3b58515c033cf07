package link

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/fallwatch/internal/device"
	"github.com/srg/fallwatch/internal/groutine"
)

// handler returns the notification callback for ch. It never blocks: samples
// go into the overwrite-oldest ingest ring and the pump is woken.
func (l *Link) handler(ch device.Channel) func(device.Sample) {
	l.mu.RLock()
	st := l.channels[ch]
	l.mu.RUnlock()

	return func(s device.Sample) {
		st.lastSeen.Store(l.now().UnixNano())

		overwrites, err := l.queue.EnqueueM(s)
		if err != nil {
			atomic.AddUint64(&l.metrics.SinkErrors, 1)
			return
		}
		atomic.AddUint64(&l.metrics.SamplesQueued, 1)
		if overwrites > 0 {
			atomic.AddUint64(&l.metrics.SamplesOverwritten, uint64(overwrites))
		}

		select {
		case l.wake <- struct{}{}:
		default:
		}
	}
}

// Run starts the ingest pump and the stream watchdog and blocks until ctx is
// done.
func (l *Link) Run(ctx context.Context) {
	var g groutine.Group
	g.Go(ctx, "link-pump", l.pump)
	g.Go(ctx, "link-watchdog", l.watchdog)
	g.Wait()
}

func (l *Link) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			l.drain()
			return
		case <-l.wake:
			l.drain()
		}
	}
}

// drain moves every queued sample into the sink.
func (l *Link) drain() {
	for !l.queue.IsEmpty() {
		s, err := l.queue.Dequeue()
		if err != nil {
			return
		}
		if err := l.sink.Push(s); err != nil {
			atomic.AddUint64(&l.metrics.SinkErrors, 1)
			l.logger.WithError(err).WithField("channel", s.Channel).Debug("Sample rejected by sink")
		}
	}
}

func (l *Link) watchdog(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.CheckStreams()
		}
	}
}

// CheckStreams marks every enabled channel that has been silent for longer
// than its stream timeout as Failed and drops its subscription. It only acts
// while connected. The watchdog calls it periodically.
func (l *Link) CheckStreams() {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	if !l.State().IsConnected() {
		return
	}
	now := l.now()
	for _, ch := range device.Channels {
		timeout := l.cfg.StreamTimeouts[ch]
		if timeout <= 0 {
			continue
		}

		l.mu.RLock()
		st := l.channels[ch]
		state := st.state
		l.mu.RUnlock()
		if state != device.Enabled {
			continue
		}

		silent := now.Sub(time.Unix(0, st.lastSeen.Load()))
		if silent <= timeout {
			continue
		}

		atomic.AddUint64(&l.metrics.StreamFailures, 1)
		l.logger.WithFields(logrus.Fields{
			"channel": ch.String(),
			"silent":  silent.Round(time.Millisecond),
			"timeout": timeout,
		}).Warn("Stream stopped delivering, marking channel failed")
		if err := l.periph.Unsubscribe(ch); err != nil {
			l.logger.WithError(err).WithField("channel", ch).Debug("Unsubscribe of failed stream failed")
		}
		l.setChannelStateLocked(ch, device.Failed)
	}
}
