package main

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter keeps a single terminal line updated with a message and a
// timer. With a zero duration the timer counts up, otherwise it counts down.
//
// A ProgressPrinter is single-use: Start once, Stop at least once.
type ProgressPrinter struct {
	out      io.Writer
	message  string
	duration time.Duration

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewProgressPrinter creates a printer writing to out.
func NewProgressPrinter(out io.Writer, message string, duration time.Duration) *ProgressPrinter {
	return &ProgressPrinter{
		out:      out,
		message:  message,
		duration: duration,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins updating the line in the background.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	started := time.Now()
	p.print(0)
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(progressUpdateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				p.print(time.Since(started))
			}
		}
	}()
}

// Stop ends the updates and clears the line. It is safe to call repeatedly.
func (p *ProgressPrinter) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
		if !p.started.Load() {
			return
		}
		<-p.done
		fmt.Fprint(p.out, clearLineSequence)
	})
}

func (p *ProgressPrinter) print(elapsed time.Duration) {
	seconds := int(elapsed.Seconds())
	if p.duration > 0 {
		remaining := p.duration - elapsed
		seconds = 0
		if remaining > 0 {
			seconds = int(remaining.Seconds() + 0.5)
		}
	}
	fmt.Fprintf(p.out, "%s%s (%ds)", clearLineSequence, p.message, seconds)
}
