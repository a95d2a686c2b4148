package main

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/term"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter redraws a single status line with the current phase and
// elapsed (or remaining) seconds.
//
//	p := NewProgressPrinter(w, "Looking for HC-05", "Discovering", "Done")
//	p.Start()
//	defer p.Stop()
//
// The printer is single-use. A phase listed in stopPhases stops it when set
// through Callback.
type ProgressPrinter struct {
	w          io.Writer
	prefix     string
	phase      atomic.Value // string
	stopPhases map[string]struct{}
	countdown  time.Duration // zero counts up

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewProgressPrinter creates a printer that shows elapsed time.
func NewProgressPrinter(w io.Writer, prefix, phase string, stopPhases ...string) *ProgressPrinter {
	p := &ProgressPrinter{
		w:          w,
		prefix:     prefix,
		stopPhases: make(map[string]struct{}, len(stopPhases)),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, sp := range stopPhases {
		p.stopPhases[sp] = struct{}{}
	}
	p.phase.Store(phase)
	return p
}

// NewCountdownProgressPrinter creates a printer that counts down from d.
func NewCountdownProgressPrinter(w io.Writer, prefix, phase string, d time.Duration, stopPhases ...string) *ProgressPrinter {
	p := NewProgressPrinter(w, prefix, phase, stopPhases...)
	p.countdown = d
	return p
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Start begins redrawing in a background goroutine. Output that is not a
// terminal gets no progress line at all.
func (p *ProgressPrinter) Start() {
	p.startOnce.Do(func() {
		if !isTerminal(p.w) {
			close(p.done)
			return
		}

		start := time.Now()
		fmt.Fprintf(p.w, "\r%s (%s...)   ", p.prefix, p.phase.Load().(string))

		go func() {
			defer close(p.done)
			ticker := time.NewTicker(progressUpdateInterval)
			defer ticker.Stop()

			for {
				select {
				case <-p.stop:
					fmt.Fprint(p.w, clearLineSequence)
					return
				case <-ticker.C:
					phase := p.phase.Load().(string)
					fmt.Fprintf(p.w, "\r%s (%s %ds)   ", p.prefix, phase, p.seconds(time.Since(start)))
				}
			}
		}()
	})
}

func (p *ProgressPrinter) seconds(elapsed time.Duration) int {
	if p.countdown <= 0 {
		return int(elapsed.Seconds())
	}
	remaining := p.countdown - elapsed
	if remaining <= 0 {
		return 0
	}
	return int(remaining.Seconds() + 0.5)
}

// Callback returns a phase setter; a stop phase stops the printer.
func (p *ProgressPrinter) Callback() func(phase string) {
	return func(phase string) {
		p.phase.Store(phase)
		if _, ok := p.stopPhases[phase]; ok {
			p.Stop()
		}
	}
}

// Stop clears the progress line. Safe to call more than once.
func (p *ProgressPrinter) Stop() {
	p.startOnce.Do(func() { close(p.done) })
	p.stopOnce.Do(func() {
		close(p.stop)
		<-p.done
	})
}
