package main

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/srg/stepbot/internal/runner"
	"github.com/srg/stepbot/internal/transport"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter shows the current phase of a hub operation with elapsed
// time and, while uploading, the transferred byte count.
//
//	p := NewProgressPrinter(os.Stdout, "Running steps", "Connecting", "running", "idle")
//	p.Start()
//	defer p.Stop()
//
// A ProgressPrinter is single-use: Start at most once, Stop as often as you like.
type ProgressPrinter struct {
	out        io.Writer
	prefix     string
	phase      atomic.Value        // string
	stopPhases map[string]struct{} // phases that end the display
	sent       atomic.Int64
	total      atomic.Int64
	startTime  time.Time
	ticker     atomic.Pointer[time.Ticker]
	stopChan   chan struct{}
	done       chan struct{}
	started    atomic.Bool
}

// NewProgressPrinter creates a printer in the initial phase.
func NewProgressPrinter(out io.Writer, prefix string, phase string, stopPhases ...string) *ProgressPrinter {
	stopSet := make(map[string]struct{})
	for _, p := range stopPhases {
		stopSet[p] = struct{}{}
	}
	p := &ProgressPrinter{
		out:        out,
		prefix:     prefix,
		stopPhases: stopSet,
	}
	p.phase.Store(phase)
	return p
}

// Start begins displaying progress updates in a background goroutine.
// Panics if called more than once.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}

	p.done = make(chan struct{})
	p.stopChan = make(chan struct{})
	p.startTime = time.Now()
	ticker := time.NewTicker(progressUpdateInterval)
	p.ticker.Store(ticker)

	p.print()

	go func() {
		defer close(p.done)
		for {
			select {
			case <-p.stopChan:
				return
			case <-ticker.C:
				p.print()
			}
		}
	}()
}

func (p *ProgressPrinter) print() {
	phase := p.phase.Load().(string)
	seconds := int(time.Since(p.startTime).Seconds())

	if total := p.total.Load(); total > 0 && phase == runner.StateUploading.String() {
		fmt.Fprintf(p.out, "\r%s (%s %d/%d bytes, %ds)   ", p.prefix, phase, p.sent.Load(), total, seconds)
		return
	}
	if seconds > 0 {
		fmt.Fprintf(p.out, "\r%s (%s %ds)   ", p.prefix, phase, seconds)
	} else {
		fmt.Fprintf(p.out, "\r%s (%s...)   ", p.prefix, phase)
	}
}

// SetPhase updates the phase; a stop phase stops the display.
func (p *ProgressPrinter) SetPhase(phase string) {
	p.phase.Store(phase)
	if _, isStopPhase := p.stopPhases[phase]; isStopPhase {
		p.Stop()
	}
}

// RunStateCallback feeds runner state changes into the phase.
func (p *ProgressPrinter) RunStateCallback() func(runner.State) {
	return func(s runner.State) {
		p.SetPhase(s.String())
	}
}

// UploadCallback records upload progress.
func (p *ProgressPrinter) UploadCallback() transport.UploadProgress {
	return func(sent, total int) {
		p.sent.Store(int64(sent))
		p.total.Store(int64(total))
	}
}

// Stop stops the display and clears the line. Safe to call more than once
// and from multiple goroutines.
func (p *ProgressPrinter) Stop() {
	ticker := p.ticker.Swap(nil)
	if ticker == nil {
		return
	}

	ticker.Stop()
	close(p.stopChan)
	<-p.done

	fmt.Fprint(p.out, clearLineSequence)
}
