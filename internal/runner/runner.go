// Package runner drives the clear, upload and start sequence that gets a
// program running on the hub, and stops it again.
package runner

import (
	"context"
	"fmt"
	"sync"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/stepbot/internal/codegen"
	"github.com/srg/stepbot/internal/protocol"
	"github.com/srg/stepbot/internal/transport"
)

// State of the run sequence.
type State int32

const (
	StateIdle State = iota
	StateClearing
	StateUploading
	StateStarting
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateClearing:
		return "clearing"
	case StateUploading:
		return "uploading"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	default:
		return "idle"
	}
}

// busy reports whether a sequence is in flight.
func (s State) busy() bool {
	return s == StateClearing || s == StateUploading || s == StateStarting
}

// Transport is the part of transport.Session the runner needs.
type Transport interface {
	IsConnected() bool
	ClearSlot(ctx context.Context, slot uint8) (*protocol.ClearSlotResponse, error)
	UploadProgramFile(ctx context.Context, name string, slot uint8, data []byte, progress transport.UploadProgress) error
	StartProgram(ctx context.Context, slot uint8) (*protocol.ProgramFlowResponse, error)
	StopProgram(ctx context.Context, slot uint8) (*protocol.ProgramFlowResponse, error)
}

// Options configure a Runner.
type Options struct {
	Slot     uint8  `default:"0"`
	FileName string `default:"program.py"`
	// Progress, when set, is called after every uploaded chunk.
	Progress transport.UploadProgress
}

// Runner owns the run state machine. Only one sequence runs at a time;
// a second request fails with ErrBusy instead of queueing.
type Runner struct {
	transport Transport
	opts      Options
	logger    *logrus.Logger

	mu         sync.Mutex
	state      State
	endedEarly bool // hub reported the end while the start was unacknowledged

	subsMu sync.RWMutex
	subs   map[int]func(State)
	nextID int
}

// New creates a Runner. A nil opts uses the defaults.
func New(t Transport, opts *Options, logger *logrus.Logger) *Runner {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	defaults.SetDefaults(&o)
	if logger == nil {
		logger = logrus.New()
	}

	return &Runner{
		transport: t,
		opts:      o,
		logger:    logger,
		subs:      make(map[int]func(State)),
	}
}

// State returns the current state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Slot returns the program slot runs are written to.
func (r *Runner) Slot() uint8 {
	return r.opts.Slot
}

// Subscribe registers fn for state changes. Callbacks run on the goroutine
// that caused the change and must not call back into the Runner's run methods.
func (r *Runner) Subscribe(fn func(State)) (unsubscribe func()) {
	r.subsMu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = fn
	r.subsMu.Unlock()

	return func() {
		r.subsMu.Lock()
		delete(r.subs, id)
		r.subsMu.Unlock()
	}
}

// RunAll assembles every slot and runs the program.
func (r *Runner) RunAll(ctx context.Context, slots []codegen.StepSlot) error {
	return r.RunProgram(ctx, codegen.Assemble(slots))
}

// RunSlot assembles the slot at index alone and runs it.
func (r *Runner) RunSlot(ctx context.Context, slots []codegen.StepSlot, index int) error {
	if index < 0 || index >= len(slots) {
		return fmt.Errorf("%w: %d of %d", ErrSlotIndex, index, len(slots))
	}
	return r.RunProgram(ctx, codegen.AssembleSlot(slots, index))
}

// RunProgram clears the slot, uploads program and starts it, waiting for each
// acknowledgement before the next step. Any failure returns the runner to
// Idle; nothing is retried.
func (r *Runner) RunProgram(ctx context.Context, program string) error {
	if err := r.begin(); err != nil {
		return err
	}

	slot := r.opts.Slot
	log := r.logger.WithFields(logrus.Fields{"slot": slot, "bytes": len(program)})
	log.Info("Running program")

	cleared, err := r.transport.ClearSlot(ctx, slot)
	if err == nil && !cleared.Success {
		err = &transport.RejectedError{Request: protocol.IDClearSlotRequest}
	}
	if err != nil {
		return r.fail(StageClear, err)
	}

	r.setState(StateUploading)
	if err := r.transport.UploadProgramFile(ctx, r.opts.FileName, slot, []byte(program), r.opts.Progress); err != nil {
		return r.fail(StageUpload, err)
	}

	r.setState(StateStarting)
	start, err := r.transport.StartProgram(ctx, slot)
	if err == nil && !start.Success {
		err = &transport.RejectedError{Request: protocol.IDProgramFlowRequest, Detail: "start"}
	}
	if err != nil {
		return r.fail(StageStart, err)
	}

	if r.started() {
		log.Info("Program started and already ended on hub")
		return nil
	}
	log.Info("Program started")
	return nil
}

// Stop stops the program in the configured slot. It is rejected with ErrBusy
// while a run sequence is in flight.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.state.busy() {
		r.mu.Unlock()
		return ErrBusy
	}
	r.mu.Unlock()

	if !r.transport.IsConnected() {
		return ErrNotConnected
	}

	slot := r.opts.Slot
	resp, err := r.transport.StopProgram(ctx, slot)
	if err == nil && !resp.Success {
		err = &transport.RejectedError{Request: protocol.IDProgramFlowRequest, Detail: "stop"}
	}
	if err != nil {
		r.logger.WithError(err).WithField("slot", slot).Warn("Stop failed")
		return &RunError{Stage: StageStop, Slot: slot, Err: err}
	}

	r.transitionIf(StateRunning, StateIdle)
	r.logger.WithField("slot", slot).Info("Program stopped")
	return nil
}

// HandleNotification moves a running program to Idle when the hub reports
// that it ended. An end seen while the start is still being acknowledged
// is applied once the start completes.
func (r *Runner) HandleNotification(msg protocol.Message) {
	flow, ok := msg.(*protocol.ProgramFlowNotification)
	if !ok {
		return
	}

	r.mu.Lock()
	if r.state == StateStarting {
		r.endedEarly = flow.Stop
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if !flow.Stop {
		return
	}
	if r.transitionIf(StateRunning, StateIdle) {
		r.logger.Info("Program ended on hub")
	}
}

// HandleDisconnect forgets a running program. An in-flight sequence fails on
// its own with the transport error and resets itself.
func (r *Runner) HandleDisconnect(cause error) {
	if r.transitionIf(StateRunning, StateIdle) {
		r.logger.WithError(cause).Debug("Running program forgotten on disconnect")
	}
}

func (r *Runner) begin() error {
	r.mu.Lock()
	if r.state.busy() {
		r.mu.Unlock()
		return ErrBusy
	}
	if !r.transport.IsConnected() {
		r.mu.Unlock()
		return ErrNotConnected
	}
	r.state = StateClearing
	r.endedEarly = false
	r.mu.Unlock()

	r.notify(StateClearing)
	return nil
}

// started leaves Starting for Running, or for Idle when the program already
// ended. Subscribers always see Running first.
func (r *Runner) started() (ended bool) {
	r.mu.Lock()
	ended = r.endedEarly
	r.endedEarly = false
	if ended {
		r.state = StateIdle
	} else {
		r.state = StateRunning
	}
	r.mu.Unlock()

	r.notify(StateRunning)
	if ended {
		r.notify(StateIdle)
	}
	return ended
}

func (r *Runner) fail(stage Stage, err error) error {
	runErr := &RunError{Stage: stage, Slot: r.opts.Slot, Err: err}
	r.logger.WithFields(logrus.Fields{
		"stage": stage,
		"slot":  r.opts.Slot,
		"error": err,
	}).Error("Program run failed")
	r.setState(StateIdle)
	return runErr
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	changed := r.state != s
	r.state = s
	r.mu.Unlock()

	if changed {
		r.notify(s)
	}
}

func (r *Runner) transitionIf(from, to State) bool {
	r.mu.Lock()
	if r.state != from {
		r.mu.Unlock()
		return false
	}
	r.state = to
	r.mu.Unlock()

	r.notify(to)
	return true
}

func (r *Runner) notify(s State) {
	r.subsMu.RLock()
	subs := make([]func(State), 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	r.subsMu.RUnlock()

	for _, fn := range subs {
		fn(s)
	}
}
