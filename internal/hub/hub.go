// Package hub ties a transport session, the port state store, the program
// runner and the console log into the single object the CLI talks to.
package hub

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/stepbot/internal/codegen"
	"github.com/srg/stepbot/internal/console"
	"github.com/srg/stepbot/internal/portstate"
	"github.com/srg/stepbot/internal/protocol"
	"github.com/srg/stepbot/internal/runner"
	"github.com/srg/stepbot/internal/transport"
)

// Options configure a Hub. Nil sub-options use their package defaults.
type Options struct {
	Session *transport.Options
	Runner  *runner.Options
	// ConsoleBuffer is the number of console lines kept; zero means DefaultConsoleBuffer.
	ConsoleBuffer uint32
}

// DefaultConsoleBuffer is the console history used when Options leave it unset.
const DefaultConsoleBuffer = 1024

// Hub is one robot. It is safe for concurrent use.
type Hub struct {
	session *transport.Session
	store   *portstate.Store
	runner  *runner.Runner
	console *console.Log
	logger  *logrus.Logger

	unsubscribe []func()
	closeOnce   sync.Once
}

// New creates a disconnected Hub reaching the robot through dialer.
func New(dialer transport.Dialer, opts *Options, logger *logrus.Logger) (*Hub, error) {
	if logger == nil {
		logger = logrus.New()
	}
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.ConsoleBuffer == 0 {
		o.ConsoleBuffer = DefaultConsoleBuffer
	}

	log, err := console.NewLog(o.ConsoleBuffer, logger)
	if err != nil {
		return nil, fmt.Errorf("console log: %w", err)
	}

	session := transport.NewSession(dialer, o.Session, logger)
	h := &Hub{
		session: session,
		store:   portstate.NewStore(logger),
		runner:  runner.New(session, o.Runner, logger),
		console: log,
		logger:  logger,
	}

	h.unsubscribe = append(h.unsubscribe,
		session.Subscribe(h.onNotification),
		session.OnDisconnect(h.onDisconnect),
	)

	return h, nil
}

func (h *Hub) onNotification(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.DeviceNotification:
		h.store.Apply(m)
	case *protocol.ConsoleNotification:
		h.console.Append(m.Text)
	case *protocol.ProgramFlowNotification:
		if m.Stop {
			h.console.Flush()
		}
		h.runner.HandleNotification(m)
	}
}

func (h *Hub) onDisconnect(cause error) {
	h.console.Flush()
	h.store.OnDisconnect()
	h.runner.HandleDisconnect(cause)
}

// Connect opens the session and performs the handshake.
func (h *Hub) Connect(ctx context.Context) error {
	return h.session.Connect(ctx)
}

// Disconnect closes the session; port state is reset through the disconnect hook.
func (h *Hub) Disconnect() {
	h.session.Disconnect()
}

// Toggle connects a disconnected hub and disconnects a connected one.
func (h *Hub) Toggle(ctx context.Context) error {
	if h.session.State() == transport.StateDisconnected {
		return h.Connect(ctx)
	}
	h.Disconnect()
	return nil
}

// IsConnected reports whether the session is connected.
func (h *Hub) IsConnected() bool {
	return h.session.IsConnected()
}

// Info returns the handshake answer of the current connection, or nil.
func (h *Hub) Info() *protocol.InfoResponse {
	return h.session.Info()
}

// PortStates returns a copy of every port's state.
func (h *Hub) PortStates() map[protocol.Port]*protocol.PortState {
	return h.store.GetAll()
}

// Port returns a copy of one port's state.
func (h *Hub) Port(port protocol.Port) *protocol.PortState {
	return h.store.Get(port)
}

// Battery returns the last reported battery level.
func (h *Hub) Battery() (int, bool) {
	return h.store.Battery()
}

// Ports exposes the store for ordered snapshots and JSON rendering.
func (h *Hub) Ports() *portstate.Store {
	return h.store
}

// Events streams port changes.
func (h *Hub) Events() <-chan portstate.Event {
	return h.store.Events()
}

// RunAll assembles and runs every slot.
func (h *Hub) RunAll(ctx context.Context, slots []codegen.StepSlot) error {
	return h.runner.RunAll(ctx, slots)
}

// RunSlot assembles and runs one slot.
func (h *Hub) RunSlot(ctx context.Context, slots []codegen.StepSlot, index int) error {
	return h.runner.RunSlot(ctx, slots, index)
}

// RunProgram uploads and runs program text as is.
func (h *Hub) RunProgram(ctx context.Context, program string) error {
	return h.runner.RunProgram(ctx, program)
}

// Stop stops the running program.
func (h *Hub) Stop(ctx context.Context) error {
	return h.runner.Stop(ctx)
}

// RunState returns the runner state.
func (h *Hub) RunState() runner.State {
	return h.runner.State()
}

// OnRunState registers fn for runner state changes.
func (h *Hub) OnRunState(fn func(runner.State)) (unsubscribe func()) {
	return h.runner.Subscribe(fn)
}

// OnDisconnect registers fn for link loss; cause is nil for an explicit Disconnect.
func (h *Hub) OnDisconnect(fn func(cause error)) (unsubscribe func()) {
	return h.session.OnDisconnect(fn)
}

// Console returns the console log.
func (h *Hub) Console() *console.Log {
	return h.console
}

// Close disconnects and releases every resource. The Hub is unusable afterwards.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		h.session.Close()
		for _, unsubscribe := range h.unsubscribe {
			unsubscribe()
		}
		h.store.Close()
	})
}
