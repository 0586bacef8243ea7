// Package portstate keeps the live view of what is attached to hub ports A–F.
package portstate

import (
	"encoding/json"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/stepbot/internal/protocol"
	"github.com/srg/stepbot/internal/ringchan"
)

// DefaultEventBuffer is the number of undelivered change events kept per store.
const DefaultEventBuffer = 64

// EventKind tells subscribers what happened to a port.
type EventKind int

const (
	EventUpdated EventKind = iota // port state replaced by a newer fragment
	EventReset                    // all ports cleared on disconnect
)

func (k EventKind) String() string {
	if k == EventReset {
		return "reset"
	}
	return "updated"
}

// Event describes a single change. State is nil for EventReset.
type Event struct {
	Kind  EventKind
	Port  protocol.Port
	State *protocol.PortState
}

// Store holds the latest state per port. Writes come from the notification
// path, reads from the UI; neither side ever blocks the other.
type Store struct {
	ports   *hashmap.Map[protocol.Port, *protocol.PortState]
	battery atomic.Int32
	events  *ringchan.RingChannel[Event]
	logger  *logrus.Logger
}

// NewStore creates an empty store.
func NewStore(logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.New()
	}

	s := &Store{
		ports:  hashmap.New[protocol.Port, *protocol.PortState](),
		events: ringchan.New[Event](DefaultEventBuffer),
		logger: logger,
	}
	s.battery.Store(-1)
	return s
}

// OnNotification merges decoded fragments into the store. Ports that are not
// part of fragments keep their previous state.
func (s *Store) OnNotification(fragments map[protocol.Port]*protocol.PortState) {
	for port, fragment := range fragments {
		if fragment == nil || !port.Valid() {
			continue
		}

		next := fragment.Clone()
		next.Port = port

		if prev, ok := s.ports.Get(port); ok && prev.DeviceType != next.DeviceType {
			s.logger.WithFields(logrus.Fields{
				"port":     port.String(),
				"previous": prev.DeviceType.String(),
				"current":  next.DeviceType.String(),
			}).Warn("Device type changed on port, replacing state")
		}

		s.ports.Set(port, next)
		s.events.Send(Event{Kind: EventUpdated, Port: port, State: next.Clone()})
	}
}

// Apply decodes a device notification and merges it. Battery level is
// tracked alongside the ports.
func (s *Store) Apply(n *protocol.DeviceNotification) {
	if n == nil {
		return
	}

	for _, msg := range n.Messages {
		if b, ok := msg.(protocol.BatteryMessage); ok {
			s.battery.Store(int32(b.Level))
		}
	}

	fragments := protocol.DecodePortStates(n)
	s.logger.WithField("ports", len(fragments)).Trace("Device notification applied")
	s.OnNotification(fragments)
}

// OnDisconnect forgets every port.
func (s *Store) OnDisconnect() {
	for _, port := range protocol.AllPorts {
		s.ports.Del(port)
	}
	s.battery.Store(-1)
	s.events.Send(Event{Kind: EventReset})
	s.logger.Debug("Port states reset")
}

// Get returns a copy of the state of one port, or nil when nothing is known about it.
func (s *Store) Get(port protocol.Port) *protocol.PortState {
	state, ok := s.ports.Get(port)
	if !ok {
		return nil
	}
	return state.Clone()
}

// GetAll returns a copy of every port A–F; absent ports map to nil.
func (s *Store) GetAll() map[protocol.Port]*protocol.PortState {
	all := make(map[protocol.Port]*protocol.PortState, protocol.PortCount)
	for _, port := range protocol.AllPorts {
		all[port] = s.Get(port)
	}
	return all
}

// Battery returns the last reported battery level in percent.
func (s *Store) Battery() (level int, ok bool) {
	v := s.battery.Load()
	return int(v), v >= 0
}

// Connected returns the number of ports currently known.
func (s *Store) Connected() int {
	return s.ports.Len()
}

// Events delivers port changes. Slow readers lose the oldest events.
func (s *Store) Events() <-chan Event {
	return s.events.C()
}

// Close stops event delivery; ranging readers return.
func (s *Store) Close() {
	s.events.Close()
}

// Snapshot returns all six ports in A–F order.
func (s *Store) Snapshot() *orderedmap.OrderedMap[string, *protocol.PortState] {
	om := orderedmap.New[string, *protocol.PortState](protocol.PortCount)
	for _, port := range protocol.AllPorts {
		om.Set(port.String(), s.Get(port))
	}
	return om
}

// MarshalJSON renders the snapshot with ports in A–F order.
func (s *Store) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Snapshot())
}
