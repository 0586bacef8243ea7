package transport

import "context"

// PacketHandler receives raw notification packets from the hub, in arrival order.
type PacketHandler func(packet []byte)

// Link is one physical connection to a hub.
type Link interface {
	// Write sends a single packet to the hub's RX characteristic.
	Write(packet []byte) error
	// Disconnected is closed when the link drops. A nil channel means the
	// link cannot report drops.
	Disconnected() <-chan struct{}
	// Close tears the link down.
	Close() error
}

// Dialer finds a hub and opens a Link to it. Every packet received on the
// link is passed to onPacket.
type Dialer interface {
	Dial(ctx context.Context, onPacket PacketHandler) (Link, error)
}

// State is the lifecycle state of a Session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}
