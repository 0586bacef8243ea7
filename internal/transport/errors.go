package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/srg/stepbot/internal/protocol"
)

// ConnectionState names the kind of connection failure.
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	NoHubFound       ConnectionState = "no_hub_found"
	DialFailed       ConnectionState = "dial_failed"
	BluetoothOff     ConnectionState = "bluetooth_off"
)

// ConnectionError is returned when a connection cannot be established or
// an operation needs a connection that does not exist.
type ConnectionError struct {
	State ConnectionState
	Msg   string
	Err   error
}

func (e *ConnectionError) Error() string {
	switch {
	case e.Msg == "" && e.Err == nil:
		return string(e.State)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.State, e.Msg)
	case e.Msg == "":
		return fmt.Sprintf("%s: %v", e.State, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.State, e.Msg, e.Err)
	}
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Is matches any ConnectionError with the same State.
func (e *ConnectionError) Is(target error) bool {
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrNoHubFound       = &ConnectionError{State: NoHubFound}
	ErrDialFailed       = &ConnectionError{State: DialFailed}
	ErrBluetoothOff     = &ConnectionError{State: BluetoothOff}
)

var (
	// ErrLinkLost is the cause reported when the BLE link drops underneath the session.
	ErrLinkLost = errors.New("link lost")
	// ErrDisconnected is the cause reported to requests aborted by Disconnect.
	ErrDisconnected = errors.New("disconnected by host")
)

// TransportError reports a failure of the underlying link while talking to the hub.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RequestTimeoutError is returned when the hub does not answer a request in time.
type RequestTimeoutError struct {
	Request  protocol.MessageID
	Expected protocol.MessageID
	Timeout  time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("no %s for %s within %s", e.Expected, e.Request, e.Timeout)
}

// RejectedError is returned when the hub answers a request with a failure status.
type RejectedError struct {
	Request protocol.MessageID
	Detail  string
}

func (e *RejectedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("hub rejected %s", e.Request)
	}
	return fmt.Sprintf("hub rejected %s (%s)", e.Request, e.Detail)
}

// IsConnectionState reports whether err is a ConnectionError with the given state.
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}
