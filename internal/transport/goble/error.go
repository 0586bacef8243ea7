package goble

import (
	"fmt"
	"strings"

	"github.com/srg/stepbot/internal/transport"
)

// NormalizeError maps known go-ble error strings to transport connection errors.
// The original error stays in the chain.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return &transport.ConnectionError{State: transport.BluetoothOff, Err: err}
	case containsIgnoreCase(msg, "bluetooth is turned off"):
		return &transport.ConnectionError{State: transport.BluetoothOff, Err: err}
	case containsIgnoreCase(msg, "device not connected"), containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", transport.ErrLinkLost, err)
	case containsIgnoreCase(msg, "device already connected"):
		return &transport.ConnectionError{State: transport.AlreadyConnected, Err: err}
	default:
		return err
	}
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
