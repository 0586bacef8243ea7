package main

import (
	"errors"
	"fmt"

	"github.com/srg/stepbot/internal/codegen"
	"github.com/srg/stepbot/internal/runner"
	"github.com/srg/stepbot/internal/transport"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the hub link dropped while a command was following it.
	ErrConnectionLost = errors.New("connection lost")
)

// FormatUserError turns an error chain into a single line a user can act on.
func FormatUserError(err error) string {
	var (
		cerr    *transport.ConnectionError
		rerr    *runner.RunError
		timeout *transport.RequestTimeoutError
		nack    *transport.RejectedError
	)

	switch {
	case errors.As(err, &cerr):
		switch cerr.State {
		case transport.NoHubFound:
			return "no hub found; switch the hub on, press its Bluetooth button and try again"
		case transport.BluetoothOff:
			return "Bluetooth is off or unavailable on this computer"
		case transport.NotConnected:
			return "not connected to a hub"
		case transport.AlreadyConnected:
			return "already connected to a hub"
		default:
			if cerr.Err != nil {
				return fmt.Sprintf("could not connect to the hub: %v", cerr.Err)
			}
			return fmt.Sprintf("could not connect to the hub (%s)", cerr.State)
		}

	case errors.Is(err, ErrConnectionLost), errors.Is(err, transport.ErrLinkLost):
		return "connection to the hub was lost"

	case errors.Is(err, runner.ErrBusy):
		return "the hub is busy uploading a program; wait for it to finish"

	case errors.Is(err, runner.ErrSlotIndex):
		return err.Error()

	case errors.As(err, &rerr):
		detail := "the hub rejected the request"
		switch {
		case errors.As(err, &timeout):
			detail = "the hub did not answer in time"
		case errors.As(err, &nack):
			detail = nack.Error()
		case rerr.Err != nil:
			detail = rerr.Err.Error()
		}
		return fmt.Sprintf("%s of slot %d failed: %s", rerr.Stage, rerr.Slot, detail)

	case errors.As(err, &timeout):
		return fmt.Sprintf("the hub did not answer in time (%s)", timeout.Timeout)

	case errors.Is(err, codegen.ErrInvalidSteps):
		return fmt.Sprintf("cannot read steps: %v", err)
	}

	return err.Error()
}
