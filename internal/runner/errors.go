package runner

import (
	"errors"
	"fmt"

	"github.com/srg/stepbot/internal/transport"
)

// Stage names the protocol step a run failed in.
type Stage string

const (
	StageClear  Stage = "clear"
	StageUpload Stage = "upload"
	StageStart  Stage = "start"
	StageStop   Stage = "stop"
)

// RunError reports a failed protocol step. Err is nil when the hub simply
// rejected the request.
type RunError struct {
	Stage Stage
	Slot  uint8
	Err   error
}

func (e *RunError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s slot %d failed", e.Stage, e.Slot)
	}
	return fmt.Sprintf("%s slot %d failed: %v", e.Stage, e.Slot, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Is matches any RunError of the same Stage.
func (e *RunError) Is(target error) bool {
	t, ok := target.(*RunError)
	if !ok {
		return false
	}
	return e.Stage == t.Stage
}

var (
	ErrClearFailed  = &RunError{Stage: StageClear}
	ErrUploadFailed = &RunError{Stage: StageUpload}
	ErrStartFailed  = &RunError{Stage: StageStart}
	ErrStopFailed   = &RunError{Stage: StageStop}
)

var (
	// ErrBusy is returned when a run or stop is requested while a run sequence is in flight.
	ErrBusy = errors.New("a program run is already in progress")
	// ErrNotConnected is returned when no hub is connected.
	ErrNotConnected = transport.ErrNotConnected
	// ErrSlotIndex is returned by RunSlot for an index outside the step list.
	ErrSlotIndex = errors.New("step index out of range")
)
