package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobCanceled is returned when the print job record no longer exists.
	ErrJobCanceled = errors.New("job canceled")

	// ErrDeviceUnreachable is returned when no live device channel is registered for the printer.
	ErrDeviceUnreachable = errors.New("printer no longer connected to the cloud")

	// ErrInvalidSocketRecord is returned when a device channel record cannot be parsed.
	ErrInvalidSocketRecord = errors.New("printer has invalid socket record; cannot send gcode to printer")
)

// MalformedMessageError reports an inbound message that cannot become a job.
type MalformedMessageError struct {
	Field  string
	Reason string
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("malformed message: %s %s", e.Field, e.Reason)
}

// StageError wraps a failure with the pipeline stage it happened in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s", e.Stage, e.Err.Error())
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// NewStageError wraps err unless it is nil.
func NewStageError(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}
