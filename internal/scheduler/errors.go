package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrScheduleNotFound is returned for operations on an unknown schedule id
	ErrScheduleNotFound = errors.New("schedule not found")

	// ErrUnknownJobKind is recorded when no handler is registered for a
	// schedule's job kind at fire time
	ErrUnknownJobKind = errors.New("no handler registered for job kind")

	// ErrExecutionTimeout is recorded when a handler exceeds its timeout
	ErrExecutionTimeout = errors.New("handler exceeded execution timeout")

	// ErrScheduleDisabled is returned when a manual trigger targets a
	// paused or deleted schedule
	ErrScheduleDisabled = errors.New("schedule is not enabled")
)

// ValidationError rejects a malformed schedule definition before any state
// is touched
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid schedule definition: %s: %s", e.Field, e.Reason)
}
