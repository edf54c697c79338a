package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrUnderstandingUnavailable marks a turn that failed because the understanding
	// call did not answer. The session is left as it was before the turn.
	ErrUnderstandingUnavailable = errors.New("understanding service unavailable")
	ErrEmptyMessage             = errors.New("message is empty")
)

// UnderstandingError carries the cause of a failed understanding call.
type UnderstandingError struct {
	SessionID string
	Retryable bool
	Err       error
}

func (e *UnderstandingError) Error() string {
	return fmt.Sprintf("%v (session %s): %v", ErrUnderstandingUnavailable, e.SessionID, e.Err)
}

func (e *UnderstandingError) Unwrap() []error {
	return []error{ErrUnderstandingUnavailable, e.Err}
}
