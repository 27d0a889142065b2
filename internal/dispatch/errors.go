package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport is returned from Run when the source stays unavailable
	// after the reconnect budget.
	ErrTransport = errors.New("transport failure")

	// ErrOrderingViolation means two handler calls for the same key
	// overlapped. It stops the engine.
	ErrOrderingViolation = errors.New("ordering violation")
)

// HandlerError is a handler failure confined to one key.
type HandlerError struct {
	Key       string
	MessageID string
	Attempt   int
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler failed for key %q message %s (attempt %d): %v", e.Key, e.MessageID, e.Attempt, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}
