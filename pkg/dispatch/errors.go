package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidEvent marks events the dispatcher cannot address to a user.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrLoadContext is returned when the user context could not be read or
	// created. No callback ran.
	ErrLoadContext = errors.New("load user context")
	// ErrSaveContext is returned when a callback ran but its context could
	// not be persisted. Its messages were not delivered.
	ErrSaveContext = errors.New("save user context")
)

// CallbackError reports a failing or panicking callback.
type CallbackError struct {
	UserID   string
	Binding  string
	Panicked bool
	Err      error
}

func (e *CallbackError) Error() string {
	if e.Panicked {
		return fmt.Sprintf("callback %q panicked for user %s: %v", e.Binding, e.UserID, e.Err)
	}

	return fmt.Sprintf("callback %q failed for user %s: %v", e.Binding, e.UserID, e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}
