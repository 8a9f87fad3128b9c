package store

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned by a Backend when no record exists for an id.
	ErrNotFound = errors.New("user context not found")
	// ErrInvalidID rejects ids that cannot address a record.
	ErrInvalidID = errors.New("invalid user id")
)

// Error annotates a backend failure with the operation and user id involved.
type Error struct {
	Op     string
	UserID string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.UserID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}

	return fmt.Sprintf("%s %s: %v", e.Op, e.UserID, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

func wrapError(op string, userID string, err error) error {
	if err == nil {
		return nil
	}

	var existing *Error
	if errors.As(err, &existing) {
		return err
	}

	return &Error{Op: op, UserID: userID, Err: err}
}

// ValidateID checks that id can be used as a storage key on every backend.
func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if id != strings.TrimSpace(id) {
		return fmt.Errorf("%w: surrounding whitespace in %q", ErrInvalidID, id)
	}
	if id == "." || id == ".." || strings.HasPrefix(id, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if strings.ContainsAny(id, "/\\\x00") {
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidID, id)
	}

	return nil
}
