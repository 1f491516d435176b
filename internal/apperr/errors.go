// Package apperr holds the error taxonomy shared by the limiter, the rule
// repository and the storage backends. Allow and Deny are decisions, not
// errors, and never appear here.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks input rejected before any state change.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks an update or delete that targeted a missing record.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable marks a backing store failure. Callers decide whether to
	// fail open or closed.
	ErrUnavailable = errors.New("store unavailable")
)

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrValidation) match any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Invalid builds a ValidationError for field with a formatted reason.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Unavailable wraps a backend error so that errors.Is(err, ErrUnavailable)
// holds while the original message is kept.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
