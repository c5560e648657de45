package app

import (
	"errors"
	"fmt"
)

var (
	// ErrBookNotFound is returned when an operation targets a book that does
	// not exist.
	ErrBookNotFound = errors.New("book not found")
	// ErrBookCompleted rejects generation requests for a finished book.
	ErrBookCompleted = errors.New("book already completed")
	// ErrNotAllChaptersComplete signals a premature finalize. This is a
	// sequencing bug, not a user error; it is logged loudly at the delivery
	// boundary.
	ErrNotAllChaptersComplete = errors.New("not all chapters complete")
)

// ValidationError marks bad caller input. It is never retried and surfaces
// to HTTP clients as a 4xx.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func validationErr(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
