package resolver

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations on a Resolver after Close.
	ErrClosed = errors.New("resolver is closed")
	// ErrEmptyKey is returned when an operation is given the zero identifier.
	ErrEmptyKey = errors.New("identifier must not be empty")
	// ErrNotFound matches every NotFoundError.
	ErrNotFound = errors.New("identifier not found")
)

// NotFoundError is stored for an identifier that was part of a successful batch
// but missing from the returned result map.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("identifier %q not found", e.Key)
}

// Is reports whether target is ErrNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

func newNotFoundError(key any) error {
	return &NotFoundError{Key: fmt.Sprint(key)}
}
