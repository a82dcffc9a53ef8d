package journal

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed indicates that the journal is closed
	ErrClosed = errors.New("journal is closed")

	// ErrUnknownBackend indicates that no backend is registered under a name
	ErrUnknownBackend = errors.New("unknown journal backend")

	// ErrInvalidConfig indicates that the configuration is invalid
	ErrInvalidConfig = errors.New("invalid journal configuration")

	// ErrCorrupt indicates that a stored entry could not be decoded
	ErrCorrupt = errors.New("corrupt journal entry")

	// ErrOutOfOrder indicates an append whose index does not follow the last one
	ErrOutOfOrder = errors.New("journal index out of order")
)

// Error wraps a backend failure with the operation and backend name.
type Error struct {
	Op      string
	Backend string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("journal %s on %s: %v", e.Op, e.Backend, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(op, backend string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Backend: backend, Err: err}
}
