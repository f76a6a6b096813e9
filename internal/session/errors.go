package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound signals that no record exists for a key. It triggers
	// creation and is never reported to clients.
	ErrNotFound = errors.New("session: not found")
	// ErrStoreInternal is fatal to the operation that hit it.
	ErrStoreInternal = errors.New("session: store internal error")
)

// SerializationError means a record could not be encoded for persistence, or
// a stored snapshot could not be decoded.
type SerializationError struct {
	Key Key
	Err error
}

func (e *SerializationError) Error() string {
	if e.Key == (Key{}) {
		return fmt.Sprintf("session: serialization: %v", e.Err)
	}
	return fmt.Sprintf("session: serialization of %s: %v", e.Key, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }
