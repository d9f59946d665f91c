package store

import (
	"errors"
	"fmt"
)

// ErrStoreUnavailable indicates that the embedded database cannot be opened or
// written. Callers degrade to cache-less operation rather than failing.
var ErrStoreUnavailable = errors.New("store: unavailable")

// StoreError carries a dotted operation code alongside the underlying cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation code, e.g. "store.delete_channel.tx_failed".
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}
