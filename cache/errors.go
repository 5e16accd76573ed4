package cache

import (
	"errors"
	"fmt"
)

var (
	ErrClosed      = errors.New("cache: closed")
	ErrInvalidTTL  = errors.New("cache: ttl must be positive")
	ErrNilEnvelope = errors.New("cache: nil envelope")
	ErrEmptyKey    = errors.New("cache: empty key")
)

// StoreError reports a failed cache operation
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("cache %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
