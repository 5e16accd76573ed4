package contracts

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingCorrelationID is returned when an envelope has no correlation id
	ErrMissingCorrelationID = errors.New("contracts: missing correlation id")
	// ErrInvalidJSON is returned when raw payload bytes are not valid JSON
	ErrInvalidJSON = errors.New("contracts: invalid json")
	// ErrEmptyField is returned when decoding an absent payload or response
	ErrEmptyField = errors.New("contracts: field is empty")
)

// EncodingError represents a failure to encode or decode part of an envelope
type EncodingError struct {
	Field string
	Err   error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("contracts: invalid %s: %v", e.Field, e.Err)
}

func (e *EncodingError) Unwrap() error {
	return e.Err
}
