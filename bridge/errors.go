package bridge

import (
	"errors"
	"fmt"

	"github.com/glimte/mmate-relay/contracts"
)

var (
	// ErrMissingCorrelationID is returned for envelopes without an id
	ErrMissingCorrelationID = contracts.ErrMissingCorrelationID
	ErrNilEnvelope          = errors.New("bridge: nil envelope")
	ErrInvalidConfig        = errors.New("bridge: invalid configuration")
)

// RequestError reports a cache or broker failure during a request.
// Nothing is rolled back: an entry or message written before the failure stays.
type RequestError struct {
	Op            string
	CorrelationID string
	Err           error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("bridge: %s failed for %s: %v", e.Op, e.CorrelationID, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}
