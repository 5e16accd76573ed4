package contracts

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Envelope wraps one logical operation for transport and correlation
type Envelope struct {
	CorrelationID string          `json:"correlationId"`
	Kind          string          `json:"kind,omitempty"`
	Method        string          `json:"method,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Status        Status          `json:"status"`
	ResponseData  json.RawMessage `json:"responseData,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Response is the outward body produced from an Envelope
type Response struct {
	CorrelationID string          `json:"correlationId"`
	Status        Status          `json:"status"`
	Data          json.RawMessage `json:"data,omitempty"`
	Timestamp     int64           `json:"timestamp"`
}

// NewEnvelope creates an envelope in CREATED state with a JSON encoded payload
func NewEnvelope(correlationID, kind string, payload interface{}) (*Envelope, error) {
	if correlationID == "" {
		return nil, ErrMissingCorrelationID
	}

	env := &Envelope{
		CorrelationID: correlationID,
		Kind:          kind,
		Status:        StatusCreated,
		Timestamp:     time.Now().UTC(),
	}

	if payload != nil {
		raw, err := marshalRaw(payload)
		if err != nil {
			return nil, &EncodingError{Field: "payload", Err: err}
		}
		env.Payload = raw
	}

	return env, nil
}

// NewTimeoutEnvelope synthesizes the outcome of a wait that saw no result
func NewTimeoutEnvelope(correlationID string) *Envelope {
	return &Envelope{
		CorrelationID: correlationID,
		Status:        StatusTimeout,
		Timestamp:     time.Now().UTC(),
	}
}

// DeriveCorrelationID hashes the kind and request body so identical
// resubmissions share an id
func DeriveCorrelationID(kind string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Clone returns a deep copy of the envelope
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Payload = cloneRaw(e.Payload)
	clone.ResponseData = cloneRaw(e.ResponseData)
	return &clone
}

// WithResult returns a copy carrying the given outcome
func (e *Envelope) WithResult(status Status, data interface{}) (*Envelope, error) {
	result := e.Clone()
	result.Status = status
	result.ResponseData = nil

	if data != nil {
		raw, err := marshalRaw(data)
		if err != nil {
			return nil, &EncodingError{Field: "responseData", Err: err}
		}
		result.ResponseData = raw
	}

	return result, nil
}

// DecodePayload unmarshals the payload into v
func (e *Envelope) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return &EncodingError{Field: "payload", Err: ErrEmptyField}
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return &EncodingError{Field: "payload", Err: err}
	}
	return nil
}

// DecodeResponse unmarshals the response data into v
func (e *Envelope) DecodeResponse(v interface{}) error {
	if len(e.ResponseData) == 0 {
		return &EncodingError{Field: "responseData", Err: ErrEmptyField}
	}
	if err := json.Unmarshal(e.ResponseData, v); err != nil {
		return &EncodingError{Field: "responseData", Err: err}
	}
	return nil
}

// ToResponse builds the outward representation of the envelope
func (e *Envelope) ToResponse() Response {
	return Response{
		CorrelationID: e.CorrelationID,
		Status:        e.Status,
		Data:          cloneRaw(e.ResponseData),
		Timestamp:     e.Timestamp.UnixMilli(),
	}
}

// String implements fmt.Stringer for logging
func (e *Envelope) String() string {
	if e.Method != "" {
		return fmt.Sprintf("Envelope{id=%s method=%s kind=%s status=%s}", e.CorrelationID, e.Method, e.Kind, e.Status)
	}
	return fmt.Sprintf("Envelope{id=%s kind=%s status=%s}", e.CorrelationID, e.Kind, e.Status)
}

// Marshal encodes the envelope as JSON
func Marshal(e *Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, &EncodingError{Field: "envelope", Err: err}
	}
	return data, nil
}

// Unmarshal decodes a JSON envelope
func Unmarshal(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &EncodingError{Field: "envelope", Err: err}
	}
	if env.CorrelationID == "" {
		return nil, ErrMissingCorrelationID
	}
	return &env, nil
}

func marshalRaw(v interface{}) (json.RawMessage, error) {
	switch raw := v.(type) {
	case json.RawMessage:
		if !json.Valid(raw) {
			return nil, ErrInvalidJSON
		}
		return cloneRaw(raw), nil
	case []byte:
		if !json.Valid(raw) {
			return nil, ErrInvalidJSON
		}
		return cloneRaw(raw), nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return bytes.Clone(raw)
}
