package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrEmptyKind     = errors.New("envelope kind is empty")
	ErrInvalidJSON   = errors.New("envelope payload is not a JSON object")
	ErrNestedPayload = errors.New("envelope payload must be flat")
)

// Envelope is the unit exchanged on the coordinator stream in both directions.
type Envelope struct {
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// NewEnvelope marshals payload and stamps the envelope with the current time.
// A nil payload encodes as an empty object.
func NewEnvelope(kind Kind, payload any) (*Envelope, error) {
	if kind == "" {
		return nil, ErrEmptyKind
	}

	raw := json.RawMessage("{}")
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		raw = data
	}

	return &Envelope{
		Kind:      kind,
		Payload:   raw,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

// Decode unmarshals the payload into v. An absent payload leaves v untouched.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 || bytes.Equal(e.Payload, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	return nil
}

// Validate checks the envelope shape: a non-empty kind and a flat JSON object payload.
// It does not reject unknown kinds.
func (e *Envelope) Validate() error {
	if e.Kind == "" {
		return ErrEmptyKind
	}

	payload := bytes.TrimSpace(e.Payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	for name, value := range fields {
		value = bytes.TrimSpace(value)
		if len(value) > 0 && (value[0] == '{' || value[0] == '[') {
			return fmt.Errorf("%w: field %q", ErrNestedPayload, name)
		}
	}
	return nil
}
