// Package messaging defines the wire envelope exchanged over the broker and
// the registry of typed messages with their validation and JSON Schema
// metadata.
package messaging

import (
	"encoding/json"
	"fmt"
)

// Envelope wraps every payload published over the broker. The correlation ID
// travels with the message; the schema tag names the registered message type
// when the payload is typed.
type Envelope struct {
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload"`
	Schema        string          `json:"schema,omitempty"`
}

// NewEnvelope marshals payload and wraps it with the correlation ID.
func NewEnvelope(correlationID string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Envelope{CorrelationID: correlationID, Payload: raw}, nil
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses wire bytes into an envelope. An empty correlation ID
// is permitted here; the dispatcher mints one for inbound messages that lack
// it.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &e, nil
}

// Bind unmarshals the payload into v.
func (e *Envelope) Bind(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("empty payload")
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("bind payload: %w", err)
	}
	return nil
}
