package messaging

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sndwch/cliffracer-sub001/internal/errz"
)

// Reply is the envelope answered on a request subject. Exactly one of Result
// or Error is populated.
type Reply struct {
	CorrelationID string          `json:"correlation_id"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	Message       string          `json:"message,omitempty"`
	Details       map[string]any  `json:"details,omitempty"`
}

// NewResultReply builds a success reply carrying the marshalled result.
func NewResultReply(correlationID string, result any) (*Reply, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Reply{CorrelationID: correlationID, Result: raw}, nil
}

// NewErrorReply builds an error reply from any error, classified into its
// taxonomy kind. Details survive when err is a wire error.
func NewErrorReply(correlationID string, err error) *Reply {
	reply := &Reply{
		CorrelationID: correlationID,
		Error:         errz.Kind(err),
		Message:       err.Error(),
	}
	var we *errz.Error
	if errors.As(err, &we) {
		reply.Message = we.Message
		reply.Details = we.Details
	}
	return reply
}

// Encode serializes the reply for the wire.
func (r *Reply) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode reply: %w", err)
	}
	return data, nil
}

// DecodeReply parses reply bytes received from a request.
func DecodeReply(data []byte) (*Reply, error) {
	var r Reply
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	return &r, nil
}

// Err reconstructs the remote error, or nil for a success reply.
func (r *Reply) Err() error {
	if r.Error == "" {
		return nil
	}
	return errz.FromKind(r.Error, r.Message, r.CorrelationID, r.Details)
}

// Bind unmarshals the result into v. Binding an error reply returns the
// remote error instead.
func (r *Reply) Bind(v any) error {
	if err := r.Err(); err != nil {
		return err
	}
	if v == nil || len(r.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Result, v); err != nil {
		return fmt.Errorf("bind result: %w", err)
	}
	return nil
}
