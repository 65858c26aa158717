package messaging

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sndwch/cliffracer-sub001/internal/errz"
)

type addRequest struct {
	A int `json:"a"`
	B int `json:"b"`
}

func TestEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()

	env, err := NewEnvelope("abc123", addRequest{A: 2, B: 3})
	require.NoError(t, err)

	data, err := env.Encode()
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, "abc123", decoded.CorrelationID)

	var req addRequest
	require.NoError(t, decoded.Bind(&req))
	assert.Equal(t, addRequest{A: 2, B: 3}, req)
}

func TestEnvelopeSchemaTagSurvives(t *testing.T) {
	t.Parallel()

	env, err := NewEnvelope("abc123", map[string]any{"x": 1})
	require.NoError(t, err)
	env.Schema = "orderplaced"

	data, err := env.Encode()
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, "orderplaced", decoded.Schema)
}

func TestDecodeEnvelopeMalformed(t *testing.T) {
	t.Parallel()

	_, err := DecodeEnvelope([]byte("{not json"))
	assert.Error(t, err)
}

func TestEnvelopeBindEmptyPayload(t *testing.T) {
	t.Parallel()

	env := &Envelope{CorrelationID: "abc"}
	var out addRequest
	assert.Error(t, env.Bind(&out))
}

func TestResultReplyRoundTrip(t *testing.T) {
	t.Parallel()

	reply, err := NewResultReply("abc123", map[string]int{"sum": 5})
	require.NoError(t, err)

	data, err := reply.Encode()
	require.NoError(t, err)

	decoded, err := DecodeReply(data)
	require.NoError(t, err)
	require.NoError(t, decoded.Err())

	var result map[string]int
	require.NoError(t, decoded.Bind(&result))
	assert.Equal(t, 5, result["sum"])
	assert.Equal(t, "abc123", decoded.CorrelationID)
}

func TestErrorReplyFromSentinel(t *testing.T) {
	t.Parallel()

	cause := fmt.Errorf("username must be at least 3 characters: %w", errz.ErrValidation)
	reply := NewErrorReply("abc123", cause)

	data, err := reply.Encode()
	require.NoError(t, err)

	decoded, err := DecodeReply(data)
	require.NoError(t, err)

	remoteErr := decoded.Err()
	require.Error(t, remoteErr)
	assert.ErrorIs(t, remoteErr, errz.ErrValidation)
	assert.Contains(t, remoteErr.Error(), "username")
}

func TestErrorReplyKeepsDetails(t *testing.T) {
	t.Parallel()

	wire := &errz.Error{
		Kind:    errz.KindValidation,
		Message: "username too short",
		Details: map[string]any{"field": "username"},
	}
	reply := NewErrorReply("abc123", wire)

	data, err := reply.Encode()
	require.NoError(t, err)

	decoded, err := DecodeReply(data)
	require.NoError(t, err)

	var binder struct{}
	bindErr := decoded.Bind(&binder)
	require.Error(t, bindErr)

	var got *errz.Error
	require.ErrorAs(t, bindErr, &got)
	assert.Equal(t, "username", got.Details["field"])
	assert.Equal(t, "abc123", got.CorrelationID)
}
