// Package correlation carries a request's logical identifier across every
// hop: ambient in the context, stamped on outbound envelopes, read from the
// X-Correlation-ID header, and attached to every log line through the slog
// handler wrapper.
package correlation

import (
	"context"
	"encoding/hex"

	"github.com/gofrs/uuid/v5"
)

// HeaderName is the HTTP header carrying the correlation ID in both
// directions.
const HeaderName = "X-Correlation-ID"

// QueryParam is the WebSocket handshake query parameter carrying the
// correlation ID.
const QueryParam = "correlation_id"

type ctxKey struct{}

// NewID mints a fresh correlation ID: a random UUID rendered as 32 lowercase
// hex characters without dashes.
func NewID() string {
	id := uuid.Must(uuid.NewV4())
	return hex.EncodeToString(id.Bytes())
}

// WithID returns a context carrying the given correlation ID. An empty id
// returns ctx unchanged.
func WithID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the correlation ID carried by ctx, or "" when absent.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok {
		return id
	}
	return ""
}

// Ensure returns a context guaranteed to carry a correlation ID, minting one
// when absent, along with the ID in effect.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	id := NewID()
	return WithID(ctx, id), id
}
