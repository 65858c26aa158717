// Package middleware composes the per-handler dispatch pipeline. Every
// inbound message passes through the same fixed layer order:
// authenticate, validate, correlate, cache, retry, monitor, handler.
// Each layer is optional and passes through untouched when unconfigured.
package middleware

import (
	"context"

	"github.com/sndwch/cliffracer-sub001/internal/messaging"
)

// Kind classifies an inbound dispatch.
type Kind string

const (
	KindRPC       Kind = "rpc"
	KindAsync     Kind = "async"
	KindBroadcast Kind = "broadcast"
	KindListener  Kind = "listener"
)

// Call carries one inbound message through the chain. The envelope is
// decoded before the chain runs; Decoded is populated by the Validate
// layer for handlers that declare a message type.
type Call struct {
	Service  string
	Method   string
	Subject  string
	Kind     Kind
	Envelope *messaging.Envelope
	Decoded  any
}

// Handler is the innermost unit of the chain. RPC handlers return a
// reply; fire-and-forget handlers return (nil, err).
type Handler func(ctx context.Context, call *Call) (*messaging.Reply, error)

// Middleware wraps a Handler with one pipeline layer.
type Middleware func(next Handler) Handler

// Chain composes the middleware around the handler. The first middleware
// in the list becomes the outermost layer. Nil entries are skipped so
// callers can pass unconfigured layers directly.
func Chain(h Handler, mw ...Middleware) Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		if mw[i] == nil {
			continue
		}
		h = mw[i](h)
	}
	return h
}
