// Package broker abstracts the NATS-style message bus the framework runs
// on: subject-based pub/sub with `*` and `>` wildcards plus request/reply
// over private inboxes. The natsconn subpackage provides the production
// implementation; the in-memory broker here backs tests and the demo
// topology.
package broker

import (
	"context"
	"time"
)

// MsgHandler receives one delivered message. Handlers must not block the
// delivery goroutine for long; the service kernel dispatches real work onto
// its own goroutines.
type MsgHandler func(msg *Message)

// Message is one unit of delivery. Reply is the inbox subject for
// request/reply traffic and empty for plain publishes.
type Message struct {
	Subject string
	Reply   string
	Data    []byte
}

// Subscription is one active pattern subscription.
type Subscription interface {
	Pattern() string
	Unsubscribe() error
}

// Broker is the client surface the framework consumes. Connect must be
// called before any other operation. Drain stops intake and waits for
// in-flight deliveries; Close tears the connection down. Both are
// idempotent.
type Broker interface {
	Connect(ctx context.Context) error
	Subscribe(pattern string, handler MsgHandler) (Subscription, error)
	Publish(subject string, data []byte) error
	Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error)
	Drain(ctx context.Context) error
	Close() error
	IsConnected() bool
}
