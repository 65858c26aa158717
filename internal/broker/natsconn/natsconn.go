// Package natsconn implements the broker contract over a real NATS
// connection. Reconnect behavior comes from the service configuration, and
// an optional JetStream stream gives event publishes durability.
package natsconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/sndwch/cliffracer-sub001/internal/broker"
	"github.com/sndwch/cliffracer-sub001/internal/errz"
)

const defaultPublishTimeout = 5 * time.Second

// Config carries the connection options a service resolves from its own
// configuration.
type Config struct {
	URL                  string
	Name                 string
	MaxReconnectAttempts int
	ReconnectWait        time.Duration

	// JetStream settings take effect only when Enabled is true. Subjects
	// matched by StreamSubjects publish through the stream.
	JetStream JetStreamConfig
}

type JetStreamConfig struct {
	Enabled        bool
	StreamName     string
	StreamSubjects []string
}

func (jc JetStreamConfig) withDefaults() JetStreamConfig {
	if jc.StreamName == "" {
		jc.StreamName = "EVENTS"
	}
	if len(jc.StreamSubjects) == 0 {
		jc.StreamSubjects = []string{"broadcast.>"}
	}
	return jc
}

// Broker is a broker.Broker over one NATS connection.
type Broker struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	nc       *nats.Conn
	js       jetstream.JetStream
	closedCh chan struct{}
}

var _ broker.Broker = (*Broker)(nil)

// New builds an unconnected broker. Call Connect before use.
func New(cfg Config, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.JetStream = cfg.JetStream.withDefaults()
	return &Broker{
		cfg:    cfg,
		logger: logger.WithGroup("natsconn"),
	}
}

func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.nc != nil && b.nc.IsConnected() {
		return nil
	}

	closedCh := make(chan struct{})
	opts := []nats.Option{
		nats.Name(b.cfg.Name),
		nats.MaxReconnects(b.cfg.MaxReconnectAttempts),
		nats.ReconnectWait(b.cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.logger.Warn("disconnected from broker", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info("reconnected to broker", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			close(closedCh)
		}),
	}

	nc, err := nats.Connect(b.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("connect %q: %w: %w", b.cfg.URL, err, errz.ErrConnection)
	}

	if b.cfg.JetStream.Enabled {
		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return fmt.Errorf("jetstream init: %w: %w", err, errz.ErrConnection)
		}
		_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     b.cfg.JetStream.StreamName,
			Subjects: b.cfg.JetStream.StreamSubjects,
		})
		if err != nil {
			nc.Close()
			return fmt.Errorf("create stream %q: %w: %w", b.cfg.JetStream.StreamName, err, errz.ErrConnection)
		}
		b.js = js
	}

	b.nc = nc
	b.closedCh = closedCh
	b.logger.Debug("connected to broker", "url", b.cfg.URL, "jetstream", b.cfg.JetStream.Enabled)
	return nil
}

func (b *Broker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nc != nil && b.nc.IsConnected()
}

func (b *Broker) conn() (*nats.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nc == nil {
		return nil, fmt.Errorf("not connected: %w", errz.ErrConnection)
	}
	return b.nc, nil
}

func (b *Broker) Subscribe(pattern string, handler broker.MsgHandler) (broker.Subscription, error) {
	if !broker.ValidPattern(pattern) {
		return nil, fmt.Errorf("%w: invalid subscription pattern %q", errz.ErrConfiguration, pattern)
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: nil handler for pattern %q", errz.ErrConfiguration, pattern)
	}
	nc, err := b.conn()
	if err != nil {
		return nil, err
	}

	sub, err := nc.Subscribe(pattern, func(m *nats.Msg) {
		handler(&broker.Message{Subject: m.Subject, Reply: m.Reply, Data: m.Data})
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %q: %w: %w", pattern, err, errz.ErrConnection)
	}
	return &natsSub{sub: sub}, nil
}

func (b *Broker) Publish(subject string, data []byte) error {
	nc, err := b.conn()
	if err != nil {
		return err
	}

	if b.useJetStream(subject) {
		ctx, cancel := context.WithTimeout(context.Background(), defaultPublishTimeout)
		defer cancel()
		if _, err := b.js.Publish(ctx, subject, data); err != nil {
			return fmt.Errorf("jetstream publish %q: %w: %w", subject, err, errz.ErrConnection)
		}
		return nil
	}

	if err := nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %q: %w: %w", subject, err, errz.ErrConnection)
	}
	return nil
}

func (b *Broker) useJetStream(subject string) bool {
	if b.js == nil {
		return false
	}
	for _, streamSubject := range b.cfg.JetStream.StreamSubjects {
		if broker.Match(streamSubject, subject) {
			return true
		}
	}
	return false
}

func (b *Broker) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	nc, err := b.conn()
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := nc.RequestWithContext(reqCtx, subject, data)
	if err != nil {
		return nil, translateRequestErr(subject, timeout, err)
	}
	return msg.Data, nil
}

// translateRequestErr maps NATS client failures onto the framework
// taxonomy. No responders answers immediately but means the same thing to
// the caller as an expired reply window.
func translateRequestErr(subject string, timeout time.Duration, err error) error {
	switch {
	case errors.Is(err, nats.ErrNoResponders):
		return fmt.Errorf("request %q: no responders: %w", subject, errz.ErrRPCTimeout)
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("request %q after %s: %w", subject, timeout, errz.ErrRPCTimeout)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("request %q canceled: %w", subject, errz.ErrConnection)
	default:
		return fmt.Errorf("request %q: %w: %w", subject, err, errz.ErrConnection)
	}
}

// Drain flushes subscriptions and waits for the connection to finish
// closing, bounded by ctx.
func (b *Broker) Drain(ctx context.Context) error {
	b.mu.Lock()
	nc := b.nc
	closedCh := b.closedCh
	b.mu.Unlock()

	if nc == nil || nc.IsClosed() {
		return nil
	}
	if err := nc.Drain(); err != nil {
		return fmt.Errorf("drain: %w: %w", err, errz.ErrConnection)
	}

	select {
	case <-closedCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain interrupted: %w", ctx.Err())
	}
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nc == nil {
		return nil
	}
	if !b.nc.IsClosed() {
		b.nc.Close()
	}
	return nil
}

type natsSub struct {
	sub *nats.Subscription
}

var _ broker.Subscription = (*natsSub)(nil)

func (s *natsSub) Pattern() string { return s.sub.Subject }

func (s *natsSub) Unsubscribe() error {
	if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("unsubscribe %q: %w", s.sub.Subject, err)
	}
	return nil
}
