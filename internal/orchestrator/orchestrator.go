// Package orchestrator runs a set of services as one supervised unit.
// Each service is wrapped in a restart-supervising runnable honoring
// its auto_restart, restart_delay, and max_restart_attempts settings;
// a service that spends its restart budget is marked degraded without
// taking the rest of the process down. Shutdown walks the runnables in
// reverse registration order, draining each before the next.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/robbyt/go-supervisor/supervisor"

	"github.com/sndwch/cliffracer-sub001/internal/broker"
	"github.com/sndwch/cliffracer-sub001/internal/broker/natsconn"
	"github.com/sndwch/cliffracer-sub001/internal/config"
	"github.com/sndwch/cliffracer-sub001/internal/errz"
	"github.com/sndwch/cliffracer-sub001/internal/service"
)

// Orchestrator owns a collection of services plus any extra runnables
// that should live and die with them. Add everything before Run; an
// orchestrator runs once.
type Orchestrator struct {
	handler slog.Handler
	logger  *slog.Logger

	shareConns bool

	mu        sync.Mutex
	wrappers  []*serviceRunnable
	names     map[string]struct{}
	runnables []supervisor.Runnable
	shared    map[string]*sharedConn

	started atomic.Bool
}

// sharedConn is a broker connection the orchestrator owns and hands to
// every service configured with the same broker URL.
type sharedConn struct {
	conn      broker.Broker
	jetstream bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogHandler sets the logging handler for the orchestrator and the
// supervision tree it runs.
func WithLogHandler(handler slog.Handler) Option {
	return func(o *Orchestrator) {
		if handler != nil {
			o.handler = handler
			o.logger = slog.New(handler).WithGroup("orchestrator")
		}
	}
}

// WithSharedConnections makes services added through AddService share
// one broker connection per broker URL. The orchestrator owns shared
// connections and closes them after Run returns; without this option
// every service owns its own connection.
func WithSharedConnections() Option {
	return func(o *Orchestrator) {
		o.shareConns = true
	}
}

// New builds an empty orchestrator.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		handler: slog.Default().Handler(),
		names:   make(map[string]struct{}),
		shared:  make(map[string]*sharedConn),
	}
	o.logger = slog.New(o.handler).WithGroup("orchestrator")
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// AddService builds a service from its configuration and registers it.
// The returned service is not started yet; register handlers and
// timers on it before calling Run. When connection sharing is enabled
// the service is handed the shared connection for its broker URL, and
// an explicit service.WithBroker option still wins.
func (o *Orchestrator) AddService(cfg config.Service, opts ...service.Option) (*service.Service, error) {
	cfg.Normalize()
	if o.shareConns {
		opts = append([]service.Option{service.WithBroker(o.sharedConnFor(cfg))}, opts...)
	}
	svc, err := service.New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := o.Add(svc); err != nil {
		return nil, err
	}
	return svc, nil
}

// Add registers a prebuilt service. Restart behavior comes from the
// service's own configuration.
func (o *Orchestrator) Add(svc *service.Service) error {
	if svc == nil {
		return fmt.Errorf("%w: nil service", errz.ErrConfiguration)
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.started.Load() {
		return fmt.Errorf("%w: orchestrator already started", errz.ErrConfiguration)
	}
	if _, dup := o.names[svc.Name()]; dup {
		return fmt.Errorf("%w: service %q already added", errz.ErrConfiguration, svc.Name())
	}

	cfg := svc.Config()
	wrapper := newServiceRunnable(svc, restartPolicy{
		auto:     cfg.AutoRestart,
		delay:    cfg.RestartDelay.AsDuration(),
		attempts: cfg.MaxRestartAttempts,
	}, o.logger.With("service", svc.Name()))

	o.names[svc.Name()] = struct{}{}
	o.wrappers = append(o.wrappers, wrapper)
	o.runnables = append(o.runnables, wrapper)
	return nil
}

// AddRunnable registers an extra runnable, typically a listener, under
// the same supervision tree. Runnables start in registration order and
// stop in reverse.
func (o *Orchestrator) AddRunnable(r supervisor.Runnable) error {
	if r == nil {
		return fmt.Errorf("%w: nil runnable", errz.ErrConfiguration)
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.started.Load() {
		return fmt.Errorf("%w: orchestrator already started", errz.ErrConfiguration)
	}
	o.runnables = append(o.runnables, r)
	return nil
}

// sharedConnFor returns the connection for the URL, building it on
// first use. The first service added for a URL establishes the
// connection options; later services with a different JetStream
// setting keep working over the established connection with a warning.
func (o *Orchestrator) sharedConnFor(cfg config.Service) broker.Broker {
	o.mu.Lock()
	defer o.mu.Unlock()

	if sc, ok := o.shared[cfg.BrokerURL]; ok {
		if sc.jetstream != cfg.JetStreamEnabled {
			o.logger.Warn("JetStream setting differs from the established shared connection",
				"broker_url", cfg.BrokerURL, "service", cfg.Name)
		}
		return sc.conn
	}

	conn := natsconn.New(natsconn.Config{
		URL:                  cfg.BrokerURL,
		Name:                 cfg.Name,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ReconnectWait:        cfg.ReconnectWait.AsDuration(),
		JetStream:            natsconn.JetStreamConfig{Enabled: cfg.JetStreamEnabled},
	}, o.logger)
	o.shared[cfg.BrokerURL] = &sharedConn{conn: conn, jetstream: cfg.JetStreamEnabled}
	return conn
}

// Run starts every registered runnable under one supervision tree and
// blocks until ctx is canceled or the tree fails. Canceling ctx stops
// the runnables in reverse order; each drains within its grace window.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.started.Load() {
		o.mu.Unlock()
		return fmt.Errorf("%w: orchestrator already started", errz.ErrConfiguration)
	}
	if len(o.runnables) == 0 {
		o.mu.Unlock()
		return fmt.Errorf("%w: no services added", errz.ErrConfiguration)
	}
	o.started.Store(true)
	runnables := slices.Clone(o.runnables)
	o.mu.Unlock()

	super, err := supervisor.New(
		supervisor.WithContext(ctx),
		supervisor.WithLogHandler(o.handler),
		supervisor.WithRunnables(runnables...),
	)
	if err != nil {
		return fmt.Errorf("failed to create supervisor: %w", err)
	}

	o.logger.Info("Starting services",
		"services", len(o.wrappers), "runnables", len(runnables))
	runErr := super.Run()
	o.closeSharedConns()
	o.logger.Info("All services stopped")
	return runErr
}

// closeSharedConns drains and closes the connections the orchestrator
// owns. Connections that never connected close cleanly.
func (o *Orchestrator) closeSharedConns() {
	o.mu.Lock()
	defer o.mu.Unlock()

	for url, sc := range o.shared {
		ctx, cancel := context.WithTimeout(context.Background(), drainGrace)
		if err := sc.conn.Drain(ctx); err != nil {
			o.logger.Warn("Failed to drain shared connection", "broker_url", url, "error", err)
		}
		cancel()
		if err := sc.conn.Close(); err != nil {
			o.logger.Warn("Failed to close shared connection", "broker_url", url, "error", err)
		}
	}
}

// ServiceStatus is a point-in-time view of one supervised service.
type ServiceStatus struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Restarts int    `json:"restarts"`
	Degraded bool   `json:"degraded"`
	Err      string `json:"error,omitempty"`
}

// Status reports every supervised service in registration order.
func (o *Orchestrator) Status() []ServiceStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]ServiceStatus, 0, len(o.wrappers))
	for _, w := range o.wrappers {
		out = append(out, w.status())
	}
	return out
}

// Degraded reports whether any supervised service has spent its
// restart budget.
func (o *Orchestrator) Degraded() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, w := range o.wrappers {
		if w.status().Degraded {
			return true
		}
	}
	return false
}
