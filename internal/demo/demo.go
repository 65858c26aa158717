// Package demo wires the built-in demonstration topology: a calc
// service answering arithmetic RPCs, an audit service consuming
// fire-and-forget events and broadcasts, and a travel booking saga
// spanning flight, hotel, and car participants. Everything talks over
// an in-memory bus, so the demo command and the integration suite need
// no external broker.
package demo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robbyt/go-supervisor/supervisor"

	"github.com/sndwch/cliffracer-sub001/internal/broker"
	"github.com/sndwch/cliffracer-sub001/internal/config"
	"github.com/sndwch/cliffracer-sub001/internal/metrics"
	"github.com/sndwch/cliffracer-sub001/internal/orchestrator"
	"github.com/sndwch/cliffracer-sub001/internal/repository"
	"github.com/sndwch/cliffracer-sub001/internal/saga"
	"github.com/sndwch/cliffracer-sub001/internal/saga/store"
	"github.com/sndwch/cliffracer-sub001/internal/service"
)

// stopGrace bounds the per-service wind-down when Start unwinds after
// a partial failure.
const stopGrace = 5 * time.Second

// Topology is the assembled demo: six services, the saga coordinator
// on the travel gateway, and the shared action recorder.
type Topology struct {
	Bus      *broker.MemoryBus
	Recorder *Recorder

	Calc    *service.Service
	Audit   *service.Service
	Travel  *service.Service
	Flights *service.Service
	Hotels  *service.Service
	Cars    *service.Service

	Coordinator *saga.Coordinator

	handler slog.Handler
	metrics *metrics.Collector

	reporters  *repository.Repository[Reporter]
	reporterDB *sql.DB
	bookings   atomic.Int64

	services []*service.Service
}

type options struct {
	handler slog.Handler
	bus     *broker.MemoryBus
	store   saga.Store
	metrics *metrics.Collector
}

// Option configures the topology.
type Option func(*options)

// WithLogHandler sets the slog handler every service and the
// coordinator log through.
func WithLogHandler(handler slog.Handler) Option {
	return func(o *options) {
		if handler != nil {
			o.handler = handler
		}
	}
}

// WithBus runs the topology over an existing bus instead of a fresh
// one.
func WithBus(bus *broker.MemoryBus) Option {
	return func(o *options) { o.bus = bus }
}

// WithStore persists saga snapshots somewhere other than the default
// in-memory store.
func WithStore(st saga.Store) Option {
	return func(o *options) { o.store = st }
}

// WithMetrics wires every service and the coordinator to the collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

// NewTopology builds the demo services and registers all their
// handlers. Nothing is started yet.
func NewTopology(opts ...Option) (*Topology, error) {
	o := options{handler: slog.Default().Handler()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.bus == nil {
		o.bus = broker.NewMemoryBus()
	}
	if o.store == nil {
		o.store = store.NewMemory()
	}

	t := &Topology{
		Bus:      o.bus,
		Recorder: &Recorder{},
		handler:  o.handler,
		metrics:  o.metrics,
	}

	var err error
	if t.Calc, err = t.newService("calc"); err != nil {
		return nil, err
	}
	if t.Audit, err = t.newService("audit"); err != nil {
		return nil, err
	}
	if t.Travel, err = t.newService("travel"); err != nil {
		return nil, err
	}
	if t.Flights, err = t.newService("flights"); err != nil {
		return nil, err
	}
	if t.Hotels, err = t.newService("hotels"); err != nil {
		return nil, err
	}
	if t.Cars, err = t.newService("cars"); err != nil {
		return nil, err
	}

	db, repo, err := openReporters()
	if err != nil {
		return nil, err
	}
	t.reporterDB = db
	t.reporters = repo

	if err := t.registerHandlers(o.store); err != nil {
		_ = db.Close()
		return nil, err
	}
	return t, nil
}

func (t *Topology) registerHandlers(st saga.Store) error {
	if err := t.registerCalc(); err != nil {
		return err
	}
	if err := t.registerAudit(); err != nil {
		return err
	}
	return t.registerTravel(st)
}

func (t *Topology) newService(name string) (*service.Service, error) {
	svcOpts := []service.Option{
		service.WithBroker(t.Bus.Conn()),
		service.WithLogHandler(t.handler),
	}
	if t.metrics != nil {
		svcOpts = append(svcOpts, service.WithMetrics(t.metrics))
	}
	svc, err := service.New(config.NewService(name), svcOpts...)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", name, err)
	}
	t.services = append(t.services, svc)
	return svc, nil
}

// Services returns every service in start order.
func (t *Topology) Services() []*service.Service {
	return slices.Clone(t.services)
}

// Start brings every service up. A failure stops whatever already
// started and returns the cause.
func (t *Topology) Start(ctx context.Context) error {
	for i, svc := range t.services {
		if err := svc.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				stopCtx, cancel := context.WithTimeout(context.Background(), stopGrace)
				_ = t.services[j].Stop(stopCtx)
				cancel()
			}
			_ = t.reporterDB.Close()
			return fmt.Errorf("start %s: %w", svc.Name(), err)
		}
	}
	return nil
}

// Stop drains the coordinator first so in-flight sagas finish against
// live participants, then stops every service in reverse order and
// closes the reporter store.
func (t *Topology) Stop(ctx context.Context) error {
	var errs []error
	if err := t.Coordinator.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	for i := len(t.services) - 1; i >= 0; i-- {
		if err := t.services[i].Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := t.reporterDB.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Register adds every service to the orchestrator, bracketed by two
// runnables: the reporter store closer goes in first so it stops last,
// after the audit service has drained, and the coordinator drain goes
// in last so it stops first, while participants still answer
// compensation calls.
func (t *Topology) Register(o *orchestrator.Orchestrator) error {
	if err := o.AddRunnable(&closerRunnable{
		name:   "audit.reporters",
		closer: t.reporterDB,
		done:   make(chan struct{}),
	}); err != nil {
		return err
	}
	for _, svc := range t.services {
		if err := o.Add(svc); err != nil {
			return err
		}
	}
	return o.AddRunnable(&coordinatorRunnable{
		coord: t.Coordinator,
		done:  make(chan struct{}),
	})
}

// coordinatorDrain bounds the coordinator wind-down during shutdown.
const coordinatorDrain = 30 * time.Second

var _ supervisor.Runnable = (*closerRunnable)(nil)

// closerRunnable parks under the supervision tree and closes a
// resource once shutdown reaches it.
type closerRunnable struct {
	name   string
	closer io.Closer
	done   chan struct{}
	once   sync.Once
}

func (r *closerRunnable) String() string { return r.name }

func (r *closerRunnable) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-r.done:
	}
	return r.closer.Close()
}

func (r *closerRunnable) Stop() {
	r.once.Do(func() { close(r.done) })
}

var _ supervisor.Runnable = (*coordinatorRunnable)(nil)

// coordinatorRunnable parks under the supervision tree and drains the
// saga coordinator when shutdown begins.
type coordinatorRunnable struct {
	coord *saga.Coordinator
	done  chan struct{}
	once  sync.Once
}

func (r *coordinatorRunnable) String() string { return "saga.coordinator" }

func (r *coordinatorRunnable) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-r.done:
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), coordinatorDrain)
	defer cancel()
	return r.coord.Stop(stopCtx)
}

func (r *coordinatorRunnable) Stop() {
	r.once.Do(func() { close(r.done) })
}
