// Package service binds a configured service to the broker and drives
// its message loop. Handlers are registered before Start; Start
// subscribes every handler to its derived subject, launches timers, and
// runs the user startup hook. All handler dispatch flows through the
// middleware chain.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	gocache "github.com/patrickmn/go-cache"

	"github.com/sndwch/cliffracer-sub001/internal/broker"
	"github.com/sndwch/cliffracer-sub001/internal/broker/natsconn"
	"github.com/sndwch/cliffracer-sub001/internal/config"
	"github.com/sndwch/cliffracer-sub001/internal/messaging"
	"github.com/sndwch/cliffracer-sub001/internal/metrics"
	"github.com/sndwch/cliffracer-sub001/internal/retry"
	"github.com/sndwch/cliffracer-sub001/internal/service/finitestate"
	"github.com/sndwch/cliffracer-sub001/internal/service/middleware"
	"github.com/sndwch/cliffracer-sub001/internal/timers"
)

// Hook runs user code at a lifecycle boundary.
type Hook func(ctx context.Context) error

// Service is one named unit on the broker. It owns its handler table,
// its timers, and its subscriptions. A service holds exactly one active
// broker connection, either its own or one shared via WithBroker.
type Service struct {
	cfg    config.Service
	logger *slog.Logger
	fsm    finitestate.Machine

	broker     broker.Broker
	ownsBroker bool

	registry *messaging.TypeRegistry
	metrics  *metrics.Collector

	authFn      middleware.AuthFunc
	cacheStore  *gocache.Cache
	retryPolicy *retry.Policy

	onStart Hook
	onStop  Hook

	mu       sync.Mutex
	started  bool
	handlers map[string]*registration
	timers   map[string]*timers.Timer
	subs     []broker.Subscription

	runCtx     context.Context
	runCancel  context.CancelFunc
	dispatchWG sync.WaitGroup
}

// New builds a service from its configuration. The configuration is
// normalized and validated; a service without an injected broker
// connects to the configured URL on Start.
func New(cfg config.Service, opts ...Option) (*Service, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Service{
		cfg:      cfg,
		logger:   slog.Default().WithGroup("service." + cfg.Name),
		registry: messaging.NewTypeRegistry(),
		handlers: make(map[string]*registration),
		timers:   make(map[string]*timers.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.broker == nil {
		s.broker = natsconn.New(natsconn.Config{
			URL:                  cfg.BrokerURL,
			Name:                 cfg.Name,
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
			ReconnectWait:        cfg.ReconnectWait.AsDuration(),
			JetStream: natsconn.JetStreamConfig{
				Enabled: cfg.JetStreamEnabled,
			},
		}, s.logger)
		s.ownsBroker = true
	}

	fsm, err := finitestate.New(s.logger.WithGroup("fsm").Handler())
	if err != nil {
		return nil, fmt.Errorf("failed to create state machine: %w", err)
	}
	s.fsm = fsm

	return s, nil
}

// Name returns the configured service name.
func (s *Service) Name() string {
	return s.cfg.Name
}

func (s *Service) String() string {
	return "service." + s.cfg.Name
}

// Config returns a copy of the service configuration.
func (s *Service) Config() config.Service {
	return s.cfg
}

// Logger returns the service's logger.
func (s *Service) Logger() *slog.Logger {
	return s.logger
}

// Registry returns the type registry used for schema validation and
// broadcast subject derivation.
func (s *Service) Registry() *messaging.TypeRegistry {
	return s.registry
}

// Broker exposes the underlying connection for shared-connection setups.
func (s *Service) Broker() broker.Broker {
	return s.broker
}

// Subjects returns the subscribed subject for every registered handler.
func (s *Service) Subjects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	subjects := make([]string, 0, len(s.handlers))
	for subject := range s.handlers {
		subjects = append(subjects, subject)
	}
	return subjects
}

// Timers returns the service's timers.
func (s *Service) Timers() []*timers.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := make([]*timers.Timer, 0, len(s.timers))
	for _, t := range s.timers {
		list = append(list, t)
	}
	return list
}
