package service

import (
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/sndwch/cliffracer-sub001/internal/broker"
	"github.com/sndwch/cliffracer-sub001/internal/messaging"
	"github.com/sndwch/cliffracer-sub001/internal/metrics"
	"github.com/sndwch/cliffracer-sub001/internal/retry"
	"github.com/sndwch/cliffracer-sub001/internal/service/middleware"
)

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger for this service instance.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger.WithGroup("service." + s.cfg.Name)
		}
	}
}

// WithLogHandler sets the logger from a slog handler.
func WithLogHandler(handler slog.Handler) Option {
	return func(s *Service) {
		if handler != nil {
			s.logger = slog.New(handler).WithGroup("service." + s.cfg.Name)
		}
	}
}

// WithBroker injects an existing broker connection. The service will
// not close a shared connection on Stop; it only removes its own
// subscriptions.
func WithBroker(b broker.Broker) Option {
	return func(s *Service) {
		if b != nil {
			s.broker = b
			s.ownsBroker = false
		}
	}
}

// WithRegistry shares a type registry across services so that schema
// export and broadcast subjects come from one place.
func WithRegistry(r *messaging.TypeRegistry) Option {
	return func(s *Service) {
		if r != nil {
			s.registry = r
		}
	}
}

// WithMetrics wires handler, publish, and timer counters to the
// collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Service) {
		s.metrics = c
	}
}

// WithAuthFunc installs an access policy in front of every handler.
func WithAuthFunc(fn middleware.AuthFunc) Option {
	return func(s *Service) {
		s.authFn = fn
	}
}

// WithReplyCache enables replaying successful RPC replies for identical
// requests for the given TTL.
func WithReplyCache(ttl time.Duration) Option {
	return func(s *Service) {
		s.cacheStore = gocache.New(ttl, 2*ttl)
	}
}

// WithRetryPolicy retries handler execution per the policy.
func WithRetryPolicy(policy retry.Policy) Option {
	return func(s *Service) {
		s.retryPolicy = &policy
	}
}

// WithStartupHook runs after subscriptions and timers are up; an error
// aborts Start and rolls back.
func WithStartupHook(hook Hook) Option {
	return func(s *Service) {
		s.onStart = hook
	}
}

// WithShutdownHook runs during Stop after the broker is drained.
func WithShutdownHook(hook Hook) Option {
	return func(s *Service) {
		s.onStop = hook
	}
}
