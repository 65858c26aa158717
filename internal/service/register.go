package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sndwch/cliffracer-sub001/internal/broker"
	"github.com/sndwch/cliffracer-sub001/internal/errz"
	"github.com/sndwch/cliffracer-sub001/internal/messaging"
	"github.com/sndwch/cliffracer-sub001/internal/service/middleware"
	"github.com/sndwch/cliffracer-sub001/internal/timers"
)

// registration is one handler bound to one subject. The composed chain
// is built when the handler is registered, so per-service options must
// be set before registration.
type registration struct {
	kind    middleware.Kind
	method  string
	subject string
	decode  func(*messaging.Envelope) (any, error)
	inner   middleware.Handler
	handler middleware.Handler
}

// RPCSubject derives the request/reply subject for a service method.
func RPCSubject(service, method string) string {
	return service + ".rpc." + method
}

// AsyncSubject derives the fire-and-forget subject for a service method.
func AsyncSubject(service, method string) string {
	return service + ".async." + method
}

// RegisterRPC binds a request/reply handler to <service>.rpc.<method>.
// The request type is registered for schema export, decoded, and
// validated before the handler runs.
func RegisterRPC[Req, Resp any](s *Service, method string, fn func(ctx context.Context, req *Req) (*Resp, error)) error {
	if fn == nil {
		return fmt.Errorf("%w: rpc handler %q is nil", errz.ErrConfiguration, method)
	}
	if _, err := messaging.RegisterType[Req](s.registry); err != nil {
		return err
	}

	inner := func(ctx context.Context, call *middleware.Call) (reply *messaging.Reply, err error) {
		defer recoverHandler(call, &err)

		req, ok := call.Decoded.(*Req)
		if !ok {
			return nil, fmt.Errorf("%w: request for %s was not decoded", errz.ErrHandler, call.Subject)
		}
		resp, err := fn(ctx, req)
		if err != nil {
			return nil, classify(err)
		}
		return messaging.NewResultReply(call.Envelope.CorrelationID, resp)
	}

	return s.register(&registration{
		kind:    middleware.KindRPC,
		method:  method,
		subject: RPCSubject(s.cfg.Name, method),
		decode:  decodeInto[Req],
		inner:   inner,
	})
}

// RegisterAsync binds a fire-and-forget handler to
// <service>.async.<method>. The message is decoded and validated; the
// handler's error is logged, never replied.
func RegisterAsync[Req any](s *Service, method string, fn func(ctx context.Context, msg *Req) error) error {
	if fn == nil {
		return fmt.Errorf("%w: async handler %q is nil", errz.ErrConfiguration, method)
	}
	if _, err := messaging.RegisterType[Req](s.registry); err != nil {
		return err
	}

	inner := func(ctx context.Context, call *middleware.Call) (reply *messaging.Reply, err error) {
		defer recoverHandler(call, &err)

		msg, ok := call.Decoded.(*Req)
		if !ok {
			return nil, fmt.Errorf("%w: message for %s was not decoded", errz.ErrHandler, call.Subject)
		}
		if err := fn(ctx, msg); err != nil {
			return nil, classify(err)
		}
		return nil, nil
	}

	return s.register(&registration{
		kind:    middleware.KindAsync,
		method:  method,
		subject: AsyncSubject(s.cfg.Name, method),
		decode:  decodeInto[Req],
		inner:   inner,
	})
}

// RegisterBroadcastListener binds a handler to the broadcast subject
// derived from T's lowercased type name. The payload is validated on
// the listener side before the handler runs.
func RegisterBroadcastListener[T any](s *Service, fn func(ctx context.Context, msg *T) error) error {
	if fn == nil {
		return fmt.Errorf("%w: broadcast listener is nil", errz.ErrConfiguration)
	}
	info, err := messaging.RegisterType[T](s.registry)
	if err != nil {
		return err
	}

	inner := func(ctx context.Context, call *middleware.Call) (reply *messaging.Reply, err error) {
		defer recoverHandler(call, &err)

		msg, ok := call.Decoded.(*T)
		if !ok {
			return nil, fmt.Errorf("%w: broadcast for %s was not decoded", errz.ErrHandler, call.Subject)
		}
		if err := fn(ctx, msg); err != nil {
			return nil, classify(err)
		}
		return nil, nil
	}

	return s.register(&registration{
		kind:    middleware.KindBroadcast,
		method:  info.Name,
		subject: info.Subject(),
		decode:  decodeInto[T],
		inner:   inner,
	})
}

// ListenerFunc receives raw messages matched by a pattern subscription.
type ListenerFunc func(ctx context.Context, subject string, payload []byte) error

// RegisterListener binds a raw handler to a subject pattern. Wildcards
// are allowed. Payloads that are not envelopes are passed through
// untouched.
func (s *Service) RegisterListener(pattern string, fn ListenerFunc) error {
	if fn == nil {
		return fmt.Errorf("%w: listener for %q is nil", errz.ErrConfiguration, pattern)
	}
	if !broker.ValidPattern(pattern) {
		return fmt.Errorf("%w: invalid listener pattern %q", errz.ErrConfiguration, pattern)
	}

	inner := func(ctx context.Context, call *middleware.Call) (reply *messaging.Reply, err error) {
		defer recoverHandler(call, &err)

		if err := fn(ctx, call.Subject, call.Envelope.Payload); err != nil {
			return nil, classify(err)
		}
		return nil, nil
	}

	return s.register(&registration{
		kind:    middleware.KindListener,
		method:  pattern,
		subject: pattern,
		inner:   inner,
	})
}

// RegisterTimer schedules a periodic function under the service's
// lifecycle. Timers start with the service and stop with it.
func (s *Service) RegisterTimer(name string, interval time.Duration, fn timers.Func, opts ...timers.Option) error {
	base := []timers.Option{
		timers.WithLogger(s.logger.WithGroup("timers")),
		timers.WithMetrics(s.metrics, s.cfg.Name),
	}
	timer, err := timers.New(name, interval, fn, append(base, opts...)...)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("%w: cannot register timer %q after start", errz.ErrConfiguration, name)
	}
	if _, exists := s.timers[name]; exists {
		return fmt.Errorf("%w: duplicate timer %q", errz.ErrConfiguration, name)
	}
	s.timers[name] = timer
	return nil
}

func (s *Service) register(reg *registration) error {
	if reg.kind != middleware.KindListener {
		if err := validMethodToken(reg.method); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("%w: cannot register %q after start", errz.ErrConfiguration, reg.subject)
	}
	if _, exists := s.handlers[reg.subject]; exists {
		return fmt.Errorf("%w: duplicate subject %q", errz.ErrConfiguration, reg.subject)
	}

	reg.handler = middleware.Chain(reg.inner,
		middleware.Authenticate(s.authFn),
		middleware.Validate(reg.decode),
		middleware.Correlate(),
		middleware.Cache(s.cacheStore, s.logger),
		middleware.Retry(s.retryPolicy),
		middleware.Monitor(s.metrics, s.logger),
	)
	s.handlers[reg.subject] = reg
	return nil
}

// sortedRegistrations returns handlers in deterministic subject order.
// Callers must hold s.mu.
func (s *Service) sortedRegistrations() []*registration {
	regs := make([]*registration, 0, len(s.handlers))
	for _, reg := range s.handlers {
		regs = append(regs, reg)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].subject < regs[j].subject })
	return regs
}

// decodeInto binds and validates the envelope payload as T.
func decodeInto[T any](env *messaging.Envelope) (any, error) {
	msg := new(T)
	if err := env.Bind(msg); err != nil {
		return nil, fmt.Errorf("%w: %w", errz.ErrValidation, err)
	}
	if err := messaging.ValidateMessage(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// classify wraps errors that carry no taxonomy kind as handler errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errz.Kind(err) != errz.KindHandler || errors.Is(err, errz.ErrHandler) {
		return err
	}
	return fmt.Errorf("%w: %w", errz.ErrHandler, err)
}

func recoverHandler(call *middleware.Call, err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%w: handler for %s panicked: %v", errz.ErrHandler, call.Subject, r)
	}
}

// validMethodToken refuses method names that would break subject
// derivation.
func validMethodToken(method string) error {
	if method == "" {
		return fmt.Errorf("%w: method name is required", errz.ErrConfiguration)
	}
	if strings.ContainsAny(method, ".*> \t\n") {
		return fmt.Errorf("%w: invalid method name %q", errz.ErrConfiguration, method)
	}
	return nil
}
