package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/sndwch/cliffracer-sub001/internal/correlation"
	"github.com/sndwch/cliffracer-sub001/internal/errz"
	"github.com/sndwch/cliffracer-sub001/internal/messaging"
	"github.com/sndwch/cliffracer-sub001/internal/metrics"
	"github.com/sndwch/cliffracer-sub001/internal/retry"
)

// AuthFunc decides whether a call may proceed. Returning an error stops
// the chain before the handler runs.
type AuthFunc func(ctx context.Context, call *Call) error

// Authenticate gates the chain on an access policy. Errors not already
// classified as authentication or authorization failures are wrapped as
// authentication failures.
func Authenticate(fn AuthFunc) Middleware {
	if fn == nil {
		return nil
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, call *Call) (*messaging.Reply, error) {
			if err := fn(ctx, call); err != nil {
				if !errors.Is(err, errz.ErrAuthentication) &&
					!errors.Is(err, errz.ErrAuthorization) {
					err = fmt.Errorf("%w: %w", errz.ErrAuthentication, err)
				}
				return nil, err
			}
			return next(ctx, call)
		}
	}
}

// Validate decodes the envelope payload through the registration's decode
// function and stores the result on the call for the handler. Decode
// failures stop the chain with the decode error.
func Validate(decode func(*messaging.Envelope) (any, error)) Middleware {
	if decode == nil {
		return nil
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, call *Call) (*messaging.Reply, error) {
			decoded, err := decode(call.Envelope)
			if err != nil {
				return nil, err
			}
			call.Decoded = decoded
			return next(ctx, call)
		}
	}
}

// Correlate installs the envelope's correlation ID into the context for
// the rest of the chain, minting a fresh ID when the envelope carries
// none, and stamps the reply on the way out.
func Correlate() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, call *Call) (*messaging.Reply, error) {
			id := call.Envelope.CorrelationID
			if id == "" {
				id = correlation.NewID()
				call.Envelope.CorrelationID = id
			}
			ctx = correlation.WithID(ctx, id)

			reply, err := next(ctx, call)
			if reply != nil && reply.CorrelationID == "" {
				reply.CorrelationID = id
			}
			return reply, err
		}
	}
}

// Cache replays previously computed RPC results keyed by subject and
// request payload. Only successful replies are stored. Non-RPC calls
// pass through untouched.
func Cache(store *gocache.Cache, logger *slog.Logger) Middleware {
	if store == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, call *Call) (*messaging.Reply, error) {
			if call.Kind != KindRPC {
				return next(ctx, call)
			}

			key := call.Subject + "|" + string(call.Envelope.Payload)
			if cached, found := store.Get(key); found {
				if prior, ok := cached.(*messaging.Reply); ok {
					logger.DebugContext(ctx, "serving cached reply", "subject", call.Subject)
					return &messaging.Reply{
						CorrelationID: call.Envelope.CorrelationID,
						Result:        prior.Result,
					}, nil
				}
			}

			reply, err := next(ctx, call)
			if err == nil && reply != nil && reply.Error == "" {
				store.Set(key, reply, gocache.DefaultExpiration)
			}
			return reply, err
		}
	}
}

// Retry re-invokes the inner layers according to the policy. The policy
// decides which errors are worth another attempt.
func Retry(policy *retry.Policy) Middleware {
	if policy == nil {
		return nil
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, call *Call) (*messaging.Reply, error) {
			var reply *messaging.Reply
			err := policy.Do(ctx, func(ctx context.Context) error {
				var opErr error
				reply, opErr = next(ctx, call)
				return opErr
			})
			return reply, err
		}
	}
}

// Monitor records per-call duration and outcome. RPC calls feed the
// request counter and latency histogram; everything is logged with the
// correlation context.
func Monitor(collector *metrics.Collector, logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, call *Call) (*messaging.Reply, error) {
			start := time.Now()
			reply, err := next(ctx, call)
			elapsed := time.Since(start)

			status := "ok"
			switch {
			case err != nil:
				status = errz.Kind(err)
			case reply != nil && reply.Error != "":
				status = reply.Error
			}

			if call.Kind == KindRPC {
				collector.ObserveRPC(call.Service, call.Method, status, elapsed)
			}

			if err != nil {
				logger.ErrorContext(ctx, "handler failed",
					"subject", call.Subject,
					"status", status,
					"duration", elapsed,
					"error", err)
			} else {
				logger.DebugContext(ctx, "handler completed",
					"subject", call.Subject,
					"status", status,
					"duration", elapsed)
			}
			return reply, err
		}
	}
}
