// Package retry implements the bounded exponential backoff used by the
// middleware retry layer and the saga coordinator's step attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/sndwch/cliffracer-sub001/internal/errz"
)

// Policy describes how an operation is retried. The zero value never
// retries; build policies through New or the helpers on it.
type Policy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFactor  float64

	// Retryable decides whether a failure is worth another attempt.
	// Nil falls back to DefaultRetryable.
	Retryable func(error) bool

	// OnRetry observes each failed attempt that will be retried.
	OnRetry func(attempt int, err error)
}

// Default is the policy most callers start from: three attempts with 2x
// backoff from 100ms, capped at 5s.
func Default() Policy {
	return Policy{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}
}

// WithAttempts returns a copy of the policy with MaxAttempts replaced.
func (p Policy) WithAttempts(n int) Policy {
	p.MaxAttempts = n
	return p
}

// DefaultRetryable retries transport-level failures and nothing else.
// Validation and access refusals never improve on retry.
func DefaultRetryable(err error) bool {
	return errors.Is(err, errz.ErrRPCTimeout) || errors.Is(err, errz.ErrConnection)
}

// Do runs op until it succeeds, exhausts MaxAttempts, fails a
// non-retryable way, or the context ends. The context bounds backoff
// sleeps as well as attempts, so a deadline caps the total budget.
func (p Policy) Do(ctx context.Context, op func(context.Context) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = DefaultRetryable
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry canceled: %w", err)
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt >= p.MaxAttempts || !retryable(err) {
			return err
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}

		select {
		case <-time.After(p.delay(attempt)):
		case <-ctx.Done():
			return fmt.Errorf("retry canceled during backoff: %w: %w", ctx.Err(), lastErr)
		}
	}
	return lastErr
}

// delay computes the backoff before the next attempt: exponential in the
// attempt number with symmetric jitter, clamped to [InitialDelay, MaxDelay].
func (p Policy) delay(attempt int) time.Duration {
	backoff := float64(p.InitialDelay)
	if p.BackoffFactor > 0 {
		backoff *= math.Pow(p.BackoffFactor, float64(attempt-1))
	}
	if p.JitterFactor > 0 {
		backoff += backoff * p.JitterFactor * (rand.Float64()*2 - 1)
	}
	if backoff < float64(p.InitialDelay) {
		backoff = float64(p.InitialDelay)
	}
	if p.MaxDelay > 0 && backoff > float64(p.MaxDelay) {
		backoff = float64(p.MaxDelay)
	}
	return time.Duration(backoff)
}
