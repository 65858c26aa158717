package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sndwch/cliffracer-sub001/internal/errz"
	"github.com/sndwch/cliffracer-sub001/internal/service/finitestate"
)

// Start connects to the broker, subscribes every registered handler,
// starts timers, and runs the startup hook. Either every subscription
// is made or none: a failure part-way unsubscribes what was already
// subscribed before returning. Calling Start on a started service is a
// no-op with a warning. The context governs the service's lifetime;
// cancelling it stops dispatch.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		s.logger.Warn("service already started")
		return nil
	}

	if state := s.fsm.GetState(); state == finitestate.StatusStopped || state == finitestate.StatusError {
		if err := s.fsm.SetState(finitestate.StatusNew); err != nil {
			return fmt.Errorf("failed to reset state machine: %w", err)
		}
	}
	if err := s.fsm.Transition(finitestate.StatusBooting); err != nil {
		return fmt.Errorf("failed to transition to booting state: %w", err)
	}

	s.runCtx, s.runCancel = context.WithCancel(ctx)

	if err := s.boot(ctx); err != nil {
		s.runCancel()
		if stateErr := s.fsm.Transition(finitestate.StatusError); stateErr != nil {
			s.logger.Error("failed to transition to error state", "error", stateErr)
		}
		return err
	}

	if err := s.fsm.Transition(finitestate.StatusRunning); err != nil {
		return fmt.Errorf("failed to transition to running state: %w", err)
	}
	s.started = true
	s.logger.Info("service started",
		"handlers", len(s.handlers), "timers", len(s.timers))
	return nil
}

// boot performs the fallible part of Start. On error everything already
// made is torn down. Callers must hold s.mu.
func (s *Service) boot(ctx context.Context) error {
	if !s.broker.IsConnected() {
		if err := s.broker.Connect(ctx); err != nil {
			return err
		}
	}

	var made []*registration
	for _, reg := range s.sortedRegistrations() {
		sub, err := s.broker.Subscribe(reg.subject, s.makeBrokerHandler(reg))
		if err != nil {
			s.rollbackSubs()
			return fmt.Errorf("subscribe %q: %w", reg.subject, err)
		}
		s.subs = append(s.subs, sub)
		made = append(made, reg)
		s.logger.Debug("subscribed", "subject", reg.subject, "kind", reg.kind)
	}

	var startedTimers []string
	for name, timer := range s.timers {
		if err := timer.Start(s.runCtx); err != nil {
			s.stopTimersByName(ctx, startedTimers)
			s.rollbackSubs()
			return fmt.Errorf("start timer %q: %w", name, err)
		}
		startedTimers = append(startedTimers, name)
	}

	if s.onStart != nil {
		if err := s.onStart(s.runCtx); err != nil {
			s.stopTimersByName(ctx, startedTimers)
			s.rollbackSubs()
			return fmt.Errorf("startup hook: %w", err)
		}
	}
	return nil
}

func (s *Service) rollbackSubs() {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn("rollback unsubscribe failed", "pattern", sub.Pattern(), "error", err)
		}
	}
	s.subs = nil
}

func (s *Service) stopTimersByName(ctx context.Context, names []string) {
	for _, name := range names {
		if err := s.timers[name].Stop(ctx); err != nil {
			s.logger.Warn("rollback timer stop failed", "timer", name, "error", err)
		}
	}
}

// Stop cancels timers, drains the broker so in-flight requests finish,
// runs the shutdown hook, and closes an owned connection. Shared
// connections are left open; only this service's subscriptions are
// removed. Idempotent.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.started = false

	if err := s.fsm.Transition(finitestate.StatusStopping); err != nil {
		s.logger.Error("failed to transition to stopping state", "error", err)
	}

	var errs []error

	for name, timer := range s.timers {
		if err := timer.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop timer %q: %w", name, err))
		}
	}

	if s.ownsBroker {
		if err := s.broker.Drain(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain: %w", err))
		}
	} else {
		s.rollbackSubs()
	}
	s.subs = nil

	if err := s.waitDispatches(ctx); err != nil {
		errs = append(errs, err)
	}
	s.runCancel()

	if s.onStop != nil {
		if err := s.onStop(ctx); err != nil {
			s.logger.Error("shutdown hook failed", "error", err)
			errs = append(errs, fmt.Errorf("shutdown hook: %w", err))
		}
	}

	if s.ownsBroker {
		if err := s.broker.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close: %w", err))
		}
	}

	if err := s.fsm.Transition(finitestate.StatusStopped); err != nil {
		s.logger.Error("failed to transition to stopped state", "error", err)
	}
	s.logger.Info("service stopped")
	return errors.Join(errs...)
}

// waitDispatches blocks until every in-flight handler goroutine
// finishes or the context expires. On expiry the run context is
// cancelled so handlers observe it, and the wait resumes.
func (s *Service) waitDispatches(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.dispatchWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.runCancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			s.logger.Error("abandoning handlers that ignored cancellation")
		}
		return fmt.Errorf("%w: handlers outlived stop grace: %w", errz.ErrHandler, ctx.Err())
	}
}
