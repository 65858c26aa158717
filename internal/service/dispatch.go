package service

import (
	"context"
	"fmt"

	"github.com/sndwch/cliffracer-sub001/internal/broker"
	"github.com/sndwch/cliffracer-sub001/internal/errz"
	"github.com/sndwch/cliffracer-sub001/internal/messaging"
	"github.com/sndwch/cliffracer-sub001/internal/service/middleware"
)

// makeBrokerHandler adapts a registration to the broker callback. Every
// message runs on its own goroutine so the delivery loop is never
// blocked by handler duration.
func (s *Service) makeBrokerHandler(reg *registration) broker.MsgHandler {
	return func(msg *broker.Message) {
		s.dispatchWG.Add(1)
		go func() {
			defer s.dispatchWG.Done()
			s.dispatch(reg, msg)
		}()
	}
}

func (s *Service) dispatch(reg *registration, msg *broker.Message) {
	env, err := messaging.DecodeEnvelope(msg.Data)
	if err != nil {
		switch {
		case msg.Reply != "":
			s.sendReply(msg.Reply, messaging.NewErrorReply("",
				fmt.Errorf("%w: malformed envelope: %w", errz.ErrValidation, err)))
			return
		case reg.kind == middleware.KindListener:
			// raw listeners accept foreign payloads as-is
			env = &messaging.Envelope{Payload: msg.Data}
		default:
			s.logger.Warn("dropping malformed message", "subject", msg.Subject, "error", err)
			return
		}
	}

	ctx := s.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if reg.kind == middleware.KindRPC && s.cfg.RequestTimeout.AsDuration() > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout.AsDuration())
		defer cancel()
	}

	call := &middleware.Call{
		Service:  s.cfg.Name,
		Method:   reg.method,
		Subject:  msg.Subject,
		Kind:     reg.kind,
		Envelope: env,
	}

	reply, err := s.invokeChain(reg.handler, ctx, call)

	if msg.Reply == "" {
		return
	}
	if err != nil {
		reply = messaging.NewErrorReply(env.CorrelationID, err)
	}
	if reply == nil {
		reply = &messaging.Reply{CorrelationID: env.CorrelationID}
	}
	s.sendReply(msg.Reply, reply)
}

// invokeChain converts middleware panics into handler errors. The
// innermost adapters recover their own handler's panics; this covers
// the layers themselves.
func (s *Service) invokeChain(h middleware.Handler, ctx context.Context, call *middleware.Call) (reply *messaging.Reply, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: dispatch for %s panicked: %v", errz.ErrHandler, call.Subject, r)
		}
	}()
	return h(ctx, call)
}

func (s *Service) sendReply(inbox string, reply *messaging.Reply) {
	data, err := reply.Encode()
	if err != nil {
		s.logger.Error("failed to encode reply", "error", err)
		return
	}
	if err := s.broker.Publish(inbox, data); err != nil {
		s.logger.Warn("failed to publish reply", "inbox", inbox, "error", err)
	}
}
