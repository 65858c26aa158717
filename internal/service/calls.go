package service

import (
	"context"
	"fmt"

	"github.com/sndwch/cliffracer-sub001/internal/broker"
	"github.com/sndwch/cliffracer-sub001/internal/correlation"
	"github.com/sndwch/cliffracer-sub001/internal/errz"
	"github.com/sndwch/cliffracer-sub001/internal/messaging"
)

// CallRPC issues a request to <service>.rpc.<method> and decodes the
// reply into resp. The current correlation ID travels in the envelope;
// one is minted when the context carries none. Fails with a timeout,
// remote, or connection error. Pass a nil resp to discard the result.
func (s *Service) CallRPC(ctx context.Context, service, method string, req, resp any) error {
	data, ctx, err := s.encodeOutbound(ctx, req)
	if err != nil {
		return err
	}

	subject := RPCSubject(service, method)
	if !broker.ValidSubject(subject) {
		return fmt.Errorf("%w: invalid rpc subject %q", errz.ErrConfiguration, subject)
	}

	s.metrics.CountPublish(s.cfg.Name, "rpc")
	raw, err := s.broker.Request(ctx, subject, data, s.cfg.RequestTimeout.AsDuration())
	if err != nil {
		return err
	}

	reply, err := messaging.DecodeReply(raw)
	if err != nil {
		return fmt.Errorf("%w: malformed reply from %q: %w", errz.ErrRPC, subject, err)
	}
	if resp == nil {
		return reply.Err()
	}
	return reply.Bind(resp)
}

// CallAsync publishes to <service>.async.<method> and returns as soon
// as the publish succeeds. No reply is ever awaited.
func (s *Service) CallAsync(ctx context.Context, service, method string, msg any) error {
	data, _, err := s.encodeOutbound(ctx, msg)
	if err != nil {
		return err
	}

	subject := AsyncSubject(service, method)
	if !broker.ValidSubject(subject) {
		return fmt.Errorf("%w: invalid async subject %q", errz.ErrConfiguration, subject)
	}

	s.metrics.CountPublish(s.cfg.Name, "async")
	return s.broker.Publish(subject, data)
}

// PublishEvent publishes an enveloped payload to an arbitrary subject.
func (s *Service) PublishEvent(ctx context.Context, subject string, payload any) error {
	if !broker.ValidSubject(subject) {
		return fmt.Errorf("%w: invalid event subject %q", errz.ErrConfiguration, subject)
	}
	data, _, err := s.encodeOutbound(ctx, payload)
	if err != nil {
		return err
	}

	s.metrics.CountPublish(s.cfg.Name, "event")
	return s.broker.Publish(subject, data)
}

// Broadcast publishes a typed message to the subject derived from its
// lowercased type name. Every registered listener for that type
// receives a copy.
func (s *Service) Broadcast(ctx context.Context, msg any) error {
	name := messaging.TypeNameOf(msg)
	if name == "" {
		return fmt.Errorf("%w: broadcast requires a named struct type", errz.ErrConfiguration)
	}
	data, _, err := s.encodeOutbound(ctx, msg)
	if err != nil {
		return err
	}

	s.metrics.CountPublish(s.cfg.Name, "broadcast")
	return s.broker.Publish(messaging.BroadcastSubject(name), data)
}

// encodeOutbound validates the message and wraps it in an envelope
// carrying the ambient correlation ID.
func (s *Service) encodeOutbound(ctx context.Context, msg any) ([]byte, context.Context, error) {
	if err := messaging.ValidateMessage(msg); err != nil {
		return nil, ctx, err
	}

	ctx, id := correlation.Ensure(ctx)
	env, err := messaging.NewEnvelope(id, msg)
	if err != nil {
		return nil, ctx, err
	}
	if name := messaging.TypeNameOf(msg); name != "" {
		env.Schema = name
	}

	data, err := env.Encode()
	if err != nil {
		return nil, ctx, err
	}
	return data, ctx, nil
}
