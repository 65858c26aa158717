package saga

import (
	"context"
	"fmt"

	"github.com/sndwch/cliffracer-sub001/internal/errz"
	"github.com/sndwch/cliffracer-sub001/internal/service"
)

// Ack is the body of a successful compensation reply.
type Ack struct {
	Compensated bool `json:"compensated"`
}

// RegisterStepHandlers binds the two RPC methods one saga step calls on
// a participant service: the forward action and its compensation. The
// forward result is returned to the coordinator and comes back in the
// compensation request as OriginalResult. Both handlers run with the
// saga's correlation ID on the context.
func RegisterStepHandlers[Result any](
	svc *service.Service,
	action, compensation string,
	forward func(ctx context.Context, req *StepRequest) (*Result, error),
	rollback func(ctx context.Context, req *StepRequest) error,
) error {
	if forward == nil {
		return fmt.Errorf("%w: forward handler for %q is nil", errz.ErrConfiguration, action)
	}
	if rollback == nil {
		return fmt.Errorf("%w: rollback handler for %q is nil", errz.ErrConfiguration, compensation)
	}

	if err := service.RegisterRPC(svc, action, forward); err != nil {
		return err
	}
	return service.RegisterRPC(svc, compensation,
		func(ctx context.Context, req *StepRequest) (*Ack, error) {
			if err := rollback(ctx, req); err != nil {
				return nil, err
			}
			return &Ack{Compensated: true}, nil
		})
}
