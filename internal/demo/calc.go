package demo

import (
	"context"
	"fmt"

	"github.com/sndwch/cliffracer-sub001/internal/service"
)

// registerCalc binds the arithmetic RPC and its result broadcast.
func (t *Topology) registerCalc() error {
	return service.RegisterRPC(t.Calc, "add",
		func(ctx context.Context, req *AddRequest) (*AddResponse, error) {
			sum := req.A + req.B
			t.Recorder.Record("calc.add")
			if err := t.Calc.Broadcast(ctx, CalcPerformed{
				Expression: fmt.Sprintf("%g+%g", req.A, req.B),
				Sum:        sum,
			}); err != nil {
				t.Calc.Logger().Warn("Failed to broadcast calculation", "error", err)
			}
			return &AddResponse{Sum: sum}, nil
		})
}
