package service

import (
	"context"

	"github.com/robbyt/go-supervisor/supervisor"

	"github.com/sndwch/cliffracer-sub001/internal/service/finitestate"
)

var _ supervisor.Stateable = (*Service)(nil)

func (s *Service) GetState() string {
	return s.fsm.GetState()
}

func (s *Service) GetStateChan(ctx context.Context) <-chan string {
	return s.fsm.GetStateChan(ctx)
}

func (s *Service) IsRunning() bool {
	return s.fsm.GetState() == finitestate.StatusRunning
}
