package demo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sndwch/cliffracer-sub001/internal/saga"
	"github.com/sndwch/cliffracer-sub001/internal/service"
)

// TravelSagaType names the built-in saga definition.
const TravelSagaType = "travel_booking"

// Travel step pacing. One retry per step keeps the failure
// demonstration quick while still exercising the retry machinery.
const (
	travelStepTimeout = 5 * time.Second
	travelStepRetries = 1
)

// TravelDefinition returns the built-in three-step booking saga.
func TravelDefinition() saga.Definition {
	step := func(name, target string) saga.Step {
		return saga.Step{
			Name:         name,
			Target:       target,
			Action:       "book",
			Compensation: "cancel",
			Timeout:      travelStepTimeout,
			RetryCount:   travelStepRetries,
		}
	}
	return saga.Definition{
		Type: TravelSagaType,
		Steps: []saga.Step{
			step("book_flight", "flights"),
			step("book_hotel", "hotels"),
			step("book_car", "cars"),
		},
		Budget: time.Minute,
	}
}

// registerTravel wires the three participants, the coordinator on the
// travel gateway, and the gateway's own RPC surface.
func (t *Topology) registerTravel(st saga.Store) error {
	if err := t.registerParticipant(t.Flights, "flights", "F", nil); err != nil {
		return err
	}
	if err := t.registerParticipant(t.Hotels, "hotels", "H", nil); err != nil {
		return err
	}
	carFails := func(trip *TripRequest) error {
		if trip.SimulateCarFailure {
			return fmt.Errorf("no cars available in %s", trip.Destination)
		}
		return nil
	}
	if err := t.registerParticipant(t.Cars, "cars", "C", carFails); err != nil {
		return err
	}

	coordOpts := []saga.CoordinatorOption{
		saga.WithLogHandler(t.handler),
		saga.WithStore(st),
	}
	if t.metrics != nil {
		coordOpts = append(coordOpts, saga.WithMetrics(t.metrics))
	}
	coord, err := saga.NewCoordinator(t.Travel, coordOpts...)
	if err != nil {
		return err
	}
	if err := coord.Define(TravelDefinition()); err != nil {
		return err
	}
	t.Coordinator = coord

	if err := service.RegisterRPC(t.Travel, "book_trip",
		func(ctx context.Context, req *TripRequest) (*saga.Handle, error) {
			handle, err := coord.StartSaga(ctx, TravelSagaType, req)
			if err != nil {
				return nil, err
			}
			return &handle, nil
		}); err != nil {
		return err
	}

	return service.RegisterRPC(t.Travel, "trip_status",
		func(ctx context.Context, req *TripStatusRequest) (*saga.Status, error) {
			status, err := coord.Status(ctx, req.SagaID)
			if err != nil {
				return nil, err
			}
			return &status, nil
		})
}

// registerParticipant binds one service's book/cancel pair. fail, when
// set, can veto the forward call based on the trip payload.
func (t *Topology) registerParticipant(svc *service.Service, name, prefix string, fail func(*TripRequest) error) error {
	forward := func(ctx context.Context, req *saga.StepRequest) (*Booking, error) {
		var trip TripRequest
		if len(req.Data) > 0 {
			if err := json.Unmarshal(req.Data, &trip); err != nil {
				return nil, fmt.Errorf("malformed trip payload: %w", err)
			}
		}
		if fail != nil {
			if err := fail(&trip); err != nil {
				t.Recorder.Record(name + ".book failed")
				return nil, err
			}
		}
		t.Recorder.Record(name + ".book")
		return &Booking{BookingID: fmt.Sprintf("%s-%d", prefix, t.bookings.Add(1))}, nil
	}
	rollback := func(ctx context.Context, req *saga.StepRequest) error {
		t.Recorder.Record(name + ".cancel")
		return nil
	}
	return saga.RegisterStepHandlers(svc, "book", "cancel", forward, rollback)
}
