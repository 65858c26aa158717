package saga

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sndwch/cliffracer-sub001/internal/broker"
	"github.com/sndwch/cliffracer-sub001/internal/config"
	"github.com/sndwch/cliffracer-sub001/internal/errz"
	"github.com/sndwch/cliffracer-sub001/internal/service"
)

func newChoreoService(t *testing.T, bus *broker.MemoryBus, name string) *service.Service {
	t.Helper()

	svc, err := service.New(config.NewService(name),
		service.WithBroker(bus.Conn()),
		service.WithLogHandler(discardHandler()))
	require.NoError(t, err)
	return svc
}

func startChoreoService(t *testing.T, svc *service.Service) {
	t.Helper()

	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
	})
}

// eventRecorder collects choreography subjects seen on the bus.
type eventRecorder struct {
	mu       sync.Mutex
	subjects []string
}

func (r *eventRecorder) record(_ context.Context, subject string, _ []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, subject)
	return nil
}

func (r *eventRecorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.subjects...)
}

func (r *eventRecorder) has(subject string) bool {
	for _, s := range r.seen() {
		if s == subject {
			return true
		}
	}
	return false
}

func TestNewChoreographyValidation(t *testing.T) {
	t.Parallel()
	bus := broker.NewMemoryBus()

	t.Run("nil service", func(t *testing.T) {
		_, err := NewChoreography(nil, "trip")
		require.Error(t, err)
		assert.ErrorIs(t, err, errz.ErrConfiguration)
	})

	t.Run("invalid saga type", func(t *testing.T) {
		svc := newChoreoService(t, bus, "flights")
		for _, bad := range []string{"", "trip.x", "trip*", "trip ", "trip>"} {
			_, err := NewChoreography(svc, bad)
			require.Error(t, err, bad)
			assert.ErrorIs(t, err, errz.ErrConfiguration)
		}
	})

	t.Run("invalid step", func(t *testing.T) {
		svc := newChoreoService(t, bus, "hotels")
		ch, err := NewChoreography(svc, "trip")
		require.NoError(t, err)

		forward := func(context.Context, *StepEvent) (json.RawMessage, error) { return nil, nil }
		require.Error(t, ch.Step("bad.name", "", forward, nil))
		require.Error(t, ch.Step("reserve", "", nil, nil))
	})
}

func TestChoreographyChainsSteps(t *testing.T) {
	t.Parallel()
	bus := broker.NewMemoryBus()

	flights := newChoreoService(t, bus, "flights")
	flightsChoreo, err := NewChoreography(flights, "trip")
	require.NoError(t, err)

	var flightEvent *StepEvent
	var mu sync.Mutex
	require.NoError(t, flightsChoreo.Step("reserve_flight", "",
		func(_ context.Context, event *StepEvent) (json.RawMessage, error) {
			mu.Lock()
			flightEvent = event
			mu.Unlock()
			return json.RawMessage(`{"seat":"12A"}`), nil
		}, nil))

	hotels := newChoreoService(t, bus, "hotels")
	hotelsChoreo, err := NewChoreography(hotels, "trip")
	require.NoError(t, err)

	var hotelEvent *StepEvent
	require.NoError(t, hotelsChoreo.Step("reserve_hotel", "reserve_flight",
		func(_ context.Context, event *StepEvent) (json.RawMessage, error) {
			mu.Lock()
			hotelEvent = event
			mu.Unlock()
			return json.RawMessage(`{"room":"701"}`), nil
		}, nil))

	observer := newChoreoService(t, bus, "observer")
	recorder := &eventRecorder{}
	require.NoError(t, observer.RegisterListener("saga.trip.>", recorder.record))

	startChoreoService(t, flights)
	startChoreoService(t, hotels)
	startChoreoService(t, observer)

	handle, err := flightsChoreo.Start(context.Background(), map[string]any{"city": "Oslo"})
	require.NoError(t, err)
	require.NotEmpty(t, handle.SagaID)

	require.Eventually(t, func() bool {
		return recorder.has(StepCompletedSubject("trip", "reserve_hotel"))
	}, 3*time.Second, 10*time.Millisecond, "second step never completed")

	mu.Lock()
	defer mu.Unlock()

	// the start event triggered the first step with the original payload
	require.NotNil(t, flightEvent)
	assert.Equal(t, handle.SagaID, flightEvent.SagaID)
	assert.Equal(t, handle.CorrelationID, flightEvent.CorrelationID)
	assert.JSONEq(t, `{"city":"Oslo"}`, string(flightEvent.Data))

	// the second step triggered on the first step's completed event
	require.NotNil(t, hotelEvent)
	assert.Equal(t, "reserve_flight", hotelEvent.Step)
	assert.JSONEq(t, `{"seat":"12A"}`, string(hotelEvent.Result))
	assert.JSONEq(t, `{"city":"Oslo"}`, string(hotelEvent.Data))

	for _, subject := range recorder.seen() {
		assert.NotContains(t, subject, ".failed")
		assert.NotContains(t, subject, ".compensated")
	}
}

func TestChoreographyRollsBackOwnSteps(t *testing.T) {
	t.Parallel()
	bus := broker.NewMemoryBus()

	flights := newChoreoService(t, bus, "flights")
	flightsChoreo, err := NewChoreography(flights, "trip")
	require.NoError(t, err)

	var rolledBack *StepEvent
	var mu sync.Mutex
	require.NoError(t, flightsChoreo.Step("reserve_flight", "",
		func(context.Context, *StepEvent) (json.RawMessage, error) {
			return json.RawMessage(`{"seat":"12A"}`), nil
		},
		func(_ context.Context, event *StepEvent) error {
			mu.Lock()
			rolledBack = event
			mu.Unlock()
			return nil
		}))

	hotels := newChoreoService(t, bus, "hotels")
	hotelsChoreo, err := NewChoreography(hotels, "trip")
	require.NoError(t, err)

	hotelRollbacks := 0
	require.NoError(t, hotelsChoreo.Step("reserve_hotel", "reserve_flight",
		func(context.Context, *StepEvent) (json.RawMessage, error) {
			return nil, errors.New("no rooms left")
		},
		func(context.Context, *StepEvent) error {
			mu.Lock()
			hotelRollbacks++
			mu.Unlock()
			return nil
		}))

	observer := newChoreoService(t, bus, "observer")
	recorder := &eventRecorder{}
	require.NoError(t, observer.RegisterListener("saga.trip.>", recorder.record))

	startChoreoService(t, flights)
	startChoreoService(t, hotels)
	startChoreoService(t, observer)

	handle, err := flightsChoreo.Start(context.Background(), map[string]any{"city": "Oslo"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return recorder.has(StepCompensatedSubject("trip", "reserve_flight"))
	}, 3*time.Second, 10*time.Millisecond, "rollback was never announced")

	mu.Lock()
	defer mu.Unlock()

	// the flight participant rolled back its own completed step
	require.NotNil(t, rolledBack)
	assert.Equal(t, handle.SagaID, rolledBack.SagaID)
	assert.Equal(t, "reserve_flight", rolledBack.Step)
	assert.JSONEq(t, `{"seat":"12A"}`, string(rolledBack.Result))

	// the failed participant completed nothing, so it rolls back nothing
	assert.Zero(t, hotelRollbacks)

	assert.True(t, recorder.has(StepFailedSubject("trip", "reserve_hotel")))
}

func TestChoreographyIgnoresForeignPayloads(t *testing.T) {
	t.Parallel()
	bus := broker.NewMemoryBus()

	flights := newChoreoService(t, bus, "flights")
	flightsChoreo, err := NewChoreography(flights, "trip")
	require.NoError(t, err)

	invoked := false
	var mu sync.Mutex
	require.NoError(t, flightsChoreo.Step("reserve_flight", "",
		func(context.Context, *StepEvent) (json.RawMessage, error) {
			mu.Lock()
			invoked = true
			mu.Unlock()
			return nil, nil
		}, nil))

	startChoreoService(t, flights)

	conn := bus.Conn()
	require.NoError(t, conn.Connect(context.Background()))
	require.NoError(t, conn.Publish(StartSubject("trip"), []byte("not a saga event")))

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.False(t, invoked, "malformed events must be dropped, not dispatched")
}
