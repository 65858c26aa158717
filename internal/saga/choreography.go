package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	gocache "github.com/patrickmn/go-cache"

	"github.com/sndwch/cliffracer-sub001/internal/correlation"
	"github.com/sndwch/cliffracer-sub001/internal/errz"
	"github.com/sndwch/cliffracer-sub001/internal/service"
)

// DefaultCompletionTTL bounds how long a choreography participant
// remembers its own completed steps for rollback purposes.
const DefaultCompletionTTL = 30 * time.Minute

// StepEvent is the payload exchanged on choreography subjects. Result
// is set on completed events, Error on failed ones.
type StepEvent struct {
	SagaID        string          `json:"saga_id"`
	SagaType      string          `json:"saga_type"`
	CorrelationID string          `json:"correlation_id"`
	Step          string          `json:"step"`
	Data          json.RawMessage `json:"data"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// StartSubject is where a choreographed saga begins.
func StartSubject(sagaType string) string {
	return "saga." + sagaType + ".start"
}

// StepCompletedSubject announces a finished step.
func StepCompletedSubject(sagaType, step string) string {
	return "saga." + sagaType + "." + step + ".completed"
}

// StepFailedSubject announces a failed step.
func StepFailedSubject(sagaType, step string) string {
	return "saga." + sagaType + "." + step + ".failed"
}

// StepCompensatedSubject announces a participant's own rollback.
func StepCompensatedSubject(sagaType, step string) string {
	return "saga." + sagaType + "." + step + ".compensated"
}

func failedPattern(sagaType string) string {
	return "saga." + sagaType + ".*.failed"
}

// Choreography wires a participant service into an event-driven saga.
// There is no coordinator: each step listens for the event that
// triggers it and emits a completed or failed event of its own, and the
// broker's fanout replaces centralized sequencing.
//
// Rollback ordering is likewise decentralized. Every participant
// remembers the steps it completed per saga, rolls them back when any
// failed event for the saga type arrives, and announces each rollback
// on the step's compensated subject. Completions expire after a TTL, so
// a saga whose completion this participant never observes cannot pin
// memory forever.
type Choreography struct {
	svc      *service.Service
	sagaType string
	logger   *slog.Logger

	// done tracks this participant's completed steps keyed by
	// "<saga_id>|<step>", holding the forward result.
	done *gocache.Cache

	mu        sync.Mutex
	rollbacks map[string]func(context.Context, *StepEvent) error
	watching  bool
}

// ChoreographyOption configures a Choreography.
type ChoreographyOption func(*Choreography)

// WithCompletionTTL overrides how long completed steps are remembered
// for rollback.
func WithCompletionTTL(ttl time.Duration) ChoreographyOption {
	return func(c *Choreography) {
		if ttl > 0 {
			c.done = gocache.New(ttl, ttl/2)
		}
	}
}

// NewChoreography binds a choreographed saga type to a participant
// service. Steps must be added before the service starts.
func NewChoreography(svc *service.Service, sagaType string, opts ...ChoreographyOption) (*Choreography, error) {
	if svc == nil {
		return nil, fmt.Errorf("%w: choreography requires a service", errz.ErrConfiguration)
	}
	if sagaType == "" || strings.ContainsAny(sagaType, ".*> \t\n") {
		return nil, fmt.Errorf("%w: invalid saga type %q", errz.ErrConfiguration, sagaType)
	}

	c := &Choreography{
		svc:       svc,
		sagaType:  sagaType,
		logger:    svc.Logger().WithGroup("choreography").With("saga_type", sagaType),
		done:      gocache.New(DefaultCompletionTTL, DefaultCompletionTTL/2),
		rollbacks: make(map[string]func(context.Context, *StepEvent) error),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Step adds one step this participant handles. The step triggers on the
// saga's start event when after is empty, otherwise on the completed
// event of the named step. A nil rollback opts the step out of
// compensation.
func (c *Choreography) Step(
	name, after string,
	forward func(ctx context.Context, event *StepEvent) (json.RawMessage, error),
	rollback func(ctx context.Context, event *StepEvent) error,
) error {
	if name == "" || strings.ContainsAny(name, ".*> \t\n") {
		return fmt.Errorf("%w: invalid step name %q", errz.ErrConfiguration, name)
	}
	if forward == nil {
		return fmt.Errorf("%w: step %q has no handler", errz.ErrConfiguration, name)
	}

	trigger := StartSubject(c.sagaType)
	if after != "" {
		trigger = StepCompletedSubject(c.sagaType, after)
	}
	if err := c.svc.RegisterListener(trigger, c.makeForward(name, forward)); err != nil {
		return err
	}

	if rollback == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.rollbacks[name]; exists {
		return fmt.Errorf("%w: duplicate choreography step %q", errz.ErrConfiguration, name)
	}
	c.rollbacks[name] = rollback
	if c.watching {
		return nil
	}
	if err := c.svc.RegisterListener(failedPattern(c.sagaType), c.onFailed); err != nil {
		return err
	}
	c.watching = true
	return nil
}

// Start kicks off a choreographed saga run and returns its identifiers.
// Whether anything happens next depends entirely on which participants
// are listening.
func (c *Choreography) Start(ctx context.Context, data any) (Handle, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: saga payload: %w", errz.ErrValidation, err)
	}

	cid := correlation.FromContext(ctx)
	if cid == "" {
		cid = correlation.NewID()
	}
	ctx = correlation.WithID(ctx, cid)

	event := &StepEvent{
		SagaID:        uuid.Must(uuid.NewV6()).String(),
		SagaType:      c.sagaType,
		CorrelationID: cid,
		Step:          "start",
		Data:          raw,
	}
	if err := c.svc.PublishEvent(ctx, StartSubject(c.sagaType), event); err != nil {
		return Handle{}, err
	}
	return Handle{SagaID: event.SagaID, CorrelationID: cid}, nil
}

// makeForward wraps a step handler as a raw listener: decode the
// triggering event, run the step, announce the outcome.
func (c *Choreography) makeForward(
	name string,
	forward func(ctx context.Context, event *StepEvent) (json.RawMessage, error),
) service.ListenerFunc {
	return func(ctx context.Context, subject string, payload []byte) error {
		event, err := decodeStepEvent(payload)
		if err != nil {
			c.logger.Warn("Dropping malformed saga event", "subject", subject, "error", err)
			return nil
		}

		result, err := forward(ctx, event)
		out := &StepEvent{
			SagaID:        event.SagaID,
			SagaType:      c.sagaType,
			CorrelationID: event.CorrelationID,
			Step:          name,
			Data:          event.Data,
		}
		if err != nil {
			out.Error = err.Error()
			c.logger.Error("Choreography step failed", "step", name, "saga_id", event.SagaID, "error", err)
			return c.svc.PublishEvent(ctx, StepFailedSubject(c.sagaType, name), out)
		}

		out.Result = result
		c.done.Set(completionKey(event.SagaID, name), out, gocache.DefaultExpiration)
		return c.svc.PublishEvent(ctx, StepCompletedSubject(c.sagaType, name), out)
	}
}

// onFailed rolls back every step this participant completed for the
// failing saga and announces each rollback. Ordering across
// participants is not coordinated.
func (c *Choreography) onFailed(ctx context.Context, subject string, payload []byte) error {
	event, err := decodeStepEvent(payload)
	if err != nil {
		c.logger.Warn("Dropping malformed saga event", "subject", subject, "error", err)
		return nil
	}

	c.mu.Lock()
	rollbacks := make(map[string]func(context.Context, *StepEvent) error, len(c.rollbacks))
	for name, fn := range c.rollbacks {
		rollbacks[name] = fn
	}
	c.mu.Unlock()

	for name, fn := range rollbacks {
		key := completionKey(event.SagaID, name)
		item, found := c.done.Get(key)
		if !found {
			continue
		}
		completed := item.(*StepEvent)
		c.done.Delete(key)

		if err := fn(ctx, completed); err != nil {
			c.logger.Error("Choreography rollback failed",
				"step", name, "saga_id", event.SagaID, "error", err)
			continue
		}
		c.logger.Info("Choreography step rolled back", "step", name, "saga_id", event.SagaID)
		if err := c.svc.PublishEvent(ctx, StepCompensatedSubject(c.sagaType, name), completed); err != nil {
			c.logger.Error("Failed to announce rollback",
				"step", name, "saga_id", event.SagaID, "error", err)
		}
	}
	return nil
}

func decodeStepEvent(payload []byte) (*StepEvent, error) {
	var event StepEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, err
	}
	if event.SagaID == "" || event.Step == "" {
		return nil, fmt.Errorf("%w: saga event missing identifiers", errz.ErrValidation)
	}
	return &event, nil
}

func completionKey(sagaID, step string) string {
	return sagaID + "|" + step
}
