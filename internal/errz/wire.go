package errz

import (
	"errors"
	"fmt"
	"net/http"
)

// Taxonomy kind strings carried in the error field of reply envelopes.
const (
	KindConnection       = "ConnectionError"
	KindConfiguration    = "ConfigurationError"
	KindValidation       = "ValidationError"
	KindRPCTimeout       = "RPCTimeoutError"
	KindRPC              = "RPCError"
	KindHandler          = "HandlerError"
	KindAuthentication   = "AuthenticationError"
	KindAuthorization    = "AuthorizationError"
	KindTimerExecution   = "TimerExecutionError"
	KindSagaCompensation = "SagaCompensationError"
	KindNotFound         = "NotFoundError"
)

var kindToSentinel = map[string]error{
	KindConnection:       ErrConnection,
	KindConfiguration:    ErrConfiguration,
	KindValidation:       ErrValidation,
	KindRPCTimeout:       ErrRPCTimeout,
	KindRPC:              ErrRPC,
	KindHandler:          ErrHandler,
	KindAuthentication:   ErrAuthentication,
	KindAuthorization:    ErrAuthorization,
	KindTimerExecution:   ErrTimerExecution,
	KindSagaCompensation: ErrSagaCompensation,
	KindNotFound:         ErrNotFound,
}

// sentinel order matters: more specific kinds are matched before the
// categories they wrap (ErrRPC wraps remote failures that began as handler
// errors, so KindRPC must win on the caller side).
var sentinelKinds = []struct {
	err  error
	kind string
}{
	{ErrValidation, KindValidation},
	{ErrRPCTimeout, KindRPCTimeout},
	{ErrAuthentication, KindAuthentication},
	{ErrAuthorization, KindAuthorization},
	{ErrTimerExecution, KindTimerExecution},
	{ErrSagaCompensation, KindSagaCompensation},
	{ErrNotFound, KindNotFound},
	{ErrConnection, KindConnection},
	{ErrConfiguration, KindConfiguration},
	{ErrRPC, KindRPC},
	{ErrHandler, KindHandler},
}

// Error is the structured form exchanged on the wire and surfaced to RPC
// callers. It unwraps to the taxonomy sentinel matching its Kind so callers
// can test with errors.Is.
type Error struct {
	Kind          string
	Message       string
	Details       map[string]any
	CorrelationID string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	if s, ok := kindToSentinel[e.Kind]; ok {
		return s
	}
	return ErrHandler
}

// FromKind reconstructs a wire error on the receiving side of a reply.
// Unknown kinds classify as HandlerError.
func FromKind(kind, message, correlationID string, details map[string]any) *Error {
	if _, ok := kindToSentinel[kind]; !ok {
		kind = KindHandler
	}
	return &Error{
		Kind:          kind,
		Message:       message,
		Details:       details,
		CorrelationID: correlationID,
	}
}

// Kind classifies any error into its taxonomy kind string. Errors outside
// the taxonomy classify as HandlerError.
func Kind(err error) string {
	var we *Error
	if errors.As(err, &we) {
		return we.Kind
	}
	for _, sk := range sentinelKinds {
		if errors.Is(err, sk.err) {
			return sk.kind
		}
	}
	return KindHandler
}

// HTTPStatus maps an error to the status code the HTTP surface answers with.
func HTTPStatus(err error) int {
	switch Kind(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRPCTimeout:
		return http.StatusGatewayTimeout
	case KindConnection:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
