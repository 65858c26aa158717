// Package errz provides the shared error taxonomy for the framework: sentinel
// categories, the structured wire error exchanged in reply envelopes, and the
// mapping from error kinds to HTTP status codes.
package errz

import "errors"

// Transport and configuration errors
var (
	ErrConnection    = errors.New("broker or database unreachable")
	ErrConfiguration = errors.New("invalid configuration")
)

// Request path errors
var (
	ErrValidation = errors.New("payload validation failed")
	ErrRPCTimeout = errors.New("rpc reply not received within timeout")
	ErrRPC        = errors.New("remote handler failed")
	ErrHandler    = errors.New("handler failed")
)

// Access policy errors
var (
	ErrAuthentication = errors.New("authentication refused")
	ErrAuthorization  = errors.New("authorization refused")
)

// Background execution errors
var (
	ErrTimerExecution   = errors.New("timer execution failed")
	ErrSagaCompensation = errors.New("saga compensation failed")
)

// Lookup errors
var (
	ErrNotFound = errors.New("not found")
)
