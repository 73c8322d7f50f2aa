package gateway

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/payrelay/payrelay/modules/health"
)

// ErrGatewaysUnavailable is returned when the health snapshot rules out both
// routes before any HTTP call is made.
var ErrGatewaysUnavailable = errors.New("no healthy payment processor")

// UnexpectedStatusError is a processor response outside the success set.
// Always retryable.
type UnexpectedStatusError struct {
	Route  health.Route
	Status int
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("%s processor returned status %d", e.Route, e.Status)
}

// RequestError is a transport-level failure of a single attempt, including
// timeouts and an open circuit breaker. Always retryable.
type RequestError struct {
	Route health.Route
	Err   error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s processor request failed: %v", e.Route, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// FallbackFailedError reports that every permitted attempt failed. A nil
// attempt error means that route was not attempted because its health record
// ruled it out.
type FallbackFailedError struct {
	DefaultErr  error
	FallbackErr error
}

func (e *FallbackFailedError) Error() string {
	switch {
	case e.DefaultErr != nil && e.FallbackErr != nil:
		return fmt.Sprintf("both processors failed: default: %v; fallback: %v", e.DefaultErr, e.FallbackErr)
	case e.FallbackErr != nil:
		return fmt.Sprintf("fallback processor failed: %v", e.FallbackErr)
	default:
		return fmt.Sprintf("default processor failed, fallback unhealthy: %v", e.DefaultErr)
	}
}
