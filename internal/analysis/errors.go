package analysis

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrAnalysisExhausted = errors.New("analysis attempts exhausted")
	ErrBreakerOpen       = errors.New("analysis circuit breaker open")
)

// Failure classes used in logs, metrics and API responses.
const (
	ClassConnectivity = "connectivity"
	ClassApplication  = "application"
	ClassBreakerOpen  = "breaker_open"
	ClassCanceled     = "canceled"
	ClassUnknown      = "unknown"
)

// ConnectivityError means the endpoint could not be reached.
type ConnectivityError struct {
	URL string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("analysis endpoint %s unreachable: %v", e.URL, e.Err)
}
func (e *ConnectivityError) Unwrap() error { return e.Err }

// ApplicationError means the endpoint answered but the result is invalid.
type ApplicationError struct {
	StatusCode int
	Reason     string
}

func (e *ApplicationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("analysis endpoint returned invalid result (HTTP %d): %s", e.StatusCode, e.Reason)
	}
	return "analysis endpoint returned invalid result: " + e.Reason
}

// ExhaustedError is returned once no attempt succeeded. It carries the
// last underlying cause.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("analysis failed after %d attempt(s): %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() []error { return []error{ErrAnalysisExhausted, e.Last} }

// Class names the failure class of err.
func Class(err error) string {
	var (
		ce *ConnectivityError
		ae *ApplicationError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBreakerOpen):
		return ClassBreakerOpen
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded) && !errors.As(err, &ce):
		return ClassCanceled
	case errors.As(err, &ae):
		return ClassApplication
	case errors.As(err, &ce):
		return ClassConnectivity
	default:
		return ClassUnknown
	}
}
