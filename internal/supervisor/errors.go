package supervisor

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrStartupTimeout   = errors.New("worker did not become ready in time")
	ErrStartupExhausted = errors.New("worker restart budget exhausted")
	ErrWorkerUnhealthy  = errors.New("worker unhealthy")
	ErrExitedEarly      = errors.New("worker exited before becoming ready")
)

// ConfigurationError is fatal at start time and never retried.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string { return "worker configuration: " + e.Err.Error() }
func (e *ConfigurationError) Unwrap() error { return e.Err }

// StartupTimeoutError reports a worker that stayed in starting past Timeout.
type StartupTimeoutError struct {
	Timeout time.Duration
}

func (e *StartupTimeoutError) Error() string {
	return fmt.Sprintf("worker not ready after %s", e.Timeout)
}

func (e *StartupTimeoutError) Is(target error) bool { return target == ErrStartupTimeout }

// StartupExhaustedError is returned once MaxAttempts consecutive startups failed.
type StartupExhaustedError struct {
	Attempts int
	Last     error
}

func (e *StartupExhaustedError) Error() string {
	return fmt.Sprintf("worker failed to start after %d attempts: %v", e.Attempts, e.Last)
}

func (e *StartupExhaustedError) Unwrap() []error { return []error{ErrStartupExhausted, e.Last} }

// failureCause labels a startup failure for metrics.
func failureCause(err error) string {
	switch {
	case errors.Is(err, ErrStartupTimeout):
		return "timeout"
	case errors.Is(err, ErrExitedEarly):
		return "exited"
	default:
		return "launch"
	}
}
