package detector

import "context"

// LineDetector decides readiness from the worker's own output. It is fed
// every line by the output reader and must be safe for concurrent use.
type LineDetector interface {
	// Match reports whether line announces readiness.
	Match(line string) bool
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// Probe decides readiness by actively checking the worker from outside.
type Probe interface {
	// Ready returns nil once the worker accepts work.
	Ready(ctx context.Context) error
	Describe() string
}
