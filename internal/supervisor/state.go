package supervisor

import "time"

// State is the supervisor's view of the worker lifecycle.
//
//	stopped -> starting -> running -> unhealthy -> restarting -> starting
//	starting -> restarting -> starting (under budget)
//	starting -> failed (budget exhausted or configuration error)
//
// stopped and failed are terminal: no automatic action is taken from them.
type State string

const (
	StateStopped    State = "stopped"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateUnhealthy  State = "unhealthy"
	StateRestarting State = "restarting"
	StateFailed     State = "failed"
)

func (s State) String() string { return string(s) }

// Terminal reports whether health checks leave the state alone.
func (s State) Terminal() bool { return s == StateStopped || s == StateFailed }

// Snapshot is a point-in-time copy of supervisor state.
type Snapshot struct {
	Name           string    `json:"name"`
	State          State     `json:"state"`
	PID            int       `json:"pid,omitempty"`
	WorkDir        string    `json:"work_dir"`
	Command        string    `json:"command"`
	Readiness      string    `json:"readiness"`
	FailedAttempts int       `json:"failed_attempts"`
	Restarts       int       `json:"restarts"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	ReadyAt        time.Time `json:"ready_at,omitempty"`
	LastHealthyAt  time.Time `json:"last_healthy_at,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
}
