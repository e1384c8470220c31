package supervisor

import "time"

// Budget bounds the recovery effort. It is read once at construction.
type Budget struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RestartDelay   time.Duration `mapstructure:"restart_delay"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	StopGrace      time.Duration `mapstructure:"stop_grace"`
}

const (
	DefaultMaxAttempts    = 3
	DefaultRestartDelay   = 5 * time.Second
	DefaultStartupTimeout = 30 * time.Second
	DefaultHealthInterval = 60 * time.Second
	DefaultPollInterval   = time.Second
	DefaultStopGrace      = 5 * time.Second

	// killWait bounds the wait for reaping after a forced kill.
	killWait = 2 * time.Second
)

func DefaultBudget() Budget {
	return Budget{
		MaxAttempts:    DefaultMaxAttempts,
		RestartDelay:   DefaultRestartDelay,
		StartupTimeout: DefaultStartupTimeout,
		HealthInterval: DefaultHealthInterval,
		PollInterval:   DefaultPollInterval,
		StopGrace:      DefaultStopGrace,
	}
}

// normalized fills unset fields. MaxAttempts below one means a single attempt;
// a zero RestartDelay is kept so tests can retry immediately.
func (b Budget) normalized() Budget {
	d := DefaultBudget()
	if b.MaxAttempts < 1 {
		b.MaxAttempts = 1
	}
	if b.RestartDelay < 0 {
		b.RestartDelay = 0
	}
	if b.StartupTimeout <= 0 {
		b.StartupTimeout = d.StartupTimeout
	}
	if b.HealthInterval <= 0 {
		b.HealthInterval = d.HealthInterval
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.PollInterval > b.StartupTimeout {
		b.PollInterval = b.StartupTimeout
	}
	if b.StopGrace <= 0 {
		b.StopGrace = d.StopGrace
	}
	return b
}
