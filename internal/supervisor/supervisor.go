package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/detectord/internal/detector"
	"github.com/loykin/detectord/internal/env"
	"github.com/loykin/detectord/internal/history"
	"github.com/loykin/detectord/internal/metrics"
	"github.com/loykin/detectord/internal/process"
)

// Config wires a Supervisor. Spec and Budget are required; the rest is optional.
type Config struct {
	Spec   process.Spec
	Budget Budget
	Env    *env.Env

	// Detector matches the readiness announcement in worker output.
	// Ignored when Probe is set. Defaults to detector.MarkerDetector{}.
	Detector detector.LineDetector
	// Probe, when set, replaces output matching as the readiness signal.
	Probe detector.Probe

	// CheckInterpreter runs "<interpreter> --version" before every start.
	CheckInterpreter bool
	// Output receives a copy of every worker output line.
	Output  io.Writer
	History *history.Fanout
	Logger  *slog.Logger
}

// Supervisor owns the worker process: start, readiness wait, health
// monitoring, restart and stop.
//
// Lock order: opMu (lifecycle) before mu (state). opMu serializes every
// operation that replaces the current process handle. mu guards the fields
// shared with the output reader and snapshot readers and is never held
// across blocking calls.
type Supervisor struct {
	cfg    Config
	budget Budget
	log    *slog.Logger
	env    *env.Env
	detect detector.LineDetector

	opMu sync.Mutex

	mu            sync.Mutex
	state         State
	proc          *process.Process
	gen           uint64
	failures      int
	restarts      int
	startedAt     time.Time
	readyAt       time.Time
	lastHealthyAt time.Time
	lastErr       error

	outMu sync.Mutex

	launch func(process.Spec, []string) (*process.Process, error)
}

func New(cfg Config) *Supervisor {
	s := &Supervisor{
		cfg:    cfg,
		budget: cfg.Budget.normalized(),
		log:    cfg.Logger,
		env:    cfg.Env,
		detect: cfg.Detector,
		state:  StateStopped,
		launch: process.Start,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.cfg.Spec.Name == "" {
		s.cfg.Spec.Name = "detector"
	}
	s.log = s.log.With("worker", s.cfg.Spec.Name)
	if s.env == nil {
		s.env = env.New()
	}
	if s.detect == nil {
		s.detect = detector.MarkerDetector{}
	}
	metrics.SetCurrentState(s.cfg.Spec.Name, string(StateStopped), true)
	return s
}

func (s *Supervisor) Name() string   { return s.cfg.Spec.Name }
func (s *Supervisor) Budget() Budget { return s.budget }

// Readiness describes how readiness is detected.
func (s *Supervisor) Readiness() string {
	if s.cfg.Probe != nil {
		return s.cfg.Probe.Describe()
	}
	return s.detect.Describe()
}

// Start launches the worker and blocks until it is running, the restart
// budget is exhausted, or ctx is done. A healthy worker is left untouched.
func (s *Supervisor) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.startLocked(ctx)
}

// Stop terminates the worker, escalating to a kill after StopGrace. It always
// leaves the supervisor in stopped (or failed) with no process handle.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.stopLocked(ctx)
}

// Restart stops then starts the worker as one serialized operation.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	metrics.IncRestart(s.Name(), "operator")
	return s.restartLocked(ctx)
}

// IsHealthy reports whether the worker is running and its process is alive.
func (s *Supervisor) IsHealthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthyLocked()
}

func (s *Supervisor) healthyLocked() bool {
	return s.state == StateRunning && s.proc != nil && s.proc.Alive()
}

// HealthCheck restarts an unhealthy worker once. Terminal states are left
// alone, and the tick is skipped while another lifecycle operation runs.
func (s *Supervisor) HealthCheck(ctx context.Context) error {
	if s.markHealthy() {
		return nil
	}
	if s.State().Terminal() {
		metrics.IncHealthCheck(s.Name(), "idle")
		return nil
	}
	if !s.opMu.TryLock() {
		metrics.IncHealthCheck(s.Name(), "skipped")
		s.log.Debug("health check skipped, lifecycle operation in progress")
		return nil
	}
	defer s.opMu.Unlock()

	// the state may have moved while waiting for the lock
	if s.markHealthy() {
		return nil
	}
	st := s.State()
	if st.Terminal() {
		metrics.IncHealthCheck(s.Name(), "idle")
		return nil
	}

	metrics.IncHealthCheck(s.Name(), "unhealthy")
	metrics.IncRestart(s.Name(), "health")
	s.log.Warn("worker unhealthy, restarting", "state", st)
	if err := s.restartLocked(ctx); err != nil {
		return fmt.Errorf("%w: restart: %w", ErrWorkerUnhealthy, err)
	}
	return nil
}

func (s *Supervisor) markHealthy() bool {
	s.mu.Lock()
	ok := s.healthyLocked()
	if ok {
		s.lastHealthyAt = time.Now()
	}
	s.mu.Unlock()
	if ok {
		metrics.IncHealthCheck(s.Name(), "healthy")
	}
	return ok
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PID returns the live worker pid, or 0.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil || !s.proc.Alive() {
		return 0
	}
	return s.proc.PID()
}

// Snapshot returns a copy of the supervisor state without side effects.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Name:           s.cfg.Spec.Name,
		State:          s.state,
		WorkDir:        s.cfg.Spec.WorkDir,
		Command:        s.cfg.Spec.CommandLine(),
		Readiness:      s.Readiness(),
		FailedAttempts: s.failures,
		Restarts:       s.restarts,
		StartedAt:      s.startedAt,
		ReadyAt:        s.readyAt,
		LastHealthyAt:  s.lastHealthyAt,
	}
	if s.proc != nil && s.proc.Alive() {
		snap.PID = s.proc.PID()
		snap.WorkDir = s.proc.Spec().WorkDir
		snap.Command = s.proc.Spec().CommandLine()
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	return snap
}

func (s *Supervisor) restartLocked(ctx context.Context) error {
	s.mu.Lock()
	s.restarts++
	s.mu.Unlock()
	s.emit(history.EventWorkerRestart, nil)
	if err := s.stopLocked(ctx); err != nil {
		s.log.Warn("stop before restart failed", "error", err)
	}
	return s.startLocked(ctx)
}

func (s *Supervisor) startLocked(ctx context.Context) error {
	if s.IsHealthy() {
		return nil
	}

	spec, err := s.resolve(ctx)
	if err != nil {
		s.release()
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		s.transition(StateFailed)
		s.emit(history.EventWorkerFailed, err)
		s.log.Error("worker configuration invalid", "error", err)
		return err
	}

	s.mu.Lock()
	if s.state == StateFailed {
		// an explicit start gets a full budget again
		s.failures = 0
	}
	s.mu.Unlock()

	for {
		err := s.launchOnce(ctx, spec)
		if err == nil {
			return nil
		}
		s.release()
		if ctxErr := ctx.Err(); ctxErr != nil {
			s.transition(StateStopped)
			return fmt.Errorf("start worker: %w", ctxErr)
		}

		s.mu.Lock()
		s.failures++
		attempts := s.failures
		s.lastErr = err
		s.mu.Unlock()
		metrics.IncStartupFailure(s.Name(), failureCause(err))
		s.log.Warn("worker startup failed", "attempt", attempts, "max_attempts", s.budget.MaxAttempts, "error", err)

		if attempts >= s.budget.MaxAttempts {
			exhausted := &StartupExhaustedError{Attempts: attempts, Last: err}
			s.transition(StateFailed)
			s.emit(history.EventWorkerFailed, exhausted)
			s.log.Error("worker restart budget exhausted", "attempts", attempts, "error", err)
			return exhausted
		}

		s.transition(StateRestarting)
		if err := sleepCtx(ctx, s.budget.RestartDelay); err != nil {
			s.transition(StateStopped)
			return fmt.Errorf("start worker: %w", err)
		}
	}
}

func (s *Supervisor) resolve(ctx context.Context) (process.Spec, error) {
	spec, err := s.cfg.Spec.Resolve()
	if err != nil {
		return process.Spec{}, &ConfigurationError{Err: err}
	}
	if s.cfg.CheckInterpreter {
		if err := spec.CheckInterpreter(ctx, 10*time.Second); err != nil {
			return process.Spec{}, &ConfigurationError{Err: err}
		}
	}
	return spec, nil
}

// launchOnce starts one process and waits for it to become ready. On error
// the caller releases the handle.
func (s *Supervisor) launchOnce(ctx context.Context, spec process.Spec) error {
	// termination always precedes a replacement launch
	s.release()

	proc, err := s.launch(spec, s.env.Merge(spec.Env))
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.proc = proc
	s.startedAt = proc.StartedAt()
	s.readyAt = time.Time{}
	s.mu.Unlock()
	s.transition(StateStarting)

	metrics.IncStart(s.Name())
	s.emit(history.EventWorkerStart, nil)
	s.log.Info("worker launched", "pid", proc.PID(), "command", spec.CommandLine(), "dir", spec.WorkDir)

	go s.readOutput(gen, proc)
	go s.watchExit(gen, proc)
	return s.awaitReady(ctx, gen, proc)
}

// awaitReady polls until the worker is running, exits, or StartupTimeout passes.
func (s *Supervisor) awaitReady(ctx context.Context, gen uint64, proc *process.Process) error {
	deadline := time.NewTimer(s.budget.StartupTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(s.budget.PollInterval)
	defer tick.Stop()

	for {
		if s.cfg.Probe != nil && proc.Alive() {
			if err := s.cfg.Probe.Ready(ctx); err == nil {
				s.markReady(gen)
			}
		}
		if s.State() == StateRunning {
			return nil
		}
		if !proc.Alive() {
			if exitErr := proc.ExitErr(); exitErr != nil {
				return fmt.Errorf("%w: %v", ErrExitedEarly, exitErr)
			}
			return ErrExitedEarly
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return &StartupTimeoutError{Timeout: s.budget.StartupTimeout}
		case <-tick.C:
		case <-proc.Done():
		}
	}
}

// markReady flips starting to running for the current generation only.
func (s *Supervisor) markReady(gen uint64) {
	s.mu.Lock()
	// output buffered past the exit must not revive a dead worker
	if s.gen != gen || s.state != StateStarting || s.proc == nil || !s.proc.Alive() {
		s.mu.Unlock()
		return
	}
	from := s.state
	s.state = StateRunning
	s.failures = 0
	s.lastErr = nil
	now := time.Now()
	s.readyAt = now
	s.lastHealthyAt = now
	took := now.Sub(s.startedAt)
	pid := s.proc.PID()
	s.mu.Unlock()

	s.recordTransition(from, StateRunning)
	metrics.ObserveReadyDuration(s.Name(), took.Seconds())
	s.emit(history.EventWorkerReady, nil)
	s.log.Info("worker ready", "pid", pid, "took", took.Round(time.Millisecond))
}

// readOutput drains the worker's combined output for the life of the process.
func (s *Supervisor) readOutput(gen uint64, proc *process.Process) {
	r := proc.Output()
	defer func() { _ = r.Close() }()

	matchOutput := s.cfg.Probe == nil
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		s.log.Info("worker output", "pid", proc.PID(), "line", line)
		s.tee(line)
		if matchOutput && s.detect.Match(line) {
			s.markReady(gen)
		}
	}
	if err := sc.Err(); err != nil {
		s.log.Warn("worker output unreadable, discarding rest", "error", err)
		_, _ = io.Copy(io.Discard, r)
	}
}

// watchExit marks a running worker unhealthy once its process is reaped.
// Children holding the output open do not delay this.
func (s *Supervisor) watchExit(gen uint64, proc *process.Process) {
	<-proc.Done()
	s.mu.Lock()
	current := s.gen == gen && s.state == StateRunning
	if current {
		s.state = StateUnhealthy
	}
	s.mu.Unlock()
	if current {
		s.recordTransition(StateRunning, StateUnhealthy)
		s.emit(history.EventWorkerExit, proc.ExitErr())
		s.log.Warn("worker exited unexpectedly", "pid", proc.PID(), "error", proc.ExitErr())
	}
}

func (s *Supervisor) tee(line string) {
	if s.cfg.Output == nil {
		return
	}
	s.outMu.Lock()
	_, _ = io.WriteString(s.cfg.Output, line+"\n")
	s.outMu.Unlock()
}

func (s *Supervisor) stopLocked(_ context.Context) error {
	s.mu.Lock()
	proc := s.proc
	// a stale reader must not report the exit we are about to cause
	s.gen++
	s.mu.Unlock()

	if proc == nil || !proc.Alive() {
		if proc != nil {
			// the leader is gone but processes it forked may not be
			if _, err := proc.Stop(s.budget.StopGrace, killWait); err != nil {
				s.log.Warn("failed to stop leftover worker processes", "pid", proc.PID(), "error", err)
			}
		}
		s.mu.Lock()
		s.proc = nil
		st := s.state
		s.mu.Unlock()
		if !st.Terminal() {
			s.transition(StateStopped)
		}
		return nil
	}

	s.log.Info("stopping worker", "pid", proc.PID(), "grace", s.budget.StopGrace)
	forced, err := proc.Stop(s.budget.StopGrace, killWait)

	s.mu.Lock()
	s.proc = nil
	s.mu.Unlock()
	s.transition(StateStopped)
	metrics.IncStop(s.Name(), forced)
	s.emit(history.EventWorkerStop, err)

	if forced {
		s.log.Warn("worker ignored terminate, killed", "pid", proc.PID())
	}
	if err != nil {
		s.log.Error("worker stop escalation failed", "pid", proc.PID(), "error", err)
		return fmt.Errorf("stop worker: %w", err)
	}
	return nil
}

// release terminates and forgets the current handle, if any.
func (s *Supervisor) release() {
	s.mu.Lock()
	proc := s.proc
	s.proc = nil
	s.gen++
	s.mu.Unlock()
	if proc == nil {
		return
	}
	if _, err := proc.Stop(s.budget.StopGrace, killWait); err != nil {
		s.log.Error("failed to release worker process", "pid", proc.PID(), "error", err)
	}
}

func (s *Supervisor) transition(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	if from != to {
		s.recordTransition(from, to)
	}
}

func (s *Supervisor) recordTransition(from, to State) {
	name := s.Name()
	metrics.RecordStateTransition(name, string(from), string(to))
	metrics.SetCurrentState(name, string(from), false)
	metrics.SetCurrentState(name, string(to), true)
	s.log.Debug("worker state", "from", from, "to", to)
}

func (s *Supervisor) emit(typ history.EventType, cause error) {
	if s.cfg.History.Len() == 0 {
		return
	}
	s.mu.Lock()
	rec := history.WorkerRecord{
		Name:    s.cfg.Spec.Name,
		State:   string(s.state),
		Attempt: s.failures,
	}
	if s.proc != nil {
		rec.PID = s.proc.PID()
	}
	s.mu.Unlock()
	if cause != nil {
		rec.Error = cause.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.cfg.History.Send(ctx, history.Event{Type: typ, OccurredAt: time.Now().UTC(), Worker: rec})
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
