package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	robfig "github.com/robfig/cron/v3"
)

// Job is a named function run on a schedule.
//
// Schedule accepts "@every <duration>" (any positive duration, sub-second
// included) or a standard five-field cron expression / descriptor such as
// "0 2 * * *" or "@daily".
//
// Runs of the same job never overlap unless AllowOverlap is set; a tick that
// fires while the previous run is active is skipped.
type Job struct {
	Name         string
	Schedule     string
	AllowOverlap bool
	Run          func(ctx context.Context) error

	running atomic.Bool
	skipped atomic.Int64
}

// Skipped returns how many ticks were dropped because a run was active.
func (j *Job) Skipped() int64 { return j.skipped.Load() }

// everySchedule fires at a fixed period measured from the previous tick.
type everySchedule time.Duration

func (e everySchedule) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

// parseEvery parses schedules of the form "@every <duration>".
func parseEvery(expr string) (time.Duration, error) {
	durStr := strings.TrimSpace(strings.TrimPrefix(expr, "@every "))
	d, err := time.ParseDuration(durStr)
	if err != nil {
		return 0, fmt.Errorf("invalid @every duration: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("@every duration must be > 0")
	}
	return d, nil
}

// Parse turns a schedule expression into a robfig schedule.
func Parse(expr string) (robfig.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("empty schedule")
	}
	if strings.HasPrefix(expr, "@every ") {
		d, err := parseEvery(expr)
		if err != nil {
			return nil, err
		}
		return everySchedule(d), nil
	}
	sch, err := robfig.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return sch, nil
}

func (j *Job) validate() error {
	if j.Name == "" {
		return errors.New("cron job requires a name")
	}
	if j.Schedule == "" {
		return errors.New("cron job requires a schedule")
	}
	if j.Run == nil {
		return fmt.Errorf("cron job %s requires a run function", j.Name)
	}
	if _, err := Parse(j.Schedule); err != nil {
		return fmt.Errorf("cron job %s: %w", j.Name, err)
	}
	return nil
}

// Scheduler runs jobs until Stop is called.
type Scheduler struct {
	mu      sync.Mutex
	jobs    []*Job
	log     *slog.Logger
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func NewScheduler(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{log: log}
}

func (s *Scheduler) Add(job *Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	for _, j := range s.jobs {
		if j.Name == job.Name {
			return fmt.Errorf("cron job %s already registered", job.Name)
		}
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Jobs returns the registered jobs.
func (s *Scheduler) Jobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Job(nil), s.jobs...)
}

// Start launches all job loops. The loops end when ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	scheds := make([]robfig.Schedule, len(s.jobs))
	for i, j := range s.jobs {
		sch, err := Parse(j.Schedule)
		if err != nil {
			return fmt.Errorf("job %s: %w", j.Name, err)
		}
		scheds[i] = sch
	}
	cctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true
	for i, j := range s.jobs {
		s.wg.Add(1)
		go s.runJob(cctx, j, scheds[i])
	}
	return nil
}

func (s *Scheduler) runJob(ctx context.Context, j *Job, sch robfig.Schedule) {
	defer s.wg.Done()
	var runs sync.WaitGroup
	defer runs.Wait()

	next := sch.Next(time.Now())
	for {
		t := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case fired := <-t.C:
			next = sch.Next(fired)
		}

		if !j.AllowOverlap && !j.running.CompareAndSwap(false, true) {
			j.skipped.Add(1)
			s.log.Debug("cron tick skipped, previous run active", "job", j.Name)
			continue
		}
		if j.AllowOverlap {
			j.running.Store(true)
		}
		runs.Add(1)
		go func() {
			defer runs.Done()
			defer j.running.Store(false)
			if err := j.Run(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("cron job failed", "job", j.Name, "error", err)
			}
		}()
	}
}

// Stop cancels all jobs and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}
