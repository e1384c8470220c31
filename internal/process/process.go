package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Process is a handle to one launched worker. Combined stdout and stderr are
// exposed through Output; a wait goroutine reaps the child and closes Done.
type Process struct {
	spec      Spec
	pid       int
	out       *os.File
	startedAt time.Time

	mu       sync.Mutex
	exitErr  error
	exitedAt time.Time
	done     chan struct{}
}

// Start launches a resolved spec with env and returns the live handle.
func Start(spec Spec, env []string) (*Process, error) {
	cmd := spec.BuildCommand(env)
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create output pipe: %w", err)
	}
	cmd.Stdout = w
	cmd.Stderr = w
	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, fmt.Errorf("launch %s: %w", spec.CommandLine(), err)
	}
	// The child holds its own copy of the write end; EOF on r means it exited.
	_ = w.Close()

	p := &Process{
		spec:      spec,
		pid:       cmd.Process.Pid,
		out:       r,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.exitErr = err
		p.exitedAt = time.Now()
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

func (p *Process) PID() int             { return p.pid }
func (p *Process) Spec() Spec           { return p.spec }
func (p *Process) StartedAt() time.Time { return p.startedAt }

// Output is the combined stdout/stderr stream. The single consumer must
// close it after reading to EOF.
func (p *Process) Output() io.ReadCloser { return p.out }

// Done is closed once the child has been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Alive reports whether the child has not been reaped yet.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// ExitErr returns the wait error once the process exited, nil before.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Terminate requests a graceful shutdown of the worker's process group.
func (p *Process) Terminate() error {
	if !p.Alive() {
		return nil
	}
	return terminateGroup(p.pid)
}

// Kill forcibly terminates the worker's process group.
func (p *Process) Kill() error {
	if !p.Alive() {
		return nil
	}
	return killGroup(p.pid)
}

// ErrStillAlive is returned by Stop when the child survived a forced kill.
var ErrStillAlive = errors.New("process still alive after kill")

// Stop terminates the process group, waits up to grace, then escalates to a
// kill and waits up to killWait. forced reports whether the kill was needed.
// Children left in the group are signalled even when the leader has already
// exited. Stop always returns within grace+killWait.
func (p *Process) Stop(grace, killWait time.Duration) (forced bool, err error) {
	if !p.Alive() {
		return p.stopOrphans(grace, killWait)
	}
	// a failed terminate falls through to the kill below
	_ = p.Terminate()
	deadline := time.Now().Add(grace)
	t := time.NewTimer(grace)
	select {
	case <-p.done:
		t.Stop()
		// the rest of the group got the same signal and shares the grace
		if waitGroupGone(p.pid, time.Until(deadline)) {
			return false, nil
		}
		_, err := p.killRemaining(killWait)
		return false, err
	case <-t.C:
	}

	kerr := p.Kill()
	kt := time.NewTimer(killWait)
	defer kt.Stop()
	select {
	case <-p.done:
		return true, nil
	case <-kt.C:
	}
	if kerr != nil {
		return true, fmt.Errorf("kill pid %d: %w", p.pid, kerr)
	}
	return true, fmt.Errorf("pid %d: %w", p.pid, ErrStillAlive)
}

// stopOrphans terminates processes the reaped leader left in its group.
func (p *Process) stopOrphans(grace, killWait time.Duration) (bool, error) {
	if !groupAlive(p.pid) {
		return false, nil
	}
	if err := terminateOrphans(p.pid); err != nil {
		return false, fmt.Errorf("terminate group %d: %w", p.pid, err)
	}
	if waitGroupGone(p.pid, grace) {
		return false, nil
	}
	return p.killRemaining(killWait)
}

func (p *Process) killRemaining(killWait time.Duration) (bool, error) {
	if !groupAlive(p.pid) {
		return false, nil
	}
	if err := killOrphans(p.pid); err != nil {
		return true, fmt.Errorf("kill group %d: %w", p.pid, err)
	}
	// unreaped zombies may linger in the group; SIGKILL cannot be ignored
	waitGroupGone(p.pid, killWait)
	return true, nil
}

func waitGroupGone(pid int, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for groupAlive(pid) {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(20 * time.Millisecond)
	}
	return true
}
