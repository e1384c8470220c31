package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// DefaultEntry is the worker entry point passed to the interpreter.
const DefaultEntry = "app.py"

// Spec describes how to launch the analysis worker: an interpreter plus a
// fixed entry-point argument, run inside WorkDir.
type Spec struct {
	Name        string   `json:"name" mapstructure:"name"`
	Interpreter string   `json:"interpreter" mapstructure:"interpreter"` // empty: python3 (python on Windows)
	Entry       string   `json:"entry" mapstructure:"entry"`             // entry script relative to WorkDir
	Args        []string `json:"args" mapstructure:"args"`               // extra args after Entry
	WorkDir     string   `json:"work_dir" mapstructure:"work_dir"`
	Env         []string `json:"env" mapstructure:"env"` // KEY=VALUE overrides
}

// DefaultInterpreter returns the interpreter used when Spec.Interpreter is empty.
func DefaultInterpreter() string {
	if runtime.GOOS == "windows" {
		return "python"
	}
	return "python3"
}

// ErrWorkDir is returned by Resolve when the working directory is unusable.
var ErrWorkDir = errors.New("worker directory unusable")

// ErrInterpreter is returned by Resolve and CheckInterpreter when the
// interpreter cannot be found or does not run.
var ErrInterpreter = errors.New("worker interpreter unavailable")

// Resolve returns a copy of s with an absolute WorkDir and a located
// interpreter path. It never starts anything.
func (s Spec) Resolve() (Spec, error) {
	out := s
	out.Args = append([]string(nil), s.Args...)
	out.Env = append([]string(nil), s.Env...)
	if strings.TrimSpace(out.Entry) == "" {
		out.Entry = DefaultEntry
	}

	if strings.TrimSpace(out.WorkDir) == "" {
		return Spec{}, fmt.Errorf("%w: path is empty", ErrWorkDir)
	}
	abs, err := filepath.Abs(filepath.Clean(out.WorkDir))
	if err != nil {
		return Spec{}, fmt.Errorf("%w: %v", ErrWorkDir, err)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return Spec{}, fmt.Errorf("%w: %s does not exist", ErrWorkDir, abs)
		}
		return Spec{}, fmt.Errorf("%w: %v", ErrWorkDir, err)
	}
	if !fi.IsDir() {
		return Spec{}, fmt.Errorf("%w: %s is not a directory", ErrWorkDir, abs)
	}
	out.WorkDir = abs

	interp := strings.TrimSpace(out.Interpreter)
	if interp == "" {
		interp = DefaultInterpreter()
	}
	path, err := exec.LookPath(interp)
	if err != nil {
		return Spec{}, fmt.Errorf("%w: %s: %v", ErrInterpreter, interp, err)
	}
	out.Interpreter = path
	return out, nil
}

// CheckInterpreter runs "<interpreter> --version" and reports whether it
// exited cleanly within timeout.
func (s Spec) CheckInterpreter(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	// #nosec G204
	cmd := exec.CommandContext(cctx, s.Interpreter, "--version")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: %s --version: %v (%s)", ErrInterpreter, s.Interpreter, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// BuildCommand constructs the *exec.Cmd for a resolved spec.
// It does not invoke a shell; the interpreter receives Entry and Args verbatim.
func (s Spec) BuildCommand(env []string) *exec.Cmd {
	args := append([]string{s.Entry}, s.Args...)
	// ok: interpreter and entry come from operator configuration
	// #nosec G204
	cmd := exec.Command(s.Interpreter, args...)
	cmd.Dir = s.WorkDir
	if len(env) > 0 {
		cmd.Env = env
	}
	configureSysProcAttr(cmd)
	return cmd
}

// CommandLine renders the launch command for logs and status output.
func (s Spec) CommandLine() string {
	interp := s.Interpreter
	if interp == "" {
		interp = DefaultInterpreter()
	}
	entry := s.Entry
	if entry == "" {
		entry = DefaultEntry
	}
	parts := append([]string{interp, entry}, s.Args...)
	return strings.Join(parts, " ")
}
