package detector

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CommandProbe runs a command that exits 0 once the worker is ready.
type CommandProbe struct {
	Command string
	Timeout time.Duration
}

// buildCommand avoids invoking a shell unless shell metacharacters are present (G204 mitigation).
func buildCommand(ctx context.Context, cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.CommandContext(ctx, "/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.CommandContext(ctx, parts[0], parts[1:]...)
}

func (p CommandProbe) Ready(ctx context.Context) error {
	if strings.TrimSpace(p.Command) == "" {
		return fmt.Errorf("command probe: empty command")
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return buildCommand(cctx, p.Command).Run()
}

func (p CommandProbe) Describe() string { return "cmd:" + p.Command }
