//go:build !windows

package process

import (
	"errors"
	"syscall"
)

// terminateGroup sends SIGTERM to the process group led by pid.
func terminateGroup(pid int) error { return signalGroup(pid, syscall.SIGTERM) }

// killGroup sends SIGKILL to the process group led by pid.
func killGroup(pid int) error { return signalGroup(pid, syscall.SIGKILL) }

// signalGroup signals -pid first so children of the interpreter go down with
// it, falling back to the single pid when no group exists.
func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(-pid, sig)
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ESRCH) {
		if perr := syscall.Kill(pid, sig); perr != nil && !errors.Is(perr, syscall.ESRCH) {
			return perr
		}
		return nil
	}
	return err
}

// signalOrphans signals what is left of the group once its leader has been
// reaped. The leader's pid alone is never signalled, it may have been reused.
func signalOrphans(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	if err := syscall.Kill(-pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

func terminateOrphans(pid int) error { return signalOrphans(pid, syscall.SIGTERM) }
func killOrphans(pid int) error      { return signalOrphans(pid, syscall.SIGKILL) }

// groupAlive reports whether any member of the group led by pid remains.
func groupAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(-pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
