//go:build windows

package runner

import (
	"os/exec"
	"syscall"
)

// setProcessGroup is a no-op on Windows; termination is always a hard kill.
func setProcessGroup(cmd *exec.Cmd) {}

// signalGroup approximates Unix signalling. SIGKILL maps to Process.Kill;
// anything else is handed to Process.Signal, which reports it unsupported so
// callers escalate straight to the kill path.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	if sig == syscall.SIGKILL {
		return cmd.Process.Kill()
	}
	return cmd.Process.Signal(sig)
}
