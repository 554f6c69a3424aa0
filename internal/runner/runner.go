// Package runner executes Worker commands under a harness with three
// timeouts: launch (no first output), activity (no new output), and total
// runtime. Output is captured through size-capped writers, the child is
// terminated with a SIGTERM-then-SIGKILL escalation, and the outcome can be
// mirrored to a JSON status file for external agents to poll.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"oprime/internal/logging"
	"oprime/internal/types"
)

// Final statuses reported for a harnessed run.
const (
	StatusCompleted       = "COMPLETED"
	StatusFailedExitCode  = "FAILED_EXIT_CODE"
	StatusTimeoutTotal    = "TIMEOUT_TOTAL"
	StatusTimeoutActivity = "TIMEOUT_ACTIVITY"
	StatusTimeoutLaunch   = "TIMEOUT_LAUNCH"
	StatusLaunchError     = "LAUNCH_ERROR"
)

const (
	defaultLaunchTimeout   = 30 * time.Second
	defaultActivityTimeout = 120 * time.Second
	defaultTotalTimeout    = 600 * time.Second
	defaultMaxOutputBytes  = 1 << 20
	defaultTailBytes       = 4096
	defaultKillGrace       = 5 * time.Second

	pollInterval = 100 * time.Millisecond
)

// Spec describes one harnessed command.
type Spec struct {
	Binary     string
	Args       []string
	WorkingDir string

	// Env entries (KEY=VALUE) appended to the inherited environment.
	Env []string

	// StdinLines are written to the child's stdin, one per line, then
	// stdin is closed. Empty means stdin is closed immediately.
	StdinLines []string

	LaunchTimeout   time.Duration
	ActivityTimeout time.Duration
	TotalTimeout    time.Duration
	KillGrace       time.Duration

	MaxOutputBytes int64
	TailBytes      int

	// StatusFile, when set, receives the JSON report after the run.
	StatusFile string
}

// Result is the full outcome of a harnessed run.
type Result struct {
	Status     string
	ExitCode   int
	Message    string
	Stdout     string
	Stderr     string
	Truncated  bool
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
}

// TimedOut reports whether the run ended on any of the three timeouts.
func (r *Result) TimedOut() bool {
	switch r.Status {
	case StatusTimeoutLaunch, StatusTimeoutActivity, StatusTimeoutTotal:
		return true
	}
	return false
}

// StdoutTail returns the last n bytes of stdout (the full text if shorter).
func (r *Result) StdoutTail(n int) string { return tail(r.Stdout, n) }

// StderrTail returns the last n bytes of stderr.
func (r *Result) StderrTail(n int) string { return tail(r.Stderr, n) }

// Report is the JSON shape written to the status file.
type Report struct {
	Status     string    `json:"status"`
	ExitCode   int       `json:"exit_code"`
	Message    string    `json:"message,omitempty"`
	StdoutTail string    `json:"stdout_tail"`
	StderrTail string    `json:"stderr_tail"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMs int64     `json:"duration_ms"`
}

func (spec *Spec) applyDefaults() {
	if spec.LaunchTimeout <= 0 {
		spec.LaunchTimeout = defaultLaunchTimeout
	}
	if spec.ActivityTimeout <= 0 {
		spec.ActivityTimeout = defaultActivityTimeout
	}
	if spec.TotalTimeout <= 0 {
		spec.TotalTimeout = defaultTotalTimeout
	}
	if spec.KillGrace <= 0 {
		spec.KillGrace = defaultKillGrace
	}
	if spec.MaxOutputBytes <= 0 {
		spec.MaxOutputBytes = defaultMaxOutputBytes
	}
	if spec.TailBytes <= 0 {
		spec.TailBytes = defaultTailBytes
	}
}

// Run executes one command per the Spec. The returned error covers validation
// only; execution failures, including launch errors and timeouts, are
// reported through Result.Status so callers always get the captured output.
func Run(ctx context.Context, spec Spec) (*Result, error) {
	if spec.Binary == "" {
		return nil, types.Errorf(types.ErrValidation, "runner: binary is required")
	}
	spec.applyDefaults()

	timer := logging.StartTimer(logging.CategoryExec, "Harness run")
	defer timer.Stop()
	logging.Exec("Running %s %s (launch %s, activity %s, total %s)",
		spec.Binary, strings.Join(spec.Args, " "),
		spec.LaunchTimeout, spec.ActivityTimeout, spec.TotalTimeout)

	cmd := exec.Command(spec.Binary, spec.Args...)
	cmd.Dir = spec.WorkingDir
	cmd.Env = append(os.Environ(), spec.Env...)
	setProcessGroup(cmd)
	// A child that detaches from the group can still hold the output pipes
	// open after exit; WaitDelay bounds how long Wait honors that.
	cmd.WaitDelay = spec.KillGrace
	if len(spec.StdinLines) > 0 {
		cmd.Stdin = strings.NewReader(strings.Join(spec.StdinLines, "\n") + "\n")
	}

	var lastActivity atomic.Int64
	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutLimited := &limitedWriter{w: &stdoutBuf, max: spec.MaxOutputBytes}
	stderrLimited := &limitedWriter{w: &stderrBuf, max: spec.MaxOutputBytes}
	cmd.Stdout = &activityWriter{w: stdoutLimited, last: &lastActivity}
	cmd.Stderr = &activityWriter{w: stderrLimited, last: &lastActivity}

	res := &Result{ExitCode: -1, StartedAt: time.Now()}

	if err := cmd.Start(); err != nil {
		res.Status = StatusLaunchError
		res.Message = fmt.Sprintf("failed to launch: %v", err)
		res.FinishedAt = time.Now()
		res.Duration = res.FinishedAt.Sub(res.StartedAt)
		logging.ExecWarn("Launch failed for %s: %v", spec.Binary, err)
		finishReport(spec, res)
		return res, nil
	}
	logging.ExecDebug("Process started, PID %d", cmd.Process.Pid)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var waitErr error
	timedOutStatus := ""

supervise:
	for {
		select {
		case waitErr = <-waitCh:
			break supervise

		case <-ctx.Done():
			timedOutStatus = StatusTimeoutTotal
			res.Message = fmt.Sprintf("run canceled: %v", ctx.Err())
			waitErr = terminate(cmd, spec.KillGrace, waitCh)
			break supervise

		case now := <-ticker.C:
			elapsed := now.Sub(res.StartedAt)
			if elapsed > spec.TotalTimeout {
				timedOutStatus = StatusTimeoutTotal
				res.Message = fmt.Sprintf("total runtime exceeded %s", spec.TotalTimeout)
			} else if lastActivity.Load() == 0 {
				if elapsed > spec.LaunchTimeout {
					timedOutStatus = StatusTimeoutLaunch
					res.Message = fmt.Sprintf("no output within the launch window (%s)", spec.LaunchTimeout)
				}
			} else if idle := now.Sub(time.Unix(0, lastActivity.Load())); idle > spec.ActivityTimeout {
				timedOutStatus = StatusTimeoutActivity
				res.Message = fmt.Sprintf("no output activity for %s", spec.ActivityTimeout)
			}
			if timedOutStatus != "" {
				logging.ExecWarn("%s: %s", timedOutStatus, res.Message)
				waitErr = terminate(cmd, spec.KillGrace, waitCh)
				break supervise
			}
		}
	}

	res.FinishedAt = time.Now()
	res.Duration = res.FinishedAt.Sub(res.StartedAt)
	res.Stdout = stdoutBuf.String()
	res.Stderr = stderrBuf.String()
	res.Truncated = stdoutLimited.truncated || stderrLimited.truncated
	if res.Truncated {
		logging.ExecWarn("Output truncated: %d bytes discarded",
			stdoutLimited.discarded+stderrLimited.discarded)
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	switch {
	case timedOutStatus != "":
		res.Status = timedOutStatus
	case waitErr == nil:
		res.Status = StatusCompleted
		res.Message = "command completed successfully"
	case errors.Is(waitErr, exec.ErrWaitDelay) && res.ExitCode == 0:
		// The command itself succeeded; a leftover child kept a pipe open
		// past the grace window and some output may be missing.
		res.Status = StatusCompleted
		res.Message = "command completed; output stream left open by a child process"
	default:
		if _, ok := waitErr.(*exec.ExitError); ok {
			res.Status = StatusFailedExitCode
			res.Message = fmt.Sprintf("exit code %d", res.ExitCode)
		} else {
			res.Status = StatusFailedExitCode
			res.Message = waitErr.Error()
		}
	}

	logging.Exec("Run finished: %s (exit %d, %s, stdout %d bytes, stderr %d bytes)",
		res.Status, res.ExitCode, res.Duration.Round(time.Millisecond),
		len(res.Stdout), len(res.Stderr))

	finishReport(spec, res)
	return res, nil
}

// terminate asks the child's process group to exit and escalates to a hard
// kill when the grace window passes. It returns the child's wait outcome.
func terminate(cmd *exec.Cmd, grace time.Duration, waitCh <-chan error) error {
	proc := cmd.Process
	if proc == nil {
		return <-waitCh
	}

	if err := signalGroup(cmd, syscall.SIGTERM); err != nil {
		logging.ExecWarn("SIGTERM failed for PID %d (%v), killing", proc.Pid, err)
		_ = signalGroup(cmd, syscall.SIGKILL)
		return <-waitCh
	}

	select {
	case err := <-waitCh:
		logging.ExecDebug("PID %d exited after SIGTERM", proc.Pid)
		return err
	case <-time.After(grace):
		logging.ExecWarn("PID %d ignored SIGTERM for %s, killing", proc.Pid, grace)
		_ = signalGroup(cmd, syscall.SIGKILL)
		return <-waitCh
	}
}

// finishReport writes the status file when Spec.StatusFile is set. A write
// failure is logged with the full report so the outcome is never lost.
func finishReport(spec Spec, res *Result) {
	if spec.StatusFile == "" {
		return
	}
	report := Report{
		Status:     res.Status,
		ExitCode:   res.ExitCode,
		Message:    res.Message,
		StdoutTail: res.StdoutTail(spec.TailBytes),
		StderrTail: res.StderrTail(spec.TailBytes),
		StartedAt:  res.StartedAt.UTC(),
		FinishedAt: res.FinishedAt.UTC(),
		DurationMs: res.Duration.Milliseconds(),
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		logging.ExecWarn("Failed to encode status report: %v", err)
		return
	}
	if dir := filepath.Dir(spec.StatusFile); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			logging.ExecWarn("Failed to create status file directory %s: %v", dir, err)
		}
	}
	if err := os.WriteFile(spec.StatusFile, data, 0644); err != nil {
		logging.ExecWarn("Failed to write status file %s: %v; report follows: %s",
			spec.StatusFile, err, data)
		return
	}
	logging.ExecDebug("Status file written to %s", spec.StatusFile)
}

func tail(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// limitedWriter caps total bytes written, discarding the excess while
// reporting full writes so the child never sees a short-write error.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
	discarded int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)

	if lw.written >= lw.max {
		lw.truncated = true
		lw.discarded += int64(n)
		return n, nil
	}

	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		lw.discarded += int64(n) - remaining
		written, err := lw.w.Write(p[:remaining])
		lw.written += int64(written)
		return n, err
	}

	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}

// activityWriter stamps the shared last-activity clock on every write.
type activityWriter struct {
	w    io.Writer
	last *atomic.Int64
}

func (aw *activityWriter) Write(p []byte) (int, error) {
	if len(p) > 0 {
		aw.last.Store(time.Now().UnixNano())
	}
	return aw.w.Write(p)
}
