package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"oprime/internal/types"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-based runner tests rely on sh")
	}
}

func shSpec(script string) Spec {
	return Spec{
		Binary:          "sh",
		Args:            []string{"-c", script},
		LaunchTimeout:   10 * time.Second,
		ActivityTimeout: 10 * time.Second,
		TotalTimeout:    10 * time.Second,
	}
}

func TestRunCapturesOutput(t *testing.T) {
	skipOnWindows(t)

	res, err := Run(context.Background(), shSpec(`printf hello; printf oops 1>&2`))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Errorf("status = %s, want %s (message: %s)", res.Status, StatusCompleted, res.Message)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", res.ExitCode)
	}
	if res.Stdout != "hello" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if res.Stderr != "oops" {
		t.Errorf("stderr = %q", res.Stderr)
	}
	if res.Duration <= 0 || res.FinishedAt.Before(res.StartedAt) {
		t.Errorf("timing not recorded: started=%v finished=%v", res.StartedAt, res.FinishedAt)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	skipOnWindows(t)

	res, err := Run(context.Background(), shSpec(`exit 3`))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusFailedExitCode {
		t.Errorf("status = %s, want %s", res.Status, StatusFailedExitCode)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(res.Message, "3") {
		t.Errorf("message = %q, want it to carry the exit code", res.Message)
	}
}

func TestRunLaunchError(t *testing.T) {
	spec := Spec{Binary: filepath.Join(t.TempDir(), "definitely-not-a-binary")}
	res, err := Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusLaunchError {
		t.Errorf("status = %s, want %s", res.Status, StatusLaunchError)
	}
	if res.ExitCode != -1 {
		t.Errorf("exit code = %d, want -1", res.ExitCode)
	}
	if res.Message == "" {
		t.Error("launch error should carry a message")
	}
}

func TestRunValidation(t *testing.T) {
	_, err := Run(context.Background(), Spec{})
	if err == nil {
		t.Fatal("empty spec accepted")
	}
	if kind := types.KindOf(err); kind != types.ErrValidation {
		t.Errorf("error kind = %s, want %s", kind, types.ErrValidation)
	}
}

func TestRunTotalTimeout(t *testing.T) {
	skipOnWindows(t)

	spec := shSpec(`while true; do echo tick; sleep 0.05; done`)
	spec.TotalTimeout = 400 * time.Millisecond

	start := time.Now()
	res, err := Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusTimeoutTotal {
		t.Errorf("status = %s, want %s", res.Status, StatusTimeoutTotal)
	}
	if !res.TimedOut() {
		t.Error("TimedOut() = false")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("run took %s, escalation too slow", elapsed)
	}
	if !strings.Contains(res.Stdout, "tick") {
		t.Errorf("stdout = %q, want captured output before the kill", res.Stdout)
	}
}

func TestRunActivityTimeout(t *testing.T) {
	skipOnWindows(t)

	// Output once, then go silent: the activity window must catch it even
	// though launch and total allow much more.
	spec := shSpec(`echo started; sleep 30`)
	spec.ActivityTimeout = 300 * time.Millisecond

	res, err := Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusTimeoutActivity {
		t.Errorf("status = %s, want %s (message: %s)", res.Status, StatusTimeoutActivity, res.Message)
	}
	if !strings.Contains(res.Stdout, "started") {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestRunLaunchTimeout(t *testing.T) {
	skipOnWindows(t)

	// Never produces output: the launch window governs.
	spec := shSpec(`sleep 30`)
	spec.LaunchTimeout = 300 * time.Millisecond

	res, err := Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusTimeoutLaunch {
		t.Errorf("status = %s, want %s (message: %s)", res.Status, StatusTimeoutLaunch, res.Message)
	}
}

func TestRunContextCancel(t *testing.T) {
	skipOnWindows(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	res, err := Run(ctx, shSpec(`sleep 30`))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusTimeoutTotal {
		t.Errorf("status = %s, want %s", res.Status, StatusTimeoutTotal)
	}
	if !strings.Contains(res.Message, "canceled") {
		t.Errorf("message = %q", res.Message)
	}
}

func TestRunFeedsStdinLines(t *testing.T) {
	skipOnWindows(t)

	spec := shSpec(`read a; read b; printf '%s-%s' "$a" "$b"`)
	spec.StdinLines = []string{"one", "two"}

	res, err := Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("status = %s (message: %s)", res.Status, res.Message)
	}
	if res.Stdout != "one-two" {
		t.Errorf("stdout = %q, want %q", res.Stdout, "one-two")
	}
}

func TestRunTruncatesOutput(t *testing.T) {
	skipOnWindows(t)

	spec := shSpec(`i=0; while [ $i -lt 200 ]; do printf 0123456789; i=$((i+1)); done`)
	spec.MaxOutputBytes = 100

	res, err := Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Truncated {
		t.Error("Truncated = false, want true")
	}
	if len(res.Stdout) != 100 {
		t.Errorf("stdout length = %d, want the 100-byte cap", len(res.Stdout))
	}
}

func TestRunWritesStatusFile(t *testing.T) {
	skipOnWindows(t)

	statusPath := filepath.Join(t.TempDir(), "reports", "status.json")
	spec := shSpec(`printf hello`)
	spec.StatusFile = statusPath
	spec.TailBytes = 3

	res, err := Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("status = %s", res.Status)
	}

	data, err := os.ReadFile(statusPath)
	if err != nil {
		t.Fatalf("status file: %v", err)
	}
	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("status file is not valid JSON: %v", err)
	}
	if report.Status != StatusCompleted || report.ExitCode != 0 {
		t.Errorf("report = %+v", report)
	}
	if report.StdoutTail != "llo" {
		t.Errorf("stdout tail = %q, want the last 3 bytes", report.StdoutTail)
	}
	if report.DurationMs < 0 {
		t.Errorf("duration_ms = %d", report.DurationMs)
	}
}

func TestTail(t *testing.T) {
	cases := []struct {
		s    string
		n    int
		want string
	}{
		{"", 4, ""},
		{"abc", 0, "abc"},
		{"abc", 4, "abc"},
		{"abcdef", 3, "def"},
	}
	for _, tc := range cases {
		if got := tail(tc.s, tc.n); got != tc.want {
			t.Errorf("tail(%q, %d) = %q, want %q", tc.s, tc.n, got, tc.want)
		}
	}
}

func TestLimitedWriter(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, max: 10}

	n, err := lw.Write([]byte("0123456"))
	if err != nil || n != 7 {
		t.Fatalf("first write = (%d, %v)", n, err)
	}

	// Crosses the cap: reports the full length, stores only the remainder.
	n, err = lw.Write([]byte("789abcdef"))
	if err != nil || n != 9 {
		t.Fatalf("second write = (%d, %v)", n, err)
	}
	if buf.String() != "0123456789" {
		t.Errorf("stored = %q", buf.String())
	}
	if !lw.truncated || lw.discarded != 6 {
		t.Errorf("truncated = %v, discarded = %d, want true/6", lw.truncated, lw.discarded)
	}

	// Fully past the cap: nothing more is stored.
	n, err = lw.Write([]byte("xyz"))
	if err != nil || n != 3 {
		t.Fatalf("third write = (%d, %v)", n, err)
	}
	if buf.Len() != 10 {
		t.Errorf("stored length = %d, want 10", buf.Len())
	}
	if lw.discarded != 9 {
		t.Errorf("discarded = %d, want 9", lw.discarded)
	}
}
