package bridge

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"oprime/internal/config"
	"oprime/internal/engine"
	"oprime/internal/runner"
	"oprime/internal/types"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// opencensus (pulled in via the genai client) starts a permanent worker
// goroutine in its package init; it is not spawned by the code under test.
var leakOpts = []goleak.Option{
	goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
}

func testBridgeConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Bridge.WorkerCommand = "worker --step"
	cfg.Bridge.PollInterval = "50ms"
	return cfg
}

// stubRunner plays back canned results without spawning processes. It honors
// Spec.StatusFile the way the real runner does so archive behavior stays
// observable.
type stubRunner struct {
	mu    sync.Mutex
	specs []runner.Spec
	fn    func(spec runner.Spec) *runner.Result
}

func (s *stubRunner) run(_ context.Context, spec runner.Spec) (*runner.Result, error) {
	s.mu.Lock()
	s.specs = append(s.specs, spec)
	s.mu.Unlock()

	res := &runner.Result{Status: runner.StatusCompleted, Message: "command completed successfully", Stdout: "ok"}
	if s.fn != nil {
		res = s.fn(spec)
	}
	if spec.StatusFile != "" {
		data, err := json.Marshal(map[string]interface{}{"status": res.Status, "exit_code": res.ExitCode})
		if err == nil {
			_ = os.WriteFile(spec.StatusFile, data, 0644)
		}
	}
	return res, nil
}

func (s *stubRunner) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.specs)
}

func (s *stubRunner) spec(i int) runner.Spec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.specs[i]
}

func newTestBridge(t *testing.T, cfg *config.Config) (*Bridge, *stubRunner, string) {
	t.Helper()
	if cfg == nil {
		cfg = testBridgeConfig()
	}
	ws := t.TempDir()
	b, err := New(cfg, ws)
	require.NoError(t, err)
	stub := &stubRunner{}
	b.runFn = stub.run
	return b, stub, ws
}

func readResultFile(t *testing.T, b *Bridge) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(b.logsDir, engine.ResultFileName))
	require.NoError(t, err)
	return string(data)
}

func envValue(env []string, key string) string {
	prefix := key + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			return strings.TrimPrefix(kv, prefix)
		}
	}
	return ""
}

func waitUntil(t *testing.T, within time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

// =============================================================================
// CONSTRUCTION
// =============================================================================

func TestNewValidation(t *testing.T) {
	cfg := testBridgeConfig()
	cfg.Bridge.WorkerCommand = "   "
	_, err := New(cfg, t.TempDir())
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.KindOf(err))

	_, err = New(testBridgeConfig(), "")
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.KindOf(err))
}

func TestNewSeedsQueueAndDirectories(t *testing.T) {
	b, _, _ := newTestBridge(t, nil)

	data, err := os.ReadFile(b.queuePath)
	require.NoError(t, err)
	var doc struct {
		Tasks []Task `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Empty(t, doc.Tasks)
	assert.Contains(t, string(data), `"tasks": []`)

	for _, dir := range []string{b.instructionsDir, b.logsDir, b.processedDir, b.failedDir} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestEnqueueValidation(t *testing.T) {
	b, _, _ := newTestBridge(t, nil)
	_, err := b.Enqueue("goal", "   ")
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.KindOf(err))
}

// =============================================================================
// TASK PROCESSING
// =============================================================================

func TestProcessPendingCompletesTask(t *testing.T) {
	defer goleak.VerifyNone(t, leakOpts...)

	b, stub, ws := newTestBridge(t, nil)
	task, err := b.Enqueue("wire the frobnicator", "Create frob.go with a Frob type.")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(task.ID, "task_"))

	n, err := b.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Equal(t, 1, stub.calls())
	spec := stub.spec(0)
	assert.Equal(t, "worker", spec.Binary)
	assert.Equal(t, []string{"--step"}, spec.Args)
	assert.Equal(t, ws, spec.WorkingDir)
	assert.Equal(t, task.ID, envValue(spec.Env, "OPRIME_TASK_ID"))
	assert.Equal(t, ws, envValue(spec.Env, "OPRIME_WORKSPACE"))

	instr, err := os.ReadFile(filepath.Join(b.instructionsDir, engine.InstructionFileName))
	require.NoError(t, err)
	assert.Equal(t, "Create frob.go with a Frob type.", string(instr))
	assert.Equal(t, filepath.Join(b.instructionsDir, engine.InstructionFileName),
		envValue(spec.Env, "OPRIME_INSTRUCTION_FILE"))

	out := readResultFile(t, b)
	assert.Contains(t, out, task.ID)
	assert.Contains(t, out, runner.StatusCompleted)
	assert.Contains(t, out, "ok")

	tasks, err := b.Tasks()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, TaskCompleted, tasks[0].Status)
	assert.NotEmpty(t, tasks[0].UpdatedAt)

	_, err = os.Stat(filepath.Join(b.processedDir, task.ID+reportSuffix))
	assert.NoError(t, err)
}

func TestFailedWorkerArchivesErrorRecord(t *testing.T) {
	b, stub, _ := newTestBridge(t, nil)
	stub.fn = func(runner.Spec) *runner.Result {
		return &runner.Result{
			Status:   runner.StatusTimeoutActivity,
			ExitCode: -1,
			Message:  "no output activity for 2m0s",
			Stderr:   "stuck on lock",
		}
	}

	task, err := b.Enqueue("", "run the migration")
	require.NoError(t, err)
	_, err = b.ProcessPending(context.Background())
	require.NoError(t, err)

	tasks, err := b.Tasks()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, TaskFailed, tasks[0].Status)
	assert.Equal(t, "no output activity for 2m0s", tasks[0].Notes)

	// The Manager still gets the failure through the result file.
	out := readResultFile(t, b)
	assert.Contains(t, out, runner.StatusTimeoutActivity)
	assert.Contains(t, out, "stuck on lock")

	data, err := os.ReadFile(filepath.Join(b.failedDir, task.ID+errorSuffix))
	require.NoError(t, err)
	var rec taskErrorRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, task.ID, rec.TaskID)
	assert.Equal(t, runner.StatusTimeoutActivity, rec.ErrorType)
	assert.True(t, rec.RetryFlag)
	assert.NotEmpty(t, rec.Timestamp)

	_, err = os.Stat(filepath.Join(b.failedDir, task.ID+reportSuffix))
	assert.NoError(t, err)
}

func TestBlankInstructionFailsValidation(t *testing.T) {
	b, stub, _ := newTestBridge(t, nil)

	// Hand-written queue entry, the way an external tool would add one.
	doc := `{"tasks":[{"task_id":"task_manual1","instruction":"   ","status":"pending","creation_timestamp":"2026-01-02T10:00:00Z"}]}`
	require.NoError(t, os.WriteFile(b.queuePath, []byte(doc), 0644))

	n, err := b.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, stub.calls())

	tasks, err := b.Tasks()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, TaskFailed, tasks[0].Status)

	data, err := os.ReadFile(filepath.Join(b.failedDir, "task_manual1"+errorSuffix))
	require.NoError(t, err)
	var rec taskErrorRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, "ValidationError", rec.ErrorType)
	assert.False(t, rec.RetryFlag)
}

func TestOldestPendingClaimedFirst(t *testing.T) {
	b, stub, _ := newTestBridge(t, nil)

	doc := `{"tasks":[
		{"task_id":"task_c","instruction":"third","status":"pending","creation_timestamp":"2026-01-03T00:00:00Z"},
		{"task_id":"task_done","instruction":"already done","status":"completed","creation_timestamp":"2025-12-01T00:00:00Z"},
		{"task_id":"task_a","instruction":"first","status":"pending","creation_timestamp":"2026-01-01T00:00:00Z"},
		{"task_id":"task_b","instruction":"second","status":"pending","creation_timestamp":"2026-01-02T00:00:00Z"}
	]}`
	require.NoError(t, os.WriteFile(b.queuePath, []byte(doc), 0644))

	n, err := b.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.Equal(t, 3, stub.calls())
	var order []string
	for i := 0; i < stub.calls(); i++ {
		order = append(order, envValue(stub.spec(i).Env, "OPRIME_TASK_ID"))
	}
	assert.Equal(t, []string{"task_a", "task_b", "task_c"}, order)

	tasks, err := b.Tasks()
	require.NoError(t, err)
	for _, task := range tasks {
		assert.Equal(t, TaskCompleted, task.Status, "task %s", task.ID)
	}
}

func TestCorruptQueueBackedUpAndReset(t *testing.T) {
	b, _, _ := newTestBridge(t, nil)
	require.NoError(t, os.WriteFile(b.queuePath, []byte("{not json"), 0644))

	n, err := b.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	backups, err := filepath.Glob(b.queuePath + ".corrupted_*")
	require.NoError(t, err)
	require.Len(t, backups, 1)
	saved, err := os.ReadFile(backups[0])
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(saved))

	// The queue itself is usable again.
	tasks, err := b.Tasks()
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestRunPicksUpEnqueuedTaskAndStopsOnCancel(t *testing.T) {
	b, _, _ := newTestBridge(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	// Enqueued after Run started; the queue watcher or the 50ms ticker picks
	// it up without waiting for this test to poke anything.
	_, err := b.Enqueue("", "do the thing")
	require.NoError(t, err)

	waitUntil(t, 3*time.Second, func() bool {
		tasks, err := b.Tasks()
		return err == nil && len(tasks) == 1 && tasks[0].Status == TaskCompleted
	})

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("bridge did not stop after cancel")
	}
}

func TestRunRealWorkerEndToEnd(t *testing.T) {
	skipOnWindows(t)

	cfg := testBridgeConfig()
	cfg.Bridge.WorkerCommand = "sh worker.sh"
	ws := t.TempDir()
	script := "#!/bin/sh\necho \"worker saw: $(cat \"$OPRIME_INSTRUCTION_FILE\")\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(ws, "worker.sh"), []byte(script), 0755))

	b, err := New(cfg, ws)
	require.NoError(t, err)

	task, err := b.Enqueue("echo check", "say hello")
	require.NoError(t, err)
	n, err := b.ProcessPending(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	out := readResultFile(t, b)
	assert.Contains(t, out, "worker saw: say hello")

	tasks, err := b.Tasks()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, TaskCompleted, tasks[0].Status)

	entries, err := os.ReadDir(b.processedDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, task.ID+reportSuffix, entries[0].Name())
}

// =============================================================================
// OUTCOME FORMATTING
// =============================================================================

func TestFormatOutcome(t *testing.T) {
	res := &runner.Result{
		Status:  runner.StatusFailedExitCode,
		Message: "exit code 2",
		Stderr:  "boom",
	}
	out := formatOutcome(Task{ID: "task_x"}, res)

	assert.Contains(t, out, "task_x finished with status FAILED_EXIT_CODE")
	assert.Contains(t, out, "exit code 2")
	assert.Contains(t, out, "--- worker stderr ---")
	assert.NotContains(t, out, "--- worker stdout ---")
}
