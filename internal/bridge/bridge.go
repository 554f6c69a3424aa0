// Package bridge drives a Worker non-interactively from a file-based task
// queue. Tasks are appended to task_queue.json in the project workspace by
// the CLI (or any external tool); the bridge claims pending tasks oldest
// first, writes each task's instruction into the handshake instruction file,
// runs the configured worker command through the harness runner, and appends
// the outcome to the handshake result file so the orchestration engine's
// result watcher fires. Task records move through pending -> in_progress ->
// completed/failed, and per-task report and error files are archived under
// instructions/archive/{processed,failed}.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"oprime/internal/config"
	"oprime/internal/engine"
	"oprime/internal/logging"
	"oprime/internal/runner"
	"oprime/internal/types"
)

// =============================================================================
// TASK QUEUE MODEL
// =============================================================================

// Task lifecycle states as stored in the queue file.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

const (
	archiveDirName   = "archive"
	processedDirName = "processed"
	failedDirName    = "failed"
	reportSuffix     = ".report.json"
	errorSuffix      = ".error.json"
)

// Task is one unit of Worker-side work. Timestamps are RFC 3339 strings so a
// hand-edited queue with a blank or missing timestamp still parses; RFC 3339
// orders lexically, and blank sorts first.
type Task struct {
	ID          string `json:"task_id"`
	Objective   string `json:"objective,omitempty"`
	Instruction string `json:"instruction"`
	Status      string `json:"status"`
	CreatedAt   string `json:"creation_timestamp"`
	UpdatedAt   string `json:"last_updated,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

// queueDoc is the on-disk shape of the queue file.
type queueDoc struct {
	Tasks []Task `json:"tasks"`
}

// taskErrorRecord is written next to the queue when a task fails, then
// archived with the task's report. RetryFlag tells the operator whether
// re-enqueueing the same task could succeed.
type taskErrorRecord struct {
	TaskID    string `json:"task_id"`
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
	RetryFlag bool   `json:"retry_flag"`
	Timestamp string `json:"timestamp"`
}

// =============================================================================
// BRIDGE
// =============================================================================

// Bridge polls and watches the task queue of a single project workspace.
// One bridge per workspace; queue file access is serialized by mu, so
// Enqueue may be called concurrently with a running bridge.
type Bridge struct {
	cfg       *config.Config
	workspace string

	queuePath       string
	instructionsDir string
	logsDir         string
	processedDir    string
	failedDir       string

	workerBin  string
	workerArgs []string

	// runFn is swapped in tests to avoid spawning real processes.
	runFn func(ctx context.Context, spec runner.Spec) (*runner.Result, error)

	kick chan struct{}
	mu   sync.Mutex
}

// New prepares a bridge for the given workspace: resolves paths, creates the
// instructions, logs, and archive directories, and seeds an empty queue file
// when none exists. The configured worker command must be non-empty.
func New(cfg *config.Config, workspaceRoot string) (*Bridge, error) {
	if strings.TrimSpace(workspaceRoot) == "" {
		return nil, types.Errorf(types.ErrValidation, "bridge: workspace root is required")
	}
	fields := strings.Fields(cfg.Bridge.WorkerCommand)
	if len(fields) == 0 {
		return nil, types.Errorf(types.ErrValidation, "bridge: worker_command is not configured")
	}

	b := &Bridge{
		cfg:        cfg,
		workspace:  workspaceRoot,
		workerBin:  fields[0],
		workerArgs: fields[1:],
		runFn:      runner.Run,
		kick:       make(chan struct{}, 1),
	}

	b.queuePath = cfg.Bridge.QueueFile
	if !filepath.IsAbs(b.queuePath) {
		b.queuePath = filepath.Join(workspaceRoot, b.queuePath)
	}
	b.queuePath = filepath.Clean(b.queuePath)
	b.instructionsDir = filepath.Join(workspaceRoot, cfg.Paths.InstructionsDir)
	b.logsDir = filepath.Join(workspaceRoot, cfg.Paths.LogsSubdir)
	archiveDir := filepath.Join(b.instructionsDir, archiveDirName)
	b.processedDir = filepath.Join(archiveDir, processedDirName)
	b.failedDir = filepath.Join(archiveDir, failedDirName)

	for _, dir := range []string{b.instructionsDir, b.logsDir, b.processedDir, b.failedDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, types.NewEngineError(types.ErrFileWrite, "creating bridge directory "+dir, err)
		}
	}

	if _, err := os.Stat(b.queuePath); errors.Is(err, os.ErrNotExist) {
		if err := b.saveQueue(&queueDoc{}); err != nil {
			return nil, err
		}
		logging.Bridge("Task queue file created: %s", b.queuePath)
	}

	return b, nil
}

// Run processes the queue until ctx is canceled. A poll loop drains pending
// tasks every poll interval, and a filesystem watcher on the queue file kicks
// the loop early so fresh tasks do not wait out a full interval. Cancellation
// is a clean shutdown, not an error.
func (b *Bridge) Run(ctx context.Context) error {
	logging.Bridge("Bridge started: queue %s, worker %q, poll interval %s",
		b.queuePath, b.cfg.Bridge.WorkerCommand, b.cfg.GetPollInterval())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.watchQueue(gctx) })
	g.Go(func() error { return b.pollLoop(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logging.Bridge("Bridge stopped")
	return nil
}

// Enqueue appends a new pending task to the queue and returns it.
func (b *Bridge) Enqueue(objective, instruction string) (*Task, error) {
	instruction = strings.TrimSpace(instruction)
	if instruction == "" {
		return nil, types.Errorf(types.ErrValidation, "bridge: task instruction is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	q, err := b.loadQueue()
	if err != nil {
		return nil, err
	}
	t := Task{
		ID:          fmt.Sprintf("task_%s", uuid.New().String()[:8]),
		Objective:   strings.TrimSpace(objective),
		Instruction: instruction,
		Status:      TaskPending,
		CreatedAt:   time.Now().Format(time.RFC3339),
	}
	q.Tasks = append(q.Tasks, t)
	if err := b.saveQueue(q); err != nil {
		return nil, err
	}
	logging.Bridge("Task %s enqueued (%d in queue)", t.ID, len(q.Tasks))
	return &t, nil
}

// Tasks returns a snapshot of every task currently in the queue.
func (b *Bridge) Tasks() ([]Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, err := b.loadQueue()
	if err != nil {
		return nil, err
	}
	return append([]Task(nil), q.Tasks...), nil
}

// ProcessPending claims and runs pending tasks oldest first until the queue
// has none left, and returns how many were processed. Task failures are
// recorded in the queue and archive, never returned; the error return is for
// queue access problems and context cancellation only.
func (b *Bridge) ProcessPending(ctx context.Context) (int, error) {
	done := 0
	for {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		task, err := b.claimNext()
		if err != nil {
			return done, err
		}
		if task == nil {
			return done, nil
		}
		logging.Bridge("Processing task %s: %s", task.ID, task.Objective)
		b.processTask(ctx, *task)
		done++
	}
}

// =============================================================================
// POLL LOOP AND QUEUE WATCHER
// =============================================================================

func (b *Bridge) pollLoop(ctx context.Context) error {
	// First pass up front so tasks queued while the bridge was down are not
	// left waiting out the first tick.
	if err := b.pass(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(b.cfg.GetPollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-b.kick:
		}
		if err := b.pass(ctx); err != nil {
			return err
		}
	}
}

// pass runs one drain and keeps the loop alive through queue access
// failures. Only context cancellation propagates.
func (b *Bridge) pass(ctx context.Context) error {
	if _, err := b.ProcessPending(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		logging.BridgeError("Queue pass failed: %v", err)
	}
	return nil
}

// watchQueue kicks the poll loop when the queue file changes. The watcher is
// an accelerator only; if it cannot start, polling still covers the queue.
func (b *Bridge) watchQueue(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		logging.BridgeError("Queue watcher unavailable, relying on polling alone: %v", err)
		<-ctx.Done()
		return ctx.Err()
	}
	defer fsw.Close()

	watchDir := filepath.Dir(b.queuePath)
	if err := fsw.Add(watchDir); err != nil {
		logging.BridgeError("Cannot watch %s, relying on polling alone: %v", watchDir, err)
		<-ctx.Done()
		return ctx.Err()
	}
	logging.BridgeDebug("Watching %s for queue changes", watchDir)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Clean(event.Name) != b.queuePath {
				continue
			}
			select {
			case b.kick <- struct{}{}:
				logging.BridgeDebug("Queue change detected: %s", event.Op)
			default:
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			logging.BridgeError("Queue watcher error: %v", err)
		}
	}
}

// =============================================================================
// TASK PROCESSING
// =============================================================================

// processTask runs one claimed task end to end. Every failure path records a
// task error file, marks the task failed, and archives its records; nothing
// here stops the bridge.
func (b *Bridge) processTask(ctx context.Context, t Task) {
	timer := logging.StartTimer(logging.CategoryBridge, fmt.Sprintf("Task %s", t.ID))
	defer timer.Stop()

	if strings.TrimSpace(t.Instruction) == "" {
		b.failTask(t, "ValidationError", "task has no instruction", false)
		return
	}

	instrPath := filepath.Join(b.instructionsDir, engine.InstructionFileName)
	if err := os.WriteFile(instrPath, []byte(t.Instruction), 0644); err != nil {
		b.failTask(t, "FileWriteError", fmt.Sprintf("could not write instruction file: %v", err), true)
		return
	}
	logging.BridgeDebug("Task %s instruction written to %s", t.ID, instrPath)

	res, err := b.runFn(ctx, runner.Spec{
		Binary:     b.workerBin,
		Args:       b.workerArgs,
		WorkingDir: b.workspace,
		Env: []string{
			"OPRIME_TASK_ID=" + t.ID,
			"OPRIME_INSTRUCTION_FILE=" + instrPath,
			"OPRIME_WORKSPACE=" + b.workspace,
		},
		LaunchTimeout:   b.cfg.GetLaunchTimeout(),
		ActivityTimeout: b.cfg.GetActivityTimeout(),
		TotalTimeout:    b.cfg.GetTotalTimeout(),
		MaxOutputBytes:  b.cfg.Runner.MaxOutputBytes,
		TailBytes:       b.cfg.Runner.TailBytes,
		StatusFile:      filepath.Join(b.instructionsDir, t.ID+reportSuffix),
	})
	if err != nil {
		b.failTask(t, "WorkerLaunchError", err.Error(), false)
		return
	}

	// The Manager needs to see failures too, so the outcome goes into the
	// result file regardless of the worker's status.
	if err := b.appendResult(formatOutcome(t, res)); err != nil {
		b.failTask(t, "FileWriteError", fmt.Sprintf("could not write worker result: %v", err), true)
		return
	}

	if res.Status == runner.StatusCompleted {
		b.updateTask(t.ID, TaskCompleted, res.Message)
		b.archiveTaskFiles(t.ID, b.processedDir)
		logging.Bridge("Task %s completed in %s", t.ID, res.Duration.Round(time.Millisecond))
		return
	}
	b.failTask(t, res.Status, res.Message, true)
}

// failTask records a failure and moves the task's files to the failed
// archive.
func (b *Bridge) failTask(t Task, errorType, message string, retry bool) {
	logging.BridgeError("Task %s failed (%s): %s", t.ID, errorType, message)
	b.writeErrorFile(t.ID, errorType, message, retry)
	b.updateTask(t.ID, TaskFailed, message)
	b.archiveTaskFiles(t.ID, b.failedDir)
}

func (b *Bridge) writeErrorFile(taskID, errorType, message string, retry bool) {
	rec := taskErrorRecord{
		TaskID:    taskID,
		ErrorType: errorType,
		Message:   message,
		RetryFlag: retry,
		Timestamp: time.Now().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		logging.BridgeError("Could not encode error record for task %s: %v", taskID, err)
		return
	}
	path := filepath.Join(b.instructionsDir, taskID+errorSuffix)
	if err := os.WriteFile(path, data, 0644); err != nil {
		logging.BridgeError("Could not write error file %s: %v", path, err)
	}
}

// archiveTaskFiles moves the task's report and error records from the
// instructions directory into destDir. Missing files are fine; a task that
// succeeded has no error record.
func (b *Bridge) archiveTaskFiles(taskID, destDir string) {
	for _, name := range []string{taskID + reportSuffix, taskID + errorSuffix} {
		src := filepath.Join(b.instructionsDir, name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := os.Rename(src, filepath.Join(destDir, name)); err != nil {
			logging.BridgeError("Could not archive %s: %v", src, err)
			continue
		}
		logging.BridgeDebug("Archived %s to %s", name, destDir)
	}
}

// appendResult appends text to the handshake result file, creating it if
// needed. Appending rather than overwriting preserves earlier outcomes when
// the engine is not currently consuming them.
func (b *Bridge) appendResult(text string) error {
	path := filepath.Join(b.logsDir, engine.ResultFileName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return types.NewEngineError(types.ErrFileWrite, "opening result file", err)
	}
	if _, err := f.WriteString(text); err != nil {
		f.Close()
		return types.NewEngineError(types.ErrFileWrite, "appending worker result", err)
	}
	if err := f.Close(); err != nil {
		return types.NewEngineError(types.ErrFileWrite, "closing result file", err)
	}
	logging.BridgeDebug("Worker outcome appended to %s", path)
	return nil
}

// formatOutcome renders a runner result as the Worker's report text. The
// runner has already capped stdout/stderr, so no further truncation here.
func formatOutcome(t Task, res *runner.Result) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task %s finished with status %s.\n", t.ID, res.Status)
	if res.Message != "" {
		fmt.Fprintf(&sb, "%s\n", res.Message)
	}
	if out := strings.TrimSpace(res.Stdout); out != "" {
		fmt.Fprintf(&sb, "\n--- worker stdout ---\n%s\n", out)
	}
	if errOut := strings.TrimSpace(res.Stderr); errOut != "" {
		fmt.Fprintf(&sb, "\n--- worker stderr ---\n%s\n", errOut)
	}
	return sb.String()
}

// =============================================================================
// QUEUE FILE ACCESS
// =============================================================================

// claimNext marks the oldest pending task in_progress and returns a copy of
// it, or nil when nothing is pending.
func (b *Bridge) claimNext() (*Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, err := b.loadQueue()
	if err != nil {
		return nil, err
	}
	idx := -1
	for i, t := range q.Tasks {
		if t.Status != TaskPending {
			continue
		}
		if idx == -1 || t.CreatedAt < q.Tasks[idx].CreatedAt {
			idx = i
		}
	}
	if idx == -1 {
		return nil, nil
	}

	q.Tasks[idx].Status = TaskInProgress
	q.Tasks[idx].UpdatedAt = time.Now().Format(time.RFC3339)
	if err := b.saveQueue(q); err != nil {
		return nil, err
	}
	t := q.Tasks[idx]
	return &t, nil
}

// updateTask rewrites one task's status and notes in the queue file. Queue
// trouble here is logged, not returned; the task's own record files already
// hold the outcome.
func (b *Bridge) updateTask(id, status, notes string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, err := b.loadQueue()
	if err != nil {
		logging.BridgeError("Could not load task queue to update %s: %v", id, err)
		return
	}
	for i := range q.Tasks {
		if q.Tasks[i].ID != id {
			continue
		}
		q.Tasks[i].Status = status
		q.Tasks[i].UpdatedAt = time.Now().Format(time.RFC3339)
		if notes != "" {
			q.Tasks[i].Notes = notes
		}
		if err := b.saveQueue(q); err != nil {
			logging.BridgeError("Could not save task %s status %s: %v", id, status, err)
			return
		}
		logging.BridgeDebug("Task %s status updated to %s", id, status)
		return
	}
	logging.BridgeError("Task %s not found in queue for status update", id)
}

// loadQueue reads and decodes the queue file. A file that no longer parses
// is backed up next to itself and replaced with a fresh empty queue, so one
// bad hand edit cannot wedge the bridge forever. Caller holds mu.
func (b *Bridge) loadQueue() (*queueDoc, error) {
	data, err := os.ReadFile(b.queuePath)
	if errors.Is(err, os.ErrNotExist) {
		return &queueDoc{}, nil
	}
	if err != nil {
		return nil, types.NewEngineError(types.ErrFileRead, "reading task queue", err)
	}

	var q queueDoc
	if err := json.Unmarshal(data, &q); err != nil {
		backup := fmt.Sprintf("%s.corrupted_%d", b.queuePath, time.Now().Unix())
		if werr := os.WriteFile(backup, data, 0644); werr != nil {
			logging.BridgeError("Task queue is not valid JSON (%v) and backup failed: %v", err, werr)
		} else {
			logging.BridgeError("Task queue is not valid JSON (%v), backed up to %s", err, backup)
		}
		fresh := &queueDoc{}
		if werr := b.saveQueue(fresh); werr != nil {
			return nil, werr
		}
		return fresh, nil
	}
	return &q, nil
}

// saveQueue writes the queue file. Tasks is kept non-nil so an empty queue
// serializes as "tasks": [] rather than null. Caller holds mu.
func (b *Bridge) saveQueue(q *queueDoc) error {
	if q.Tasks == nil {
		q.Tasks = []Task{}
	}
	data, err := json.MarshalIndent(q, "", "  ")
	if err != nil {
		return types.NewEngineError(types.ErrFileWrite, "encoding task queue", err)
	}
	if err := os.WriteFile(b.queuePath, append(data, '\n'), 0644); err != nil {
		return types.NewEngineError(types.ErrFileWrite, "writing task queue", err)
	}
	return nil
}
