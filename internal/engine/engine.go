// Package engine implements the Manager side of the Manager/Worker
// orchestration loop: a single-project state machine that calls the backend
// for the next instruction, hands it to the Worker through the instruction
// file, waits on the result file, and folds the Worker's output back into
// the conversation until the task completes, pauses for user input, or
// fails.
//
// All state lives behind one mutex. Public entry points take the lock for
// their whole operation, including the bounded wait on a dispatched backend
// call. Background sources (the result watcher, the timeout supervisor) post
// tagged events onto a queue drained by a run loop, which re-validates state
// and wait epoch under the same lock before acting.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"oprime/internal/backend"
	"oprime/internal/config"
	"oprime/internal/logging"
	"oprime/internal/types"
)

// Store is the persistence surface the engine depends on.
type Store interface {
	LoadProjectState(projectID string) (*types.ProjectState, error)
	SaveProjectState(st *types.ProjectState) error
}

const eventQueueSize = 16

// Engine drives one active project through the orchestration state machine.
type Engine struct {
	mu sync.Mutex

	cfg      *config.Config
	store    Store
	backend  backend.Backend
	observer Observer

	state         types.EngineState
	stateMirror   atomic.Int32
	lastError     string
	lastErrorKind types.ErrorKind

	project      *types.Project
	projectState *types.ProjectState

	// Workspace-derived paths, set when a project is bound.
	logsDir         string
	instructionsDir string

	// Result-wait machinery. waitGen is bumped whenever a wait is armed or
	// torn down; async events carry the generation they were armed under
	// and are discarded when it no longer matches.
	watcher *resultWatcher
	timer   *time.Timer
	waitGen uint64

	disp dispatcher

	events chan interface{}
	quitCh chan struct{}
	doneCh chan struct{}
	closed bool
}

// Snapshot is a point-in-time copy of the engine's observable state, safe to
// hold after the lock is released.
type Snapshot struct {
	State           types.EngineState
	LastError       string
	ProjectName     string
	Goal            string
	PendingQuestion string
	LastInstruction string
	History         []types.Turn
}

// New creates an engine and starts its run loop. The observer may be nil;
// when set it is invoked synchronously with the engine lock held.
func New(cfg *config.Config, st Store, be backend.Backend, observer Observer) *Engine {
	e := &Engine{
		cfg:      cfg,
		store:    st,
		backend:  be,
		observer: observer,
		state:    types.StateIdle,
		events:   make(chan interface{}, eventQueueSize),
		quitCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	e.stateMirror.Store(int32(types.StateIdle))
	go e.loop()
	logging.Engine("Engine initialized in state %s", types.StateIdle)
	return e
}

// loop drains the async event queue until Shutdown.
func (e *Engine) loop() {
	defer close(e.doneCh)
	for {
		select {
		case <-e.quitCh:
			return
		case ev := <-e.events:
			switch ev := ev.(type) {
			case resultFileEvent:
				e.handleResultFile(ev)
			case waitTimeoutEvent:
				e.handleWaitTimeout(ev)
			default:
				logging.EngineWarn("Unknown internal event %T", ev)
			}
		}
	}
}

// postEvent enqueues an async event without blocking the poster. The queue
// is sized so a drop can only happen under a flood of stale events, which
// the generation check would discard anyway.
func (e *Engine) postEvent(ev interface{}) {
	select {
	case e.events <- ev:
	default:
		logging.EngineWarn("Dropping %T: event queue full", ev)
	}
}

// Shutdown stops the watcher, the timeout supervisor and the run loop. It
// does not wait for an abandoned backend call to finish. Safe to call more
// than once.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.stopWatcherLocked()
	e.cancelTimerLocked()
	e.waitGen++
	e.mu.Unlock()

	close(e.quitCh)
	<-e.doneCh
	logging.Engine("Engine shut down")
}

// =============================================================================
// ACCESSORS
// =============================================================================

// State returns the current engine state. It reads an atomic mirror, so it
// never blocks behind an in-flight operation.
func (e *Engine) State() types.EngineState {
	return types.EngineState(e.stateMirror.Load())
}

// LastError returns the most recent error message, if any.
func (e *Engine) LastError() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastError
}

// ActiveProject returns a copy of the bound project, or nil.
func (e *Engine) ActiveProject() *types.Project {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.project == nil {
		return nil
	}
	p := *e.project
	return &p
}

// Snapshot copies the engine's observable state. It takes the engine lock,
// so it can block while an entry point is mid-operation; event-driven
// front-ends should prefer the observer stream for live updates.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := Snapshot{State: e.state, LastError: e.lastError}
	if e.project != nil {
		snap.ProjectName = e.project.Name
		snap.Goal = e.project.OverallGoal
	}
	if e.projectState != nil {
		snap.PendingQuestion = e.projectState.PendingUserQuestion
		snap.LastInstruction = e.projectState.LastInstructionSent
		snap.History = append([]types.Turn(nil), e.projectState.ConversationHistory...)
	}
	return snap
}

// =============================================================================
// PUBLIC ENTRY POINTS
// =============================================================================

// SetActiveProject binds a project, loads its persisted state and syncs the
// engine to the saved status. A task paused on a question resumes paused,
// with the question re-emitted; every other saved status resets to
// PROJECT_SELECTED, since a run cannot survive a restart and a stale error
// would resurrect an old failure.
func (e *Engine) SetActiveProject(p *types.Project) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return types.Errorf(types.ErrValidation, "engine is shut down")
	}
	if p == nil || p.ID == "" || p.Name == "" || p.WorkspaceRootPath == "" {
		return types.Errorf(types.ErrValidation, "project must have an id, a name and a workspace root path")
	}

	logging.Engine("Switching active project to %q", p.Name)

	// Quiesce whatever the previous project was doing and detach its state
	// so the transient status below is not persisted into it.
	e.stopWatcherLocked()
	e.cancelTimerLocked()
	e.waitGen++
	e.project = nil
	e.projectState = nil
	e.setStateLocked(types.StateLoadingProject, "")

	st, err := e.store.LoadProjectState(p.ID)
	if err != nil {
		e.setErrorLocked(types.ErrPersistence, "Failed to load state for project %q: %v", p.Name, err)
		return types.NewEngineError(types.ErrPersistence, "loading project state", err)
	}
	if st == nil {
		st = types.NewProjectState(p.ID)
	}

	proj := *p
	e.project = &proj
	e.projectState = st
	e.logsDir = filepath.Join(p.WorkspaceRootPath, e.cfg.Paths.LogsSubdir)
	e.instructionsDir = filepath.Join(p.WorkspaceRootPath, e.cfg.Paths.InstructionsDir)

	for _, dir := range []string{e.logsDir, filepath.Join(e.logsDir, processedDirName), e.instructionsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			e.setErrorLocked(types.ErrFileWrite, "Failed to create workspace directory %s: %v", dir, err)
			return types.NewEngineError(types.ErrFileWrite, "creating workspace directories", err)
		}
	}

	restored := types.StateProjectSelected
	saved, perr := types.ParseEngineState(st.CurrentStatus)
	switch {
	case perr != nil:
		logging.EngineWarn("Saved status %q for project %q is not a known state, resetting", st.CurrentStatus, p.Name)
	case saved == types.StatePausedWaitingUserInput:
		restored = saved
	case saved != types.StateProjectSelected:
		logging.EngineDebug("Resetting saved status %s for project %q", saved, p.Name)
	}

	e.setStateLocked(restored, "")
	e.notify(Event{
		Type:  EventProjectLoaded,
		State: restored,
		Project: &ProjectInfo{
			Name:    p.Name,
			Goal:    p.OverallGoal,
			Status:  restored.String(),
			History: append([]types.Turn(nil), st.ConversationHistory...),
		},
	})
	if restored == types.StatePausedWaitingUserInput && st.PendingUserQuestion != "" {
		e.notify(Event{Type: EventUserInputNeeded, Message: st.PendingUserQuestion})
	}

	logging.Engine("Active project %q loaded with %d turns, state %s", p.Name, len(st.ConversationHistory), restored)
	return nil
}

// StartTask kicks off (or restarts) the orchestration cycle for the active
// project. A non-blank instruction is recorded as a user turn; a blank one
// records a generic system turn and lets the backend pick up from the saved
// history. Calling this while paused on a question with a non-blank text is
// treated as answering the question. Calling it from any other busy state is
// a no-op beyond a status event.
func (e *Engine) StartTask(initialInstruction string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return types.Errorf(types.ErrValidation, "engine is shut down")
	}
	if e.project == nil || e.projectState == nil {
		return types.Errorf(types.ErrValidation, "no active project selected")
	}

	text := strings.TrimSpace(initialInstruction)
	if e.state == types.StatePausedWaitingUserInput && text != "" {
		logging.EngineDebug("StartTask while paused, treating input as the user's answer")
		return e.resumeLocked(text)
	}
	if !e.state.CanStartTask() {
		msg := fmt.Sprintf("Engine busy (state %s), cannot start a new task now.", e.state)
		logging.EngineWarn("%s", msg)
		e.statusLocked("%s", msg)
		return types.Errorf(types.ErrValidation, "cannot start a task from state %s", e.state)
	}

	logging.Engine("Starting task for project %q", e.project.Name)
	e.setStateLocked(types.StateWaitingInitialBackend, "")
	e.statusLocked("Starting task with the Manager backend...")

	var err error
	if text != "" {
		err = e.appendTurnLocked(types.SenderUser, text)
	} else {
		err = e.appendTurnLocked(types.SenderSystem, "Task started.")
	}
	if err != nil {
		return err
	}

	e.maybeSummarizeLocked()
	e.callBackendLocked(nil, "on start")
	return nil
}

// ResumeWithUserInput feeds the user's answer to a pending question back
// into the cycle. Blank input is rejected without a state change; calling
// this while not paused is an error transition.
func (e *Engine) ResumeWithUserInput(input string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return types.Errorf(types.ErrValidation, "engine is shut down")
	}
	text := strings.TrimSpace(input)
	if text == "" {
		return types.Errorf(types.ErrValidation, "user input must not be empty")
	}
	return e.resumeLocked(text)
}

func (e *Engine) resumeLocked(text string) error {
	if e.project == nil || e.projectState == nil {
		return types.Errorf(types.ErrValidation, "no active project selected")
	}
	if e.state != types.StatePausedWaitingUserInput {
		e.setErrorLocked(types.ErrValidation, "Cannot resume: engine is not waiting for user input (state %s)", e.state)
		return types.Errorf(types.ErrValidation, "cannot resume from state %s", e.state)
	}

	logging.Engine("Resuming task with user input (%d chars)", len(text))
	e.projectState.PendingUserQuestion = ""
	if err := e.appendTurnLocked(types.SenderUser, text); err != nil {
		return err
	}

	e.setStateLocked(types.StateCallingBackend, "")
	e.statusLocked("Sending your input to the Manager backend...")

	e.maybeSummarizeLocked()
	e.callBackendLocked(nil, "after user input")
	return nil
}

// PauseTask suspends an active run. The watcher and the timeout supervisor
// are torn down, so a result file that lands while paused stays on disk
// untouched. Pausing while already paused on a question keeps the question.
func (e *Engine) PauseTask() {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.state.IsRunning():
		e.stopWatcherLocked()
		e.cancelTimerLocked()
		e.waitGen++
		e.setStateLocked(types.StateIdle, "")
		e.appendTurnLocked(types.SenderSystem, "Task processing paused by user.")
		e.statusLocked("Task paused. Result watching stopped.")
	case e.state == types.StatePausedWaitingUserInput:
		e.statusLocked("Already paused, waiting for your input.")
	default:
		e.setStateLocked(types.StateIdle, "")
		e.statusLocked("Task paused.")
	}
}

// StopTask aborts whatever is in progress and resets the active project to
// PROJECT_SELECTED. The last sent instruction is cleared so a later start
// builds on the recorded history rather than a half-finished handshake.
func (e *Engine) StopTask() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.projectState == nil {
		e.statusLocked("No active project, nothing to stop.")
		return
	}

	e.stopWatcherLocked()
	e.cancelTimerLocked()
	e.waitGen++

	prev := e.state
	e.setStateLocked(types.StateProjectSelected, "")
	e.projectState.LastInstructionSent = ""
	e.appendTurnLocked(types.SenderSystem, fmt.Sprintf("Task stopped by user from state: %s.", prev))
	e.statusLocked("Task stopped and reset for the current project.")
}

// =============================================================================
// BACKEND CYCLE
// =============================================================================

// callBackendLocked dispatches a next-step call and routes the outcome.
// The request carries copies, so an abandoned call never races later
// history mutation.
func (e *Engine) callBackendLocked(workerOutput *string, contextLabel string) {
	req := backend.NextStepRequest{
		Goal:             e.project.OverallGoal,
		History:          append([]types.Turn(nil), e.projectState.ConversationHistory...),
		ContextSummary:   e.projectState.ContextSummary,
		WorkerOutput:     workerOutput,
		MaxHistoryTurns:  e.cfg.Orchestration.MaxHistoryTurns,
		MaxContextTokens: e.cfg.Orchestration.MaxContextTokens,
	}

	be := e.backend
	requestTimeout := e.cfg.GetGeminiTimeout()
	directive, err := e.disp.dispatch(e.cfg.GetBackendCallTimeout(), func() (backend.Directive, error) {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return be.NextStep(ctx, req)
	})
	if err != nil {
		kind := types.KindOf(err)
		if kind != types.ErrBackendAuth {
			kind = types.ErrBackendCall
		}
		e.setErrorLocked(kind, "Manager backend failure %s: %v", contextLabel, err)
		return
	}

	e.interpretDirectiveLocked(directive, contextLabel)
}

// interpretDirectiveLocked advances the state machine according to what the
// backend answered.
func (e *Engine) interpretDirectiveLocked(d backend.Directive, contextLabel string) {
	logging.EngineDebug("Backend directive %s (%d chars)", d.Kind, len(d.Content))

	switch d.Kind {
	case backend.DirectiveNeedInput:
		e.projectState.PendingUserQuestion = d.Content
		e.setStateLocked(types.StatePausedWaitingUserInput, "")
		e.appendTurnLocked(types.SenderManagerClarification, d.Raw)
		e.notify(Event{Type: EventUserInputNeeded, Message: d.Content})

	case backend.DirectiveComplete:
		e.setStateLocked(types.StateTaskComplete, "")
		e.appendTurnLocked(types.SenderManager, "Task marked as complete.")
		e.notify(Event{Type: EventTaskComplete, Message: d.Content})

	case backend.DirectiveError:
		msg := fmt.Sprintf("Manager reported a system error %s: %s", contextLabel, d.Content)
		e.setErrorLocked(types.ErrBackendCall, "%s", msg)
		e.appendTurnLocked(types.SenderSystemError, msg)

	default:
		e.sendInstructionLocked(d.Content)
	}
}

// sendInstructionLocked performs the Manager half of the file handshake:
// write the instruction, record it, then arm the result wait.
func (e *Engine) sendInstructionLocked(instruction string) {
	path, err := writeInstructionFile(e.instructionsDir, instruction)
	if err != nil {
		e.setErrorLocked(types.ErrFileWrite, "Failed to write instruction file: %v", err)
		return
	}

	e.projectState.LastInstructionSent = instruction
	if err := e.appendTurnLocked(types.SenderManager, instruction); err != nil {
		return
	}
	logging.Engine("Instruction written to %s", path)

	e.setStateLocked(types.StateWaitingResult, "")
	e.statusLocked("Instruction sent to the Worker. Waiting for the result file...")
	e.armWaitLocked()
}

// armWaitLocked starts the one-shot result watcher and the timeout
// supervisor under a fresh wait generation.
func (e *Engine) armWaitLocked() {
	e.waitGen++
	gen := e.waitGen

	w, err := startResultWatcher(e.logsDir, ResultFileName, e.cfg.GetWatchDebounce(), func(path string) {
		e.postEvent(resultFileEvent{path: path, gen: gen})
	})
	if err != nil {
		e.setErrorLocked(types.ErrWatcher, "Failed to start result watcher on %s: %v", e.logsDir, err)
		return
	}
	e.watcher = w

	timeout := e.cfg.GetResultWaitTimeout()
	e.timer = time.AfterFunc(timeout, func() {
		e.postEvent(waitTimeoutEvent{gen: gen})
	})
	logging.Engine("Waiting for %s (timeout %s, generation %d)", ResultFileName, timeout, gen)
}

func (e *Engine) stopWatcherLocked() {
	if e.watcher != nil {
		e.watcher.stop()
		e.watcher = nil
	}
}

func (e *Engine) cancelTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// =============================================================================
// ASYNC EVENT HANDLERS
// =============================================================================

// handleResultFile consumes the Worker's result: read it, fold it into the
// history, archive the file, then ask the backend for the next step.
func (e *Engine) handleResultFile(ev resultFileEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ev.gen != e.waitGen {
		logging.EngineDebug("Discarding stale result event (generation %d, current %d)", ev.gen, e.waitGen)
		return
	}
	if e.state != types.StateWaitingResult {
		logging.EngineWarn("Result file reported while in %s, ignoring", e.state)
		return
	}

	// Cancel the timer before anything else so the pending timeout cannot
	// fire into this same generation, then invalidate the generation.
	e.cancelTimerLocked()
	e.stopWatcherLocked()
	e.waitGen++

	logging.Engine("Result file detected: %s", ev.path)
	e.setStateLocked(types.StateProcessingResult, "")

	content, err := os.ReadFile(ev.path)
	if err != nil {
		e.setErrorLocked(types.ErrFileRead, "Failed to read result file %s: %v", ev.path, err)
		return
	}
	if err := e.appendTurnLocked(types.SenderWorkerLog, string(content)); err != nil {
		return
	}

	archived, err := archiveResultFile(ev.path, e.logsDir)
	if err != nil {
		e.setErrorLocked(types.ErrFileWrite, "Failed to archive result file: %v", err)
		return
	}
	logging.Engine("Result archived to %s", archived)

	e.setStateLocked(types.StateCallingBackend, "")
	e.statusLocked("Processing the Worker's result with the Manager backend...")

	output := string(content)
	e.callBackendLocked(&output, "while processing the result")
}

// handleWaitTimeout fires when the Worker produced nothing within the
// configured window.
func (e *Engine) handleWaitTimeout(ev waitTimeoutEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ev.gen != e.waitGen {
		logging.EngineDebug("Discarding stale timeout event (generation %d, current %d)", ev.gen, e.waitGen)
		return
	}
	if e.state != types.StateWaitingResult {
		logging.EngineDebug("Timeout fired while in %s, ignoring", e.state)
		return
	}

	e.stopWatcherLocked()
	e.cancelTimerLocked()
	e.waitGen++

	e.setErrorLocked(types.ErrResultTimeout,
		"Result wait timeout: no %s within %s", ResultFileName, e.cfg.GetResultWaitTimeout())
}

// =============================================================================
// STATE AND PERSISTENCE PLUMBING
// =============================================================================

// setStateLocked is the single transition point. Every state change flows
// through here: it updates the mirror, notifies observers and persists the
// new status into the project state.
func (e *Engine) setStateLocked(next types.EngineState, errMsg string) {
	if e.state == next && errMsg == "" {
		return
	}

	prev := e.state
	e.state = next
	e.stateMirror.Store(int32(next))
	if errMsg != "" {
		e.lastError = errMsg
	}

	logging.Engine("State %s -> %s", prev, next)
	e.notify(Event{Type: EventStateChange, State: next})
	if errMsg != "" {
		logging.EngineError("%s", errMsg)
		e.notify(Event{Type: EventError, Message: errMsg, ErrorKind: e.lastErrorKind})
	}

	if e.projectState != nil {
		e.projectState.CurrentStatus = next.String()
		e.persistLocked()
	}
}

// setErrorLocked transitions to ERROR with a classified, non-empty message.
func (e *Engine) setErrorLocked(kind types.ErrorKind, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if msg == "" {
		msg = "unknown engine error"
	}
	e.lastErrorKind = kind
	e.setStateLocked(types.StateError, msg)
}

// persistLocked saves the project state synchronously. A failure escalates
// to ERROR once; while already in ERROR it is only logged, so persistence
// trouble cannot recurse.
func (e *Engine) persistLocked() error {
	if e.projectState == nil {
		return nil
	}
	if err := e.store.SaveProjectState(e.projectState); err != nil {
		if e.state != types.StateError {
			e.setErrorLocked(types.ErrPersistence, "Failed to persist project state: %v", err)
		} else {
			logging.EngineError("Failed to persist project state while in ERROR: %v", err)
		}
		return types.NewEngineError(types.ErrPersistence, "saving project state", err)
	}
	return nil
}

// appendTurnLocked records a turn, notifies observers and persists.
func (e *Engine) appendTurnLocked(sender types.Sender, message string) error {
	if e.projectState == nil {
		return nil
	}
	turn := types.NewTurn(sender, message)
	e.projectState.AppendTurn(turn)
	e.notify(Event{Type: EventNewMessage, Turn: &turn})
	return e.persistLocked()
}

func (e *Engine) statusLocked(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	logging.EngineDebug("Status: %s", msg)
	e.notify(Event{Type: EventStatusUpdate, Message: msg})
}

func (e *Engine) notify(ev Event) {
	if e.observer != nil {
		e.observer(ev)
	}
}
