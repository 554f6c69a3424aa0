package engine

import (
	"oprime/internal/types"
)

// =============================================================================
// OBSERVER EVENTS
// =============================================================================

// EventType identifies what an observer notification is about.
type EventType string

const (
	EventStateChange     EventType = "state_change"
	EventError           EventType = "error"
	EventStatusUpdate    EventType = "status_update"
	EventNewMessage      EventType = "new_message"
	EventUserInputNeeded EventType = "user_input_needed"
	EventTaskComplete    EventType = "task_complete"
	EventProjectLoaded   EventType = "project_loaded"
)

// ProjectInfo is the payload of a project_loaded event.
type ProjectInfo struct {
	Name    string
	Goal    string
	Status  string
	History []types.Turn
}

// Event is one observer notification. Which payload fields are set depends
// on Type: State for state_change, Message for error/status_update/
// user_input_needed/task_complete, Turn for new_message, Project for
// project_loaded.
type Event struct {
	Type    EventType
	State   types.EngineState
	Message string

	// ErrorKind classifies error events so a front-end can tell an auth
	// problem (re-configure) from a transient one (retry). Only set when
	// Type is EventError.
	ErrorKind types.ErrorKind

	Turn    *types.Turn
	Project *ProjectInfo
}

// Observer receives engine events. It is called synchronously with the
// engine lock held, so implementations must return quickly and must not
// call back into the engine; hand the event to a channel or queue instead.
type Observer func(Event)

// =============================================================================
// INTERNAL ASYNC EVENTS
// =============================================================================

// Background sources (watcher, timeout supervisor) never call into the
// engine directly. They post tagged events onto a single inbound queue
// drained by the engine's run loop, which re-validates state and wait
// epoch before acting. A stale event is a logged no-op.

// resultFileEvent reports that the result file appeared.
type resultFileEvent struct {
	path string
	gen  uint64
}

// waitTimeoutEvent reports that the result-wait deadline expired.
type waitTimeoutEvent struct {
	gen uint64
}
