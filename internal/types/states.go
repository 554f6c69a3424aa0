package types

import "fmt"

// EngineState is the single enumerated state owned by the orchestration
// engine. It is not persisted on its own but mirrored into
// ProjectState.CurrentStatus by canonical name.
type EngineState int

const (
	StateIdle EngineState = iota
	StateLoadingProject
	StateProjectSelected
	StateWaitingInitialBackend
	StateWaitingResult
	StateProcessingResult
	StateCallingBackend
	StatePausedWaitingUserInput
	StateTaskComplete
	StateError
)

// String returns the canonical state name.
func (s EngineState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateLoadingProject:
		return "LOADING_PROJECT"
	case StateProjectSelected:
		return "PROJECT_SELECTED"
	case StateWaitingInitialBackend:
		return "RUNNING_WAITING_INITIAL_BACKEND"
	case StateWaitingResult:
		return "RUNNING_WAITING_RESULT"
	case StateProcessingResult:
		return "RUNNING_PROCESSING_RESULT"
	case StateCallingBackend:
		return "RUNNING_CALLING_BACKEND"
	case StatePausedWaitingUserInput:
		return "PAUSED_WAITING_USER_INPUT"
	case StateTaskComplete:
		return "TASK_COMPLETE"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// ParseEngineState converts a persisted status name back into a state.
// Unknown names are rejected so stale or corrupted status values surface
// on load instead of silently mapping to a running state.
func ParseEngineState(name string) (EngineState, error) {
	for s := StateIdle; s <= StateError; s++ {
		if s.String() == name {
			return s, nil
		}
	}
	return StateIdle, fmt.Errorf("unknown engine state %q", name)
}

// IsRunning reports whether the state is one of the in-flight RUNNING_*
// states during which no new task may be started.
func (s EngineState) IsRunning() bool {
	switch s {
	case StateWaitingInitialBackend, StateWaitingResult, StateProcessingResult, StateCallingBackend:
		return true
	}
	return false
}

// CanStartTask reports whether StartTask is accepted in this state.
func (s EngineState) CanStartTask() bool {
	switch s {
	case StateIdle, StateProjectSelected, StateTaskComplete, StateError:
		return true
	}
	return false
}
