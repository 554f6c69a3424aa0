package types

import (
	"errors"
	"fmt"
)

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

// ErrorKind classifies engine failures so front-ends can react differently
// (re-prompt for credentials vs. plain retry) without parsing messages.
type ErrorKind int

const (
	// ErrValidation is malformed caller input, rejected synchronously with
	// no state change.
	ErrValidation ErrorKind = iota
	// ErrPersistence is a state load/save failure.
	ErrPersistence
	// ErrFileWrite is an instruction file write failure.
	ErrFileWrite
	// ErrFileRead is a result file read failure.
	ErrFileRead
	// ErrWatcher means the filesystem observer failed to start.
	ErrWatcher
	// ErrResultTimeout means the Worker never produced a result in time.
	ErrResultTimeout
	// ErrBackendAuth means the backend rejected credentials.
	ErrBackendAuth
	// ErrBackendCall is any other backend failure.
	ErrBackendCall
	// ErrUnhandled is the catch-all. Always logged with full detail, never
	// silently swallowed.
	ErrUnhandled
)

// String returns the kind's canonical name.
func (k ErrorKind) String() string {
	switch k {
	case ErrValidation:
		return "validation"
	case ErrPersistence:
		return "persistence"
	case ErrFileWrite:
		return "file_write"
	case ErrFileRead:
		return "file_read"
	case ErrWatcher:
		return "watcher"
	case ErrResultTimeout:
		return "result_timeout"
	case ErrBackendAuth:
		return "backend_auth"
	case ErrBackendCall:
		return "backend_call"
	default:
		return "unhandled"
	}
}

// EngineError is the failure type crossing the engine's public boundary.
// Every expected failure is converted into one of these with a non-empty
// message before surfacing as an ERROR state transition.
type EngineError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// NewEngineError wraps err with a kind and operation description.
func NewEngineError(kind ErrorKind, op string, err error) *EngineError {
	return &EngineError{Kind: kind, Op: op, Err: err}
}

// Errorf creates an EngineError with a formatted operation message and no cause.
func Errorf(kind ErrorKind, format string, args ...interface{}) *EngineError {
	return &EngineError{Kind: kind, Op: fmt.Sprintf(format, args...)}
}

// KindOf extracts the ErrorKind from err, defaulting to ErrUnhandled for
// errors that did not originate inside the engine.
func KindOf(err error) ErrorKind {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return ErrUnhandled
}
