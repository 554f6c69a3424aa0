package engine

import (
	"sync/atomic"
	"time"

	"oprime/internal/backend"
	"oprime/internal/logging"
	"oprime/internal/types"
)

// =============================================================================
// BACKEND CALL DISPATCHER
// =============================================================================

// dispatcher runs each backend call on its own goroutine and bounds how long
// the caller waits for the outcome. At most one call may be in flight; a
// second dispatch is rejected, not queued. On timeout the goroutine is
// abandoned, never killed: it keeps running, publishes into its private
// channel, and clears the in-flight flag when it finishes. The outcome
// channel has capacity 1 and belongs to exactly one dispatch, so an
// abandoned call can never deliver into a later cycle.
type dispatcher struct {
	inFlight atomic.Bool
}

type callOutcome struct {
	directive backend.Directive
	err       error
}

// dispatch runs fn and waits up to timeout for its outcome.
func (d *dispatcher) dispatch(timeout time.Duration, fn func() (backend.Directive, error)) (backend.Directive, error) {
	if !d.inFlight.CompareAndSwap(false, true) {
		return backend.Directive{}, types.Errorf(types.ErrBackendCall, "backend call already in progress")
	}

	outcome := make(chan callOutcome, 1)
	go func() {
		defer d.inFlight.Store(false)
		directive, err := fn()
		outcome <- callOutcome{directive: directive, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-outcome:
		return out.directive, out.err
	case <-timer.C:
		logging.EngineWarn("Backend call exceeded %s, abandoning the in-flight call", timeout)
		return backend.Directive{}, types.Errorf(types.ErrBackendCall,
			"backend call timed out after %s", timeout)
	}
}

// busy reports whether a call (possibly an abandoned one) is still running.
func (d *dispatcher) busy() bool {
	return d.inFlight.Load()
}
