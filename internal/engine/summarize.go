package engine

import (
	"context"

	"oprime/internal/backend"
	"oprime/internal/logging"
	"oprime/internal/types"
)

// =============================================================================
// CONTEXT COMPACTION
// =============================================================================

// summarizeDue reports whether the conversation should be compacted before
// the next backend dispatch. interval == 0 disables the periodic trigger but
// a first summary is still produced once the history outgrows a single turn.
func summarizeDue(historyLen, interval int, hasSummary bool) bool {
	if interval > 0 && historyLen > 0 && historyLen%interval == 0 {
		return true
	}
	return !hasSummary && historyLen > 1
}

// maybeSummarizeLocked compacts the conversation history into the rolling
// context summary when the trigger condition holds. It is evaluated on task
// start and on resume, before the backend dispatch, never on the result
// processing path. Failure is not fatal: the previous summary stays in place
// and the task proceeds.
//
// The call runs synchronously inside the caller's critical section, strictly
// before the dispatched next-step call, so it never races the dispatcher.
func (e *Engine) maybeSummarizeLocked() {
	st := e.projectState
	interval := e.cfg.Orchestration.SummarizationInterval
	if !summarizeDue(len(st.ConversationHistory), interval, st.ContextSummary != "") {
		return
	}

	// With a prior summary only the newest turns need folding in; without
	// one the whole history is compacted from scratch.
	turns := st.ConversationHistory
	if st.ContextSummary != "" && interval > 0 && len(turns) > interval {
		turns = turns[len(turns)-interval:]
	}

	req := backend.SummarizeRequest{
		Goal:            e.project.OverallGoal,
		Turns:           append([]types.Turn(nil), turns...),
		ExistingSummary: st.ContextSummary,
		MaxTokens:       e.cfg.Orchestration.MaxSummaryTokens,
	}

	logging.Engine("Compacting context: %d turns into summary (interval %d)", len(req.Turns), interval)

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.GetBackendCallTimeout())
	defer cancel()

	summary, err := e.backend.Summarize(ctx, req)
	if err != nil {
		logging.EngineWarn("Summarization failed, keeping previous summary: %v", err)
		return
	}
	if summary == st.ContextSummary {
		return
	}

	st.ContextSummary = summary
	st.ManagerTurnsSinceSummary = 0
	if err := e.store.SaveProjectState(st); err != nil {
		logging.EngineWarn("Failed to persist updated summary: %v", err)
	}
	logging.Engine("Context summary updated (%d chars)", len(summary))
}
