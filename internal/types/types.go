// Package types provides shared type definitions used across oprime packages.
// This package exists to break import cycles between engine, backend, and store.
// Types in this package should be foundational data structures with no complex dependencies.
package types

import (
	"time"
)

// =============================================================================
// PROJECT
// =============================================================================

// Project identifies one orchestrated workspace. Name is unique and
// user-chosen; ID is backfilled with a UUID on first save.
type Project struct {
	ID                string `json:"id,omitempty"`
	Name              string `json:"name"`
	WorkspaceRootPath string `json:"workspace_root_path"`
	OverallGoal       string `json:"overall_goal"`
}

// =============================================================================
// CONVERSATION TURNS
// =============================================================================

// Sender labels who produced a conversation turn.
type Sender string

const (
	SenderUser                 Sender = "user"
	SenderManager              Sender = "manager"
	SenderManagerClarification Sender = "manager_clarification_request"
	SenderWorkerLog            Sender = "worker_log"
	SenderSystem               Sender = "system"
	SenderSystemError          Sender = "system_error"
)

// Turn is one atomic message in the conversation history.
// Immutable once appended.
type Turn struct {
	Sender    Sender            `json:"sender"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewTurn creates a turn with the timestamp assigned now (UTC).
func NewTurn(sender Sender, message string) Turn {
	return Turn{
		Sender:    sender,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// =============================================================================
// PROJECT RUN STATE
// =============================================================================

// ProjectState is the per-project mutable run state. It is mutated only by
// the engine under its lock and mirrored to durable storage after every
// mutation that matters for crash recovery.
type ProjectState struct {
	ProjectID                string
	ConversationHistory      []Turn
	CurrentStatus            string
	LastInstructionSent      string
	ContextSummary           string
	PendingUserQuestion      string
	ManagerTurnsSinceSummary int
}

// NewProjectState creates a fresh state for a project with no history.
func NewProjectState(projectID string) *ProjectState {
	return &ProjectState{
		ProjectID:     projectID,
		CurrentStatus: StateIdle.String(),
	}
}

// AppendTurn adds a turn to the history. History is append-only; insertion
// order is causal order.
func (ps *ProjectState) AppendTurn(t Turn) {
	ps.ConversationHistory = append(ps.ConversationHistory, t)
	if t.Sender == SenderManager || t.Sender == SenderManagerClarification {
		ps.ManagerTurnsSinceSummary++
	}
}

// HistoryLen returns the number of turns recorded so far.
func (ps *ProjectState) HistoryLen() int {
	return len(ps.ConversationHistory)
}

// RecentTurns returns the last n turns (the whole history if n <= 0 or
// n exceeds the history length). The returned slice aliases the history;
// callers must not mutate it.
func (ps *ProjectState) RecentTurns(n int) []Turn {
	if n <= 0 || n >= len(ps.ConversationHistory) {
		return ps.ConversationHistory
	}
	return ps.ConversationHistory[len(ps.ConversationHistory)-n:]
}
