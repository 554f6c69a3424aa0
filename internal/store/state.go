package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"oprime/internal/logging"
	"oprime/internal/types"
)

// SaveProjectState persists the full conversation state for a project in a
// single transaction. The state row is replaced; turns are append-only and
// keyed by (project_id, turn_number), so re-saving the same history is
// idempotent and never rewrites an existing turn.
func (s *Store) SaveProjectState(st *types.ProjectState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer := logging.StartTimer(logging.CategoryStore, "SaveProjectState")
	defer timer.StopWithThreshold(100 * time.Millisecond)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting save transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT OR REPLACE INTO project_states
			(project_id, current_status, last_instruction_sent, context_summary,
			 pending_user_question, manager_turns_since_summary, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, st.ProjectID, st.CurrentStatus, st.LastInstructionSent, st.ContextSummary,
		st.PendingUserQuestion, st.ManagerTurnsSinceSummary, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		logging.StoreError("SaveProjectState failed for %s: %v", st.ProjectID, err)
		return fmt.Errorf("saving state for %s: %w", st.ProjectID, err)
	}

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO turns
			(project_id, turn_number, sender, message, timestamp, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing turn insert: %w", err)
	}
	defer stmt.Close()

	for i, turn := range st.ConversationHistory {
		meta := "{}"
		if len(turn.Metadata) > 0 {
			b, err := json.Marshal(turn.Metadata)
			if err != nil {
				return fmt.Errorf("encoding metadata for turn %d: %w", i, err)
			}
			meta = string(b)
		}
		_, err := stmt.Exec(st.ProjectID, i, string(turn.Sender), turn.Message,
			turn.Timestamp.UTC().Format(time.RFC3339Nano), meta)
		if err != nil {
			return fmt.Errorf("saving turn %d for %s: %w", i, st.ProjectID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing state for %s: %w", st.ProjectID, err)
	}

	logging.StoreDebug("SaveProjectState: project=%s status=%s turns=%d",
		st.ProjectID, st.CurrentStatus, len(st.ConversationHistory))
	return nil
}

// LoadProjectState reads the saved state and full turn history for a
// project. Returns (nil, nil) when the project has no saved state yet.
func (s *Store) LoadProjectState(projectID string) (*types.ProjectState, error) {
	timer := logging.StartTimer(logging.CategoryStore, "LoadProjectState")
	defer timer.StopWithThreshold(100 * time.Millisecond)

	st := &types.ProjectState{ProjectID: projectID}
	err := s.db.QueryRow(`
		SELECT current_status, last_instruction_sent, context_summary,
		       pending_user_question, manager_turns_since_summary
		FROM project_states WHERE project_id = ?
	`, projectID).Scan(&st.CurrentStatus, &st.LastInstructionSent, &st.ContextSummary,
		&st.PendingUserQuestion, &st.ManagerTurnsSinceSummary)
	if err == sql.ErrNoRows {
		logging.StoreDebug("LoadProjectState: no saved state for %s", projectID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading state for %s: %w", projectID, err)
	}

	rows, err := s.db.Query(`
		SELECT sender, message, timestamp, metadata
		FROM turns WHERE project_id = ? ORDER BY turn_number ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("loading turns for %s: %w", projectID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var sender, message, ts, meta string
		if err := rows.Scan(&sender, &message, &ts, &meta); err != nil {
			return nil, fmt.Errorf("scanning turn row: %w", err)
		}
		turn := types.Turn{Sender: types.Sender(sender), Message: message}
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			turn.Timestamp = parsed
		}
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &turn.Metadata); err != nil {
				logging.StoreDebug("Skipping malformed turn metadata for %s: %v", projectID, err)
			}
		}
		st.ConversationHistory = append(st.ConversationHistory, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating turn rows: %w", err)
	}

	logging.StoreDebug("LoadProjectState: project=%s status=%s turns=%d",
		projectID, st.CurrentStatus, len(st.ConversationHistory))
	return st, nil
}
