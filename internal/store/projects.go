package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"oprime/internal/logging"
	"oprime/internal/types"
)

// SaveProject inserts or updates a project definition. A missing ID gets a
// fresh UUID, which is written back to the caller's struct.
func (s *Store) SaveProject(p *types.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	logging.StoreDebug("SaveProject: id=%s name=%s", p.ID, p.Name)

	_, err := s.db.Exec(`
		INSERT INTO projects (id, name, workspace_root_path, overall_goal)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			workspace_root_path = excluded.workspace_root_path,
			overall_goal = excluded.overall_goal
	`, p.ID, p.Name, p.WorkspaceRootPath, p.OverallGoal)
	if err != nil {
		logging.StoreError("SaveProject failed for %s: %v", p.Name, err)
		return fmt.Errorf("saving project %s: %w", p.Name, err)
	}
	return nil
}

// LoadProjects returns all known projects ordered by name.
func (s *Store) LoadProjects() ([]types.Project, error) {
	rows, err := s.db.Query(`
		SELECT id, name, workspace_root_path, overall_goal
		FROM projects ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("loading projects: %w", err)
	}
	defer rows.Close()

	var projects []types.Project
	for rows.Next() {
		var p types.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.WorkspaceRootPath, &p.OverallGoal); err != nil {
			return nil, fmt.Errorf("scanning project row: %w", err)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating project rows: %w", err)
	}

	logging.StoreDebug("LoadProjects: %d found", len(projects))
	return projects, nil
}

// GetProject looks a project up by ID. Returns (nil, nil) when absent.
func (s *Store) GetProject(id string) (*types.Project, error) {
	var p types.Project
	err := s.db.QueryRow(`
		SELECT id, name, workspace_root_path, overall_goal
		FROM projects WHERE id = ?
	`, id).Scan(&p.ID, &p.Name, &p.WorkspaceRootPath, &p.OverallGoal)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading project %s: %w", id, err)
	}
	return &p, nil
}

// GetProjectByName looks a project up by its unique name. Returns (nil, nil)
// when absent so callers can distinguish "not found" from a real failure.
func (s *Store) GetProjectByName(name string) (*types.Project, error) {
	var p types.Project
	err := s.db.QueryRow(`
		SELECT id, name, workspace_root_path, overall_goal
		FROM projects WHERE name = ?
	`, name).Scan(&p.ID, &p.Name, &p.WorkspaceRootPath, &p.OverallGoal)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading project %q: %w", name, err)
	}
	return &p, nil
}

// DeleteProject removes a project and its dependent rows.
func (s *Store) DeleteProject(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting delete transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"DELETE FROM turns WHERE project_id = ?",
		"DELETE FROM project_states WHERE project_id = ?",
		"DELETE FROM projects WHERE id = ?",
	} {
		if _, err := tx.Exec(stmt, id); err != nil {
			return fmt.Errorf("deleting project %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete of %s: %w", id, err)
	}

	logging.Store("Deleted project %s", id)
	return nil
}
