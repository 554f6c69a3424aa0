// Package store persists projects, per-project conversation state, and
// transcript turns in a local SQLite database. A single write connection
// with WAL journaling keeps concurrent readers cheap while the engine
// serializes all writes anyway.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"oprime/internal/logging"
)

// Store wraps the SQLite handle. All methods are safe for concurrent use;
// writes additionally take mu so multi-statement saves stay atomic from the
// caller's point of view.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// New opens (creating if needed) the database at path and ensures the
// schema exists. The parent directory is created when missing.
func New(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "New")
	defer timer.Stop()

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating store directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}

	// Single writer. Readers go through the same connection; the engine
	// serializes mutations, so contention is not a concern.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		logging.StoreDebug("Failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		logging.StoreDebug("Failed to set WAL mode: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		logging.StoreDebug("Failed to set synchronous mode: %v", err)
	}

	s := &Store{db: db, path: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	if err := s.runMigrations(); err != nil {
		logging.Get(logging.CategoryStore).Warn("Schema migrations reported errors: %v", err)
	}

	logging.Store("Store opened at %s", path)
	return s, nil
}

// initialize creates all tables if they don't exist.
func (s *Store) initialize() error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			workspace_root_path TEXT NOT NULL,
			overall_goal TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS project_states (
			project_id TEXT PRIMARY KEY,
			current_status TEXT NOT NULL,
			last_instruction_sent TEXT DEFAULT '',
			context_summary TEXT DEFAULT '',
			pending_user_question TEXT DEFAULT '',
			manager_turns_since_summary INTEGER DEFAULT 0,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (project_id) REFERENCES projects(id)
		)`,
		`CREATE TABLE IF NOT EXISTS turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id TEXT NOT NULL,
			turn_number INTEGER NOT NULL,
			sender TEXT NOT NULL,
			message TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			metadata TEXT DEFAULT '{}',
			UNIQUE(project_id, turn_number),
			FOREIGN KEY (project_id) REFERENCES projects(id)
		)`,
	}

	for _, table := range tables {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("creating table: %w", err)
		}
	}

	// Indexes are best effort; a failure here degrades reads, not writes.
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_turns_project ON turns(project_id, turn_number)`,
		`CREATE INDEX IF NOT EXISTS idx_projects_name ON projects(name)`,
	}
	for _, index := range indexes {
		if _, err := s.db.Exec(index); err != nil {
			logging.Get(logging.CategoryStore).Warn("Failed to create index: %v", err)
		}
	}

	return nil
}

// migration defines a column added after the initial schema shipped.
type migration struct {
	table  string
	column string
	def    string
}

// pendingMigrations lists columns that older databases may be missing.
var pendingMigrations = []migration{
	// Clarification tracking (added with the pause/resume flow)
	{"project_states", "pending_user_question", "TEXT DEFAULT ''"},
	{"project_states", "manager_turns_since_summary", "INTEGER DEFAULT 0"},
	// Turn provenance (added with the bridge)
	{"turns", "metadata", "TEXT DEFAULT '{}'"},
}

// runMigrations applies additive schema migrations for existing databases.
func (s *Store) runMigrations() error {
	applied := 0
	for _, m := range pendingMigrations {
		if s.columnExists(m.table, m.column) {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.table, m.column, m.def)
		logging.StoreDebug("Executing migration: %s", query)
		if _, err := s.db.Exec(query); err != nil {
			// The column may already exist in a different form.
			logging.Get(logging.CategoryStore).Warn("Migration failed: %s.%s: %v", m.table, m.column, err)
			continue
		}
		applied++
	}
	if applied > 0 {
		logging.Store("Schema migrations applied: %d", applied)
	}
	return nil
}

// columnExists checks PRAGMA table_info for the named column.
func (s *Store) columnExists(table, column string) bool {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

// Close closes the underlying database.
func (s *Store) Close() error {
	logging.StoreDebug("Closing store at %s", s.path)
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// GetStats returns row counts per table, for the status command.
func (s *Store) GetStats() map[string]int64 {
	stats := make(map[string]int64)
	for _, table := range []string{"projects", "project_states", "turns"} {
		var count int64
		if err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			logging.StoreDebug("Count failed for %s: %v", table, err)
			continue
		}
		stats[table] = count
	}
	return stats
}
