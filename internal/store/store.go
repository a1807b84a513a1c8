// Package store implements SQLite persistence for the Otakon companion core:
// progress records, the event catalog, transition history, the structured
// system log, monthly grounding usage, and learning patterns.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"otakon/internal/logging"
)

// ErrSchemaMissing reports that a required table does not exist in the
// backing database. The grounding engine uses it to flip into degraded
// (memory-only) counting.
var ErrSchemaMissing = errors.New("store: backing schema missing")

const schema = `
CREATE TABLE IF NOT EXISTS progress_records (
	account_id TEXT NOT NULL,
	game_id TEXT NOT NULL,
	edition_tag TEXT NOT NULL,
	level INTEGER NOT NULL DEFAULT 1,
	completed_events TEXT NOT NULL DEFAULT '[]',
	confidence REAL NOT NULL DEFAULT 1.0,
	metadata TEXT NOT NULL DEFAULT '{}',
	last_updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (account_id, game_id, edition_tag)
);

CREATE TABLE IF NOT EXISTS progress_events (
	event_id TEXT PRIMARY KEY,
	game_id TEXT NOT NULL,
	edition_tag TEXT NOT NULL,
	event_type TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	level_unlocked INTEGER NOT NULL,
	lore_context TEXT NOT NULL DEFAULT '',
	difficulty TEXT NOT NULL DEFAULT 'medium',
	UNIQUE(game_id, edition_tag, event_type, level_unlocked)
);

CREATE TABLE IF NOT EXISTS progress_history (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	game_id TEXT NOT NULL,
	edition_tag TEXT NOT NULL,
	event_id TEXT NOT NULL,
	old_level INTEGER NOT NULL,
	new_level INTEGER NOT NULL,
	ai_confidence REAL NOT NULL,
	ai_reasoning TEXT NOT NULL DEFAULT '',
	ai_evidence TEXT NOT NULL DEFAULT '[]',
	user_feedback TEXT NOT NULL DEFAULT 'none',
	feedback_timestamp TIMESTAMP,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_history_key ON progress_history(account_id, game_id, edition_tag);
CREATE INDEX IF NOT EXISTS idx_history_event ON progress_history(account_id, game_id, edition_tag, event_id);

CREATE TABLE IF NOT EXISTS system_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	category TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_system_log_category ON system_log(category, created_at);

CREATE TABLE IF NOT EXISTS grounding_usage (
	account_id TEXT NOT NULL,
	month_key TEXT NOT NULL,
	count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (account_id, month_key)
);

CREATE TABLE IF NOT EXISTS learning_patterns (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	learning_type TEXT NOT NULL,
	pattern_data TEXT NOT NULL,
	confidence_score REAL NOT NULL,
	usage_count INTEGER NOT NULL DEFAULT 1,
	UNIQUE(learning_type, pattern_data)
);
`

// Store is the SQLite-backed persistence layer.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Store.Open")
	defer timer.Stop()

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", path, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logging.Store("Store opened at %s", path)
	return &Store{db: db}, nil
}

// OpenMemory opens an in-memory store, used by tests.
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite3", "file::memory:?cache=shared&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory store: %w", err)
	}
	// Shared-cache memory DBs vanish when the last connection closes.
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// isMissingTable detects sqlite "no such table" failures so callers can
// distinguish absent schema from other errors.
func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}
