// Package store is the row store behind the bot: task records, uploaded-file
// metadata, the user registry, and the durable id counters. Backed by SQLite
// via modernc.org/sqlite.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY,
	from_chat_id INTEGER NOT NULL,
	first_name TEXT NOT NULL DEFAULT '',
	last_name TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	object TEXT NOT NULL DEFAULT '',
	task_name TEXT NOT NULL DEFAULT '',
	task_description TEXT NOT NULL DEFAULT '',
	file_ids TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'draft',
	claimed TEXT NOT NULL DEFAULT '',
	desk TEXT NOT NULL DEFAULT '',
	answ_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tasks_chat_status ON tasks(from_chat_id, status);

CREATE TABLE IF NOT EXISTS files (
	doc_id INTEGER PRIMARY KEY,
	tg_file_id TEXT NOT NULL,
	original_name TEXT NOT NULL,
	saved_path TEXT NOT NULL,
	user_id INTEGER NOT NULL,
	task_id INTEGER NOT NULL,
	upload_date TIMESTAMP NOT NULL,
	media_type TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_files_task ON files(task_id);

CREATE TABLE IF NOT EXISTS users (
	user_id INTEGER PRIMARY KEY,
	first_name TEXT NOT NULL DEFAULT '',
	last_name TEXT NOT NULL DEFAULT '',
	username TEXT NOT NULL DEFAULT '',
	registration_date TIMESTAMP NOT NULL,
	last_activity TIMESTAMP NOT NULL,
	is_active INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS counters (
	name TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
`

type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the SQLite database at the given path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// SQLite works best with a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
