// Package sqlite backs the session, cron, and pairing stores with a
// single SQLite database file. Memory stays on the JSONL file store in
// every mode.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/chozzz/vargos-sub004/internal/store"
)

// Open creates (or opens) the database file and bootstraps the schema.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// WAL keeps readers unblocked during writes; the busy timeout rides
	// out short contention instead of failing.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	if err := bootstrap(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	return db, nil
}

func bootstrap(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			session_key      TEXT PRIMARY KEY,
			kind             TEXT NOT NULL DEFAULT '',
			label            TEXT NOT NULL DEFAULT '',
			summary          TEXT NOT NULL DEFAULT '',
			metadata         TEXT NOT NULL DEFAULT '{}',
			messages         TEXT NOT NULL DEFAULT '[]',
			compaction_count INTEGER NOT NULL DEFAULT 0,
			created_at       DATETIME NOT NULL,
			updated_at       DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS cron_jobs (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			schedule    TEXT NOT NULL,
			message     TEXT NOT NULL,
			session_key TEXT NOT NULL DEFAULT '',
			channel     TEXT NOT NULL DEFAULT '',
			recipient   TEXT NOT NULL DEFAULT '',
			deliver     INTEGER NOT NULL DEFAULT 0,
			enabled     INTEGER NOT NULL DEFAULT 1,
			created_at  DATETIME NOT NULL,
			updated_at  DATETIME NOT NULL,
			last_run    DATETIME
		);

		CREATE TABLE IF NOT EXISTS pairing_codes (
			code       TEXT PRIMARY KEY,
			sender_id  TEXT NOT NULL,
			channel    TEXT NOT NULL,
			chat_id    TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS paired_senders (
			channel    TEXT NOT NULL,
			sender_id  TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (channel, sender_id)
		);
	`)
	return err
}

// NewStores opens the database and wires all sqlite-backed stores. The
// memory store is passed in because memory is JSONL-backed regardless
// of store mode.
func NewStores(dbPath string, memory store.MemoryStore) (*store.Stores, error) {
	db, err := Open(dbPath)
	if err != nil {
		return nil, err
	}
	return &store.Stores{
		Sessions: NewSessionStore(db),
		Cron:     NewCronStore(db),
		Pairing:  NewPairingStore(db),
		Memory:   memory,
	}, nil
}
