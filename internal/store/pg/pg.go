// Package pg backs the session, cron, and pairing stores with Postgres
// through the pgx stdlib driver. The schema is owned by the migrations
// under migrations/ and applied with `vargos migrate`; this package
// never creates tables. Memory stays on the JSONL file store in every
// mode.
package pg

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/chozzz/vargos-sub004/internal/store"
)

// OpenDB opens a pooled connection to Postgres and verifies it.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// NewStores builds the Postgres-backed store set. The memory store is
// passed in because memory search stays file-backed regardless of mode.
func NewStores(dsn string, memory store.MemoryStore) (*store.Stores, error) {
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, err
	}
	if err := checkSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &store.Stores{
		Sessions: NewSessionStore(db),
		Cron:     NewCronStore(db),
		Pairing:  NewPairingStore(db),
		Memory:   memory,
	}, nil
}
