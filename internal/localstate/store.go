// Package localstate persists per-user JSON documents under named keys in
// an embedded SQLite database.
package localstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite file at path and ensures the schema.
// Use ":memory:" for a throwaway store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open local state: %w", err)
	}
	// One writer keeps SQLite from returning SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping local state: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS kv_state (
		owner      TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      BLOB NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (owner, key)
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create local state table: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns the document stored under (owner, key), or nil when there is none.
func (s *Store) Load(ctx context.Context, owner, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_state WHERE owner = ? AND key = ?`,
		owner, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s/%s: %w", owner, key, err)
	}
	return value, nil
}

// Save replaces the document stored under (owner, key).
func (s *Store) Save(ctx context.Context, owner, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_state (owner, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (owner, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		owner, key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save %s/%s: %w", owner, key, err)
	}
	return nil
}

// Delete removes every document of owner.
func (s *Store) Delete(ctx context.Context, owner string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_state WHERE owner = ?`, owner); err != nil {
		return fmt.Errorf("delete %s: %w", owner, err)
	}
	return nil
}
