package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStateStore keeps replicated state in a local SQLite file, for single-node
// deployments that do not run PostgreSQL.
type SQLiteStateStore struct {
	db *sql.DB
}

// OpenSQLiteStateStore opens the database and ensures the table exists
func OpenSQLiteStateStore(path string) (*SQLiteStateStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite state store: %w", err)
	}

	if _, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS document_states (
		id text not null primary key,
		state blob not null,
		updated_at integer not null
		)`,
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create document_states table: %w", err)
	}

	return &SQLiteStateStore{db: db}, nil
}

// Close closes the database
func (s *SQLiteStateStore) Close() error {
	return s.db.Close()
}

// Load returns the stored state, or nil when the document has none yet
func (s *SQLiteStateStore) Load(ctx context.Context, documentID string) ([]byte, error) {
	var state []byte
	if err := s.db.QueryRowContext(
		ctx, `SELECT state FROM document_states WHERE id = ?`, documentID,
	).Scan(&state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load document state: %w", err)
	}
	return state, nil
}

// Store upserts the state of a document
func (s *SQLiteStateStore) Store(ctx context.Context, documentID string, state []byte) error {
	if _, err := s.db.ExecContext(
		ctx,
		`INSERT INTO document_states (id, state, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		documentID, state, time.Now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("failed to store document state: %w", err)
	}
	return nil
}
