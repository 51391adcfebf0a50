package contextstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const createContextsTable = `
CREATE TABLE IF NOT EXISTS contexts (
    owner      TEXT NOT NULL,
    doc_type   TEXT NOT NULL,
    data       BLOB NOT NULL,
    updated_at DATETIME NOT NULL,
    PRIMARY KEY (owner, doc_type)
)`

const createSharedTable = `
CREATE TABLE IF NOT EXISTS shared (
    id         TEXT PRIMARY KEY,
    data       BLOB NOT NULL,
    created_at DATETIME NOT NULL,
    expires_at INTEGER
)`

// SQLiteBackend stores documents in a SQLite database. A document write is a
// single UPSERT statement.
type SQLiteBackend struct {
	db *sql.DB
}

var _ Backend = (*SQLiteBackend)(nil)

// NewSQLiteBackend opens the database at dbPath and creates the tables.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	for _, stmt := range []struct{ name, sql string }{
		{"set WAL mode", "PRAGMA journal_mode=WAL"},
		{"set busy timeout", "PRAGMA busy_timeout = 5000"},
		{"create contexts table", createContextsTable},
		{"create shared table", createSharedTable},
	} {
		if _, err := db.Exec(stmt.sql); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", stmt.name, err)
		}
	}

	return &SQLiteBackend{db: db}, nil
}

func (s *SQLiteBackend) Write(ctx context.Context, key Key, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contexts (owner, doc_type, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(owner, doc_type) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		key.Owner, key.Type, data, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert context: %w", err)
	}
	return nil
}

func (s *SQLiteBackend) Read(ctx context.Context, key Key) ([]byte, bool, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM contexts WHERE owner = ? AND doc_type = ?`, key.Owner, key.Type,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get context: %w", err)
	}
	return data, true, nil
}

func (s *SQLiteBackend) WriteShared(ctx context.Context, id string, data []byte, ttl time.Duration) error {
	now := time.Now().UTC()
	var expires any
	if ttl > 0 {
		expires = now.Add(ttl).UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO shared (id, data, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		id, data, now, expires,
	)
	if err != nil {
		return fmt.Errorf("insert envelope: %w", err)
	}
	return nil
}

func (s *SQLiteBackend) ReadShared(ctx context.Context, id string) ([]byte, bool, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM shared WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get envelope: %w", err)
	}
	return data, true, nil
}

// PurgeExpired deletes envelopes whose expiry has passed and returns how many
// were removed.
func (s *SQLiteBackend) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM shared WHERE expires_at IS NOT NULL AND expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge envelopes: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the underlying database connection.
func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}
