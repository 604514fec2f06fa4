// Package db is the SQLite-backed persistence layer: file records, accounts,
// shares and the activity log. Every store runs its statements against the
// transaction carried by the context when one is active and against the
// shared connection otherwise.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/canonical/sqlair"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/rs/zerolog"

	"github.com/patrakosh/patrakosh/internal/txn"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// DB is an open metadata database.
type DB struct {
	plain  *sql.DB
	db     *sqlair.DB
	logger zerolog.Logger
}

// Open opens (creating if needed) the database at path and applies the schema.
//
// The pool is capped at a single connection: SQLite allows one writer at a
// time, and queuing in database/sql is preferable to SQLITE_BUSY failures.
// Code running inside a transaction must therefore only use the transaction.
func Open(path string, logger zerolog.Logger) (*DB, error) {
	var dsn string
	if path == MemoryPath {
		dsn = "file::memory:?_foreign_keys=on&_busy_timeout=5000"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
		dsn = path + "?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL"
	}

	plain, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	plain.SetMaxOpenConns(1)
	plain.SetMaxIdleConns(1)

	if _, err := plain.Exec(schema); err != nil {
		_ = plain.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	logger.Debug().Str("path", path).Msg("Metadata database opened")
	return &DB{
		plain:  plain,
		db:     sqlair.NewDB(plain),
		logger: logger,
	}, nil
}

// SQLair returns the mapped database handle used to begin transactions.
func (d *DB) SQLair() *sqlair.DB {
	return d.db
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	return d.plain.Close()
}

type querier interface {
	Query(ctx context.Context, s *sqlair.Statement, inputArgs ...any) *sqlair.Query
}

// query picks the active transaction from ctx, falling back to the shared handle.
func (d *DB) query(ctx context.Context, stmt *sqlair.Statement, args ...any) *sqlair.Query {
	var q querier = d.db
	if tx, ok := txn.FromContext(ctx); ok {
		q = tx
	}
	return q.Query(ctx, stmt, args...)
}

const schema = `
CREATE TABLE IF NOT EXISTS account (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    name        TEXT NOT NULL UNIQUE,
    quota_limit INTEGER NOT NULL CHECK (quota_limit >= 0),
    bytes_used  INTEGER NOT NULL DEFAULT 0 CHECK (bytes_used >= 0),
    created_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS file (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    owner_id     INTEGER NOT NULL REFERENCES account (id),
    lineage_id   INTEGER NOT NULL DEFAULT 0,
    version      INTEGER NOT NULL CHECK (version >= 1),
    name         TEXT NOT NULL,
    locator      TEXT NOT NULL UNIQUE,
    size         INTEGER NOT NULL CHECK (size >= 0),
    fingerprint  TEXT NOT NULL,
    content_type TEXT NOT NULL,
    created_at   TIMESTAMP NOT NULL,
    updated_at   TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_file_owner ON file (owner_id);
CREATE INDEX IF NOT EXISTS idx_file_fingerprint ON file (fingerprint);
CREATE UNIQUE INDEX IF NOT EXISTS idx_file_lineage_version ON file (lineage_id, version) WHERE lineage_id <> 0;

CREATE TABLE IF NOT EXISTS share (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    file_id     INTEGER NOT NULL REFERENCES file (id) ON DELETE CASCADE,
    shared_by   INTEGER NOT NULL REFERENCES account (id),
    shared_with INTEGER NOT NULL DEFAULT 0,
    public      BOOLEAN NOT NULL DEFAULT FALSE,
    token       TEXT NOT NULL DEFAULT '',
    expires_at  TIMESTAMP,
    created_at  TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_share_token ON share (token);

CREATE TABLE IF NOT EXISTS activity (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id       INTEGER NOT NULL,
    action        TEXT NOT NULL,
    resource_type TEXT NOT NULL,
    resource_id   INTEGER NOT NULL DEFAULT 0,
    details       TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_activity_user ON activity (user_id, created_at);
`
