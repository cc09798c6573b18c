// ABOUTME: Primary record store backed by a SQLite connection pool
// ABOUTME: Every write runs inside a caller-scoped IMMEDIATE transaction

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/nainya/issuesearch/internal/logger"
)

// ErrNotFound is returned when a primary row does not exist
var ErrNotFound = errors.New("store: not found")

// Config holds the store parameters
type Config struct {
	Path     string // Database file, created if missing
	PoolSize int    // Number of pooled connections (default 4)
}

// Store is the authoritative record store. It is safe for concurrent use;
// each call borrows its own connection from the pool.
type Store struct {
	pool *sqlitex.Pool
	log  *logger.Logger
	path string
}

// Open opens the database, applies pragmas and creates the schema
func Open(cfg Config, log *logger.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: path is required")
	}
	if log == nil {
		log = logger.Nop()
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", cfg.Path, err)
	}

	s := &Store{pool: pool, log: log, path: cfg.Path}
	if err := s.read(context.Background(), func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteScript(conn, schema, nil)
	}); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	log.DbLogger("open").Info("store opened").
		Str("path", cfg.Path).
		Int("pool_size", poolSize).
		Send()
	return s, nil
}

func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA foreign_keys = OFF;",
	}
	for _, p := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, p, nil); err != nil {
			return fmt.Errorf("%s: %w", strings.TrimSpace(p), err)
		}
	}
	return nil
}

// Close closes every pooled connection
func (s *Store) Close() error {
	return s.pool.Close()
}

// Tx runs fn inside one IMMEDIATE transaction. The transaction commits when
// fn returns nil and rolls back otherwise; the connection goes back to the
// pool on every exit path.
func (s *Store) Tx(ctx context.Context, fn func(tx *Tx) error) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: take connection: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	return fn(&Tx{conn: conn})
}

// read borrows a connection for a read-only call
func (s *Store) read(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: take connection: %w", err)
	}
	defer s.pool.Put(conn)
	return fn(conn)
}

// placeholders returns "?, ?, ?" for n arguments
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(vals []string) []any {
	args := make([]any, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	return args
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

const schema = `
CREATE TABLE IF NOT EXISTS components (
	uuid         TEXT PRIMARY KEY,
	kee          TEXT NOT NULL UNIQUE,
	name         TEXT NOT NULL,
	long_name    TEXT NOT NULL DEFAULT '',
	qualifier    TEXT NOT NULL,
	project_uuid TEXT NOT NULL,
	parent_uuid  TEXT NOT NULL DEFAULT '',
	path         TEXT NOT NULL DEFAULT '',
	language     TEXT NOT NULL DEFAULT '',
	enabled      INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS components_project ON components (project_uuid);
CREATE INDEX IF NOT EXISTS components_parent ON components (parent_uuid);

CREATE TABLE IF NOT EXISTS rules (
	kee      TEXT PRIMARY KEY,
	name     TEXT NOT NULL,
	language TEXT NOT NULL DEFAULT '',
	status   TEXT NOT NULL DEFAULT 'READY'
);

CREATE TABLE IF NOT EXISTS users (
	login  TEXT PRIMARY KEY,
	name   TEXT NOT NULL DEFAULT '',
	email  TEXT NOT NULL DEFAULT '',
	active INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS group_members (
	group_name TEXT NOT NULL,
	login      TEXT NOT NULL,
	PRIMARY KEY (group_name, login)
);

CREATE TABLE IF NOT EXISTS permissions (
	project_uuid TEXT NOT NULL,
	subject_kind TEXT NOT NULL,
	subject      TEXT NOT NULL,
	role         TEXT NOT NULL,
	PRIMARY KEY (project_uuid, subject_kind, subject, role)
);

CREATE TABLE IF NOT EXISTS issues (
	kee            TEXT PRIMARY KEY,
	component_uuid TEXT NOT NULL,
	project_uuid   TEXT NOT NULL,
	rule_key       TEXT NOT NULL,
	status         TEXT NOT NULL,
	resolution     TEXT NOT NULL DEFAULT '',
	severity       TEXT NOT NULL,
	assignee       TEXT NOT NULL DEFAULT '',
	author_login   TEXT NOT NULL DEFAULT '',
	tags           TEXT NOT NULL DEFAULT '',
	effort         INTEGER,
	message        TEXT NOT NULL DEFAULT '',
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS issues_component ON issues (component_uuid);
CREATE INDEX IF NOT EXISTS issues_project ON issues (project_uuid);

CREATE TABLE IF NOT EXISTS issue_changes (
	kee         TEXT PRIMARY KEY,
	issue_key   TEXT NOT NULL,
	change_type TEXT NOT NULL,
	user_login  TEXT NOT NULL DEFAULT '',
	change_data TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS issue_changes_issue ON issue_changes (issue_key, created_at);

CREATE TABLE IF NOT EXISTS index_queue (
	uuid       TEXT PRIMARY KEY,
	doc_type   TEXT NOT NULL,
	doc_key    TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS index_queue_type ON index_queue (doc_type, created_at);
`
