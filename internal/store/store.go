// Package store implements the durable log: an append-only event store, a
// command store with CAS claiming, a versioned config store, and checkpoint
// bookkeeping — all backed by a single SQLite database.
//
// The database is the single source of truth and the only resource shared
// with the web process. It is opened in WAL mode so concurrent readers never
// block the single appender, with a 30s busy timeout for contending writers.
// A separate read-only handle (DSN mode=ro) is the web process's concern,
// not enforced here.
//
// Append-only discipline: event rows are never updated or deleted. Command
// rows mutate status in place, but every mutation also produces an event, so
// the full history is reconstructible from the event log alone.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// Sentinel errors shared by the sub-stores.
var (
	// ErrNotFound is returned when a keyed lookup matches nothing.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned by optimistic-lock writes when the version moved.
	ErrConflict = errors.New("store: version conflict")
	// ErrReadOnlyKey is returned for config writes to protected keys.
	ErrReadOnlyKey = errors.New("store: read-only config key")
	// ErrInvalidTransition is returned for backward command status moves.
	ErrInvalidTransition = errors.New("store: invalid status transition")
)

// Store owns the database handle and exposes the typed sub-stores.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	Events      *EventStore
	Commands    *CommandStore
	Config      *ConfigStore
	Checkpoints *CheckpointStore
}

// Open opens (or creates) the durable log at path and migrates the schema.
// Use ":memory:" for tests. WAL mode, foreign keys, and a 30s busy timeout
// are set on the connection string.
func Open(path string, logger *slog.Logger) (*Store, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=30000&_foreign_keys=on"
	singleConn := false
	if path == ":memory:" {
		// Each pooled connection would otherwise get its own private database.
		dsn = "file::memory:?cache=shared&_busy_timeout=30000"
		singleConn = true
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if singleConn {
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, logger: logger.With("component", "store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	s.Events = &EventStore{db: db}
	s.Commands = &CommandStore{db: db}
	s.Config = newConfigStore(db)
	s.Checkpoints = &CheckpointStore{db: db}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for the projection mirror tables.
func (s *Store) DB() *sql.DB { return s.db }

// migrate creates the schema. Idempotent; runs on every open.
func (s *Store) migrate() error {
	schema := `
	-- Immutable event log (append-only; INSERT OR IGNORE by dedup_key)
	CREATE TABLE IF NOT EXISTS event_store (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL UNIQUE,
		event_type TEXT NOT NULL,
		ts TEXT NOT NULL,
		correlation_id TEXT NOT NULL,
		causation_id TEXT,
		command_id TEXT,
		source TEXT NOT NULL,
		entity_kind TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		scope_exchange TEXT NOT NULL,
		scope_venue TEXT NOT NULL,
		scope_account TEXT NOT NULL,
		scope_symbol TEXT,
		scope_mode TEXT NOT NULL,
		dedup_key TEXT NOT NULL UNIQUE,
		payload_json TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_event_ts ON event_store(ts);
	CREATE INDEX IF NOT EXISTS idx_event_entity ON event_store(entity_kind, entity_id);
	CREATE INDEX IF NOT EXISTS idx_event_type ON event_store(event_type);

	-- Command log: status mutates in place, everything else is immutable
	CREATE TABLE IF NOT EXISTS command_store (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		command_id TEXT NOT NULL UNIQUE,
		command_type TEXT NOT NULL,
		ts TEXT NOT NULL,
		correlation_id TEXT NOT NULL,
		causation_id TEXT,
		actor_kind TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		scope_exchange TEXT NOT NULL,
		scope_venue TEXT NOT NULL,
		scope_account TEXT NOT NULL,
		scope_symbol TEXT,
		scope_mode TEXT NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL DEFAULT 'NEW',
		priority INTEGER NOT NULL DEFAULT 0,
		payload_json TEXT,
		result_json TEXT,
		last_error TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		claimed_at TEXT,
		completed_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_command_claim ON command_store(status, priority DESC, ts);

	-- Typed key/value runtime config with per-key version counter
	CREATE TABLE IF NOT EXISTS config_store (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		config_key TEXT NOT NULL UNIQUE,
		value_json TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		updated_by TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Projection / poller checkpoints
	CREATE TABLE IF NOT EXISTS checkpoint_store (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		checkpoint_type TEXT NOT NULL UNIQUE,
		last_seq INTEGER NOT NULL DEFAULT 0,
		last_ts TEXT,
		metadata_json TEXT,
		updated_at TEXT NOT NULL
	);

	-- Balance projection mirror, readable by the web process
	CREATE TABLE IF NOT EXISTS projection_balance (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		venue TEXT NOT NULL,
		asset TEXT NOT NULL,
		balance TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(venue, asset)
	);

	-- Transfer projection mirror (SPOT <-> FUTURES history view)
	CREATE TABLE IF NOT EXISTS transfers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tran_id INTEGER NOT NULL UNIQUE,
		asset TEXT NOT NULL,
		amount TEXT NOT NULL,
		from_venue TEXT NOT NULL,
		to_venue TEXT NOT NULL,
		ts TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// nullStr maps "" to NULL for optional columns.
func nullStr(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

// strOrEmpty maps NULL back to "".
func strOrEmpty(v sql.NullString) string {
	if !v.Valid {
		return ""
	}
	return v.String
}

// isUniqueViolation detects SQLite unique-constraint errors without binding
// every call site to the driver's error type.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
