// Package store is the single source of truth for all persisted state:
// conversations, sub-agents, role templates, background tasks, task metrics,
// and episodic memory. It is backed by a local SQLite file (pure-Go driver,
// zero CGO) with an FTS5 index over episodic content.
//
// All operations are synchronous and single-process; writes are durable
// before their call returns. Other components receive immutable copies and
// never cache rows across suspension points.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/tinyclawhq/tinyclaw/internal/clock"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store wraps the SQLite database and the daemon clock.
type Store struct {
	db    *sql.DB
	clock clock.Clock
}

// Open opens (creating if needed) the database at path and applies pending
// schema migrations. A single connection is shared so all goroutines
// serialize through it, avoiding SQLITE_BUSY from concurrent writers.
func Open(path string, clk clock.Clock) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	if clk == nil {
		clk = clock.System{}
	}
	return &Store{db: db, clock: clk}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return err
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// DB exposes the underlying handle for components that share the connection.
func (s *Store) DB() *sql.DB { return s.db }

// Clock returns the store's time source.
func (s *Store) Clock() clock.Clock { return s.clock }

// Close closes the database. Called last during shutdown.
func (s *Store) Close() error { return s.db.Close() }

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// marshal/unmarshal helpers for []string columns live in json.go.
