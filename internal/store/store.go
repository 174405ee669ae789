// Package store provides the durable local resource database: one namespace
// per resource type, pre-declared secondary indexes, and a metadata namespace
// recording per-query freshness. It is the only durable home for resource
// state; the lightweight cache handles everything smaller.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store wraps the embedded database. Construct with New, then call Init
// before use; Init is idempotent and safe to call concurrently.
type Store struct {
	path string

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// New creates a Store rooted at dataDir. No I/O happens until Init.
func New(dataDir string) *Store {
	return &Store{path: filepath.Join(dataDir, "resources.db")}
}

// Init opens (or creates) the database and applies pending migrations.
// Repeated and concurrent calls return the same connection and the same
// result. Failure yields ErrStorageUnavailable: the app keeps running
// without offline support.
func (s *Store) Init(ctx context.Context) error {
	s.initOnce.Do(func() {
		s.initErr = s.open(ctx)
	})
	return s.initErr
}

func (s *Store) open(ctx context.Context) error {
	dsn := "file:" + s.path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	// A single writer keeps sqlite happy under WAL.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	if err := s.migrate(db); err != nil {
		db.Close()
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	s.db = db
	slog.Info("store opened", "path", s.path)
	return nil
}

// migrate applies all pending schema migrations. Migrations are additive
// only: new stores and indexes, never destructive rewrites.
func (s *Store) migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Ready reports whether Init succeeded.
func (s *Store) Ready() bool {
	return s.db != nil
}

// Close releases the database connection.
func (s *Store) Close() {
	if s.db != nil {
		s.db.Close()
		s.db = nil
		slog.Info("store closed")
	}
}
