// Package store is the daemon's local SQLite store: a spool for shell logs
// that could not reach the engine, and last-known peers and history kept for
// when the engine is degraded.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Defaults used by Open.
const (
	DefaultBusyTimeout = 5 * time.Second
	DefaultHistoryCap  = 500
	DefaultStashCap    = 10000
)

// Options tunes a Store.
type Options struct {
	BusyTimeout time.Duration
	// HistoryCap bounds history_cache; oldest items by created time go first.
	HistoryCap int
	// StashCap bounds log_stash; oldest rows go first.
	StashCap int
}

// DefaultOptions returns the options Open uses.
func DefaultOptions() Options {
	return Options{
		BusyTimeout: DefaultBusyTimeout,
		HistoryCap:  DefaultHistoryCap,
		StashCap:    DefaultStashCap,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = d.BusyTimeout
	}
	if o.HistoryCap <= 0 {
		o.HistoryCap = d.HistoryCap
	}
	if o.StashCap <= 0 {
		o.StashCap = d.StashCap
	}
	return o
}

// ErrClosed is returned by operations on a closed Store.
var ErrClosed = errors.New("store: closed")

// Store is the SQLite-backed local store.
type Store struct {
	db   *sql.DB
	opts Options
	now  func() time.Time
}

func dsn(path string, busy time.Duration) string {
	return fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d", path, busy.Milliseconds())
}

// Open opens or creates the SQLite database at the given path and runs migrations.
func Open(path string) (*Store, error) {
	return OpenWith(path, DefaultOptions())
}

// OpenWith is Open with explicit options.
func OpenWith(path string, opts Options) (*Store, error) {
	opts = opts.withDefaults()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	if err := migrateUp(dsn(path, opts.BusyTimeout)); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dsn(path, opts.BusyTimeout))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer; readers queue behind it instead of tripping SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}

	return &Store{db: db, opts: opts, now: time.Now}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

func (s *Store) conn() (*sql.DB, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	return s.db, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

func (s *Store) nowMs() int64 { return s.now().UnixMilli() }

// Version reports the applied schema version.
func (s *Store) Version() (uint, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	var v uint
	var dirty bool
	err = db.QueryRow(`SELECT version, dirty FROM schema_migrations LIMIT 1`).Scan(&v, &dirty)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	if dirty {
		return v, fmt.Errorf("schema version %d is dirty", v)
	}
	return v, nil
}

func nullable(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullable(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
