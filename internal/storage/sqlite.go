// Package storage persists session records and their transition history in
// SQLite so that the host can report past outcomes and resume live sessions
// after a restart.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	// SQLite driver - imported for side effects (registers the driver).
	// modernc.org/sqlite is pure Go and needs no CGO.
	_ "modernc.org/sqlite"
)

// ErrRecordNotFound is returned when a session record lookup fails.
var ErrRecordNotFound = errors.New("session record not found")

// SQLiteStore records session snapshots in SQLite.
// It creates the database and tables on first use and supports
// concurrent access through internal locking.
type SQLiteStore struct {
	db     *sql.DB      // Database connection handle.
	mu     sync.RWMutex // Guards all database operations.
	logger zerolog.Logger

	// maxTransitions bounds the audit rows kept per identity.
	maxTransitions int
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithLogger sets the store's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *SQLiteStore) { s.logger = l }
}

// WithMaxTransitions bounds the audit rows kept per identity.
func WithMaxTransitions(n int) Option {
	return func(s *SQLiteStore) {
		if n > 0 {
			s.maxTransitions = n
		}
	}
}

// DefaultMaxTransitions is the default per-identity audit retention.
const DefaultMaxTransitions = 200

// NewSQLiteStore opens or creates a SQLite database at the given path.
// Use ":memory:" for an in-memory database (useful for testing).
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	store := &SQLiteStore{
		logger:         zerolog.Nop(),
		maxTransitions: DefaultMaxTransitions,
	}
	for _, opt := range opts {
		opt(store)
	}

	store.logger.Debug().Str("path", path).Msg("storage: opening database")

	// busy_timeout covers the CLI and a running host touching the file at once.
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	store.db = db

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	store.logger.Debug().Int("schema_version", currentSchemaVersion).Msg("storage: database ready")
	return store, nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	s.logger.Debug().Msg("storage: closing database")
	return s.db.Close()
}
