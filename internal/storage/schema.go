package storage

import (
	"fmt"
	"time"
)

// currentSchemaVersion is the current database schema version.
// Increment this when making schema changes and add migration logic.
const currentSchemaVersion = 2

// initSchema brings the database up to currentSchemaVersion.
func (s *SQLiteStore) initSchema() error {
	const schemaVersionTable = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`
	if _, err := s.db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}

	if version < 1 {
		if err := s.migrateToV1(); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	if version < 2 {
		if err := s.migrateToV2(); err != nil {
			return fmt.Errorf("migrate to v2: %w", err)
		}
	}

	return nil
}

// migrateToV1 creates the sessions table: one row per identity holding the
// latest recorded snapshot.
func (s *SQLiteStore) migrateToV1() error {
	s.logger.Info().Msg("storage: applying migration to schema version 1")

	// Timestamps are RFC3339 strings for readability and portability.
	const sessionsTable = `
		CREATE TABLE IF NOT EXISTS sessions (
			identity TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 0,
			display_name TEXT NOT NULL DEFAULT '',
			last_error_code TEXT NOT NULL DEFAULT '',
			last_error_message TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state);
	`
	if _, err := s.db.Exec(sessionsTable); err != nil {
		return fmt.Errorf("create sessions table: %w", err)
	}

	return s.recordMigration(1)
}

// migrateToV2 adds the transition audit table.
func (s *SQLiteStore) migrateToV2() error {
	s.logger.Info().Msg("storage: applying migration to schema version 2")

	const transitionsTable = `
		CREATE TABLE IF NOT EXISTS session_transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			identity TEXT NOT NULL,
			state TEXT NOT NULL,
			version INTEGER NOT NULL,
			error_code TEXT NOT NULL DEFAULT '',
			recorded_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_transitions_identity ON session_transitions(identity, id);
	`
	if _, err := s.db.Exec(transitionsTable); err != nil {
		return fmt.Errorf("create session_transitions table: %w", err)
	}

	return s.recordMigration(2)
}

func (s *SQLiteStore) recordMigration(version int) error {
	_, err := s.db.Exec(
		"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
		version,
		time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return nil
}
