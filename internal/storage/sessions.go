package storage

// sessions.go contains SQLiteStore methods for session records and the
// transition audit.

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pseudocoder/pairhost/internal/session"
)

// timeLayout is fixed-width UTC so stored timestamps compare correctly as
// strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// Record is the latest stored snapshot of one identity.
type Record struct {
	Identity         string        `json:"identity"`
	State            session.State `json:"state"`
	Version          uint64        `json:"version"`
	DisplayName      string        `json:"display_name,omitempty"`
	LastErrorCode    string        `json:"last_error_code,omitempty"`
	LastErrorMessage string        `json:"last_error_message,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// Transition is one audit row: a state the identity entered.
type Transition struct {
	ID         int64         `json:"id"`
	Identity   string        `json:"identity"`
	State      session.State `json:"state"`
	Version    uint64        `json:"version"`
	ErrorCode  string        `json:"error_code,omitempty"`
	RecordedAt time.Time     `json:"recorded_at"`
}

var _ session.Store = (*SQLiteStore)(nil)

// liveStates are the states a session is resumed from.
var liveStates = []session.State{
	session.StateUninitialized,
	session.StateStarting,
	session.StateAwaitingPairing,
	session.StateConnected,
}

// SaveSnapshot records snap as the identity's latest state and appends an
// audit row when the state changed. Snapshots older than the stored one
// (same session, lower version; or an earlier session) are ignored.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap session.Snapshot) error {
	if snap.Identity == "" {
		return errors.New("snapshot identity cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var prevState, prevCreated string
	err = tx.QueryRowContext(ctx,
		"SELECT state, created_at FROM sessions WHERE identity = ?", snap.Identity,
	).Scan(&prevState, &prevCreated)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read previous state: %w", err)
	}

	var displayName, errCode, errMessage string
	if snap.Connection != nil {
		displayName = snap.Connection.DisplayName
	}
	if snap.LastError != nil {
		errCode = snap.LastError.Code
		errMessage = snap.LastError.Message
	}
	createdAt := formatTime(snap.CreatedAt)
	updatedAt := formatTime(snap.UpdatedAt)

	const upsert = `
		INSERT INTO sessions
			(identity, state, version, display_name, last_error_code, last_error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			state = excluded.state,
			version = excluded.version,
			display_name = CASE WHEN excluded.display_name = '' THEN sessions.display_name ELSE excluded.display_name END,
			last_error_code = excluded.last_error_code,
			last_error_message = excluded.last_error_message,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
		WHERE excluded.created_at > sessions.created_at
			OR (excluded.created_at = sessions.created_at AND excluded.version > sessions.version)
	`
	res, err := tx.ExecContext(ctx, upsert,
		snap.Identity,
		string(snap.State),
		int64(snap.Version),
		displayName,
		errCode,
		errMessage,
		createdAt,
		updatedAt,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	applied, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if applied == 0 {
		s.logger.Debug().
			Str("identity", snap.Identity).
			Uint64("version", snap.Version).
			Msg("storage: ignoring stale snapshot")
		return nil
	}

	if prevState != string(snap.State) || prevCreated != createdAt {
		if err := s.appendTransition(ctx, tx, snap, errCode); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// appendTransition inserts an audit row and prunes the identity's oldest
// rows beyond maxTransitions.
func (s *SQLiteStore) appendTransition(ctx context.Context, tx *sql.Tx, snap session.Snapshot, errCode string) error {
	const insertQuery = `
		INSERT INTO session_transitions (identity, state, version, error_code, recorded_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := tx.ExecContext(ctx, insertQuery,
		snap.Identity,
		string(snap.State),
		int64(snap.Version),
		errCode,
		formatTime(snap.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}

	const pruneQuery = `
		DELETE FROM session_transitions
		WHERE identity = ? AND id NOT IN (
			SELECT id FROM session_transitions WHERE identity = ? ORDER BY id DESC LIMIT ?
		)
	`
	if _, err := tx.ExecContext(ctx, pruneQuery, snap.Identity, snap.Identity, s.maxTransitions); err != nil {
		return fmt.Errorf("prune transitions: %w", err)
	}
	return nil
}

// GetRecord returns the stored record for identity.
// Returns ErrRecordNotFound if none exists.
func (s *SQLiteStore) GetRecord(ctx context.Context, identity string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = `
		SELECT identity, state, version, display_name, last_error_code, last_error_message, created_at, updated_at
		FROM sessions
		WHERE identity = ?
	`
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, identity))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session record: %w", err)
	}
	return rec, nil
}

// ListRecords returns records ordered by most recent update.
// A limit of 0 or less returns every record.
func (s *SQLiteStore) ListRecords(ctx context.Context, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}

	const query = `
		SELECT identity, state, version, display_name, last_error_code, last_error_message, created_at, updated_at
		FROM sessions
		ORDER BY updated_at DESC, identity ASC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list session records: %w", err)
	}
	defer rows.Close()

	records := make([]*Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session records: %w", err)
	}
	return records, nil
}

// LiveIdentities implements session.Store: identities whose latest
// recorded state still wanted a connection.
func (s *SQLiteStore) LiveIdentities(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	args := make([]any, len(liveStates))
	for i, st := range liveStates {
		args[i] = string(st)
	}

	const query = `
		SELECT identity FROM sessions
		WHERE state IN (?, ?, ?, ?)
		ORDER BY identity
	`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list live sessions: %w", err)
	}
	defer rows.Close()

	var identities []string
	for rows.Next() {
		var identity string
		if err := rows.Scan(&identity); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		identities = append(identities, identity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate live sessions: %w", err)
	}
	return identities, nil
}

// Transitions returns the identity's audit rows, newest first.
// A limit of 0 or less returns every row.
func (s *SQLiteStore) Transitions(ctx context.Context, identity string, limit int) ([]Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}

	const query = `
		SELECT id, identity, state, version, error_code, recorded_at
		FROM session_transitions
		WHERE identity = ?
		ORDER BY id DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, identity, limit)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	transitions := make([]Transition, 0)
	for rows.Next() {
		var (
			tr         Transition
			state      string
			version    int64
			recordedAt string
		)
		if err := rows.Scan(&tr.ID, &tr.Identity, &state, &version, &tr.ErrorCode, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.State = session.State(state)
		tr.Version = uint64(version)
		t, err := parseTime(recordedAt)
		if err != nil {
			return nil, fmt.Errorf("parse recorded_at: %w", err)
		}
		tr.RecordedAt = t
		transitions = append(transitions, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	return transitions, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec       Record
		state     string
		version   int64
		createdAt string
		updatedAt string
	)
	err := row.Scan(
		&rec.Identity,
		&state,
		&version,
		&rec.DisplayName,
		&rec.LastErrorCode,
		&rec.LastErrorMessage,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.State = session.State(state)
	rec.Version = uint64(version)

	t, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	rec.CreatedAt = t

	t, err = parseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	rec.UpdatedAt = t

	return &rec, nil
}
