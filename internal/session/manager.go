// Package session implements the connection lifecycle core: a per-identity
// state machine, the registry that owns one session per identity, and the
// reconnection policy applied after transient disconnects.
//
// Sessions are created on first start and leave the registry on any
// terminal transition. Callers interact through Manager; the transport is
// reached only through the transport.Opener it is configured with.
package session

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/pseudocoder/pairhost/internal/errors"
	"github.com/pseudocoder/pairhost/internal/pairing"
	"github.com/pseudocoder/pairhost/internal/transport"
)

// DefaultMaxSessions is the default bound on concurrent sessions.
const DefaultMaxSessions = 100

// shutdownParallelism bounds concurrent handle closes in CloseAll.
const shutdownParallelism = 16

// Store persists session snapshots. Implementations must tolerate
// snapshots arriving out of order and keep the highest Version.
type Store interface {
	SaveSnapshot(ctx context.Context, snap Snapshot) error

	// LiveIdentities lists identities whose last recorded state was live.
	LiveIdentities(ctx context.Context) ([]string, error)
}

// Config holds configuration for the Manager.
type Config struct {
	// Opener creates transport handles. Required.
	Opener transport.Opener

	// Pairing renders challenges. Default: a Coordinator with defaults.
	Pairing *pairing.Coordinator

	// Policy controls reconnection after transient disconnects.
	Policy ReconnectPolicy

	// CredentialDir is the parent of every identity's credential store.
	CredentialDir string

	// MaxSessions bounds the registry. Default: DefaultMaxSessions.
	MaxSessions int

	// StartWait makes Start block until the session settles, up to this
	// long. Zero returns right after the handle is allocated.
	StartWait time.Duration

	// Store records snapshots. Optional.
	Store Store

	// OnChange is called with every snapshot after it is applied. Optional.
	OnChange func(Snapshot)

	Logger zerolog.Logger

	// TimeNow returns the current time. Useful for testing.
	// Default: time.Now.
	TimeNow func() time.Time
}

// Manager is the session registry and the command/status façade over it.
//
// The map lock is held only for lookups, inserts and removals. Handle
// allocation runs outside it, serialized per session.
type Manager struct {
	cfg     Config
	pairing *pairing.Coordinator
	logger  zerolog.Logger

	mu         sync.RWMutex
	sessions   map[string]*Session
	tombstones map[string]*ErrorInfo
	closed     bool
}

// NewManager creates an empty Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Opener == nil {
		return nil, errors.New("session: transport opener is required")
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.TimeNow == nil {
		cfg.TimeNow = time.Now
	}
	coord := cfg.Pairing
	if coord == nil {
		coord = pairing.NewCoordinator(pairing.Config{Logger: cfg.Logger, TimeNow: cfg.TimeNow})
	}

	return &Manager{
		cfg:        cfg,
		pairing:    coord,
		logger:     cfg.Logger,
		sessions:   make(map[string]*Session),
		tombstones: make(map[string]*ErrorInfo),
	}, nil
}

func (m *Manager) now() time.Time {
	return m.cfg.TimeNow()
}

func (m *Manager) publish(snap Snapshot, persist bool) {
	if persist && m.cfg.Store != nil {
		if err := m.cfg.Store.SaveSnapshot(context.Background(), snap); err != nil {
			m.logger.Error().Err(err).Str("identity", snap.Identity).Msg("session: recording snapshot")
		}
	}
	if m.cfg.OnChange != nil {
		m.cfg.OnChange(snap)
	}
}

// getOrInsert returns the registered session for identity, replacing one
// that already ended. An ended session whose credentials are still being
// deleted is not replaced: the returned channel closes once it is safe to
// try again.
func (m *Manager) getOrInsert(identity string) (*Session, <-chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, nil, apperrors.Internal("session manager is shut down", nil)
	}

	if s, ok := m.sessions[identity]; ok {
		if !s.State().Terminal() {
			return s, nil, nil
		}
		if done := s.cleanupPending(); done != nil {
			return nil, done, nil
		}
	}

	if len(m.sessions) >= m.cfg.MaxSessions {
		if _, replacing := m.sessions[identity]; !replacing {
			return nil, nil, apperrors.LimitReached(m.cfg.MaxSessions)
		}
	}

	s := newSession(m, identity)
	m.sessions[identity] = s
	delete(m.tombstones, identity)
	return s, nil, nil
}

// GetOrCreate returns the session for identity, creating it and
// allocating its transport handle if needed. Concurrent calls for the same
// identity yield the same session and a single handle. When the previous
// session is still deleting its credentials, GetOrCreate waits for that to
// finish so the new session never opens a store that is being removed.
func (m *Manager) GetOrCreate(ctx context.Context, identity string) (*Session, error) {
	if err := ValidateIdentity(identity); err != nil {
		return nil, err
	}

	// A session can end between lookup and start; retry with a fresh one.
	for ended := 0; ended < 3; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s, cleanup, err := m.getOrInsert(identity)
		if err != nil {
			return nil, err
		}
		if cleanup != nil {
			select {
			case <-cleanup:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		err = s.start()
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, errSessionEnded) {
			return nil, err
		}
		ended++
	}
	return nil, apperrors.Internal("session ended while starting", nil)
}

// Get returns the registered session for identity, or nil.
func (m *Manager) Get(identity string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[identity]
}

// Remove deletes s from the registry if it is still the registered
// session for its identity. It reports whether an entry was removed.
func (m *Manager) Remove(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(s)
}

func (m *Manager) removeLocked(s *Session) bool {
	if cur, ok := m.sessions[s.identity]; !ok || cur != s {
		return false
	}
	delete(m.sessions, s.identity)
	return true
}

// retire removes a terminated session and remembers why it failed.
func (m *Manager) retire(s *Session, tombstone *ErrorInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.removeLocked(s) {
		return
	}
	if tombstone != nil {
		m.tombstones[s.identity] = tombstone
	} else {
		delete(m.tombstones, s.identity)
	}
	m.logger.Debug().Str("identity", s.identity).Msg("session: removed from registry")
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// List returns snapshots of every session that has not ended, ordered by
// identity.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		snap := s.Snapshot()
		if snap.State.Terminal() {
			continue
		}
		snaps = append(snaps, snap)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Identity < snaps[j].Identity })
	return snaps
}

// Start begins (or joins) the lifecycle for identity. It is idempotent:
// a session that is starting, pairing or connected is left untouched.
// With StartWait configured it blocks until the session settles or the
// wait elapses, then returns the latest snapshot.
func (m *Manager) Start(ctx context.Context, identity string) (Snapshot, error) {
	s, err := m.GetOrCreate(ctx, identity)
	if err != nil {
		return Snapshot{}, err
	}
	if m.cfg.StartWait > 0 {
		return s.wait(ctx, m.cfg.StartWait), nil
	}
	return s.Snapshot(), nil
}

// Status returns the current snapshot for identity. Identities without a
// session report DISCONNECTED, with the reason of the last failure if the
// previous session ended on one.
//
// AUTH_FAILED and TERMINATED are transient: only OnChange subscribers see
// them. A poller tells why a session ended from LastError.Code, for
// example auth.rejected, transport.logged_out or
// transport.retries_exhausted.
func (m *Manager) Status(identity string) Snapshot {
	m.mu.RLock()
	s := m.sessions[identity]
	tombstone := m.tombstones[identity]
	m.mu.RUnlock()

	if s == nil {
		return disconnected(identity, tombstone)
	}
	snap := s.Snapshot()
	if snap.State.Terminal() {
		return disconnected(identity, snap.LastError)
	}
	return snap
}

// SendMessage relays content to recipient through identity's session.
// The session must be CONNECTED; otherwise the transport is not touched
// and the error names the current state.
func (m *Manager) SendMessage(ctx context.Context, identity, recipient, content string) (string, error) {
	if err := ValidateIdentity(identity); err != nil {
		return "", err
	}
	if strings.TrimSpace(recipient) == "" {
		return "", apperrors.RecipientMissing()
	}
	if content == "" {
		return "", apperrors.ContentMissing()
	}

	s := m.Get(identity)
	if s == nil {
		return "", apperrors.NotConnected(identity, string(StateDisconnected))
	}
	return s.send(ctx, recipient, content)
}

// Disconnect tears down identity's session, cancelling pending reconnects
// and aborting an in-flight open. With logout the stored credentials are
// deleted too. It never fails and is a no-op for unknown identities.
func (m *Manager) Disconnect(ctx context.Context, identity string, logout bool) Snapshot {
	s := m.Get(identity)
	if s == nil {
		return Snapshot{Identity: identity, State: StateTerminated}
	}
	snap := s.disconnect(logout)
	snap.State = StateTerminated
	return snap
}

// Resume restarts every session the store recorded as live. It returns
// how many sessions were started.
func (m *Manager) Resume(ctx context.Context) (int, error) {
	if m.cfg.Store == nil {
		return 0, nil
	}

	identities, err := m.cfg.Store.LiveIdentities(ctx)
	if err != nil {
		return 0, apperrors.Internal("failed to list sessions to resume", err)
	}

	started := 0
	for _, identity := range identities {
		if _, err := m.GetOrCreate(ctx, identity); err != nil {
			m.logger.Warn().Err(err).Str("identity", identity).Msg("session: resume failed")
			continue
		}
		started++
	}
	m.logger.Info().Int("sessions", started).Msg("session: resumed sessions")
	return started, nil
}

// CloseAll closes every session for host shutdown. Credentials and stored
// records are kept so the sessions can be resumed. The manager accepts no
// new sessions afterwards.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(shutdownParallelism)
	for _, s := range sessions {
		g.Go(s.shutdown)
	}
	return g.Wait()
}
