package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "github.com/pseudocoder/pairhost/internal/errors"
	"github.com/pseudocoder/pairhost/internal/pairing"
	"github.com/pseudocoder/pairhost/internal/transport"
)

// errSessionEnded is returned by start on a session that already reached a
// terminal state. The manager replaces such sessions with fresh ones.
var errSessionEnded = errors.New("session ended")

// Session drives one identity through its connection lifecycle.
//
// All state lives behind mu and every transition is applied while holding
// it, so snapshots never observe a half-applied transition. Work that must
// not run under the lock (closing handles, deleting credentials, publishing
// snapshots, registry removal) is queued on pending and executed by unlock
// in order.
type Session struct {
	identity string
	credPath string
	m        *Manager
	logger   zerolog.Logger

	// startMu serializes handle allocation so that concurrent starts open
	// at most one handle. It is never held together with m.mu.
	startMu sync.Mutex

	mu sync.Mutex

	state    State
	artifact *pairing.Artifact
	conn     *transport.ConnectionInfo
	handle   transport.Handle

	// generation increases with every handle allocation. Events and
	// render results tagged with an older generation are dropped.
	generation uint64

	// challenge numbers pairing challenges within a generation.
	challenge    uint64
	renderFailed bool

	retry       *retrier
	nextRetryAt time.Time
	retryTimer  *time.Timer
	retryToken  uint64

	// openCancel aborts an in-flight Open.
	openCancel context.CancelFunc

	lastErr   *ErrorInfo
	version   uint64
	createdAt time.Time
	updatedAt time.Time

	// changed is closed and replaced on every change.
	changed chan struct{}

	// cleanup is closed once credential deletion queued by a terminal
	// transition has finished. Nil when no deletion was queued.
	cleanup chan struct{}

	// quiet suppresses persistence during host shutdown so that sessions
	// stay recorded as live and can be resumed.
	quiet bool

	pending []func()
}

func newSession(m *Manager, identity string) *Session {
	now := m.now()
	return &Session{
		identity:  identity,
		credPath:  CredentialPath(m.cfg.CredentialDir, identity),
		m:         m,
		logger:    m.logger.With().Str("identity", identity).Logger(),
		state:     StateUninitialized,
		retry:     m.cfg.Policy.newRetrier(),
		createdAt: now,
		updatedAt: now,
		changed:   make(chan struct{}),
	}
}

// Identity returns the session's identity.
func (s *Session) Identity() string {
	return s.identity
}

// Snapshot returns a consistent view of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		Identity:  s.identity,
		State:     s.state,
		Version:   s.version,
		CreatedAt: s.createdAt,
		UpdatedAt: s.updatedAt,
	}
	if s.state == StateAwaitingPairing && s.artifact != nil && !s.artifact.Expired(s.m.now()) {
		a := *s.artifact
		snap.Artifact = &a
	}
	if s.state == StateConnected && s.conn != nil {
		c := *s.conn
		snap.Connection = &c
	}
	if s.state == StateUninitialized && s.retry.attempts > 0 {
		snap.RetryCount = s.retry.attempts
		if !s.nextRetryAt.IsZero() {
			t := s.nextRetryAt
			snap.NextRetryAt = &t
		}
	}
	if s.lastErr != nil {
		e := *s.lastErr
		snap.LastError = &e
	}
	return snap
}

// unlock releases mu and then runs the work queued while it was held.
func (s *Session) unlock() {
	fx := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, f := range fx {
		f()
	}
}

func (s *Session) later(f func()) {
	s.pending = append(s.pending, f)
}

// changedLocked records a change and queues its publication.
func (s *Session) changedLocked() {
	s.version++
	s.updatedAt = s.m.now()
	close(s.changed)
	s.changed = make(chan struct{})

	snap := s.snapshotLocked()
	persist := !s.quiet
	s.later(func() { s.m.publish(snap, persist) })
}

func (s *Session) transitionLocked(to State) {
	from := s.state
	s.state = to
	if to != StateAwaitingPairing {
		s.artifact = nil
	}
	if to != StateConnected {
		s.conn = nil
	}
	s.logger.Debug().Str("from", string(from)).Str("to", string(to)).Msg("session: transition")
	s.changedLocked()
}

// start allocates a transport handle if the session does not hold one.
// It is a no-op in STARTING, AWAITING_PAIRING and CONNECTED.
func (s *Session) start() error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.Lock()
	switch {
	case s.state.Live():
		s.unlock()
		return nil
	case s.state != StateUninitialized:
		s.unlock()
		return errSessionEnded
	}

	s.stopRetryTimerLocked()
	s.nextRetryAt = time.Time{}
	s.generation++
	gen := s.generation
	openCtx, cancel := context.WithCancel(context.Background())
	s.openCancel = cancel
	s.transitionLocked(StateStarting)
	s.unlock()

	h, err := s.m.cfg.Opener.Open(openCtx, s.credPath)
	cancel()

	s.mu.Lock()
	defer s.unlock()

	if s.generation != gen || s.state != StateStarting || s.handle != nil {
		// Disconnected while the open was in flight.
		if h != nil {
			s.later(func() { _ = h.Close() })
		}
		return nil
	}
	s.openCancel = nil

	if err != nil {
		s.logger.Warn().Err(err).Msg("session: transport open failed")
		s.transientLocked(apperrors.OpenFailed(err))
		return nil
	}

	s.handle = h
	go s.pump(gen, h)
	return nil
}

// pump forwards one handle's events into the state machine.
func (s *Session) pump(gen uint64, h transport.Handle) {
	for ev := range h.Events() {
		s.handleEvent(gen, h, ev)
	}
	s.streamEnded(gen, h)
}

func (s *Session) handleEvent(gen uint64, h transport.Handle, ev transport.Event) {
	s.mu.Lock()
	defer s.unlock()

	if s.generation != gen || s.handle != h {
		s.logger.Debug().Str("event", string(ev.Type)).Uint64("generation", gen).Msg("session: dropping stale event")
		return
	}

	switch ev.Type {
	case transport.EventPairingChallenge:
		s.onChallengeLocked(gen, ev.Challenge)
	case transport.EventConnected:
		s.onConnectedLocked(ev.Info)
	case transport.EventClosed:
		if ev.Reason == transport.CloseLoggedOut {
			s.logger.Info().Str("detail", ev.Detail).Msg("session: logged out")
			s.terminateLocked(StateTerminated, apperrors.LoggedOut(ev.Detail), true)
			return
		}
		s.transientLocked(apperrors.Transient(ev.Detail))
	case transport.EventAuthFailure:
		s.logger.Warn().Str("detail", ev.Detail).Msg("session: credentials rejected")
		s.terminateLocked(StateAuthFailed, apperrors.AuthRejected(ev.Detail), true)
	default:
		s.logger.Warn().Str("event", string(ev.Type)).Msg("session: ignoring unknown transport event")
	}
}

func (s *Session) onChallengeLocked(gen uint64, payload []byte) {
	if s.state != StateStarting && s.state != StateAwaitingPairing {
		s.logger.Debug().Str("state", string(s.state)).Msg("session: ignoring pairing challenge")
		return
	}

	// A replacement challenge keeps the previous artifact on display until
	// its own render lands.
	s.challenge++
	seq := s.challenge
	s.renderFailed = false
	if s.state != StateAwaitingPairing {
		s.transitionLocked(StateAwaitingPairing)
	}

	s.m.pairing.RenderAsync(payload, func(a *pairing.Artifact, err error) {
		s.acceptArtifact(gen, seq, a, err)
	})
}

// acceptArtifact stores a rendered artifact if the challenge it belongs to
// is still the current one.
func (s *Session) acceptArtifact(gen, seq uint64, a *pairing.Artifact, err error) {
	s.mu.Lock()
	defer s.unlock()

	if s.generation != gen || s.challenge != seq || s.state != StateAwaitingPairing {
		s.logger.Debug().Uint64("challenge", seq).Msg("session: discarding outdated pairing artifact")
		return
	}

	if err != nil {
		s.logger.Warn().Err(err).Msg("session: pairing artifact render failed")
		s.renderFailed = true
		s.lastErr = errorInfo(apperrors.RenderFailed(err))
		s.changedLocked()
		return
	}

	s.artifact = a
	s.changedLocked()
}

func (s *Session) onConnectedLocked(info transport.ConnectionInfo) {
	if !s.state.Live() {
		return
	}
	s.retry.reset()
	s.nextRetryAt = time.Time{}
	s.lastErr = nil
	s.conn = &info
	s.logger.Info().Str("display_name", info.DisplayName).Msg("session: connected")
	s.transitionLocked(StateConnected)
}

// streamEnded treats an event stream that closed without a close event as
// a transient disconnect.
func (s *Session) streamEnded(gen uint64, h transport.Handle) {
	s.mu.Lock()
	defer s.unlock()

	if s.generation != gen || s.handle != h {
		return
	}
	s.transientLocked(apperrors.Transient("event stream ended"))
}

func (s *Session) detachHandleLocked() {
	if s.handle == nil {
		return
	}
	h := s.handle
	s.handle = nil
	s.later(func() {
		if err := h.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("session: closing transport handle")
		}
	})
}

func (s *Session) stopRetryTimerLocked() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	// Invalidate a callback that already fired and is waiting on mu.
	s.retryToken++
}

// transientLocked drops the handle and schedules a reconnect, or
// terminates the session when the retry bound is used up.
func (s *Session) transientLocked(cause error) {
	s.detachHandleLocked()
	s.lastErr = errorInfo(cause)

	delay, ok := s.retry.next()
	if !ok {
		s.logger.Warn().Int("attempts", s.retry.attempts).Msg("session: giving up reconnecting")
		s.terminateLocked(StateTerminated, apperrors.RetriesExhausted(s.retry.attempts), false)
		return
	}

	s.stopRetryTimerLocked()
	s.nextRetryAt = s.m.now().Add(delay)
	token := s.retryToken
	s.retryTimer = time.AfterFunc(delay, func() { s.retryFired(token) })

	s.logger.Info().
		Err(cause).
		Int("attempt", s.retry.attempts).
		Dur("delay", delay).
		Msg("session: reconnect scheduled")
	s.transitionLocked(StateUninitialized)
}

func (s *Session) retryFired(token uint64) {
	s.mu.Lock()
	due := s.retryToken == token && s.state == StateUninitialized
	if due {
		s.retryTimer = nil
	}
	s.mu.Unlock()

	if due {
		_ = s.start()
	}
}

// terminateLocked releases everything the session owns, moves it to final
// and queues credential deletion and registry removal.
func (s *Session) terminateLocked(final State, cause error, deleteCredentials bool) {
	s.stopRetryTimerLocked()
	if s.openCancel != nil {
		s.openCancel()
		s.openCancel = nil
	}
	s.detachHandleLocked()
	s.nextRetryAt = time.Time{}
	if cause != nil {
		s.lastErr = errorInfo(cause)
	}
	s.transitionLocked(final)

	if deleteCredentials {
		path := s.credPath
		done := make(chan struct{})
		s.cleanup = done
		s.later(func() {
			defer close(done)
			if err := s.m.cfg.Opener.DeleteCredentials(path); err != nil {
				s.logger.Error().Err(err).Msg("session: deleting credentials")
			}
		})
	}

	var tombstone *ErrorInfo
	if cause != nil {
		tombstone = errorInfo(cause)
	}
	s.later(func() { s.m.retire(s, tombstone) })
}

// cleanupPending returns a channel that closes when the credential
// deletion queued by this session's terminal transition finishes, or nil
// if none is outstanding.
func (s *Session) cleanupPending() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleanup == nil {
		return nil
	}
	select {
	case <-s.cleanup:
		return nil
	default:
		return s.cleanup
	}
}

// disconnect tears the session down. It is idempotent.
func (s *Session) disconnect(logout bool) Snapshot {
	s.mu.Lock()
	defer s.unlock()

	if s.state.Terminal() || s.state == StateDisconnecting {
		return s.snapshotLocked()
	}

	s.logger.Info().Bool("logout", logout).Msg("session: disconnecting")
	s.transitionLocked(StateDisconnecting)
	s.terminateLocked(StateTerminated, nil, logout)
	return s.snapshotLocked()
}

// shutdown closes the session for host shutdown, keeping credentials and
// the persisted record intact.
func (s *Session) shutdown() error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.unlock()
		return nil
	}
	h := s.handle
	s.handle = nil
	s.quiet = true
	s.terminateLocked(StateTerminated, nil, false)
	s.unlock()

	if h != nil {
		return h.Close()
	}
	return nil
}

// send delivers one message through the handle. It fails without touching
// the transport unless the session is CONNECTED.
func (s *Session) send(ctx context.Context, recipient, content string) (string, error) {
	s.mu.Lock()
	state, h := s.state, s.handle
	s.mu.Unlock()

	if state != StateConnected || h == nil {
		return "", apperrors.NotConnected(s.identity, string(state))
	}

	id, err := h.Send(ctx, recipient, content)
	if err != nil {
		s.logger.Warn().Err(err).Str("recipient", recipient).Msg("session: send failed")
		return "", apperrors.SendFailed(err)
	}
	return id, nil
}

// settledLocked reports whether a blocking start has something to show.
func (s *Session) settledLocked() bool {
	switch s.state {
	case StateConnected, StateTerminated, StateAuthFailed:
		return true
	case StateAwaitingPairing:
		return s.artifact != nil || s.renderFailed
	case StateUninitialized:
		return s.retry.attempts > 0
	}
	return false
}

// wait blocks until the session settles, the timeout passes or ctx ends,
// and returns the latest snapshot.
func (s *Session) wait(ctx context.Context, timeout time.Duration) Snapshot {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if s.settledLocked() {
			snap := s.snapshotLocked()
			s.mu.Unlock()
			return snap
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			return s.Snapshot()
		case <-ctx.Done():
			return s.Snapshot()
		}
	}
}
