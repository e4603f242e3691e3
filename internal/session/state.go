package session

import (
	"time"

	apperrors "github.com/pseudocoder/pairhost/internal/errors"
	"github.com/pseudocoder/pairhost/internal/pairing"
	"github.com/pseudocoder/pairhost/internal/transport"
)

// State is a session lifecycle state.
type State string

const (
	StateUninitialized   State = "UNINITIALIZED"
	StateStarting        State = "STARTING"
	StateAwaitingPairing State = "AWAITING_PAIRING"
	StateConnected       State = "CONNECTED"
	StateAuthFailed      State = "AUTH_FAILED"
	StateDisconnecting   State = "DISCONNECTING"
	StateTerminated      State = "TERMINATED"

	// StateDisconnected is reported for identities with no session.
	// A Session never holds it.
	StateDisconnected State = "DISCONNECTED"
)

// Live reports whether the state owns (or is acquiring) a transport handle.
func (s State) Live() bool {
	switch s {
	case StateStarting, StateAwaitingPairing, StateConnected:
		return true
	}
	return false
}

// Terminal reports whether the session is finished and leaves the registry.
func (s State) Terminal() bool {
	switch s {
	case StateAuthFailed, StateTerminated, StateDisconnected:
		return true
	}
	return false
}

// ErrorInfo is the recorded reason of the most recent failure.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	code, msg := apperrors.ToCodeAndMessage(err)
	return &ErrorInfo{Code: code, Message: msg}
}

// Snapshot is a consistent point-in-time view of one session.
type Snapshot struct {
	Identity string `json:"identity"`
	State    State  `json:"state"`

	// Artifact is present only in AWAITING_PAIRING, once rendered and
	// while still within its validity window.
	Artifact *pairing.Artifact `json:"pairing_artifact,omitempty"`

	// Connection is present only in CONNECTED.
	Connection *transport.ConnectionInfo `json:"connection_info,omitempty"`

	// RetryCount and NextRetryAt are set while a reconnect is pending.
	RetryCount  int        `json:"retry_count,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	LastError *ErrorInfo `json:"last_error,omitempty"`

	// Version increases with every change to the session. Consumers of
	// pushed snapshots use it to drop stale updates.
	Version uint64 `json:"version"`

	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// disconnected returns the façade view of an identity without a session.
func disconnected(identity string, lastErr *ErrorInfo) Snapshot {
	return Snapshot{Identity: identity, State: StateDisconnected, LastError: lastErr}
}
