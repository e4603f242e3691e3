// Package transport defines the boundary between the session lifecycle core
// and the collaborator that actually speaks the remote messaging protocol.
//
// The core never interprets protocol details. It opens one Handle per
// connection attempt, consumes the Handle's event stream, sends outbound
// messages through it, and closes it when the attempt is over. Credential
// persistence belongs to the transport; the core only passes the storage
// location and asks for deletion when credentials become invalid.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Send on a handle that has been closed.
var ErrClosed = errors.New("transport handle closed")

// EventType identifies what a transport event reports.
type EventType string

const (
	// EventPairingChallenge carries a fresh pairing challenge to display.
	EventPairingChallenge EventType = "pairing_challenge"

	// EventConnected reports an authenticated connection.
	EventConnected EventType = "connected"

	// EventClosed reports that the connection ended. Reason tells whether
	// the credentials are still usable.
	EventClosed EventType = "closed"

	// EventAuthFailure reports that the stored credentials were rejected.
	EventAuthFailure EventType = "auth_failure"
)

// CloseReason distinguishes terminal from recoverable disconnects.
type CloseReason string

const (
	// CloseLoggedOut means the pairing was revoked; credentials are invalid.
	CloseLoggedOut CloseReason = "logged_out"

	// CloseTransient means the connection dropped but credentials still work.
	CloseTransient CloseReason = "transient"
)

// ConnectionInfo describes an authenticated connection.
type ConnectionInfo struct {
	DisplayName   string `json:"display_name"`
	RemoteAddress string `json:"remote_address,omitempty"`
}

// Event is a single lifecycle notification from a Handle.
type Event struct {
	Type EventType

	// Challenge is set for EventPairingChallenge.
	Challenge []byte

	// Info is set for EventConnected.
	Info ConnectionInfo

	// Reason is set for EventClosed.
	Reason CloseReason

	// Detail is optional human-readable context.
	Detail string
}

// Handle is one live connection attempt. It is owned by exactly one session.
type Handle interface {
	// Events returns the event stream. The channel is closed once the
	// handle is closed or the underlying connection is gone.
	Events() <-chan Event

	// Send delivers content to recipient and returns the remote message ID.
	Send(ctx context.Context, recipient, content string) (messageID string, err error)

	// Close releases the handle. It is safe to call more than once.
	Close() error
}

// Opener creates handles and manages the credential stores behind them.
type Opener interface {
	// Open starts a connection attempt using the credentials stored at
	// credentialPath (creating them through pairing if absent).
	Open(ctx context.Context, credentialPath string) (Handle, error)

	// DeleteCredentials removes the credential store at credentialPath.
	// Deleting a store that does not exist is not an error.
	DeleteCredentials(credentialPath string) error
}
