// Package bridge implements transport.Handle on top of any connection that
// exchanges JSON frames with a bridge process. The wsbridge and execbridge
// transports differ only in how frames travel; lifecycle events, request
// correlation and shutdown live here.
package bridge

import (
	"github.com/pseudocoder/pairhost/internal/transport"
)

// Frame types sent by the bridge.
const (
	FramePairingChallenge = "pairing_challenge"
	FrameConnected        = "connected"
	FrameClosed           = "closed"
	FrameAuthFailure      = "auth_failure"
	FrameSendResult       = "send_result"
)

// FrameSend is the only frame type sent to the bridge.
const FrameSend = "send"

// Frame is the JSON envelope of the bridge protocol. Fields not relevant
// to a frame type are omitted.
type Frame struct {
	Type string `json:"type"`

	// ID correlates a send with its send_result.
	ID string `json:"id,omitempty"`

	Challenge     string `json:"challenge,omitempty"`
	DisplayName   string `json:"display_name,omitempty"`
	RemoteAddress string `json:"remote_address,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Detail        string `json:"detail,omitempty"`

	Recipient string `json:"recipient,omitempty"`
	Content   string `json:"content,omitempty"`

	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Event translates a lifecycle frame. It reports false for frames that
// carry no lifecycle event.
func (f Frame) Event() (transport.Event, bool) {
	switch f.Type {
	case FramePairingChallenge:
		return transport.Event{
			Type:      transport.EventPairingChallenge,
			Challenge: []byte(f.Challenge),
			Detail:    f.Detail,
		}, true
	case FrameConnected:
		return transport.Event{
			Type: transport.EventConnected,
			Info: transport.ConnectionInfo{
				DisplayName:   f.DisplayName,
				RemoteAddress: f.RemoteAddress,
			},
			Detail: f.Detail,
		}, true
	case FrameClosed:
		// Anything but an explicit logout leaves the credentials usable.
		reason := transport.CloseTransient
		if f.Reason == string(transport.CloseLoggedOut) {
			reason = transport.CloseLoggedOut
		}
		return transport.Event{Type: transport.EventClosed, Reason: reason, Detail: f.Detail}, true
	case FrameAuthFailure:
		return transport.Event{Type: transport.EventAuthFailure, Detail: f.Detail}, true
	}
	return transport.Event{}, false
}
