// Package server provides the HTTP façade and the WebSocket push channel
// of the host. Callers start, inspect, use and tear down sessions over
// plain JSON endpoints; WebSocket clients receive a snapshot every time a
// session changes.
package server

import (
	"encoding/json"
)

// MessageType identifies the kind of message sent over the WebSocket.
type MessageType string

const (
	// MessageTypeSessionStatus carries a session snapshot to clients.
	// Payload: session.Snapshot
	MessageTypeSessionStatus MessageType = "session.status"

	// MessageTypeSessionSubscribe is sent by clients to change which
	// identity they follow. An empty identity follows every session.
	// Payload: SubscribePayload
	MessageTypeSessionSubscribe MessageType = "session.subscribe"

	// MessageTypePing is answered with MessageTypePong.
	MessageTypePing MessageType = "ping"
	MessageTypePong MessageType = "pong"

	// MessageTypeError reports a rejected client message.
	// Payload: ErrorPayload
	MessageTypeError MessageType = "error"
)

// Message is the envelope for every WebSocket frame.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscribePayload is the payload of a session.subscribe message.
type SubscribePayload struct {
	Identity string `json:"identity"`
}

// ErrorPayload is the payload of an error message.
type ErrorPayload struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// newMessage builds a message with v encoded as its payload.
func newMessage(t MessageType, v any) (Message, error) {
	if v == nil {
		return Message{Type: t}, nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: t, Payload: payload}, nil
}
