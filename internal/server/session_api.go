package server

import (
	"encoding/json"
	"io"
	"net/http"

	apperrors "github.com/pseudocoder/pairhost/internal/errors"
	"github.com/pseudocoder/pairhost/internal/session"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 64 * 1024

// StartRequest is the body of POST /start.
type StartRequest struct {
	Identity string `json:"identity"`
}

// SendRequest is the body of POST /send.
type SendRequest struct {
	Identity  string `json:"identity"`
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
}

// SendResponse is returned by a successful POST /send.
type SendResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id"`
}

// DisconnectRequest is the body of POST /disconnect.
type DisconnectRequest struct {
	Identity string `json:"identity"`
	Logout   bool   `json:"logout"`
}

// DisconnectResponse is returned by POST /disconnect.
type DisconnectResponse struct {
	State session.State `json:"state"`
}

// SessionsResponse is returned by GET /sessions.
type SessionsResponse struct {
	Sessions []session.Snapshot `json:"sessions"`
}

// handleStart begins (or joins) a session.
// POST /start
//
// Returns 202 while the session is still being set up and 200 once it
// waits for pairing or is connected.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if s.startLimiter != nil && !s.startLimiter.Allow() {
		writeError(w, apperrors.RateLimited())
		return
	}

	var req StartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	snap, err := s.manager.Start(r.Context(), req.Identity)
	if err != nil {
		s.logger.Warn().Err(err).Str("identity", req.Identity).Msg("server: start failed")
		writeError(w, err)
		return
	}

	status := http.StatusOK
	switch snap.State {
	case session.StateStarting, session.StateUninitialized:
		status = http.StatusAccepted
	}
	writeJSON(w, status, snap)
}

// handleStatus returns the snapshot of one identity.
// GET /status?identity=
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get("identity")
	if err := session.ValidateIdentity(identity); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.manager.Status(identity))
}

// handleSend relays a message through a connected session.
// POST /send
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	id, err := s.manager.SendMessage(r.Context(), req.Identity, req.Recipient, req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SendResponse{Success: true, MessageID: id})
}

// handleDisconnect tears a session down. It succeeds for unknown
// identities too.
// POST /disconnect
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req DisconnectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	snap := s.manager.Disconnect(r.Context(), req.Identity, req.Logout)
	writeJSON(w, http.StatusOK, DisconnectResponse{State: snap.State})
}

// handleSessions lists every session in the registry.
// GET /sessions
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	snaps := s.manager.List()
	if snaps == nil {
		snaps = []session.Snapshot{}
	}
	writeJSON(w, http.StatusOK, SessionsResponse{Sessions: snaps})
}

// decodeJSON decodes a bounded request body into v.
func decodeJSON(r *http.Request, v any) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		if err == io.EOF {
			return apperrors.New(apperrors.CodeBodyInvalid, "request body is required")
		}
		return apperrors.BodyInvalid(err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	apperrors.WriteJSON(w, err)
}
