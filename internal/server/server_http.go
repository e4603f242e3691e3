package server

import (
	"net/http"

	"golang.org/x/time/rate"

	"github.com/pseudocoder/pairhost/internal/session"
)

// HealthPath is the only path served without a token.
const HealthPath = "/health"

// Handler returns the HTTP handler with every endpoint registered and,
// when configured, the auth middleware in front.
func (s *Server) Handler() http.Handler {
	mux := s.createMux()
	if s.auth == nil {
		return mux
	}
	return s.auth.Wrap(mux)
}

// LocalHandler returns the same endpoints without the auth middleware,
// for listeners whose access is already restricted (the control socket).
func (s *Server) LocalHandler() http.Handler {
	return s.createMux()
}

// createMux creates the HTTP mux with all endpoints.
func (s *Server) createMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /start", s.handleStart)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /send", s.handleSend)
	mux.HandleFunc("POST /disconnect", s.handleDisconnect)
	mux.HandleFunc("GET /sessions", s.handleSessions)
	mux.Handle("GET "+HealthPath, NewHealthHandler(s))
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	return mux
}

// handleWebSocket upgrades the connection and registers a client that
// follows the identity query parameter (all sessions when empty).
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get("identity")
	if identity != "" {
		if err := session.ValidateIdentity(identity); err != nil {
			writeError(w, err)
			return
		}
	}

	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("server: websocket upgrade failed")
		return
	}

	client := &Client{
		conn:         conn,
		server:       s,
		logger:       s.logger.With().Str("remote_addr", r.RemoteAddr).Logger(),
		send:         make(chan Message, channelBufferSize),
		done:         make(chan struct{}),
		inputLimiter: rate.NewLimiter(rate.Limit(clientInputRate), clientInputBurst),
		identity:     identity,
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[client] = true
	s.mu.Unlock()

	client.logger.Info().Str("identity", identity).Int("clients", s.ClientCount()).Msg("server: client connected")

	if identity != "" {
		client.sendSnapshot(identity)
	}

	go client.writePump()
	client.readPump()
}
