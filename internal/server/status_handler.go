package server

import (
	"net/http"
	"time"
)

// HealthResponse is returned by the /health endpoint.
type HealthResponse struct {
	Status string `json:"status"`

	// ListeningAddress is the address the host is listening on.
	ListeningAddress string `json:"listening_address"`

	// Sessions is the number of sessions in the registry.
	Sessions int `json:"sessions"`

	// ConnectedClients is the number of WebSocket clients.
	ConnectedClients int `json:"connected_clients"`

	UptimeSeconds int64 `json:"uptime_seconds"`

	// RequireAuth indicates whether the API requires a bearer token.
	RequireAuth bool `json:"require_auth"`

	TLS bool `json:"tls"`
}

// HealthHandler serves liveness and basic counters. It needs no token.
type HealthHandler struct {
	server *Server
}

// NewHealthHandler creates a HealthHandler for s.
func NewHealthHandler(s *Server) *HealthHandler {
	return &HealthHandler{server: s}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:           "ok",
		ListeningAddress: h.server.Addr(),
		Sessions:         h.server.manager.Count(),
		ConnectedClients: h.server.ClientCount(),
		UptimeSeconds:    int64(time.Since(h.server.startTime).Seconds()),
		RequireAuth:      h.server.auth != nil && h.server.auth.Enabled(),
		TLS:              h.server.tls != nil,
	}
	writeJSON(w, http.StatusOK, resp)
}
