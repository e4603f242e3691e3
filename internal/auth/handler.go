package auth

import (
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	apperrors "github.com/pseudocoder/pairhost/internal/errors"
)

// Middleware rejects requests without a valid token before they reach next.
type Middleware struct {
	validator *TokenValidator
	logger    zerolog.Logger

	// trustLoopback lets requests from the local machine through without
	// a token.
	trustLoopback bool

	// public paths never require a token.
	public map[string]bool
}

// NewMiddleware creates a Middleware. Paths listed in public are always
// allowed.
func NewMiddleware(v *TokenValidator, trustLoopback bool, logger zerolog.Logger, public ...string) *Middleware {
	m := &Middleware{
		validator:     v,
		logger:        logger,
		trustLoopback: trustLoopback,
		public:        make(map[string]bool, len(public)),
	}
	for _, p := range public {
		m.public[p] = true
	}
	return m
}

// Enabled reports whether requests need a token.
func (m *Middleware) Enabled() bool {
	return m.validator.Enabled()
}

// Wrap returns next guarded by the token check.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.validator.Enabled() || m.public[r.URL.Path] || (m.trustLoopback && IsLoopbackRequest(r)) {
			next.ServeHTTP(w, r)
			return
		}

		if err := m.validator.Validate(TokenFromRequest(r)); err != nil {
			m.logger.Warn().
				Str("remote_addr", r.RemoteAddr).
				Str("path", r.URL.Path).
				Str("code", apperrors.GetCode(err)).
				Msg("auth: rejected request")
			apperrors.WriteJSON(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// TokenFromRequest extracts the bearer token from the Authorization header,
// falling back to the "token" query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "Bearer "
		if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
			return strings.TrimSpace(h[len(prefix):])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// IsLoopbackRequest reports whether the request originates from the local
// machine (a loopback address or a unix socket).
func IsLoopbackRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return isUnixSocketRemoteAddr(r.RemoteAddr)
	}

	ip := net.ParseIP(host)
	if ip == nil {
		// Unparseable: be conservative.
		return false
	}
	return ip.IsLoopback()
}

func isUnixSocketRemoteAddr(remoteAddr string) bool {
	return remoteAddr == "" || strings.HasPrefix(remoteAddr, "/") || strings.HasPrefix(remoteAddr, "@")
}
