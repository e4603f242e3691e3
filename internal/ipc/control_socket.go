// Package ipc serves the host API on a local Unix socket.
//
// The socket is created with mode 0600 inside a 0700 directory, so only
// the user running the host can reach it. Requests over the socket are
// trusted without an API token.
package ipc

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SocketFile is the default socket name inside the data directory.
const SocketFile = "pairhost.sock"

// ErrSocketInUse is returned by Start when another process is serving on
// the socket path.
var ErrSocketInUse = errors.New("control socket already in use")

// ControlSocket serves an http.Handler over a Unix socket.
type ControlSocket struct {
	path     string
	handler  http.Handler
	logger   zerolog.Logger
	server   *http.Server
	listener net.Listener

	// mu guards start/stop operations.
	mu sync.Mutex
}

// NewControlSocket creates a ControlSocket for path. Nothing is created
// on disk until Start.
func NewControlSocket(path string, handler http.Handler, logger zerolog.Logger) *ControlSocket {
	return &ControlSocket{path: path, handler: handler, logger: logger}
}

// Path returns the socket path.
func (s *ControlSocket) Path() string {
	return s.path
}

// Start begins listening. A stale socket file left by a crashed host is
// removed; a live one fails with ErrSocketInUse.
func (s *ControlSocket) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return errors.New("control socket already started")
	}
	if s.path == "" {
		return errors.New("control socket path is empty")
	}
	if err := validateSocketPath(s.path); err != nil {
		return err
	}
	if s.handler == nil {
		return errors.New("control socket handler is nil")
	}

	if err := s.prepareSocketDir(); err != nil {
		return err
	}
	if err := s.ensureSocketAvailable(); err != nil {
		return err
	}

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("failed to listen on control socket: %w", err)
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		listener.Close()
		_ = os.Remove(s.path)
		return fmt.Errorf("failed to set control socket permissions: %w", err)
	}

	s.listener = listener
	s.server = &http.Server{Handler: s.handler, ReadHeaderTimeout: 10 * time.Second}

	server := s.server
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("ipc: control socket stopped")
		}
	}()

	s.logger.Info().Str("path", s.path).Msg("ipc: control socket listening")
	return nil
}

// Stop closes the listener and removes the socket file. It is safe to
// call on a socket that was never started.
func (s *ControlSocket) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}

	var stopErr error
	if err := s.server.Close(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		stopErr = fmt.Errorf("failed to stop control socket: %w", err)
	}
	_ = s.listener.Close()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) && stopErr == nil {
		stopErr = fmt.Errorf("failed to remove control socket: %w", err)
	}

	s.server = nil
	s.listener = nil
	return stopErr
}

func (s *ControlSocket) prepareSocketDir() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create control socket directory: %w", err)
	}
	if err := os.Chmod(dir, 0700); err != nil {
		return fmt.Errorf("failed to set control socket directory permissions: %w", err)
	}
	return nil
}

func (s *ControlSocket) ensureSocketAvailable() error {
	info, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat control socket: %w", err)
	}

	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("control socket path is not a socket: %s", s.path)
	}

	conn, err := net.DialTimeout("unix", s.path, 200*time.Millisecond)
	if err == nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %s", ErrSocketInUse, s.path)
	}
	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("permission denied accessing control socket: %w", err)
	}

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale control socket: %w", err)
	}
	return nil
}
