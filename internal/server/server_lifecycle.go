package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// StartAsync starts serving in a goroutine.
//
// The returned channel receives nil if startup succeeded, or an error if
// the listener could not be created (e.g., port already in use).
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)

	// Listen first so port conflicts surface immediately.
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		errCh <- fmt.Errorf("failed to listen on %s: %w", s.addr, err)
		close(errCh)
		return errCh
	}
	if s.tls != nil {
		ln = tls.NewListener(ln, s.tls)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Bool("tls", s.tls != nil).Msg("server: listening")
		errCh <- nil
		close(errCh)

		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("server: serve failed")
		}
	}()

	return errCh
}

// Shutdown stops accepting requests and waits for in-flight ones until
// ctx is done, then closes every WebSocket client.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.httpServer
	s.mu.RUnlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	s.stopClients()
	return err
}

// Stop closes every client, ends the bus subscription and closes the
// listener. It is safe to call more than once.
func (s *Server) Stop() error {
	if !s.stopClients() {
		return nil
	}
	s.mu.RLock()
	srv := s.httpServer
	s.mu.RUnlock()
	if srv != nil {
		return srv.Close()
	}
	return nil
}

// stopClients marks the server stopped and signals every client. It
// reports false if the server was already stopped.
func (s *Server) stopClients() bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	s.stopped = true

	// writePump sends the close frame when it sees done.
	for client := range s.clients {
		client.closeSend()
	}
	s.clients = make(map[*Client]bool)

	close(s.broadcast)
	s.mu.Unlock()

	s.cancel()
	return true
}
