package server

import (
	"github.com/pseudocoder/pairhost/internal/events"
)

// Broadcast queues an update for every client following its identity.
// It never blocks; if the broadcast channel is full the update is dropped.
// It does nothing once the server is stopped.
func (s *Server) Broadcast(u events.Update) {
	// RLock through the send so Stop cannot close the channel under us.
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.stopped {
		return
	}

	select {
	case s.broadcast <- u:
	default:
		s.logger.Warn().Str("identity", u.Identity).Msg("server: broadcast channel full, dropping update")
	}
}

// forwardUpdates feeds bus updates into the broadcaster until the
// subscription ends.
func (s *Server) forwardUpdates(updates <-chan events.Update) {
	for u := range updates {
		s.Broadcast(u)
	}
}

// runBroadcaster reads from the broadcast channel and sends to clients.
// It exits when Stop closes the channel.
func (s *Server) runBroadcaster() {
	for u := range s.broadcast {
		msg := Message{Type: MessageTypeSessionStatus, Payload: u.Payload}

		s.mu.RLock()
		for client := range s.clients {
			if !client.wants(u.Identity) {
				continue
			}
			select {
			case <-client.done:
			case client.send <- msg:
			default:
				client.logger.Warn().Str("identity", u.Identity).Msg("server: client send buffer full, dropping update")
			}
		}
		s.mu.RUnlock()
	}
}
