package server

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/pseudocoder/pairhost/internal/errors"
	"github.com/pseudocoder/pairhost/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024
)

// closeSend signals the client to shut down exactly once.
// Senders check done, so send itself is never closed.
func (c *Client) closeSend() {
	c.sendOnce.Do(func() {
		close(c.done)
	})
}

// enqueue queues msg without blocking. It reports false if the client is
// shutting down or its buffer is full.
func (c *Client) enqueue(msg Message) bool {
	select {
	case <-c.done:
		return false
	case c.send <- msg:
		return true
	default:
		c.logger.Warn().Str("type", string(msg.Type)).Msg("server: client send buffer full, dropping message")
		return false
	}
}

// sendSnapshot queues the current snapshot of identity.
func (c *Client) sendSnapshot(identity string) {
	msg, err := newMessage(MessageTypeSessionStatus, c.server.manager.Status(identity))
	if err != nil {
		c.logger.Error().Err(err).Msg("server: failed to encode snapshot")
		return
	}
	c.enqueue(msg)
}

// sendError queues an error message built from err.
func (c *Client) sendError(err error) {
	code, message := apperrors.ToCodeAndMessage(err)
	msg, _ := newMessage(MessageTypeError, ErrorPayload{ErrorCode: code, Message: message})
	c.enqueue(msg)
}

// writePump sends queued messages to the WebSocket and pings the client
// periodically.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			data, err := json.Marshal(msg)
			if err != nil {
				c.logger.Error().Err(err).Msg("server: failed to marshal message")
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("server: write error")
				c.closeSend()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.closeSend()
				return
			}
		}
	}
}

// readPump reads client messages until the connection fails, then
// unregisters the client.
func (c *Client) readPump() {
	defer func() {
		c.server.mu.Lock()
		delete(c.server.clients, c)
		c.server.mu.Unlock()

		c.closeSend()
		c.logger.Info().Int("clients", c.server.ClientCount()).Msg("server: client disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Msg("server: read error")
			}
			return
		}

		if !c.inputLimiter.Allow() {
			c.sendError(apperrors.RateLimited())
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError(apperrors.BodyInvalid(err))
			continue
		}

		switch msg.Type {
		case MessageTypeSessionSubscribe:
			c.handleSubscribe(msg.Payload)
		case MessageTypePing:
			c.enqueue(Message{Type: MessageTypePong})
		default:
			c.logger.Debug().Str("type", string(msg.Type)).Msg("server: ignoring message")
		}
	}
}

// handleSubscribe switches the followed identity and replies with its
// current snapshot.
func (c *Client) handleSubscribe(raw json.RawMessage) {
	var p SubscribePayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			c.sendError(apperrors.BodyInvalid(err))
			return
		}
	}
	if p.Identity != "" {
		if err := session.ValidateIdentity(p.Identity); err != nil {
			c.sendError(err)
			return
		}
	}

	c.follow(p.Identity)
	if p.Identity != "" {
		c.sendSnapshot(p.Identity)
	}
}
