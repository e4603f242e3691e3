// Package wsbridge connects sessions to a remote bridge over WebSocket.
//
// Each Open dials <url>?store=<credential path>. The bridge pushes
// lifecycle frames and answers send frames with send_result frames (see
// the bridge package for the frame format).
package wsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pseudocoder/pairhost/internal/transport"
	"github.com/pseudocoder/pairhost/internal/transport/bridge"
)

const (
	writeWait        = 10 * time.Second
	handshakeTimeout = 15 * time.Second
	maxFrameSize     = 1 << 20
)

// Config configures an Opener.
type Config struct {
	// URL is the bridge endpoint, e.g. ws://127.0.0.1:7090/bridge.
	URL string

	// Header is sent with every handshake (e.g. an Authorization header).
	Header http.Header

	// Dialer defaults to a copy of websocket.DefaultDialer.
	Dialer *websocket.Dialer

	Logger zerolog.Logger
}

// Opener opens one WebSocket connection per session attempt.
type Opener struct {
	url    *url.URL
	header http.Header
	dialer *websocket.Dialer
	logger zerolog.Logger
}

var _ transport.Opener = (*Opener)(nil)

// New validates cfg and returns an Opener.
func New(cfg Config) (*Opener, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("wsbridge: invalid url %q: %w", cfg.URL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("wsbridge: url %q must use ws or wss", cfg.URL)
	}

	dialer := cfg.Dialer
	if dialer == nil {
		d := *websocket.DefaultDialer
		d.HandshakeTimeout = handshakeTimeout
		dialer = &d
	}
	return &Opener{url: u, header: cfg.Header, dialer: dialer, logger: cfg.Logger}, nil
}

// Open implements transport.Opener.
func (o *Opener) Open(ctx context.Context, credentialPath string) (transport.Handle, error) {
	u := *o.url
	q := u.Query()
	q.Set("store", credentialPath)
	u.RawQuery = q.Encode()

	conn, resp, err := o.dialer.DialContext(ctx, u.String(), o.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("wsbridge: dial %s: %w (status %d)", o.url.Redacted(), err, resp.StatusCode)
		}
		return nil, fmt.Errorf("wsbridge: dial %s: %w", o.url.Redacted(), err)
	}
	conn.SetReadLimit(maxFrameSize)

	o.logger.Debug().Str("store", credentialPath).Msg("wsbridge: connected")
	return bridge.NewHandle(&wsConn{conn: conn}, o.logger), nil
}

// DeleteCredentials implements transport.Opener by removing the local
// store directory.
func (o *Opener) DeleteCredentials(credentialPath string) error {
	if credentialPath == "" {
		return errors.New("wsbridge: empty credential path")
	}
	if err := os.RemoveAll(credentialPath); err != nil {
		return fmt.Errorf("wsbridge: delete credentials: %w", err)
	}
	return nil
}

// wsConn adapts a websocket connection to bridge.Conn.
type wsConn struct {
	conn *websocket.Conn

	closeOnce sync.Once
	closeErr  error
}

// ReadFrame skips messages that are not JSON objects with a type.
func (c *wsConn) ReadFrame() (bridge.Frame, error) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return bridge.Frame{}, err
		}
		var f bridge.Frame
		if json.Unmarshal(data, &f) == nil && f.Type != "" {
			return f, nil
		}
	}
}

func (c *wsConn) WriteFrame(f bridge.Frame) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(f)
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
