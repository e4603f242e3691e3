package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/pseudocoder/pairhost/internal/auth"
	"github.com/pseudocoder/pairhost/internal/events"
	"github.com/pseudocoder/pairhost/internal/session"
)

// channelBufferSize is the buffer size for the broadcast channel and
// per-client send channels. Messages for a client whose buffer is full
// are dropped.
const channelBufferSize = 256

// Client input limits: 50 messages/sec with a burst of 10.
const (
	clientInputRate  = 50
	clientInputBurst = 10
)

// Config configures a Server.
type Config struct {
	// Addr is the address StartAsync listens on.
	Addr string

	// Manager serves every session operation. Required.
	Manager *session.Manager

	// Bus delivers snapshot updates to WebSocket clients. Without it the
	// push channel only answers subscriptions with the current snapshot.
	Bus *events.Bus

	// Auth guards every endpoint except /health. Nil disables auth.
	Auth *auth.Middleware

	// StartRatePerSec limits /start across all callers. 0 disables it.
	StartRatePerSec int

	// TLSConfig serves HTTPS and WSS when set.
	TLSConfig *tls.Config

	Logger zerolog.Logger
}

// Server serves the HTTP façade and manages WebSocket clients.
type Server struct {
	addr    string
	manager *session.Manager
	bus     *events.Bus
	auth    *auth.Middleware
	tls     *tls.Config
	logger  zerolog.Logger

	// upgrader converts HTTP connections to WebSocket connections.
	upgrader websocket.Upgrader

	// startLimiter is nil when /start is not rate limited.
	startLimiter *rate.Limiter

	// clients tracks all connected WebSocket clients.
	clients map[*Client]bool

	// mu protects clients, stopped and httpServer.
	mu sync.RWMutex

	// stopped prevents sends on the closed broadcast channel.
	stopped bool

	// broadcast receives updates to fan out to clients.
	broadcast chan events.Update

	httpServer *http.Server

	// cancel ends the bus subscription.
	cancel context.CancelFunc

	startTime time.Time
}

// Client is one connected WebSocket client.
type Client struct {
	conn   *websocket.Conn
	server *Server
	logger zerolog.Logger

	// send is never closed; done signals shutdown instead.
	send     chan Message
	done     chan struct{}
	sendOnce sync.Once

	inputLimiter *rate.Limiter

	// identity is the session this client follows. Empty follows all.
	mu       sync.Mutex
	identity string
}

// New creates a Server and, when a bus is configured, subscribes to it.
func New(cfg Config) (*Server, error) {
	if cfg.Manager == nil {
		return nil, errors.New("server: manager is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:    cfg.Addr,
		manager: cfg.Manager,
		bus:     cfg.Bus,
		auth:    cfg.Auth,
		tls:     cfg.TLSConfig,
		logger:  cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Callers authenticate with a bearer token, not cookies.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:   make(map[*Client]bool),
		broadcast: make(chan events.Update, channelBufferSize),
		cancel:    cancel,
		startTime: time.Now(),
	}
	if cfg.StartRatePerSec > 0 {
		s.startLimiter = rate.NewLimiter(rate.Limit(cfg.StartRatePerSec), cfg.StartRatePerSec)
	}

	go s.runBroadcaster()

	if s.bus != nil {
		updates, err := s.bus.Subscribe(ctx)
		if err != nil {
			cancel()
			s.Stop()
			return nil, err
		}
		go s.forwardUpdates(updates)
	}
	return s, nil
}

// Addr returns the listen address. Once StartAsync has succeeded it is
// the bound address, so a configured port of 0 resolves to the real one.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (c *Client) following() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *Client) follow(identity string) {
	c.mu.Lock()
	c.identity = identity
	c.mu.Unlock()
}

// wants reports whether updates for identity go to this client.
func (c *Client) wants(identity string) bool {
	f := c.following()
	return f == "" || f == identity
}
