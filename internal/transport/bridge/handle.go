package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pseudocoder/pairhost/internal/transport"
)

// eventBufferSize bounds how far the bridge can run ahead of the session.
const eventBufferSize = 16

// Conn moves frames to and from a bridge. ReadFrame is only called from
// one goroutine; WriteFrame calls are serialized by the Handle.
type Conn interface {
	ReadFrame() (Frame, error)
	WriteFrame(Frame) error
	Close() error
}

// SendError is returned by Send when the bridge reports a failure.
type SendError struct {
	Message string
}

func (e *SendError) Error() string {
	return "bridge: send rejected: " + e.Message
}

// Handle is a transport.Handle over a Conn.
type Handle struct {
	conn   Conn
	logger zerolog.Logger

	events chan transport.Event

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Frame

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

var _ transport.Handle = (*Handle)(nil)

// NewHandle wraps conn and starts reading frames from it.
func NewHandle(conn Conn, logger zerolog.Logger) *Handle {
	h := &Handle{
		conn:    conn,
		logger:  logger,
		events:  make(chan transport.Event, eventBufferSize),
		pending: make(map[string]chan Frame),
		done:    make(chan struct{}),
	}
	go h.readLoop()
	return h
}

// Events implements transport.Handle.
func (h *Handle) Events() <-chan transport.Event {
	return h.events
}

// readLoop is the only sender on events and closes it on exit.
func (h *Handle) readLoop() {
	defer close(h.events)

	for {
		f, err := h.conn.ReadFrame()
		if err != nil {
			select {
			case <-h.done:
			default:
				h.logger.Warn().Err(err).Msg("bridge: connection ended")
			}
			return
		}

		if f.Type == FrameSendResult {
			h.resolve(f)
			continue
		}

		ev, ok := f.Event()
		if !ok {
			h.logger.Debug().Str("type", f.Type).Msg("bridge: ignoring frame")
			continue
		}

		select {
		case h.events <- ev:
		case <-h.done:
			return
		}
	}
}

func (h *Handle) resolve(f Frame) {
	h.mu.Lock()
	ch, ok := h.pending[f.ID]
	delete(h.pending, f.ID)
	h.mu.Unlock()

	if !ok {
		h.logger.Debug().Str("id", f.ID).Msg("bridge: unmatched send_result")
		return
	}
	ch <- f
}

// Send implements transport.Handle.
func (h *Handle) Send(ctx context.Context, recipient, content string) (string, error) {
	select {
	case <-h.done:
		return "", transport.ErrClosed
	default:
	}

	id := uuid.NewString()
	result := make(chan Frame, 1)

	h.mu.Lock()
	h.pending[id] = result
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
	}()

	h.writeMu.Lock()
	err := h.conn.WriteFrame(Frame{Type: FrameSend, ID: id, Recipient: recipient, Content: content})
	h.writeMu.Unlock()
	if err != nil {
		return "", fmt.Errorf("bridge: write send frame: %w", err)
	}

	select {
	case f := <-result:
		if f.Error != "" {
			return "", &SendError{Message: f.Error}
		}
		if f.MessageID == "" {
			return "", errors.New("bridge: send_result without message_id")
		}
		return f.MessageID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-h.done:
		return "", transport.ErrClosed
	}
}

// Close implements transport.Handle.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		close(h.done)
		h.closeErr = h.conn.Close()
	})
	return h.closeErr
}
