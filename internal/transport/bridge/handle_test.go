package bridge

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pseudocoder/pairhost/internal/transport"
)

// pipeConn is an in-memory Conn. Tests push inbound frames and read the
// frames the handle wrote.
type pipeConn struct {
	in  chan Frame
	out chan Frame

	once   sync.Once
	closed chan struct{}
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		in:     make(chan Frame, 16),
		out:    make(chan Frame, 16),
		closed: make(chan struct{}),
	}
}

func (c *pipeConn) ReadFrame() (Frame, error) {
	select {
	case f, ok := <-c.in:
		if !ok {
			return Frame{}, io.EOF
		}
		return f, nil
	case <-c.closed:
		return Frame{}, io.ErrClosedPipe
	}
}

func (c *pipeConn) WriteFrame(f Frame) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	case c.out <- f:
		return nil
	}
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func nextEvent(t *testing.T, h *Handle) transport.Event {
	t.Helper()
	select {
	case ev, ok := <-h.Events():
		require.True(t, ok, "events closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return transport.Event{}
	}
}

func TestFrameEvent(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
		want  transport.Event
		ok    bool
	}{
		{
			name:  "challenge",
			frame: Frame{Type: FramePairingChallenge, Challenge: "2@abc"},
			want:  transport.Event{Type: transport.EventPairingChallenge, Challenge: []byte("2@abc")},
			ok:    true,
		},
		{
			name:  "connected",
			frame: Frame{Type: FrameConnected, DisplayName: "Ana", RemoteAddress: "10.0.0.2"},
			want: transport.Event{Type: transport.EventConnected, Info: transport.ConnectionInfo{
				DisplayName: "Ana", RemoteAddress: "10.0.0.2",
			}},
			ok: true,
		},
		{
			name:  "logged out",
			frame: Frame{Type: FrameClosed, Reason: "logged_out"},
			want:  transport.Event{Type: transport.EventClosed, Reason: transport.CloseLoggedOut},
			ok:    true,
		},
		{
			name:  "unknown reason is transient",
			frame: Frame{Type: FrameClosed, Reason: "stream_error", Detail: "515"},
			want:  transport.Event{Type: transport.EventClosed, Reason: transport.CloseTransient, Detail: "515"},
			ok:    true,
		},
		{
			name:  "auth failure",
			frame: Frame{Type: FrameAuthFailure, Detail: "401"},
			want:  transport.Event{Type: transport.EventAuthFailure, Detail: "401"},
			ok:    true,
		},
		{name: "send echo", frame: Frame{Type: FrameSend}, ok: false},
		{name: "unknown", frame: Frame{Type: "presence"}, ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := tt.frame.Event()
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, ev)
			}
		})
	}
}

func TestHandle_EventsInOrder(t *testing.T) {
	conn := newPipeConn()
	h := NewHandle(conn, zerolog.Nop())
	defer h.Close()

	conn.in <- Frame{Type: FramePairingChallenge, Challenge: "one"}
	conn.in <- Frame{Type: "typing"}
	conn.in <- Frame{Type: FramePairingChallenge, Challenge: "two"}
	conn.in <- Frame{Type: FrameConnected, DisplayName: "Ana"}

	assert.Equal(t, "one", string(nextEvent(t, h).Challenge))
	assert.Equal(t, "two", string(nextEvent(t, h).Challenge))
	assert.Equal(t, transport.EventConnected, nextEvent(t, h).Type)
}

func TestHandle_StreamEndClosesEvents(t *testing.T) {
	conn := newPipeConn()
	h := NewHandle(conn, zerolog.Nop())
	defer h.Close()

	close(conn.in)
	select {
	case _, ok := <-h.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("events not closed")
	}
}

func TestHandle_Send(t *testing.T) {
	conn := newPipeConn()
	h := NewHandle(conn, zerolog.Nop())
	defer h.Close()

	go func() {
		f := <-conn.out
		assert.Equal(t, FrameSend, f.Type)
		assert.Equal(t, "bob", f.Recipient)
		assert.Equal(t, "hello", f.Content)
		assert.NotEmpty(t, f.ID)
		conn.in <- Frame{Type: FrameSendResult, ID: "someone-else", MessageID: "wrong"}
		conn.in <- Frame{Type: FrameSendResult, ID: f.ID, MessageID: "MSG-1"}
	}()

	id, err := h.Send(context.Background(), "bob", "hello")
	require.NoError(t, err)
	assert.Equal(t, "MSG-1", id)
}

func TestHandle_SendRejected(t *testing.T) {
	conn := newPipeConn()
	h := NewHandle(conn, zerolog.Nop())
	defer h.Close()

	go func() {
		f := <-conn.out
		conn.in <- Frame{Type: FrameSendResult, ID: f.ID, Error: "recipient unknown"}
	}()

	_, err := h.Send(context.Background(), "nobody", "hello")
	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, "recipient unknown", sendErr.Message)
}

func TestHandle_SendContextCancelled(t *testing.T) {
	conn := newPipeConn()
	h := NewHandle(conn, zerolog.Nop())
	defer h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h.Send(ctx, "bob", "never answered")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	h.mu.Lock()
	assert.Empty(t, h.pending)
	h.mu.Unlock()
}

func TestHandle_Close(t *testing.T) {
	conn := newPipeConn()
	h := NewHandle(conn, zerolog.Nop())

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	select {
	case _, ok := <-h.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("events not closed")
	}

	_, err := h.Send(context.Background(), "bob", "late")
	assert.True(t, errors.Is(err, transport.ErrClosed))
}
