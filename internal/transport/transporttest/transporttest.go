// Package transporttest provides a scripted in-memory transport for tests.
//
// Tests drive a session by emitting events on the handles the Opener hands
// out, and assert on how many handles were opened, which were closed, which
// messages were sent, and which credential stores were deleted.
package transporttest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pseudocoder/pairhost/internal/transport"
)

// SentMessage records one Send call.
type SentMessage struct {
	Recipient string
	Content   string
	MessageID string
}

// Opener is a transport.Opener whose handles are controlled by the test.
type Opener struct {
	mu      sync.Mutex
	handles []*Handle
	deleted []string

	// OpenErr, when set, is returned by Open instead of a handle.
	OpenErr error

	// Gate, when set, makes Open block until the channel is closed or the
	// context is cancelled.
	Gate chan struct{}

	// DeleteGate, when set, makes DeleteCredentials block until the channel
	// is closed.
	DeleteGate chan struct{}

	// SendFunc overrides the default Send behavior for new handles.
	SendFunc func(recipient, content string) (string, error)

	// opened is signalled on every successful or failed Open call.
	opened chan struct{}
}

// NewOpener returns an empty Opener.
func NewOpener() *Opener {
	return &Opener{opened: make(chan struct{}, 1024)}
}

// Open implements transport.Opener.
func (o *Opener) Open(ctx context.Context, credentialPath string) (transport.Handle, error) {
	o.mu.Lock()
	gate := o.Gate
	openErr := o.OpenErr
	o.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			o.signal()
			return nil, ctx.Err()
		}
	}

	if openErr != nil {
		o.signal()
		return nil, openErr
	}

	h := &Handle{
		Path:   credentialPath,
		events: make(chan transport.Event, 64),
	}

	o.mu.Lock()
	h.sendFunc = o.SendFunc
	o.handles = append(o.handles, h)
	o.mu.Unlock()

	o.signal()
	return h, nil
}

func (o *Opener) signal() {
	select {
	case o.opened <- struct{}{}:
	default:
	}
}

// DeleteCredentials implements transport.Opener.
func (o *Opener) DeleteCredentials(credentialPath string) error {
	o.mu.Lock()
	gate := o.DeleteGate
	o.mu.Unlock()
	if gate != nil {
		<-gate
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.deleted = append(o.deleted, credentialPath)
	return nil
}

// SetOpenErr changes the error returned by future Open calls.
func (o *Opener) SetOpenErr(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.OpenErr = err
}

// OpenCount returns how many handles have been handed out.
func (o *Opener) OpenCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.handles)
}

// Handles returns every handle handed out so far, oldest first.
func (o *Opener) Handles() []*Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Handle, len(o.handles))
	copy(out, o.handles)
	return out
}

// Deleted returns the credential paths passed to DeleteCredentials.
func (o *Opener) Deleted() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.deleted))
	copy(out, o.deleted)
	return out
}

// WaitForHandle waits until at least n handles exist and returns the nth.
func (o *Opener) WaitForHandle(tb testing.TB, n int) *Handle {
	tb.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if hs := o.Handles(); len(hs) >= n {
			return hs[n-1]
		}
		select {
		case <-o.opened:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			tb.Fatalf("timed out waiting for handle %d (have %d)", n, o.OpenCount())
			return nil
		}
	}
}

// Handle is a transport.Handle driven by the test.
type Handle struct {
	// Path is the credential path the handle was opened with.
	Path string

	mu       sync.Mutex
	events   chan transport.Event
	closed   bool
	sent     []SentMessage
	sendFunc func(recipient, content string) (string, error)
}

// Events implements transport.Handle.
func (h *Handle) Events() <-chan transport.Event {
	return h.events
}

// Send implements transport.Handle.
func (h *Handle) Send(ctx context.Context, recipient, content string) (string, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return "", transport.ErrClosed
	}
	sendFunc := h.sendFunc
	h.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}

	id := uuid.NewString()
	if sendFunc != nil {
		var err error
		id, err = sendFunc(recipient, content)
		if err != nil {
			return "", err
		}
	}

	h.mu.Lock()
	h.sent = append(h.sent, SentMessage{Recipient: recipient, Content: content, MessageID: id})
	h.mu.Unlock()
	return id, nil
}

// Close implements transport.Handle.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.events)
	}
	return nil
}

// IsClosed reports whether Close has been called.
func (h *Handle) IsClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Sent returns the messages sent through this handle.
func (h *Handle) Sent() []SentMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]SentMessage, len(h.sent))
	copy(out, h.sent)
	return out
}

// Emit delivers ev on the event stream. Events on a closed handle are dropped.
func (h *Handle) Emit(ev transport.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.events <- ev
}

// Challenge emits a pairing challenge.
func (h *Handle) Challenge(payload string) {
	h.Emit(transport.Event{Type: transport.EventPairingChallenge, Challenge: []byte(payload)})
}

// Connected emits a connected event.
func (h *Handle) Connected(displayName string) {
	h.Emit(transport.Event{Type: transport.EventConnected, Info: transport.ConnectionInfo{DisplayName: displayName}})
}

// Closed emits a closed event with the given reason.
func (h *Handle) Closed(reason transport.CloseReason) {
	h.Emit(transport.Event{Type: transport.EventClosed, Reason: reason})
}

// AuthFailure emits an auth failure event.
func (h *Handle) AuthFailure(detail string) {
	h.Emit(transport.Event{Type: transport.EventAuthFailure, Detail: detail})
}

// Drop closes the event stream without a closed event, as a transport
// does when its connection vanishes underneath it.
func (h *Handle) Drop() {
	_ = h.Close()
}
