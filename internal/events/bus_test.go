package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type snapshot struct {
	Identity string `json:"identity"`
	State    string `json:"state"`
}

func receive(t *testing.T, ch <-chan Update) Update {
	t.Helper()
	select {
	case u, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return u
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for update")
		return Update{}
	}
}

// TestBus_PublishSubscribe verifies payload and identity metadata round trip.
func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(16, zerolog.Nop())
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, bus.Publish("u1", snapshot{Identity: "u1", State: "STARTING"}))

	u := receive(t, updates)
	assert.Equal(t, "u1", u.Identity)

	var got snapshot
	require.NoError(t, json.Unmarshal(u.Payload, &got))
	assert.Equal(t, "STARTING", got.State)
}

// TestBus_FanOut verifies every subscriber sees each update.
func TestBus_FanOut(t *testing.T) {
	bus := NewBus(16, zerolog.Nop())
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	b, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, bus.Publish("u2", snapshot{Identity: "u2", State: "CONNECTED"}))

	assert.Equal(t, "u2", receive(t, a).Identity)
	assert.Equal(t, "u2", receive(t, b).Identity)
}

// TestBus_CancelClosesSubscription verifies the output channel closes.
func TestBus_CancelClosesSubscription(t *testing.T) {
	bus := NewBus(0, zerolog.Nop())
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	updates, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-updates:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription not closed after cancel")
	}
}

// TestBus_PublishUnencodable returns an error instead of publishing.
func TestBus_PublishUnencodable(t *testing.T) {
	bus := NewBus(1, zerolog.Nop())
	defer bus.Close()

	err := bus.Publish("u1", make(chan int))
	assert.ErrorContains(t, err, "encode snapshot")
}
