package main

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/pseudocoder/pairhost/internal/auth"
	"github.com/pseudocoder/pairhost/internal/server"
	"github.com/pseudocoder/pairhost/internal/session"
)

func TestSessionStart(t *testing.T) {
	host := newTestHost(t, nil)

	code, out, errOut := runWithArgs("--addr", host.url, "session", "start", "alice")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Identity: alice")
	assert.Contains(t, out, "State:    STARTING")
	assert.Equal(t, 1, host.opener.OpenCount())
}

func TestSessionStart_InvalidIdentity(t *testing.T) {
	host := newTestHost(t, nil)

	code, _, errOut := runWithArgs("--addr", host.url, "session", "start", "bad identity!")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "validation.identity_invalid")
}

func TestSessionStatus_JSON(t *testing.T) {
	host := newTestHost(t, nil)

	code, out, errOut := runWithArgs("--addr", host.url, "session", "status", "nobody", "--json")
	require.Equal(t, 0, code, errOut)

	var snap session.Snapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.Equal(t, "nobody", snap.Identity)
	assert.Equal(t, session.StateDisconnected, snap.State)
}

func TestSessionStatus_Connected(t *testing.T) {
	host := newTestHost(t, nil)
	host.connect(t, "alice")

	code, out, errOut := runWithArgs("--addr", host.url, "session", "status", "alice")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "State:    CONNECTED")
	assert.Contains(t, out, "Account:  Phone of alice")
}

func TestSessionSend(t *testing.T) {
	host := newTestHost(t, nil)

	code, _, errOut := runWithArgs("--addr", host.url, "session", "send", "alice", "bob", "hi")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "session.not_connected")

	handle := host.connect(t, "alice")
	code, out, errOut := runWithArgs("--addr", host.url, "session", "send", "alice", "bob", "hello", "there")
	require.Equal(t, 0, code, errOut)

	sent := handle.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "bob", sent[0].Recipient)
	assert.Equal(t, "hello there", sent[0].Content)
	assert.Equal(t, "Sent: "+sent[0].MessageID+"\n", out)
}

func TestSessionSend_RequiresArgs(t *testing.T) {
	code, _, errOut := runWithArgs("session", "send", "alice", "bob")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "requires at least 3 arg(s)")
}

func TestSessionDisconnect_Logout(t *testing.T) {
	host := newTestHost(t, nil)
	handle := host.connect(t, "alice")

	code, out, errOut := runWithArgs("--addr", host.url, "session", "disconnect", "alice", "--logout")
	require.Equal(t, 0, code, errOut)
	assert.True(t, strings.HasPrefix(out, "Disconnected alice"))
	require.Eventually(t, func() bool {
		return handle.IsClosed() && len(host.opener.Deleted()) == 1
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"/creds/alice"}, host.opener.Deleted())
}

func TestSessionDisconnect_KeepsCredentials(t *testing.T) {
	host := newTestHost(t, nil)
	host.connect(t, "alice")

	code, _, errOut := runWithArgs("--addr", host.url, "session", "disconnect", "alice")
	require.Equal(t, 0, code, errOut)
	assert.Empty(t, host.opener.Deleted())
}

func TestSessionList(t *testing.T) {
	host := newTestHost(t, nil)

	code, out, _ := runWithArgs("--addr", host.url, "session", "list")
	require.Equal(t, 0, code)
	assert.Equal(t, "No sessions.\n", out)

	host.connect(t, "bob")
	host.connect(t, "alice")

	code, out, errOut := runWithArgs("--addr", host.url, "session", "list")
	require.Equal(t, 0, code, errOut)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "IDENTITY")
	assert.Contains(t, lines[1], "alice")
	assert.Contains(t, lines[1], "Phone of alice")
	assert.Contains(t, lines[2], "bob")

	code, out, _ = runWithArgs("--addr", host.url, "session", "list", "--json")
	require.Equal(t, 0, code)
	var resp server.SessionsResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Len(t, resp.Sessions, 2)
}

func TestSession_Token(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	validator, err := auth.NewTokenValidator(string(hash))
	require.NoError(t, err)
	host := newTestHost(t, auth.NewMiddleware(validator, false, zerolog.Nop(), server.HealthPath))

	code, _, errOut := runWithArgs("--addr", host.url, "session", "list")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "auth.required")

	code, _, errOut = runWithArgs("--addr", host.url, "--token", "wrong", "session", "list")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "auth.invalid")

	code, _, errOut = runWithArgs("--addr", host.url, "--token", "s3cret", "session", "list")
	assert.Equal(t, 0, code, errOut)

	// Health stays public.
	code, out, errOut := runWithArgs("--addr", host.url, "host", "status")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Auth:      true")
}

func TestHostStatus(t *testing.T) {
	host := newTestHost(t, nil)
	host.connect(t, "alice")

	code, out, errOut := runWithArgs("--addr", host.url, "host", "status")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Sessions:  1")

	code, out, _ = runWithArgs("--addr", host.url, "host", "status", "--json")
	require.Equal(t, 0, code)
	var health server.HealthResponse
	require.NoError(t, json.Unmarshal([]byte(out), &health))
	assert.Equal(t, 1, health.Sessions)
}

func TestHostStatus_Unreachable(t *testing.T) {
	code, _, errOut := runWithArgs("--addr", "127.0.0.1:1", "host", "status")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "failed to reach host")
}
