package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pseudocoder/pairhost/internal/pairing"
	"github.com/pseudocoder/pairhost/internal/session"
)

// runAsync runs the CLI in the background and returns its output buffers
// and a channel with the exit code.
func runAsync(args ...string) (*syncBuffer, *syncBuffer, <-chan int) {
	stdout, stderr := &syncBuffer{}, &syncBuffer{}
	done := make(chan int, 1)
	go func() {
		done <- run(append([]string{"pairhost"}, args...), stdout, stderr)
	}()
	return stdout, stderr, done
}

func waitExit(t *testing.T, done <-chan int) int {
	t.Helper()
	select {
	case code := <-done:
		return code
	case <-time.After(waitFor):
		t.Fatal("command did not exit")
		return -1
	}
}

func TestPair_ScanThenConnect(t *testing.T) {
	host := newTestHost(t, nil)
	png := filepath.Join(t.TempDir(), "qr.png")

	stdout, stderr, done := runAsync("--addr", host.url, "pair", "bob", "--png", png)

	handle := host.opener.WaitForHandle(t, 1)
	handle.Challenge("2@first-code")
	require.Eventually(t, func() bool {
		return strings.Contains(stdout.String(), "Scan with the phone linked to bob")
	}, waitFor, 10*time.Millisecond, stderr.String())

	handle.Connected("Bob's phone")
	require.Equal(t, 0, waitExit(t, done), stderr.String())

	out := stdout.String()
	assert.Contains(t, out, "QR code written to "+png)
	assert.Contains(t, out, "Paired: bob is connected as Bob's phone")

	data, err := os.ReadFile(png)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("\x89PNG")))
}

func TestPair_RotatedCodeIsShownAgain(t *testing.T) {
	host := newTestHost(t, nil)

	stdout, stderr, done := runAsync("--addr", host.url, "pair", "bob", "--no-qr")

	handle := host.opener.WaitForHandle(t, 1)
	handle.Challenge("code-one")
	require.Eventually(t, func() bool {
		return strings.Contains(stdout.String(), "Pairing code: code-one")
	}, waitFor, 10*time.Millisecond, stderr.String())

	handle.Challenge("code-two")
	require.Eventually(t, func() bool {
		return strings.Contains(stdout.String(), "Pairing code: code-two")
	}, waitFor, 10*time.Millisecond, stderr.String())

	handle.Connected("phone")
	require.Equal(t, 0, waitExit(t, done), stderr.String())
	assert.Equal(t, 1, strings.Count(stdout.String(), "code-one"))
}

func TestPair_AuthFailure(t *testing.T) {
	host := newTestHost(t, nil)

	_, stderr, done := runAsync("--addr", host.url, "pair", "bob")

	handle := host.opener.WaitForHandle(t, 1)
	handle.AuthFailure("credentials revoked")

	assert.Equal(t, 1, waitExit(t, done))
	assert.Contains(t, stderr.String(), "session auth_failed")
}

func TestPair_Timeout(t *testing.T) {
	host := newTestHost(t, nil)

	_, stderr, done := runAsync("--addr", host.url, "pair", "bob", "--timeout", "200ms")
	host.opener.WaitForHandle(t, 1)

	assert.Equal(t, 1, waitExit(t, done))
	assert.Contains(t, stderr.String(), "timed out after 200ms")
}

func TestPair_AlreadyConnected(t *testing.T) {
	host := newTestHost(t, nil)
	host.connect(t, "bob")

	code, out, errOut := runWithArgs("--addr", host.url, "pair", "bob")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Paired: bob is connected as Phone of bob")
	assert.Equal(t, 1, host.opener.OpenCount())
}

func TestPairPrinter_DropsStaleAndRepeated(t *testing.T) {
	var out bytes.Buffer
	p := &pairPrinter{w: &out, opts: &pairOptions{noQR: true}}
	artifact := &pairing.Artifact{Code: "abc", ExpiresAt: time.Now().Add(time.Minute)}

	done, err := p.handle(session.Snapshot{Identity: "bob", State: session.StateAwaitingPairing, Artifact: artifact, Version: 3})
	require.NoError(t, err)
	assert.False(t, done)

	// Same code again, then an older version that claims to be connected.
	p.handle(session.Snapshot{Identity: "bob", State: session.StateAwaitingPairing, Artifact: artifact, Version: 4})
	done, _ = p.handle(session.Snapshot{Identity: "bob", State: session.StateConnected, Version: 2})
	assert.False(t, done)
	assert.Equal(t, 1, strings.Count(out.String(), "Pairing code: abc"))

	// Tombstones are ignored.
	done, _ = p.handle(session.Snapshot{Identity: "bob", State: session.StateDisconnected,
		LastError: &session.ErrorInfo{Code: "x", Message: "old"}})
	assert.False(t, done)

	done, err = p.handle(session.Snapshot{Identity: "bob", State: session.StateTerminated, Version: 5,
		LastError: &session.ErrorInfo{Code: "transport.logged_out", Message: "logged out"}})
	assert.True(t, done)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logged out")
}

func TestWriteDataURL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.png")
	require.Error(t, writeDataURL(path, "not a data url"))
	require.Error(t, writeDataURL(path, "data:image/png;base64,@@@"))

	require.NoError(t, writeDataURL(path, "data:image/png;base64,aGVsbG8="))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestWatch(t *testing.T) {
	host := newTestHost(t, nil)
	var out syncBuffer

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- watch(ctx, &globalOptions{addr: host.url}, "", &out, false)
	}()

	// Wait for the stream to be registered before causing changes.
	require.Eventually(t, func() bool {
		code, body, _ := runWithArgs("--addr", host.url, "host", "status", "--json")
		return code == 0 && strings.Contains(body, `"connected_clients": 1`)
	}, waitFor, 10*time.Millisecond)

	host.connect(t, "carol")
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "carol CONNECTED")
	}, waitFor, 10*time.Millisecond)
	assert.Contains(t, out.String(), "carol STARTING")

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("watch did not stop")
	}
}
