//go:build unix

package ipc

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

// tempSocketPath stays under /tmp because t.TempDir can exceed the
// sun_path limit on macOS.
func tempSocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "pairhost-ipc-")
	if err != nil {
		dir = t.TempDir()
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, SocketFile)
}

func TestControlSocket_StartStop(t *testing.T) {
	path := tempSocketPath(t)
	s := NewControlSocket(path, okHandler, zerolog.Nop())
	require.NoError(t, s.Start())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	dirInfo, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), dirInfo.Mode().Perm())

	require.Error(t, s.Start(), "second start")

	require.NoError(t, s.Stop())
	assert.NoFileExists(t, path)
	require.NoError(t, s.Stop())
}

func TestControlSocket_StopBeforeStart(t *testing.T) {
	s := NewControlSocket(tempSocketPath(t), okHandler, zerolog.Nop())
	assert.NoError(t, s.Stop())
}

func TestControlSocket_StaleSocketCleanup(t *testing.T) {
	path := tempSocketPath(t)

	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	// Keep the file so it looks like a crashed host left it behind.
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, ln.Close())
	require.FileExists(t, path)

	s := NewControlSocket(path, okHandler, zerolog.Nop())
	require.NoError(t, s.Start())
	defer s.Stop()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeSocket)
}

func TestControlSocket_AlreadyInUse(t *testing.T) {
	path := tempSocketPath(t)
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer ln.Close()

	s := NewControlSocket(path, okHandler, zerolog.Nop())
	err = s.Start()
	require.ErrorIs(t, err, ErrSocketInUse)
	assert.FileExists(t, path)
}

func TestControlSocket_NotASocket(t *testing.T) {
	path := tempSocketPath(t)
	require.NoError(t, os.WriteFile(path, []byte("x"), 0600))

	err := NewControlSocket(path, okHandler, zerolog.Nop()).Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a socket")
}

func TestControlSocket_Validation(t *testing.T) {
	require.Error(t, NewControlSocket("", okHandler, zerolog.Nop()).Start())
	require.Error(t, NewControlSocket(tempSocketPath(t), nil, zerolog.Nop()).Start())

	long := "/tmp/" + strings.Repeat("a", socketPathLimit)
	err := NewControlSocket(long, okHandler, zerolog.Nop()).Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}

func TestControlSocket_RequestFlow(t *testing.T) {
	path := tempSocketPath(t)
	s := NewControlSocket(path, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, `{"status":"ok"}`)
	}), zerolog.Nop())
	require.NoError(t, s.Start())
	defer s.Stop()

	client := &http.Client{
		Timeout: 2 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", path)
			},
		},
	}
	resp, err := client.Get("http://pairhost/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}
