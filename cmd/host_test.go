package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/pseudocoder/pairhost/internal/config"
	"github.com/pseudocoder/pairhost/internal/server"
	"github.com/pseudocoder/pairhost/internal/session"
	"github.com/pseudocoder/pairhost/internal/storage"
)

func parseHostFlags(t *testing.T, args ...string) (*cobra.Command, *hostFlags) {
	t.Helper()
	cmd := &cobra.Command{Use: "start"}
	hf := &hostFlags{}
	hf.register(cmd.Flags())
	require.NoError(t, cmd.Flags().Parse(args))
	return cmd, hf
}

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadHostConfig_FlagsOverrideFile(t *testing.T) {
	dataDir := t.TempDir()
	path := writeConfig(t, "config.toml", `
transport = "exec"
bridge_command = "/usr/local/bin/bridge"
data_dir = "`+filepath.ToSlash(dataDir)+`"
resume_sessions = true
max_sessions = 7
`)

	cmd, hf := parseHostFlags(t, "--config", path, "--listen", "0.0.0.0:9000", "--resume=false")
	cfg, err := loadHostConfig(cmd, hf)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Addr)
	assert.Equal(t, config.TransportExec, cfg.Transport)
	assert.Equal(t, "/usr/local/bin/bridge", cfg.BridgeCommand)
	assert.False(t, cfg.ResumeSessions)
	assert.Equal(t, 7, cfg.MaxSessions)
	assert.Equal(t, filepath.Join(dataDir, "pairhost.db"), cfg.DBPath)
}

func TestLoadHostConfig_YAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", "transport: ws\nbridge_url: ws://bridge:7090/x\ntrust_loopback: true\n")

	cmd, hf := parseHostFlags(t, "--config", path, "--data-dir", t.TempDir())
	cfg, err := loadHostConfig(cmd, hf)
	require.NoError(t, err)
	assert.Equal(t, "ws://bridge:7090/x", cfg.BridgeURL)
	assert.True(t, cfg.TrustLoopback)
	assert.Equal(t, config.DefaultAddr, cfg.Addr)
}

func TestLoadHostConfig_Invalid(t *testing.T) {
	path := writeConfig(t, "config.toml", `transport = "exec"`)

	cmd, hf := parseHostFlags(t, "--config", path, "--data-dir", t.TempDir())
	_, err := loadHostConfig(cmd, hf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bridge_command")

	cmd, hf = parseHostFlags(t, "--config", filepath.Join(t.TempDir(), "missing.toml"))
	_, err = loadHostConfig(cmd, hf)
	require.Error(t, err)
}

func TestNewOpener(t *testing.T) {
	o, err := newOpener(&config.Config{Transport: config.TransportWS, BridgeURL: "ws://127.0.0.1:7090/bridge"}, zerolog.Nop())
	require.NoError(t, err)
	assert.NotNil(t, o)

	o, err = newOpener(&config.Config{Transport: config.TransportExec, BridgeCommand: "bridge"}, zerolog.Nop())
	require.NoError(t, err)
	assert.NotNil(t, o)

	_, err = newOpener(&config.Config{Transport: config.TransportWS, BridgeURL: "http://nope"}, zerolog.Nop())
	require.Error(t, err)
}

func TestPortOf(t *testing.T) {
	assert.Equal(t, 7080, portOf("127.0.0.1:7080"))
	assert.Equal(t, 443, portOf("[::1]:443"))
	assert.Equal(t, 0, portOf("nonsense"))
}

var (
	listeningRe   = regexp.MustCompile(`listening on (https?://\S+)`)
	fingerprintRe = regexp.MustCompile(`TLS fingerprint: (\S+)`)
)

func TestRunHost_ServesUntilCancelled(t *testing.T) {
	dataDir := t.TempDir()
	cfg := &config.Config{
		Addr:      "127.0.0.1:0",
		DataDir:   dataDir,
		Transport: config.TransportWS,
		BridgeURL: "ws://127.0.0.1:1/bridge",
		LogLevel:  "error",
	}
	require.NoError(t, cfg.ApplyDefaults())
	require.NoError(t, cfg.Validate())

	var stdout, stderr syncBuffer
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- runHost(ctx, cfg, &stdout, &stderr) }()

	var base string
	require.Eventually(t, func() bool {
		m := listeningRe.FindStringSubmatch(stdout.String())
		if m == nil {
			return false
		}
		base = m[1]
		return true
	}, waitFor, 10*time.Millisecond, stderr.String())

	resp, err := http.Get(base + server.HealthPath)
	require.NoError(t, err)
	var health server.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, 0, health.Sessions)
	assert.False(t, health.RequireAuth)

	// The bridge is unreachable, so the session records a transient failure.
	code, _, errOut := runWithArgs("--addr", base, "session", "start", "dave")
	require.Equal(t, 0, code, errOut)

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("host did not shut down")
	}
	assert.Contains(t, stdout.String(), "Shutting down")

	store, err := storage.NewSQLiteStore(cfg.DBPath)
	require.NoError(t, err)
	defer store.Close()
	rec, err := store.GetRecord(context.Background(), "dave")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.NotEqual(t, session.StateConnected, rec.State)
	assert.DirExists(t, cfg.CredentialDir)
}

func TestRunHost_TLS(t *testing.T) {
	cfg := &config.Config{
		Addr:       "127.0.0.1:0",
		DataDir:    t.TempDir(),
		Transport:  config.TransportWS,
		BridgeURL:  "ws://127.0.0.1:1/bridge",
		LogLevel:   "error",
		TLSEnabled: true,
	}
	require.NoError(t, cfg.ApplyDefaults())

	var stdout, stderr syncBuffer
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- runHost(ctx, cfg, &stdout, &stderr) }()
	defer func() {
		cancel()
		<-errc
	}()

	var base, fp string
	require.Eventually(t, func() bool {
		m := listeningRe.FindStringSubmatch(stdout.String())
		f := fingerprintRe.FindStringSubmatch(stdout.String())
		if m == nil || f == nil {
			return false
		}
		base, fp = m[1], f[1]
		return true
	}, waitFor, 10*time.Millisecond, stderr.String())
	assert.True(t, strings.HasPrefix(base, "https://"))
	assert.FileExists(t, cfg.TLSCertPath)

	code, out, errOut := runWithArgs("--addr", base, "--fingerprint", fp, "host", "status")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "TLS:       true")

	// A bare host:port with a fingerprint means https.
	code, _, errOut = runWithArgs("--addr", strings.TrimPrefix(base, "https://"), "--fingerprint", fp, "session", "list")
	require.Equal(t, 0, code, errOut)

	// The pin is checked.
	wrong := strings.Repeat("00:", 31) + "00"
	code, _, errOut = runWithArgs("--addr", base, "--fingerprint", wrong, "host", "status")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "failed to reach host")
}

func TestRunHost_ControlSocketSkipsToken(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix sockets")
	}
	// Short path: sun_path is limited and t.TempDir can be long.
	dataDir, err := os.MkdirTemp("/tmp", "pairhost-cmd-")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dataDir) })

	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	cfg := &config.Config{
		Addr:         "127.0.0.1:0",
		DataDir:      dataDir,
		Transport:    config.TransportWS,
		BridgeURL:    "ws://127.0.0.1:1/bridge",
		LogLevel:     "error",
		APITokenHash: string(hash),
	}
	require.NoError(t, cfg.ApplyDefaults())

	var stdout, stderr syncBuffer
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- runHost(ctx, cfg, &stdout, &stderr) }()

	var base string
	require.Eventually(t, func() bool {
		m := listeningRe.FindStringSubmatch(stdout.String())
		if m == nil || !strings.Contains(stdout.String(), "Control socket: ") {
			return false
		}
		base = m[1]
		return true
	}, waitFor, 10*time.Millisecond, stderr.String())

	code, _, errOut := runWithArgs("--addr", base, "session", "list")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "auth.required")

	socketAddr := "unix://" + cfg.ControlSocket
	code, out, errOut := runWithArgs("--addr", socketAddr, "session", "list")
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "No sessions.\n", out)

	code, out, errOut = runWithArgs("--addr", socketAddr, "host", "status")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Auth:      true")

	cancel()
	require.NoError(t, <-errc)
	assert.NoFileExists(t, cfg.ControlSocket)
}

func TestHistory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "pairhost.db")
	store, err := storage.NewSQLiteStore(dbPath)
	require.NoError(t, err)

	created := time.Now().UTC().Truncate(time.Second)
	ctx := context.Background()
	for i, state := range []session.State{session.StateStarting, session.StateAwaitingPairing, session.StateConnected} {
		require.NoError(t, store.SaveSnapshot(ctx, session.Snapshot{
			Identity:  "erin",
			State:     state,
			Version:   uint64(i + 1),
			CreatedAt: created,
			UpdatedAt: created.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, store.Close())

	code, out, errOut := runWithArgs("history", "--db", dbPath)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "erin")
	assert.Contains(t, out, "CONNECTED")

	code, out, errOut = runWithArgs("history", "erin", "--db", dbPath, "--json")
	require.Equal(t, 0, code, errOut)
	var transitions []storage.Transition
	require.NoError(t, json.Unmarshal([]byte(out), &transitions))
	require.Len(t, transitions, 3)
	assert.Equal(t, session.StateConnected, transitions[0].State)
	assert.Equal(t, session.StateStarting, transitions[2].State)

	code, out, _ = runWithArgs("history", "nobody", "--db", dbPath)
	require.Equal(t, 0, code)
	assert.Equal(t, "No transitions recorded.\n", out)
}
