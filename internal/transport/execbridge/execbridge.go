// Package execbridge runs a bridge helper process per session attempt.
//
// The helper runs inside a PTY so it behaves as it would in a terminal
// (line-buffered output, no pipe detection). The PTY is switched to raw
// mode so frames of any length pass through without line editing or
// echo. It learns its credential
// store from the PAIRHOST_STORE environment variable, reports lifecycle
// frames as JSON lines on its output and reads send frames as JSON lines
// on its input. Any other output is kept in a ring buffer for
// diagnostics.
package execbridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/creack/pty"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/pseudocoder/pairhost/internal/transport"
	"github.com/pseudocoder/pairhost/internal/transport/bridge"
)

// StoreEnv names the environment variable holding the credential path.
const StoreEnv = "PAIRHOST_STORE"

// DefaultOutputLines is how many non-frame output lines are kept.
const DefaultOutputLines = 200

// maxLineSize bounds a single output line from the helper.
const maxLineSize = 1 << 20

// Config configures an Opener.
type Config struct {
	// Command is the helper executable. Required.
	Command string
	Args    []string

	// Env is added to the host environment of every helper.
	Env []string

	// OutputLines is the ring buffer capacity per helper.
	OutputLines int

	Logger zerolog.Logger
}

// Opener starts one helper process per session attempt.
type Opener struct {
	cfg Config
}

var _ transport.Opener = (*Opener)(nil)

// New returns an Opener for cfg.
func New(cfg Config) (*Opener, error) {
	if cfg.Command == "" {
		return nil, errors.New("execbridge: command is required")
	}
	if cfg.OutputLines <= 0 {
		cfg.OutputLines = DefaultOutputLines
	}
	return &Opener{cfg: cfg}, nil
}

// Open implements transport.Opener. The helper outlives ctx; ctx only
// bounds process startup.
func (o *Opener) Open(ctx context.Context, credentialPath string) (transport.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(credentialPath, 0700); err != nil {
		return nil, fmt.Errorf("execbridge: create credential store: %w", err)
	}

	cmd := exec.Command(o.cfg.Command, o.cfg.Args...)
	cmd.Env = append(os.Environ(), o.cfg.Env...)
	cmd.Env = append(cmd.Env, StoreEnv+"="+credentialPath)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("execbridge: failed to start PTY: %w", err)
	}
	// Canonical mode caps an input line at 4095 bytes.
	if _, err := term.MakeRaw(int(ptmx.Fd())); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		ptmx.Close()
		return nil, fmt.Errorf("execbridge: set PTY raw mode: %w", err)
	}

	logger := o.cfg.Logger.With().Int("pid", cmd.Process.Pid).Logger()
	logger.Debug().Str("command", o.cfg.Command).Str("store", credentialPath).Msg("execbridge: helper started")

	c := &ptyConn{
		cmd:    cmd,
		ptmx:   ptmx,
		output: NewRingBuffer(o.cfg.OutputLines),
		exited: make(chan struct{}),
		logger: logger,
	}
	c.scanner = bufio.NewScanner(ptmx)
	c.scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	go c.wait()

	return &Handle{Handle: bridge.NewHandle(c, logger), conn: c}, nil
}

// DeleteCredentials implements transport.Opener.
func (o *Opener) DeleteCredentials(credentialPath string) error {
	if credentialPath == "" {
		return errors.New("execbridge: empty credential path")
	}
	if err := os.RemoveAll(credentialPath); err != nil {
		return fmt.Errorf("execbridge: delete credentials: %w", err)
	}
	return nil
}

// Handle is a bridge handle that also exposes the helper's output.
type Handle struct {
	*bridge.Handle
	conn *ptyConn
}

// Output returns the helper's most recent non-frame output lines.
func (h *Handle) Output() []string {
	return h.conn.output.Lines()
}

// ptyConn speaks JSON lines over the helper's PTY.
type ptyConn struct {
	cmd     *exec.Cmd
	ptmx    *os.File
	scanner *bufio.Scanner
	output  *RingBuffer
	logger  zerolog.Logger

	exited  chan struct{}
	waitErr error

	closeOnce sync.Once
}

// wait reaps the helper.
func (c *ptyConn) wait() {
	c.waitErr = c.cmd.Wait()
	close(c.exited)
	c.logger.Debug().Err(c.waitErr).Msg("execbridge: helper exited")
}

// ReadFrame returns the next JSON line that carries a frame type. Lines
// without one are kept as output.
func (c *ptyConn) ReadFrame() (bridge.Frame, error) {
	for c.scanner.Scan() {
		line := strings.TrimRight(c.scanner.Text(), "\r")
		if strings.HasPrefix(strings.TrimSpace(line), "{") {
			var f bridge.Frame
			if json.Unmarshal([]byte(line), &f) == nil && f.Type != "" {
				return f, nil
			}
		}
		if line != "" {
			c.output.Write(line)
		}
	}

	err := c.scanner.Err()
	if err == nil {
		err = io.EOF
	}
	if last := c.output.Last(); last != "" {
		return bridge.Frame{}, fmt.Errorf("execbridge: helper output ended (last line %q): %w", last, err)
	}
	return bridge.Frame{}, fmt.Errorf("execbridge: helper output ended: %w", err)
}

func (c *ptyConn) WriteFrame(f bridge.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	_, err = c.ptmx.Write(append(data, '\n'))
	return err
}

// Close kills the helper and releases the PTY.
func (c *ptyConn) Close() error {
	c.closeOnce.Do(func() {
		select {
		case <-c.exited:
		default:
			if c.cmd.Process != nil {
				_ = c.cmd.Process.Kill()
			}
		}
		c.ptmx.Close()
	})
	return nil
}
