package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pseudocoder/pairhost/internal/server"
	"github.com/pseudocoder/pairhost/internal/session"
)

// DefaultPairTimeout bounds how long pair waits for the phone.
const DefaultPairTimeout = 3 * time.Minute

type pairOptions struct {
	timeout time.Duration
	pngPath string
	noQR    bool
}

// newPairCommand starts a session and walks the operator through pairing.
func newPairCommand(opts *globalOptions) *cobra.Command {
	po := &pairOptions{}
	cmd := &cobra.Command{
		Use:   "pair <identity>",
		Short: "Pair an identity by scanning a QR code",
		Long: `Start the session for an identity and show each pairing QR code as it
is issued, until the phone completes pairing or the session fails.

Codes rotate while pairing is pending; the newest one is always printed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return pair(ctx, opts, po, args[0], cmd.OutOrStdout())
		},
	}
	cmd.Flags().DurationVar(&po.timeout, "timeout", DefaultPairTimeout, "Give up after this long")
	cmd.Flags().StringVar(&po.pngPath, "png", "", "Also write each QR code as a PNG to this path")
	cmd.Flags().BoolVar(&po.noQR, "no-qr", false, "Print the raw pairing code instead of a QR code")
	return cmd
}

func pair(ctx context.Context, opts *globalOptions, po *pairOptions, identity string, w io.Writer) error {
	client, err := newAPIClient(opts)
	if err != nil {
		return err
	}
	if po.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, po.timeout)
		defer cancel()
	}

	// Follow before starting so no transition is missed.
	conn, err := client.dialStream(ctx, identity)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	snaps, errc := streamSnapshots(ctx, conn)

	p := &pairPrinter{w: w, opts: po}

	// The host sends the current snapshot once the stream is registered.
	if current, ok := <-snaps; ok {
		if done, err := p.handle(current); done {
			return err
		}

		var started session.Snapshot
		if err := client.do(ctx, http.MethodPost, "/start", nil, server.StartRequest{Identity: identity}, &started); err != nil {
			return err
		}
		if done, err := p.handle(started); done {
			return err
		}
		for snap := range snaps {
			if done, err := p.handle(snap); done {
				return err
			}
		}
	}

	err = <-errc
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("timed out after %s waiting for %s to pair", po.timeout, identity)
	}
	if errors.Is(err, context.Canceled) {
		return errors.New("pairing interrupted")
	}
	return fmt.Errorf("stream closed before pairing finished: %w", err)
}

// pairPrinter prints pairing progress and decides when pair is done.
type pairPrinter struct {
	w    io.Writer
	opts *pairOptions

	version  uint64
	lastCode string
}

// handle returns done once the session is connected or finished.
func (p *pairPrinter) handle(snap session.Snapshot) (bool, error) {
	if snap.State == session.StateDisconnected {
		// No session yet, or a tombstone from an earlier attempt.
		return false, nil
	}
	if snap.Version < p.version {
		return false, nil
	}
	p.version = snap.Version

	switch snap.State {
	case session.StateConnected:
		name := snap.Identity
		if snap.Connection != nil && snap.Connection.DisplayName != "" {
			name = snap.Connection.DisplayName
		}
		fmt.Fprintf(p.w, "Paired: %s is connected as %s\n", snap.Identity, name)
		return true, nil
	case session.StateAuthFailed, session.StateTerminated:
		if snap.LastError != nil {
			return true, fmt.Errorf("session %s: %s", strings.ToLower(string(snap.State)), snap.LastError.Message)
		}
		return true, fmt.Errorf("session %s", strings.ToLower(string(snap.State)))
	case session.StateAwaitingPairing:
		if snap.Artifact == nil || snap.Artifact.Code == p.lastCode {
			return false, nil
		}
		p.lastCode = snap.Artifact.Code
		return false, p.show(snap)
	case session.StateUninitialized:
		if snap.NextRetryAt != nil {
			fmt.Fprintf(p.w, "Connection dropped, retry %d at %s\n", snap.RetryCount, snap.NextRetryAt.Local().Format(time.TimeOnly))
		}
	}
	return false, nil
}

func (p *pairPrinter) show(snap session.Snapshot) error {
	a := snap.Artifact
	fmt.Fprintln(p.w)
	if p.opts.noQR || a.Text == "" {
		fmt.Fprintf(p.w, "Pairing code: %s\n", a.Code)
	} else {
		fmt.Fprint(p.w, a.Text)
	}
	fmt.Fprintf(p.w, "Scan with the phone linked to %s. Expires at %s.\n",
		snap.Identity, a.ExpiresAt.Local().Format(time.TimeOnly))

	if p.opts.pngPath != "" {
		if err := writeDataURL(p.opts.pngPath, a.Image); err != nil {
			return err
		}
		fmt.Fprintf(p.w, "QR code written to %s\n", p.opts.pngPath)
	}
	return nil
}

// writeDataURL decodes a base64 data URL and writes its bytes to path.
func writeDataURL(path, dataURL string) error {
	_, encoded, ok := strings.Cut(dataURL, ";base64,")
	if !ok {
		return errors.New("pairing image is not a base64 data URL")
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decode pairing image: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write pairing image: %w", err)
	}
	return nil
}
