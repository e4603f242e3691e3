package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/pseudocoder/pairhost/internal/server"
	"github.com/pseudocoder/pairhost/internal/session"
)

// streamSnapshots reads session.status messages from conn until it closes
// or ctx is done. Other message types are skipped. The returned channel
// is closed when reading stops; the error channel then holds the cause.
func streamSnapshots(ctx context.Context, conn *websocket.Conn) (<-chan session.Snapshot, <-chan error) {
	snaps := make(chan session.Snapshot)
	errc := make(chan error, 1)

	go func() {
		<-ctx.Done()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}()

	go func() {
		defer close(snaps)
		for {
			var msg server.Message
			if err := conn.ReadJSON(&msg); err != nil {
				if ctx.Err() != nil {
					err = ctx.Err()
				}
				errc <- err
				return
			}
			if msg.Type != server.MessageTypeSessionStatus {
				continue
			}
			var snap session.Snapshot
			if err := json.Unmarshal(msg.Payload, &snap); err != nil {
				continue
			}
			select {
			case snaps <- snap:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()
	return snaps, errc
}

// newWatchCommand prints every pushed snapshot until interrupted.
func newWatchCommand(opts *globalOptions) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "watch [identity]",
		Short: "Follow session changes as they happen",
		Long: `Follow session changes as they happen. With an identity only that
session is shown; without one every session is followed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			identity := ""
			if len(args) == 1 {
				identity = args[0]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return watch(ctx, opts, identity, cmd.OutOrStdout(), jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print each snapshot as JSON")
	return cmd
}

func watch(ctx context.Context, opts *globalOptions, identity string, w io.Writer, jsonOutput bool) error {
	client, err := newAPIClient(opts)
	if err != nil {
		return err
	}
	conn, err := client.dialStream(ctx, identity)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	snaps, errc := streamSnapshots(ctx, conn)

	count := 0
	for snap := range snaps {
		count++
		if jsonOutput {
			if err := json.NewEncoder(w).Encode(snap); err != nil {
				return err
			}
			continue
		}
		fmt.Fprintf(w, "[%d] %s %s v%d", count, snap.Identity, snap.State, snap.Version)
		if snap.LastError != nil {
			fmt.Fprintf(w, " error=%s", snap.LastError.Code)
		}
		fmt.Fprintln(w)
	}

	if err := <-errc; err != nil && ctx.Err() == nil &&
		websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		return fmt.Errorf("stream closed: %w", err)
	}
	return nil
}
