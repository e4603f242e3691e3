package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pseudocoder/pairhost/internal/server"
	"github.com/pseudocoder/pairhost/internal/session"
)

// newSessionCommand groups the commands that drive one identity.
func newSessionCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Start, inspect and stop sessions on a running host",
	}

	var jsonOutput bool
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "start <identity>",
			Short: "Start (or return) the session for an identity",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var snap session.Snapshot
				err := callAPI(cmd, opts, http.MethodPost, "/start", nil, server.StartRequest{Identity: args[0]}, &snap)
				if err != nil {
					return err
				}
				return printSnapshot(cmd.OutOrStdout(), snap, jsonOutput)
			},
		},
		&cobra.Command{
			Use:   "status <identity>",
			Short: "Show the state of an identity's session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var snap session.Snapshot
				err := callAPI(cmd, opts, http.MethodGet, "/status", url.Values{"identity": {args[0]}}, nil, &snap)
				if err != nil {
					return err
				}
				return printSnapshot(cmd.OutOrStdout(), snap, jsonOutput)
			},
		},
		&cobra.Command{
			Use:   "send <identity> <recipient> <content...>",
			Short: "Send a message through a connected session",
			Args:  cobra.MinimumNArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				req := server.SendRequest{
					Identity:  args[0],
					Recipient: args[1],
					Content:   strings.Join(args[2:], " "),
				}
				var resp server.SendResponse
				if err := callAPI(cmd, opts, http.MethodPost, "/send", nil, req, &resp); err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd.OutOrStdout(), resp)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Sent: %s\n", resp.MessageID)
				return nil
			},
		},
		newSessionDisconnectCommand(opts, &jsonOutput),
		&cobra.Command{
			Use:   "list",
			Short: "List every session the host holds",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				var resp server.SessionsResponse
				if err := callAPI(cmd, opts, http.MethodGet, "/sessions", nil, nil, &resp); err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd.OutOrStdout(), resp)
				}
				return printSessionTable(cmd.OutOrStdout(), resp.Sessions)
			},
		},
	)
	return cmd
}

func newSessionDisconnectCommand(opts *globalOptions, jsonOutput *bool) *cobra.Command {
	var logout bool
	cmd := &cobra.Command{
		Use:   "disconnect <identity>",
		Short: "Close an identity's session",
		Long: `Close an identity's session. Stored credentials are kept so the next
start reconnects without pairing, unless --logout is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp server.DisconnectResponse
			req := server.DisconnectRequest{Identity: args[0], Logout: logout}
			if err := callAPI(cmd, opts, http.MethodPost, "/disconnect", nil, req, &resp); err != nil {
				return err
			}
			if *jsonOutput {
				return writeJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Disconnected %s (%s)\n", args[0], resp.State)
			return nil
		},
	}
	cmd.Flags().BoolVar(&logout, "logout", false, "Also delete the stored credentials")
	return cmd
}

// callAPI runs one request against the host named by the global flags.
func callAPI(cmd *cobra.Command, opts *globalOptions, method, path string, query url.Values, body, out any) error {
	client, err := newAPIClient(opts)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()
	return client.do(ctx, method, path, query, body, out)
}

// printSnapshot renders a snapshot for humans, or as JSON.
func printSnapshot(w io.Writer, snap session.Snapshot, jsonOutput bool) error {
	if jsonOutput {
		return writeJSON(w, snap)
	}

	fmt.Fprintf(w, "Identity: %s\n", snap.Identity)
	fmt.Fprintf(w, "State:    %s\n", snap.State)
	if snap.Connection != nil {
		fmt.Fprintf(w, "Account:  %s\n", snap.Connection.DisplayName)
		if snap.Connection.RemoteAddress != "" {
			fmt.Fprintf(w, "Remote:   %s\n", snap.Connection.RemoteAddress)
		}
	}
	if snap.Artifact != nil {
		fmt.Fprintf(w, "Pairing:  code ready, expires %s\n", snap.Artifact.ExpiresAt.Local().Format(time.Kitchen))
	}
	if snap.NextRetryAt != nil {
		fmt.Fprintf(w, "Retry:    attempt %d at %s\n", snap.RetryCount, snap.NextRetryAt.Local().Format(time.TimeOnly))
	}
	if snap.LastError != nil {
		fmt.Fprintf(w, "Error:    %s: %s\n", snap.LastError.Code, snap.LastError.Message)
	}
	return nil
}

func printSessionTable(w io.Writer, sessions []session.Snapshot) error {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "IDENTITY\tSTATE\tACCOUNT\tRETRIES\tLAST ERROR")
	for _, s := range sessions {
		account := ""
		if s.Connection != nil {
			account = s.Connection.DisplayName
		}
		lastErr := ""
		if s.LastError != nil {
			lastErr = s.LastError.Code
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", s.Identity, s.State, account, s.RetryCount, lastErr)
	}
	return tw.Flush()
}
