// Command pairhost runs the connection host and talks to a running one.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/pseudocoder/pairhost/internal/config"
)

// Version is set at build time via -ldflags.
// Example: go build -ldflags="-X main.Version=v0.1.0" ./cmd
var Version = "dev"

// Environment variables read as flag defaults.
const (
	addrEnv        = "PAIRHOST_ADDR"
	tokenEnv       = "PAIRHOST_TOKEN"
	fingerprintEnv = "PAIRHOST_FINGERPRINT"
)

// globalOptions are the persistent flags shared by every client command.
type globalOptions struct {
	addr        string
	token       string
	fingerprint string
}

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCommand(stdout, stderr)
	if len(args) > 0 {
		args = args[1:]
	}
	root.SetArgs(args)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "pairhost",
		Short: "Multi-tenant pairing and connection host",
		Long: `pairhost keeps one messaging connection per identity, drives QR pairing,
reconnects after transient drops and serves status and commands over HTTP.

Run 'pairhost host start' to start the host, then use the session and pair
commands against it.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().StringVar(&opts.addr, "addr", envOr(addrEnv, config.DefaultAddr), "Host address (host:port, http[s]:// URL or unix:///path to the control socket)")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv(tokenEnv), "API token (default: $"+tokenEnv+")")
	root.PersistentFlags().StringVar(&opts.fingerprint, "fingerprint", os.Getenv(fingerprintEnv), "Pin the host's TLS certificate to this SHA-256 fingerprint")

	root.AddCommand(
		newHostCommand(opts),
		newSessionCommand(opts),
		newPairCommand(opts),
		newWatchCommand(opts),
		newHistoryCommand(),
		newTokenCommand(),
		newDiscoverCommand(),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pairhost %s\n", Version)
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
