package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pseudocoder/pairhost/internal/mdns"
)

func newDiscoverCommand() *cobra.Command {
	var (
		timeout    time.Duration
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find hosts advertising on the local network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			hosts, err := mdns.Discover(ctx)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(w, hosts)
			}
			if len(hosts) == 0 {
				fmt.Fprintln(w, "No hosts found.")
				return nil
			}
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tADDRESS\tVERSION\tAUTH\tFINGERPRINT")
			for _, h := range hosts {
				fp := h.Fingerprint
				if fp == "" {
					fp = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%s\n", h.Name, h.Address(), h.Version, h.RequireAuth, fp)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "How long to listen for answers")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	return cmd
}
