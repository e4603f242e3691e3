package main

import (
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pseudocoder/pairhost/internal/config"
	"github.com/pseudocoder/pairhost/internal/storage"
)

// newHistoryCommand reads recorded sessions straight from the database,
// so it works while the host is down.
func newHistoryCommand() *cobra.Command {
	var (
		dbPath     string
		limit      int
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "history [identity]",
		Short: "Show recorded sessions, or one identity's transitions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbPath == "" {
				dir, err := config.DefaultDataDir()
				if err != nil {
					return err
				}
				dbPath = filepath.Join(dir, "pairhost.db")
			}
			store, err := storage.NewSQLiteStore(dbPath)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer store.Close()

			w := cmd.OutOrStdout()
			if len(args) == 1 {
				transitions, err := store.Transitions(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(w, transitions)
				}
				return printTransitions(w, transitions)
			}

			records, err := store.ListRecords(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(w, records)
			}
			return printRecords(w, records)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "Database path (default: ~/.pairhost/pairhost.db)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	return cmd
}

func printRecords(w io.Writer, records []*storage.Record) error {
	if len(records) == 0 {
		fmt.Fprintln(w, "No recorded sessions.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "IDENTITY\tSTATE\tACCOUNT\tUPDATED\tLAST ERROR")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.Identity, r.State, r.DisplayName, r.UpdatedAt.Local().Format(time.DateTime), r.LastErrorCode)
	}
	return tw.Flush()
}

func printTransitions(w io.Writer, transitions []storage.Transition) error {
	if len(transitions) == 0 {
		fmt.Fprintln(w, "No transitions recorded.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSTATE\tVERSION\tERROR")
	for _, t := range transitions {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n",
			t.RecordedAt.Local().Format(time.DateTime), t.State, t.Version, t.ErrorCode)
	}
	return tw.Flush()
}
