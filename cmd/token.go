package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pseudocoder/pairhost/internal/auth"
)

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the API token",
	}

	var generate bool
	hash := &cobra.Command{
		Use:   "hash [token]",
		Short: "Print the bcrypt hash to put in api_token_hash",
		Long: `Print the bcrypt hash to put in api_token_hash. With --generate a new
random token is created and printed together with its hash. Keep the token
secret; only the hash goes in the config file.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var token string
			switch {
			case generate && len(args) == 1:
				return fmt.Errorf("give a token or --generate, not both")
			case generate:
				t, err := auth.GenerateToken()
				if err != nil {
					return err
				}
				token = t
			case len(args) == 1:
				token = strings.TrimSpace(args[0])
			default:
				return fmt.Errorf("a token is required (or use --generate)")
			}

			h, err := auth.HashToken(token)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if generate {
				fmt.Fprintf(w, "token: %s\n", token)
			}
			fmt.Fprintf(w, "api_token_hash = %q\n", h)
			return nil
		},
	}
	hash.Flags().BoolVar(&generate, "generate", false, "Generate a new random token")

	cmd.AddCommand(hash)
	return cmd
}
