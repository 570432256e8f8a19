// Package main provides rulectl, the operator CLI for rulez.
//
// validate and evaluate run entirely offline against a metadata catalog and a
// rule file. apikey and migrate talk to the database named by DATABASE_URL.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "rulectl",
		Short:         "Validate, evaluate and administer rulez rules",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(validateCmd(), evaluateCmd(), apiKeyCmd(), migrateCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rulectl version %s\n", version)
		},
	})

	return cmd
}
