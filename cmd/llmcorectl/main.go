// Command llmcorectl is a direct-database inspection CLI for budgets,
// prices, and the fractional billing ledger: a cobra root command with a
// persistent --db-url flag and one subcommand package per domain.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/llmcore/llmcore/cmd/llmcorectl/commands"
)

var dbURL string

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "llmcorectl",
		Short: "llmcore control-plane inspection CLI",
		Long:  "Inspect and adjust budgets, prices, and the fractional billing ledger directly against Postgres.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if dbURL == "" {
				dbURL = os.Getenv("DATABASE_URL")
			}
			if dbURL == "" {
				return fmt.Errorf("--db-url or DATABASE_URL is required")
			}
			db, err := gorm.Open(postgres.Open(dbURL), &gorm.Config{})
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			commands.SetDB(db)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&dbURL, "db-url", "", "Postgres connection string (defaults to $DATABASE_URL)")

	root.AddCommand(commands.NewBudgetCommand())
	root.AddCommand(commands.NewPriceCommand())
	root.AddCommand(commands.NewLedgerCommand())

	return root
}
