package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/botwalk/botwalk/internal/config"
	"github.com/botwalk/botwalk/internal/db"
)

func main() {
	// Missing .env is fine; config.toml and real env vars still apply.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "botwalk",
		Short: "Multi-tenant conversation-graph chatbot backend",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and channel runtime",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
			if err != nil {
				return err
			}
			if err := db.Migrate(cfg.Postgres); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		},
	}

	root.AddCommand(serveCmd, migrateCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
