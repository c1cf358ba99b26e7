package main

import (
	"fmt"
	"os"

	"github.com/ignatij/taskgraph/internal/config"
	internal_storage "github.com/ignatij/taskgraph/internal/storage"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{Use: "taskgraph-migrate"}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		connStr, _ := cmd.Flags().GetString("db")
		dir, _ := cmd.Flags().GetString("dir")
		down, _ := cmd.Flags().GetBool("down")

		cfg, err := config.Load(func(c *config.Config) {
			c.Store = config.StorePostgres
			if connStr != "" {
				c.DatabaseURL = connStr
			}
		})
		if err != nil {
			return err
		}

		changed, err := internal_storage.Migrate(cfg.DatabaseURL, dir, down)
		if err != nil {
			return err
		}
		switch {
		case !changed:
			fmt.Println("No migrations to apply")
		case down:
			fmt.Println("Migrations reverted successfully")
		default:
			fmt.Println("Migrations applied successfully")
		}
		return nil
	},
}

func main() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().String("db", "", "Database connection string (optional if DATABASE_URL or DB_* env vars are set)")
	migrateCmd.Flags().String("dir", "migrations", "Directory holding the SQL migrations")
	migrateCmd.Flags().Bool("down", false, "Revert every migration instead of applying them")
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
