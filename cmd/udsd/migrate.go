package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/VirtualCable/openuds-sub007/internal/dbstore"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Long:  `Applies every pending golang-migrate migration under database.migrations_dir to database.dsn, then exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := dbstore.Migrate(cfg.Database.DSN, cfg.Database.MigrationsDir); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		fmt.Println("✓ Migrations applied")
		return nil
	},
}
