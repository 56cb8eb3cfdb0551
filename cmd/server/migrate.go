package main

import (
	"log/slog"

	"github.com/mpro775/kleem/internal/db"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		database, err := db.Open(cfg.DatabaseFile())
		if err != nil {
			return err
		}
		defer database.Close()

		slog.Info("database schema is up to date", "database", cfg.DatabaseFile())
		return nil
	},
}

func init() {
	migrateCmd.Flags().String("data-dir", "", "directory for the database (overrides DATA_DIR)")
}
