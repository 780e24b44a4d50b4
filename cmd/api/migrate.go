package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/daoistvideo/platform/internal/database"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations all the way up",
		Long:  `Applies the embedded schema migrations. Intended to run before the server starts.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logr, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				err := errors.New("DATABASE_URL is required to migrate")
				logr.Error("failed to do migration", "err", err)
				return err
			}

			ctx := cmd.Context()
			db, err := database.Connect(ctx, dbOptions(cfg, logr))
			if err != nil {
				logr.Error("failed to connect database", "err", err)
				return err
			}
			defer db.Close()

			if err := db.RunMigrations(ctx, database.NewMigrator(cfg.DatabaseURL, logr)); err != nil {
				logr.Error("failed to do migration", "err", err)
				return err
			}
			return nil
		},
	}
}
