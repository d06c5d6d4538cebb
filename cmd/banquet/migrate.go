package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/platinummonkey/banquet/pkg/storage/sqlstore"
)

// NewMigrateCommand creates the schema on the configured database
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			if cfg.Storage.Driver == "memory" {
				logrus.Info("memory storage has no schema")
				return nil
			}

			cfg.Storage.AutoMigrate = false
			store, err := sqlstore.Open(cmd.Context(), cfg.Storage, nil)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}
			logrus.WithField("driver", cfg.Storage.Driver).Info("schema is up to date")
			return nil
		},
	}
}
