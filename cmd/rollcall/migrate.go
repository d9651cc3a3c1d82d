package main

import (
	"github.com/spf13/cobra"

	"github.com/okian/rollcall/pkg/logger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations to the configured store",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		// Opening a SQL store applies its embedded migrations.
		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		logger.Get().Info(ctx, "schema up to date", logger.String("driver", cfg.StorageDriver))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
