package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"dentai/internal/storage"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the interaction history schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := storage.Open(cmd.Context(), cfg.DB.Driver, cfg.DB.DSN, false)
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}
			log.Info().Str("driver", store.Driver()).Msg("schema is up to date")
			return nil
		},
	}
}
