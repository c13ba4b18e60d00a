package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"dentai/internal/crypto"
	"dentai/internal/recorder"
	"dentai/internal/storage"
)

func resealCmd() *cobra.Command {
	var batch int

	cmd := &cobra.Command{
		Use:   "reseal",
		Short: "Re-encrypt stored interaction payloads under the current master key",
		Long: `Re-encrypt stored interaction payloads under the current master key.

Rows sealed with an older key from MASTER_KEYS_JSON or MASTER_KEY_<ID>_B64 are
re-encrypted with MASTER_KEY_CURRENT_ID, and plaintext rows are sealed. Old
keys must stay configured until this has run. Journal files are not rewritten.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Crypto.Enabled() {
				return fmt.Errorf("no master key configured")
			}
			keyring, err := crypto.NewKeyring(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
			if err != nil {
				return fmt.Errorf("initialize keyring: %w", err)
			}

			store, err := storage.Open(cmd.Context(), cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer store.Close()

			w := recorder.NewWriter(recorder.WriterConfig{
				Store:   store,
				Keyring: keyring,
				Logger:  log.Logger.With().Str("component", "reseal").Logger(),
			})
			n, err := w.Reseal(cmd.Context(), batch)
			if err != nil {
				return err
			}
			log.Info().Int("updated", n).Str("key_id", keyring.CurrentKeyID()).Msg("reseal complete")
			return nil
		},
	}

	cmd.Flags().IntVar(&batch, "batch", 100, "Rows loaded per query")

	return cmd
}
