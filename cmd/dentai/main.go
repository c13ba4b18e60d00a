// Command dentai serves dental X-ray detection and a multi-model chat
// assistant over HTTP.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"dentai/internal/config"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:           "dentai",
		Short:         "Dental X-ray analysis and multi-model chat backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if envFile != "" {
				return config.LoadDotEnv(envFile)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Path to a .env file (default: .env in the current directory)")

	cmd.AddCommand(serveCmd())
	cmd.AddCommand(askCmd())
	cmd.AddCommand(migrateCmd())
	cmd.AddCommand(resealCmd())

	return cmd
}

// loadConfig reads the configuration and sets up the global logger from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	setupLogger(cfg.Log.Level)
	return cfg, nil
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
