package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"dentai/internal/chat"
	"dentai/internal/metrics"
)

func askCmd() *cobra.Command {
	var contextText string

	cmd := &cobra.Command{
		Use:   "ask [message]",
		Short: "Send one prompt to every responder and print the merged JSON response",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := log.Logger.Output(os.Stderr)

			agg, closers, err := buildAggregator(cfg, logger, metrics.Global())
			if err != nil {
				return fmt.Errorf("initialize responders: %w", err)
			}
			defer closeAll(closers, logger)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			prompt := chat.WithContext(strings.Join(args, " "), contextText)
			env := agg.Collect(ctx, prompt).Envelope()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(env)
		},
	}

	cmd.Flags().StringVar(&contextText, "context", "", "Analysis summary to prepend when the message is about the image")

	return cmd
}
