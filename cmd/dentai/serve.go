package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"dentai/internal/config"
	"dentai/internal/crypto"
	"dentai/internal/journal"
	"dentai/internal/metrics"
	"dentai/internal/queue"
	"dentai/internal/recorder"
	"dentai/internal/storage"
	"dentai/internal/web"
	"dentai/internal/worker"
)

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long: `Start the HTTP API server.

Configuration comes from the environment, after loading .env when present.

  HTTP_LISTEN_ADDR             Listen address (default :5000)
  OPENAI_KEY, GEMINI_KEY,      Responder API keys; each responder also reads
  GROQ_KEY, CLAUDE_KEY         <PREFIX>_MODEL, _KIND, _BASE_URL, _MAX_TOKENS,
                               _TEMPERATURE, _SYSTEM_PROMPT, _HEADERS_JSON,
                               _CONFIG_JSON
  RESPONDER_TIMEOUT            Per-responder timeout (default 60s)
  CHAT_DEADLINE                Whole-request deadline (default 90s)
  DETECTOR_URL                 Detection model endpoint (detection disabled if empty)
  DB_DRIVER, DB_DSN            sqlite (default, dentai.db) or postgres
  JOURNAL_DIR                  Directory for JSON interaction logs (default logs)
  REDIS_ADDR                   Enables the record queue and rate limiting
  RATE_LIMIT_PER_HOUR          Requests per client per hour (0 disables)
  MASTER_KEY_B64               Seals stored payloads when set`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.ListenAddr = addr
			}
			return runServe(cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Address to listen on (overrides HTTP_LISTEN_ADDR)")

	return cmd
}

func runServe(cfg *config.Config) error {
	log.Info().
		Str("addr", cfg.Server.ListenAddr).
		Str("db_driver", cfg.DB.Driver).
		Bool("redis", cfg.Redis.Enabled()).
		Bool("sealing", cfg.Crypto.Enabled()).
		Bool("detector", cfg.Detector.URL != "").
		Msg("starting dentai")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := metrics.Global()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	defer store.Close()

	var keyring *crypto.Keyring
	if cfg.Crypto.Enabled() {
		keyring, err = crypto.NewKeyring(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
		if err != nil {
			return fmt.Errorf("initialize keyring: %w", err)
		}
	}

	var jrnl *journal.Journal
	if cfg.Journal.Dir != "" {
		jrnl, err = journal.New(cfg.Journal.Dir)
		if err != nil {
			return fmt.Errorf("initialize journal: %w", err)
		}
	}

	writer := recorder.NewWriter(recorder.WriterConfig{
		Store:   store,
		Journal: jrnl,
		Keyring: keyring,
		Logger:  log.Logger.With().Str("component", "recorder").Logger(),
		Metrics: m,
	})

	agg, closers, err := buildAggregator(cfg, log.Logger, m)
	if err != nil {
		return fmt.Errorf("initialize responders: %w", err)
	}
	defer closeAll(closers, log.Logger)

	errCh := make(chan error, 2)
	workerDone := make(chan struct{})
	var rec recorder.Recorder = writer
	var limiter web.Limiter

	if cfg.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()

		recordQueue := queue.NewStreamQueue(rdb, cfg.Redis.QueueStream, cfg.Redis.QueueGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock)
		rec = &recorder.Queued{
			Queue:    recordQueue,
			Fallback: writer,
			Logger:   log.Logger.With().Str("component", "recorder").Logger(),
		}
		if cfg.Rate.PerHour > 0 {
			limiter = queue.NewRateLimiter(rdb, cfg.Rate.PerHour)
		}

		w := worker.New(worker.Config{
			Queue:         recordQueue,
			Recorder:      writer,
			MaxJobRetries: cfg.Worker.MaxRetries,
			Logger:        log.Logger.With().Str("component", "worker").Logger(),
			Metrics:       m,
		})
		go func() {
			defer close(workerDone)
			if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("worker failed: %w", err)
			}
		}()
		log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("worker started")
	} else {
		close(workerDone)
		if cfg.Rate.PerHour > 0 {
			log.Warn().Msg("RATE_LIMIT_PER_HOUR is set but REDIS_ADDR is empty, rate limiting disabled")
		}
	}

	httpServer := &http.Server{
		Addr: cfg.Server.ListenAddr,
		Handler: web.Router(web.Config{
			Aggregator:     agg,
			Detector:       buildDetector(cfg),
			Recorder:       rec,
			History:        writer,
			RateLimiter:    limiter,
			AllowedOrigins: cfg.Server.AllowedOrigins,
			MaxUploadBytes: cfg.Server.MaxUploadBytes,
			HealthPath:     cfg.Server.HealthPath,
			MetricsPath:    cfg.Server.MetricsPath,
			Logger:         log.Logger.With().Str("component", "http").Logger(),
			Metrics:        m,
		}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
	}
	go func() {
		log.Info().Str("addr", cfg.Server.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		log.Warn().Msg("worker did not stop before shutdown timeout")
	}

	log.Info().Msg("stopped")
	return runErr
}
