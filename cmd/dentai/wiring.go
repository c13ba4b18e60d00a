package main

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"dentai/internal/config"
	"dentai/internal/detection"
	"dentai/internal/fanout"
	"dentai/internal/metrics"
	"dentai/internal/providers"
	"dentai/internal/providers/registry"
)

// buildAggregator builds one responder per configured provider. A provider
// that cannot be built is kept as an always-failing responder, so every
// response still carries all names. The returned closers release SDK
// clients.
func buildAggregator(cfg *config.Config, logger zerolog.Logger, m *metrics.Metrics) (*fanout.Aggregator, []io.Closer, error) {
	httpClient := &http.Client{Timeout: cfg.HTTP.ClientTimeout}

	responders := make([]fanout.Responder, 0, len(cfg.Responders))
	closers := make([]io.Closer, 0)
	for _, rc := range cfg.Responders {
		log := logger.With().Str("responder", rc.Name).Str("kind", rc.Kind).Logger()

		p, err := registry.Build(registry.BuildOptions{
			Kind:        rc.Kind,
			BaseURL:     rc.BaseURL,
			APIKey:      rc.APIKey,
			Headers:     rc.Headers,
			Config:      rc.Extra,
			HTTPClient:  httpClient,
			MaxRetries:  cfg.HTTP.MaxRetries,
			BackoffBase: cfg.HTTP.BackoffBase,
		})
		if err != nil {
			log.Warn().Err(err).Msg("responder unavailable")
			p = providers.Unavailable(fmt.Errorf("responder not configured: %w", err))
		} else if strings.TrimSpace(rc.APIKey) == "" && registry.NormalizeKind(rc.Kind) != registry.KindCustomHTTP {
			log.Warn().Msgf("%s_KEY is not set, calls will fail", rc.Prefix)
		}
		if c, ok := p.(io.Closer); ok {
			closers = append(closers, c)
		}

		responders = append(responders, fanout.Responder{
			Name:     rc.Name,
			Label:    rc.Label,
			Provider: p,
			Request: providers.ChatRequest{
				Model:        rc.Model,
				SystemPrompt: rc.SystemPrompt,
				MaxTokens:    rc.MaxTokens,
				Temperature:  rc.Temperature,
			},
		})
	}

	agg, err := fanout.New(fanout.Config{
		Responders:       responders,
		PoolSize:         cfg.Fanout.PoolSize,
		ResponderTimeout: cfg.Fanout.ResponderTimeout,
		Deadline:         cfg.Fanout.Deadline,
		Logger:           logger.With().Str("component", "fanout").Logger(),
		Metrics:          m,
	})
	if err != nil {
		closeAll(closers, logger)
		return nil, nil, err
	}
	return agg, closers, nil
}

func buildDetector(cfg *config.Config) detection.Detector {
	if strings.TrimSpace(cfg.Detector.URL) == "" {
		return detection.Unavailable()
	}
	return detection.NewRemote(detection.RemoteConfig{
		URL:           cfg.Detector.URL,
		APIKey:        cfg.Detector.APIKey,
		MinConfidence: cfg.Detector.MinConfidence,
		HTTPClient:    &http.Client{Timeout: cfg.Detector.Timeout},
		MaxRetries:    cfg.HTTP.MaxRetries,
		BackoffBase:   cfg.HTTP.BackoffBase,
	})
}

func closeAll(closers []io.Closer, logger zerolog.Logger) {
	for _, c := range closers {
		if err := c.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close client")
		}
	}
}
