// Package web exposes the chat fan-out, image detection and interaction
// history over HTTP.
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"dentai/internal/detection"
	"dentai/internal/fanout"
	"dentai/internal/metrics"
	"dentai/internal/recorder"
	"dentai/internal/storage"
)

const defaultMaxUploadBytes = 16 << 20

type Collector interface {
	Collect(ctx context.Context, prompt string) fanout.ResponseSet
}

type History interface {
	History(ctx context.Context, kind string, limit int) ([]storage.Interaction, error)
	Lookup(ctx context.Context, id string) (storage.Interaction, error)
}

type Limiter interface {
	Allow(ctx context.Context, scope, client string, now time.Time) (allowed bool, used int64, resetAt time.Time, err error)
}

type Config struct {
	Aggregator Collector
	Detector   detection.Detector

	// Recorder, History and RateLimiter are optional.
	Recorder    recorder.Recorder
	History     History
	RateLimiter Limiter

	AllowedOrigins []string
	MaxUploadBytes int64
	HealthPath     string
	MetricsPath    string

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

type Server struct {
	aggregator     Collector
	detector       detection.Detector
	recorder       recorder.Recorder
	history        History
	limiter        Limiter
	maxUploadBytes int64
	logger         zerolog.Logger
	metrics        *metrics.Metrics
	now            func() time.Time
}

func NewServer(cfg Config) *Server {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	det := cfg.Detector
	if det == nil {
		det = detection.Unavailable()
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}
	return &Server{
		aggregator:     cfg.Aggregator,
		detector:       det,
		recorder:       cfg.Recorder,
		history:        cfg.History,
		limiter:        cfg.RateLimiter,
		maxUploadBytes: maxUpload,
		logger:         cfg.Logger,
		metrics:        m,
		now:            time.Now,
	}
}

// Router builds the chi router with all routes and middleware.
func Router(cfg Config) http.Handler {
	s := NewServer(cfg)

	healthPath := cfg.HealthPath
	if healthPath == "" {
		healthPath = "/healthz"
	}
	metricsPath := cfg.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger(cfg.Logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	r.Get(healthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle(metricsPath, promhttp.Handler())

	r.With(s.rateLimit("chat")).Post("/chat", s.handleChat)
	r.With(s.rateLimit("detect")).Post("/detect", s.handleDetect)
	r.Get("/history", s.handleHistory)
	r.Get("/history/{id}", s.handleHistoryItem)

	return r
}
