package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var (
	ErrMissingDatabaseDSN = errors.New("DB_DSN is required")
	ErrUnsupportedDriver  = errors.New("DB_DRIVER must be 'sqlite' or 'postgres'")
	ErrInvalidConfidence  = errors.New("DETECT_MIN_CONFIDENCE must be between 0 and 1")
	ErrInvalidRateLimit   = errors.New("RATE_LIMIT_PER_HOUR must be >= 0")
	ErrNoResponders       = errors.New("RESPONDERS_FILE must define at least one responder")
)

type Config struct {
	Server     ServerConfig
	Redis      RedisConfig
	DB         DBConfig
	Worker     WorkerConfig
	HTTP       HTTPConfig
	Fanout     FanoutConfig
	Responders []ResponderConfig
	Detector   DetectorConfig
	Journal    JournalConfig
	Rate       RateConfig
	Crypto     CryptoConfig
	Log        LogConfig
}

type ServerConfig struct {
	ListenAddr     string
	HealthPath     string
	MetricsPath    string
	AllowedOrigins []string
	MaxUploadBytes int64
	ReadTimeout    time.Duration
}

type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	QueueStream string
	QueueGroup  string
	QueueBlock  time.Duration
}

// Enabled reports whether a Redis address is configured. Without Redis,
// records are written inline and no rate limit applies.
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

type DBConfig struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

type WorkerConfig struct {
	Concurrency  int
	ConsumerName string
	MaxRetries   int
}

// HTTPConfig applies to outbound calls: responders and the detector.
type HTTPConfig struct {
	ClientTimeout time.Duration
	MaxRetries    int
	BackoffBase   time.Duration
}

type FanoutConfig struct {
	PoolSize         int
	ResponderTimeout time.Duration
	Deadline         time.Duration
}

// ResponderConfig is read from <Prefix>_* variables.
type ResponderConfig struct {
	Name         string
	Label        string
	Prefix       string
	Kind         string
	BaseURL      string
	APIKey       string
	Model        string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	Headers      map[string]string
	Extra        map[string]any
}

type DetectorConfig struct {
	URL           string
	APIKey        string
	Timeout       time.Duration
	MinConfidence float64
}

type JournalConfig struct {
	Dir string
}

type RateConfig struct {
	PerHour int64
}

// CryptoConfig is empty when no master key is set; payloads are then stored
// unsealed.
type CryptoConfig struct {
	CurrentKeyID string
	Keys         map[string][]byte
}

func (c CryptoConfig) Enabled() bool {
	return len(c.Keys) > 0
}

type LogConfig struct {
	Level string
}

// responderDefaults is one responder entry before environment overrides.
// RESPONDERS_FILE entries decode into it directly.
type responderDefaults struct {
	Name         string  `yaml:"name"`
	Label        string  `yaml:"label"`
	Prefix       string  `yaml:"prefix"`
	Kind         string  `yaml:"kind"`
	BaseURL      string  `yaml:"base_url"`
	Model        string  `yaml:"model"`
	SystemPrompt string  `yaml:"system_prompt"`
	MaxTokens    int     `yaml:"max_tokens"`
	Temperature  float64 `yaml:"temperature"`
}

type respondersFile struct {
	Responders []responderDefaults `yaml:"responders"`
}

var defaultResponders = []responderDefaults{
	{Name: "gpt4", Label: "GPT", Prefix: "OPENAI", Kind: "openai", Model: "gpt-4o", MaxTokens: 1000},
	{Name: "gemini", Label: "Gemini", Prefix: "GEMINI", Kind: "gemini", Model: "gemini-flash-latest"},
	{Name: "llama", Label: "Llama", Prefix: "GROQ", Kind: "openai_compat", BaseURL: "https://api.groq.com/openai/v1", Model: "llama-3.1-8b-instant"},
	{Name: "claude", Label: "Claude", Prefix: "CLAUDE", Kind: "anthropic", Model: "claude-opus-4-5-20251101", MaxTokens: 1000},
}

// LoadDotEnv reads a .env file into the environment without overriding
// variables that are already set. A missing file is not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func Load() (*Config, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			ListenAddr:     mustEnv("HTTP_LISTEN_ADDR", ":5000"),
			HealthPath:     mustEnv("HEALTH_PATH", "/healthz"),
			MetricsPath:    mustEnv("METRICS_PATH", "/metrics"),
			AllowedOrigins: splitList(mustEnv("CORS_ALLOWED_ORIGINS", "*")),
			MaxUploadBytes: mustInt64("MAX_UPLOAD_BYTES", 16<<20),
			ReadTimeout:    mustDuration("HTTP_READ_TIMEOUT", 30*time.Second),
		},
		Redis: RedisConfig{
			Addr:        mustEnv("REDIS_ADDR", ""),
			Password:    mustEnv("REDIS_PASSWORD", ""),
			DB:          mustInt("REDIS_DB", 0),
			QueueStream: mustEnv("QUEUE_STREAM", "dentai:records"),
			QueueGroup:  mustEnv("QUEUE_GROUP", "dentai-workers"),
			QueueBlock:  mustDuration("QUEUE_BLOCK", 5*time.Second),
		},
		DB: DBConfig{
			Driver:      strings.ToLower(mustEnv("DB_DRIVER", "sqlite")),
			DSN:         mustEnv("DB_DSN", "dentai.db"),
			AutoMigrate: mustBool("AUTO_MIGRATE", true),
		},
		Worker: WorkerConfig{
			Concurrency:  mustInt("WORKER_CONCURRENCY", 2),
			ConsumerName: mustEnv("WORKER_CONSUMER_NAME", hostnameOr("worker")),
			MaxRetries:   mustInt("WORKER_MAX_RETRIES", 3),
		},
		HTTP: HTTPConfig{
			ClientTimeout: mustDuration("HTTP_TIMEOUT", 60*time.Second),
			MaxRetries:    mustInt("HTTP_MAX_RETRIES", 0),
			BackoffBase:   mustDuration("HTTP_BACKOFF_BASE", 400*time.Millisecond),
		},
		Fanout: FanoutConfig{
			PoolSize:         mustInt("FANOUT_POOL_SIZE", 0),
			ResponderTimeout: mustDuration("RESPONDER_TIMEOUT", 60*time.Second),
			Deadline:         mustDuration("CHAT_DEADLINE", 90*time.Second),
		},
		Detector: DetectorConfig{
			URL:           mustEnv("DETECTOR_URL", ""),
			APIKey:        mustEnv("DETECTOR_KEY", ""),
			Timeout:       mustDuration("DETECTOR_TIMEOUT", 60*time.Second),
			MinConfidence: mustFloat("DETECT_MIN_CONFIDENCE", 0.25),
		},
		Journal: JournalConfig{
			Dir: mustEnv("JOURNAL_DIR", "logs"),
		},
		Rate: RateConfig{
			PerHour: mustInt64("RATE_LIMIT_PER_HOUR", 0),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
	}

	if cfg.DB.DSN == "" {
		return nil, ErrMissingDatabaseDSN
	}
	switch cfg.DB.Driver {
	case "sqlite", "sqlite3", "postgres", "pgx":
	default:
		return nil, ErrUnsupportedDriver
	}
	if cfg.Detector.MinConfidence < 0 || cfg.Detector.MinConfidence > 1 {
		return nil, ErrInvalidConfidence
	}
	if cfg.Rate.PerHour < 0 {
		return nil, ErrInvalidRateLimit
	}

	defs := defaultResponders
	if path := mustEnv("RESPONDERS_FILE", ""); path != "" {
		fileDefs, err := readRespondersFile(path)
		if err != nil {
			return nil, err
		}
		defs = fileDefs
	}
	responders, err := loadResponders(defs)
	if err != nil {
		return nil, err
	}
	cfg.Responders = responders

	cc, err := loadCryptoConfig()
	if err != nil {
		return nil, err
	}
	cfg.Crypto = cc

	return cfg, nil
}

// readRespondersFile replaces the built-in responder list with the YAML
// list at path. A missing prefix defaults to the upper-cased name.
func readRespondersFile(path string) ([]responderDefaults, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read RESPONDERS_FILE: %w", err)
	}
	var f respondersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse RESPONDERS_FILE: %w", err)
	}
	if len(f.Responders) == 0 {
		return nil, ErrNoResponders
	}

	seen := make(map[string]bool, len(f.Responders))
	for i := range f.Responders {
		d := &f.Responders[i]
		d.Name = strings.TrimSpace(d.Name)
		if d.Name == "" {
			return nil, fmt.Errorf("RESPONDERS_FILE entry %d has no name", i)
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("RESPONDERS_FILE defines %q twice", d.Name)
		}
		seen[d.Name] = true
		if d.Prefix == "" {
			d.Prefix = strings.ToUpper(strings.NewReplacer("-", "_", " ", "_").Replace(d.Name))
		}
		if d.Kind == "" {
			d.Kind = "openai_compat"
		}
	}
	return f.Responders, nil
}

func loadResponders(defs []responderDefaults) ([]ResponderConfig, error) {
	out := make([]ResponderConfig, 0, len(defs))
	for _, d := range defs {
		p := d.Prefix
		rc := ResponderConfig{
			Name:         d.Name,
			Label:        d.Label,
			Prefix:       p,
			Kind:         mustEnv(p+"_KIND", d.Kind),
			BaseURL:      mustEnv(p+"_BASE_URL", d.BaseURL),
			APIKey:       mustEnv(p+"_KEY", ""),
			Model:        mustEnv(p+"_MODEL", d.Model),
			SystemPrompt: mustEnv(p+"_SYSTEM_PROMPT", d.SystemPrompt),
			MaxTokens:    mustInt(p+"_MAX_TOKENS", d.MaxTokens),
			Temperature:  mustFloat(p+"_TEMPERATURE", d.Temperature),
		}
		if raw := mustEnv(p+"_HEADERS_JSON", ""); raw != "" {
			if err := json.Unmarshal([]byte(raw), &rc.Headers); err != nil {
				return nil, fmt.Errorf("parse %s_HEADERS_JSON: %w", p, err)
			}
		}
		if raw := mustEnv(p+"_CONFIG_JSON", ""); raw != "" {
			if err := json.Unmarshal([]byte(raw), &rc.Extra); err != nil {
				return nil, fmt.Errorf("parse %s_CONFIG_JSON: %w", p, err)
			}
		}
		out = append(out, rc)
	}
	return out, nil
}

func loadCryptoConfig() (CryptoConfig, error) {
	keysB64 := map[string]string{}

	if raw := mustEnv("MASTER_KEYS_JSON", ""); raw != "" {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return CryptoConfig{}, fmt.Errorf("parse MASTER_KEYS_JSON: %w", err)
		}
		for id, val := range parsed {
			if strings.TrimSpace(id) == "" || strings.TrimSpace(val) == "" {
				continue
			}
			keysB64[id] = val
		}
	}

	for _, e := range os.Environ() {
		k, v, ok := strings.Cut(e, "=")
		if !ok {
			continue
		}
		if !strings.HasPrefix(k, "MASTER_KEY_") || !strings.HasSuffix(k, "_B64") || k == "MASTER_KEY_B64" {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(k, "MASTER_KEY_"), "_B64")
		if id == "" || v == "" {
			continue
		}
		keysB64[id] = v
	}

	current := mustEnv("MASTER_KEY_CURRENT_ID", "")
	if singleton := mustEnv("MASTER_KEY_B64", ""); singleton != "" {
		if current == "" {
			current = "default"
		}
		keysB64[current] = singleton
	}

	if len(keysB64) == 0 {
		return CryptoConfig{}, nil
	}

	keys := make(map[string][]byte, len(keysB64))
	for id, b64 := range keysB64 {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return CryptoConfig{}, fmt.Errorf("decode master key %q: %w", id, err)
		}
		if len(raw) != 32 {
			return CryptoConfig{}, fmt.Errorf("master key %q must be 32 bytes after base64 decode", id)
		}
		keys[id] = raw
	}

	if current == "" {
		if len(keys) > 1 {
			return CryptoConfig{}, fmt.Errorf("MASTER_KEY_CURRENT_ID is required when several master keys are set")
		}
		for id := range keys {
			current = id
		}
	}
	if _, ok := keys[current]; !ok {
		return CryptoConfig{}, fmt.Errorf("MASTER_KEY_CURRENT_ID=%q does not exist in provided keys", current)
	}

	return CryptoConfig{
		CurrentKeyID: current,
		Keys:         keys,
	}, nil
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustInt64(key string, def int64) int64 {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func mustFloat(key string, def float64) float64 {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func splitList(v string) []string {
	out := make([]string, 0)
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func hostnameOr(def string) string {
	h, err := os.Hostname()
	if err != nil || strings.TrimSpace(h) == "" {
		return def
	}
	return h
}
