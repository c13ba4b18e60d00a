package registry

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"dentai/internal/providers"
	"dentai/internal/providers/anthropic_messages"
	"dentai/internal/providers/custom_http"
	"dentai/internal/providers/gemini"
	"dentai/internal/providers/openai_compat"
)

const (
	KindOpenAI       = "openai"
	KindOpenAICompat = "openai_compat"
	KindGemini       = "gemini"
	KindAnthropic    = "anthropic"
	KindCustomHTTP   = "custom_http"
)

type BuildOptions struct {
	Kind        string
	BaseURL     string
	APIKey      string
	Headers     map[string]string
	Config      map[string]any
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

// NormalizeKind maps the accepted spellings of a provider kind to its
// canonical constant. Unknown kinds are returned lowercased.
func NormalizeKind(kind string) string {
	switch k := strings.ToLower(strings.TrimSpace(kind)); k {
	case "openai", "gpt":
		return KindOpenAI
	case "openai_compat", "openai-compatible", "groq":
		return KindOpenAICompat
	case "gemini", "google":
		return KindGemini
	case "anthropic", "anthropic_messages", "claude":
		return KindAnthropic
	case "custom_http", "custom-http":
		return KindCustomHTTP
	default:
		return k
	}
}

func Build(opts BuildOptions) (providers.Provider, error) {
	if opts.Config == nil {
		opts.Config = map[string]any{}
	}
	switch NormalizeKind(opts.Kind) {
	case KindOpenAI, KindOpenAICompat:
		return openai_compat.New(openai_compat.Config{
			BaseURL:     opts.BaseURL,
			APIKey:      opts.APIKey,
			Headers:     opts.Headers,
			HTTPClient:  opts.HTTPClient,
			MaxRetries:  opts.MaxRetries,
			BackoffBase: opts.BackoffBase,
		}), nil

	case KindGemini:
		return gemini.New(gemini.Config{
			APIKey:      opts.APIKey,
			Endpoint:    opts.BaseURL,
			MaxRetries:  opts.MaxRetries,
			BackoffBase: opts.BackoffBase,
		}), nil

	case KindAnthropic:
		return anthropic_messages.New(anthropic_messages.Config{
			BaseURL:     opts.BaseURL,
			APIKey:      opts.APIKey,
			Headers:     opts.Headers,
			HTTPClient:  opts.HTTPClient,
			MaxRetries:  opts.MaxRetries,
			BackoffBase: opts.BackoffBase,
		}), nil

	case KindCustomHTTP:
		if strings.TrimSpace(opts.BaseURL) == "" {
			return nil, fmt.Errorf("custom_http provider requires a base url")
		}
		bodyTemplate := ""
		if v, ok := opts.Config["body_template"].(string); ok {
			bodyTemplate = v
		}
		method := http.MethodPost
		if v, ok := opts.Config["method"].(string); ok && v != "" {
			method = strings.ToUpper(v)
		}
		return custom_http.New(custom_http.Config{
			URL:          opts.BaseURL,
			APIKey:       opts.APIKey,
			Headers:      opts.Headers,
			BodyTemplate: bodyTemplate,
			Method:       method,
			HTTPClient:   opts.HTTPClient,
			MaxRetries:   opts.MaxRetries,
			BackoffBase:  opts.BackoffBase,
		}), nil

	default:
		return nil, fmt.Errorf("unsupported provider kind %q", opts.Kind)
	}
}
