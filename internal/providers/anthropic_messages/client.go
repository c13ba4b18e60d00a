package anthropic_messages

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"dentai/internal/backoff"
	"dentai/internal/providers"
)

const DefaultMaxTokens = 1024

type Config struct {
	BaseURL     string
	APIKey      string
	Headers     map[string]string
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

// Client calls the Messages API through anthropic-sdk-go. Retries are left
// to the shared backoff policy, so the SDK's own retries are disabled.
type Client struct {
	api   anthropic.Client
	retry backoff.Policy
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(cfg.HTTPClient),
		option.WithMaxRetries(0),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(strings.TrimSuffix(base, "/"), "/v1/messages")))
	}
	for k, v := range cfg.Headers {
		opts = append(opts, option.WithHeader(k, strings.ReplaceAll(v, "{{api_key}}", cfg.APIKey)))
	}

	return &Client{
		api:   anthropic.NewClient(opts...),
		retry: backoff.Policy{MaxRetries: cfg.MaxRetries, Base: cfg.BackoffBase},
	}
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	params := buildParams(req)
	text, err := backoff.Do(ctx, c.retry, func(ctx context.Context) (string, bool, error) {
		msg, err := c.api.Messages.New(ctx, params)
		if err != nil {
			return "", isTemporary(ctx, err), fmt.Errorf("create message: %w", err)
		}
		text, err := messageText(msg)
		return text, false, err
	})
	if err != nil {
		return providers.ChatResponse{}, err
	}
	return providers.ChatResponse{Text: text}, nil
}

func buildParams(req providers.ChatRequest) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.UserPrompt)),
		},
	}
	if params.MaxTokens <= 0 {
		params.MaxTokens = DefaultMaxTokens
	}
	if sys := strings.TrimSpace(req.SystemPrompt); sys != "" {
		params.System = []anthropic.TextBlockParam{{Text: sys}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	return params
}

func messageText(msg *anthropic.Message) (string, error) {
	if msg == nil {
		return "", fmt.Errorf("empty messages response")
	}
	parts := make([]string, 0, len(msg.Content))
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("no text content in messages response (stop_reason=%q)", msg.StopReason)
	}
	return strings.Join(parts, ""), nil
}

// isTemporary treats 429, 5xx and 529 (overloaded) as retryable, plus
// transport failures while the caller is still waiting.
func isTemporary(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
	}
	return true
}
