package openai_compat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"dentai/internal/backoff"
	"dentai/internal/providers"
)

// GroqBaseURL is the OpenAI-compatible endpoint used for the Llama responder.
const GroqBaseURL = "https://api.groq.com/openai/v1"

type Config struct {
	BaseURL     string
	APIKey      string
	Headers     map[string]string
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

type Client struct {
	api   *openai.Client
	retry backoff.Policy
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		oc.BaseURL = strings.TrimSuffix(strings.TrimSuffix(base, "/"), "/chat/completions")
	}
	oc.HTTPClient = headerDoer{client: cfg.HTTPClient, headers: cfg.Headers, apiKey: cfg.APIKey}

	return &Client{
		api:   openai.NewClientWithConfig(oc),
		retry: backoff.Policy{MaxRetries: cfg.MaxRetries, Base: cfg.BackoffBase},
	}
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	payload := buildRequest(req)
	text, err := backoff.Do(ctx, c.retry, func(ctx context.Context) (string, bool, error) {
		resp, err := c.api.CreateChatCompletion(ctx, payload)
		if err != nil {
			return "", isTemporary(ctx, err), fmt.Errorf("chat completion: %w", err)
		}
		text, err := responseText(resp)
		return text, false, err
	})
	if err != nil {
		return providers.ChatResponse{}, err
	}
	return providers.ChatResponse{Text: text}, nil
}

func buildRequest(req providers.ChatRequest) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.UserPrompt})

	out := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		out.Temperature = float32(req.Temperature)
	}
	return out
}

func responseText(resp openai.ChatCompletionResponse) (string, error) {
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty choices in chat completion response")
	}
	content := resp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("missing message content in chat completion response")
	}
	return content, nil
}

func isTemporary(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return temporaryStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return temporaryStatus(reqErr.HTTPStatusCode)
	}
	// transport failure before any status was received
	return true
}

func temporaryStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}

// headerDoer adds configured headers to every request the SDK sends.
// "{{api_key}}" in a header value is replaced with the key.
type headerDoer struct {
	client  *http.Client
	headers map[string]string
	apiKey  string
}

func (d headerDoer) Do(req *http.Request) (*http.Response, error) {
	for k, v := range d.headers {
		req.Header.Set(k, strings.ReplaceAll(v, "{{api_key}}", d.apiKey))
	}
	return d.client.Do(req)
}
