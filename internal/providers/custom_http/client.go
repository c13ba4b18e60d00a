package custom_http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"
	"time"

	"dentai/internal/backoff"
	"dentai/internal/providers"
)

// Config describes an arbitrary JSON-over-HTTP text generator, such as a
// locally hosted model server. BodyTemplate is a text/template rendered with
// the request fields; without it a flat JSON body is sent.
type Config struct {
	URL          string
	APIKey       string
	Headers      map[string]string
	BodyTemplate string
	Method       string
	HTTPClient   *http.Client
	MaxRetries   int
	BackoffBase  time.Duration
}

type Client struct {
	cfg    Config
	tpl    *template.Template
	tplErr error
	retry  backoff.Policy
}

func New(cfg Config) *Client {
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	c := &Client{
		cfg:   cfg,
		retry: backoff.Policy{MaxRetries: cfg.MaxRetries, Base: cfg.BackoffBase},
	}
	if strings.TrimSpace(cfg.BodyTemplate) != "" {
		c.tpl, c.tplErr = template.New("custom_http_body").Option("missingkey=zero").Parse(cfg.BodyTemplate)
	}
	return c
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	if strings.TrimSpace(c.cfg.URL) == "" {
		return providers.ChatResponse{}, fmt.Errorf("custom http url is empty")
	}
	body, err := c.renderBody(req)
	if err != nil {
		return providers.ChatResponse{}, err
	}
	text, err := backoff.Do(ctx, c.retry, func(ctx context.Context) (string, bool, error) {
		return c.callOnce(ctx, body)
	})
	if err != nil {
		return providers.ChatResponse{}, err
	}
	return providers.ChatResponse{Text: text}, nil
}

func (c *Client) renderBody(req providers.ChatRequest) ([]byte, error) {
	if c.tplErr != nil {
		return nil, fmt.Errorf("parse body template: %w", c.tplErr)
	}
	if c.tpl == nil {
		b, err := json.Marshal(map[string]any{
			"model":         req.Model,
			"system_prompt": req.SystemPrompt,
			"prompt":        req.UserPrompt,
			"max_tokens":    req.MaxTokens,
			"temperature":   req.Temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal custom payload: %w", err)
		}
		return b, nil
	}

	var buf bytes.Buffer
	if err := c.tpl.Execute(&buf, map[string]any{
		"Model":        req.Model,
		"SystemPrompt": jsonString(req.SystemPrompt),
		"UserPrompt":   jsonString(req.UserPrompt),
		"MaxTokens":    req.MaxTokens,
		"Temperature":  req.Temperature,
		"APIKey":       c.cfg.APIKey,
	}); err != nil {
		return nil, fmt.Errorf("execute body template: %w", err)
	}
	return buf.Bytes(), nil
}

// jsonString escapes s for embedding between quotes in a JSON template, so a
// prompt containing quotes or newlines cannot break the body.
func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b[1 : len(b)-1])
}

func (c *Client) callOnce(ctx context.Context, body []byte) (text string, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, c.cfg.Method, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("build custom request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, strings.ReplaceAll(v, "{{api_key}}", c.cfg.APIKey))
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", ctx.Err() == nil, fmt.Errorf("custom request failed: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", false, fmt.Errorf("read custom response: %w", err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return "", true, fmt.Errorf("custom provider temporary status %d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", false, fmt.Errorf("custom provider status %d", resp.StatusCode)
	}

	text, err = extractText(b)
	if err != nil {
		return "", false, err
	}
	return text, false, nil
}

// extractText accepts the response shapes of the common self-hosted servers:
// flat {"text"|"response"|"answer"|"output_text"}, OpenAI-style choices,
// responses-style output blocks, or a plain-text body.
func extractText(body []byte) (string, error) {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		if trimmed := strings.TrimSpace(string(body)); trimmed != "" {
			return trimmed, nil
		}
		return "", fmt.Errorf("decode custom response: %w", err)
	}

	for _, key := range []string{"text", "response", "answer", "output_text"} {
		if v, ok := doc[key].(string); ok && strings.TrimSpace(v) != "" {
			return v, nil
		}
	}

	if v := dig(doc, "choices", 0, "message", "content"); v != "" {
		return v, nil
	}
	if v := dig(doc, "choices", 0, "text"); v != "" {
		return v, nil
	}
	if v := dig(doc, "output", 0, "content", 0, "text"); v != "" {
		return v, nil
	}
	if v := dig(doc, "message", "content"); v != "" {
		return v, nil
	}

	return "", fmt.Errorf("custom response does not contain text field")
}

// dig walks maps by string key and slices by int index and returns the
// non-blank string found at the end of the path.
func dig(v any, path ...any) string {
	cur := v
	for _, step := range path {
		switch s := step.(type) {
		case string:
			m, ok := cur.(map[string]any)
			if !ok {
				return ""
			}
			cur = m[s]
		case int:
			arr, ok := cur.([]any)
			if !ok || s >= len(arr) {
				return ""
			}
			cur = arr[s]
		}
	}
	str, ok := cur.(string)
	if !ok || strings.TrimSpace(str) == "" {
		return ""
	}
	return str
}
