package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"

	"dentai/internal/backoff"
	"dentai/internal/providers"
)

type Config struct {
	APIKey string
	// Endpoint overrides the Generative Language API host, mainly for proxies.
	Endpoint    string
	MaxRetries  int
	BackoffBase time.Duration
}

// Client talks to Gemini through the generative-ai-go SDK. The SDK client is
// created on first use so a bad key or endpoint surfaces as a per-call error.
type Client struct {
	cfg   Config
	retry backoff.Policy

	mu     sync.Mutex
	client *genai.Client
}

func New(cfg Config) *Client {
	return &Client{
		cfg:   cfg,
		retry: backoff.Policy{MaxRetries: cfg.MaxRetries, Base: cfg.BackoffBase},
	}
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	client, err := c.sdk(ctx)
	if err != nil {
		return providers.ChatResponse{}, err
	}

	model := client.GenerativeModel(req.Model)
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if req.Temperature > 0 {
		model.SetTemperature(float32(req.Temperature))
	}
	if sys := strings.TrimSpace(req.SystemPrompt); sys != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(sys)}}
	}

	text, err := backoff.Do(ctx, c.retry, func(ctx context.Context) (string, bool, error) {
		resp, err := model.GenerateContent(ctx, genai.Text(req.UserPrompt))
		if err != nil {
			return "", isTemporary(ctx, err), fmt.Errorf("generate content: %w", err)
		}
		text, err := responseText(resp)
		return text, false, err
	})
	if err != nil {
		return providers.ChatResponse{}, err
	}
	return providers.ChatResponse{Text: text}, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

func (c *Client) sdk(ctx context.Context) (*genai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini api key is empty")
	}
	opts := []option.ClientOption{option.WithAPIKey(c.cfg.APIKey)}
	if ep := strings.TrimSpace(c.cfg.Endpoint); ep != "" {
		opts = append(opts, option.WithEndpoint(ep))
	}
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	c.client = client
	return client, nil
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", fmt.Errorf("empty gemini response")
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
		return "", fmt.Errorf("prompt blocked: %s", resp.PromptFeedback.BlockReason)
	}
	var b strings.Builder
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				b.WriteString(string(t))
			}
		}
		// first candidate only; the API returns one unless asked otherwise
		break
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", fmt.Errorf("no text in gemini response")
	}
	return text, nil
}

func isTemporary(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return false
	}
	var ae *apierror.APIError
	if errors.As(err, &ae) {
		if code := ae.HTTPCode(); code > 0 {
			return code >= 500 || code == http.StatusTooManyRequests
		}
		switch ae.GRPCStatus().Code() {
		case codes.Unavailable, codes.ResourceExhausted, codes.Internal, codes.DeadlineExceeded:
			return true
		}
		return false
	}
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		return ge.Code >= 500 || ge.Code == http.StatusTooManyRequests
	}
	return false
}
