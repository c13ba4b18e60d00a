package anthropic_messages

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"dentai/internal/providers"
)

func TestBuildParamsDefaultsMaxTokens(t *testing.T) {
	body, err := json.Marshal(buildParams(providers.ChatRequest{Model: "claude-opus-4-5-20251101", UserPrompt: "hello"}))
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["max_tokens"] != float64(DefaultMaxTokens) {
		t.Fatalf("expected default max tokens, got %#v", payload["max_tokens"])
	}
	if payload["model"] != "claude-opus-4-5-20251101" {
		t.Fatalf("unexpected model %#v", payload["model"])
	}
	if _, ok := payload["system"]; ok {
		t.Fatalf("system must be omitted when empty")
	}
	if _, ok := payload["temperature"]; ok {
		t.Fatalf("temperature must be omitted when unset")
	}
}

func TestChatJoinsTextBlocks(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "ck" {
			t.Errorf("missing api key header")
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Errorf("missing anthropic-version header")
		}
		if r.Header.Get("X-Clinic") != "ck-north" {
			t.Errorf("configured header not sent, got %q", r.Header.Get("X-Clinic"))
		}
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude","content":[{"type":"text","text":"Wisdom teeth "},{"type":"text","text":"erupt late."}],"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":2}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "ck", Headers: map[string]string{"X-Clinic": "{{api_key}}-north"}})
	resp, err := c.Chat(context.Background(), providers.ChatRequest{
		Model:        "claude",
		SystemPrompt: "You are a dental assistant.",
		UserPrompt:   "wisdom teeth?",
		MaxTokens:    1000,
		Temperature:  0.3,
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Text != "Wisdom teeth erupt late." {
		t.Fatalf("unexpected text %q", resp.Text)
	}
	if got["max_tokens"] != float64(1000) || got["temperature"] != 0.3 {
		t.Fatalf("unexpected request body %#v", got)
	}
	if _, ok := got["system"]; !ok {
		t.Fatalf("expected system prompt in request body")
	}
}

func TestChatReturnsSDKError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "bad", MaxRetries: 2, BackoffBase: time.Millisecond})
	_, err := c.Chat(context.Background(), providers.ChatRequest{Model: "claude", UserPrompt: "hi"})
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected anthropic.Error, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unexpected status %d", apiErr.StatusCode)
	}
	if hits.Load() != 1 {
		t.Fatalf("401 must not be retried, got %d calls", hits.Load())
	}
}

func TestChatRetriesOverloaded(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if hits.Add(1) == 1 {
			w.WriteHeader(529)
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"msg_2","type":"message","role":"assistant","model":"claude","content":[{"type":"text","text":"ok"}],"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":1}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "ck", MaxRetries: 1, BackoffBase: time.Millisecond})
	resp, err := c.Chat(context.Background(), providers.ChatRequest{Model: "claude", UserPrompt: "hi"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Text != "ok" || hits.Load() != 2 {
		t.Fatalf("expected success on second attempt, got %q after %d hits", resp.Text, hits.Load())
	}
}

func TestMessageTextWithoutText(t *testing.T) {
	if _, err := messageText(&anthropic.Message{StopReason: anthropic.StopReasonMaxTokens}); err == nil {
		t.Fatalf("expected error for response without text")
	}
	if _, err := messageText(nil); err == nil {
		t.Fatalf("expected error for nil message")
	}
}

func TestIsTemporary(t *testing.T) {
	cases := map[int]bool{
		http.StatusTooManyRequests:     true,
		http.StatusInternalServerError: true,
		529:                            true,
		http.StatusBadRequest:          false,
		http.StatusUnauthorized:        false,
	}
	for code, want := range cases {
		err := &anthropic.Error{StatusCode: code}
		if got := isTemporary(context.Background(), err); got != want {
			t.Fatalf("status %d: expected %v, got %v", code, want, got)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if isTemporary(ctx, errors.New("connection reset")) {
		t.Fatalf("cancelled context must not retry")
	}
	if !isTemporary(context.Background(), errors.New("connection reset")) {
		t.Fatalf("transport failure should retry")
	}
}
