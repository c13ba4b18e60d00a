package openai_compat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"dentai/internal/providers"
)

func TestBuildRequestIncludesSystemPromptOnlyWhenSet(t *testing.T) {
	req := buildRequest(providers.ChatRequest{
		Model:        "gpt-4o",
		SystemPrompt: "You are concise",
		UserPrompt:   "hello",
		MaxTokens:    1000,
		Temperature:  0.4,
	})
	if req.Model != "gpt-4o" {
		t.Fatalf("unexpected model %q", req.Model)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.Messages[1].Content != "hello" {
		t.Fatalf("unexpected messages %#v", req.Messages)
	}
	if req.MaxTokens != 1000 {
		t.Fatalf("expected max tokens 1000, got %d", req.MaxTokens)
	}

	bare := buildRequest(providers.ChatRequest{Model: "llama-3.1-8b-instant", UserPrompt: ""})
	if len(bare.Messages) != 1 || bare.Messages[0].Role != "user" {
		t.Fatalf("expected a single user message, got %#v", bare.Messages)
	}
}

func TestChatAgainstCompatibleServer(t *testing.T) {
	var gotAuth, gotCustom string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotCustom = r.Header.Get("X-Org")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":"A cavity is tooth decay."},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	c := New(Config{
		BaseURL: srv.URL + "/v1",
		APIKey:  "sk-test",
		Headers: map[string]string{"X-Org": "org-{{api_key}}"},
	})
	resp, err := c.Chat(context.Background(), providers.ChatRequest{Model: "gpt-4o", UserPrompt: "What is a cavity?", MaxTokens: 1000})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Text != "A cavity is tooth decay." {
		t.Fatalf("unexpected text %q", resp.Text)
	}
	if gotAuth != "Bearer sk-test" {
		t.Fatalf("unexpected authorization header %q", gotAuth)
	}
	if gotCustom != "org-sk-test" {
		t.Fatalf("unexpected custom header %q", gotCustom)
	}
	if gotBody["model"] != "gpt-4o" {
		t.Fatalf("unexpected model in body %#v", gotBody["model"])
	}
}

func TestChatRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "k", MaxRetries: 2, BackoffBase: time.Millisecond})
	_, err := c.Chat(context.Background(), providers.ChatRequest{Model: "m", UserPrompt: "hi"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "overloaded") {
		t.Fatalf("expected upstream message in error, got %v", err)
	}
	if hits.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", hits.Load())
	}
}

func TestChatDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid api key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "bad", MaxRetries: 2, BackoffBase: time.Millisecond})
	if _, err := c.Chat(context.Background(), providers.ChatRequest{Model: "m", UserPrompt: "hi"}); err == nil {
		t.Fatalf("expected error")
	}
	if hits.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", hits.Load())
	}
}

func TestChatRejectsEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "k"})
	_, err := c.Chat(context.Background(), providers.ChatRequest{Model: "m", UserPrompt: "hi"})
	if err == nil || !strings.Contains(err.Error(), "empty choices") {
		t.Fatalf("expected empty choices error, got %v", err)
	}
}
