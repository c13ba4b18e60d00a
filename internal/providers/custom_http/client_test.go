package custom_http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"dentai/internal/providers"
)

func TestExtractTextShapes(t *testing.T) {
	cases := []struct {
		body string
		want string
	}{
		{`{"response":"ollama says hi"}`, "ollama says hi"},
		{`{"choices":[{"message":{"content":"compat"}}]}`, "compat"},
		{`{"choices":[{"text":"legacy"}]}`, "legacy"},
		{`{"output":[{"content":[{"text":"responses api"}]}]}`, "responses api"},
		{`{"message":{"role":"assistant","content":"ollama chat"}}`, "ollama chat"},
		{"plain text body", "plain text body"},
	}
	for _, tc := range cases {
		got, err := extractText([]byte(tc.body))
		if err != nil {
			t.Fatalf("extract %s: %v", tc.body, err)
		}
		if got != tc.want {
			t.Fatalf("extract %s: expected %q, got %q", tc.body, tc.want, got)
		}
	}

	if _, err := extractText([]byte(`{"status":"ok"}`)); err == nil {
		t.Fatalf("expected error when no text field is present")
	}
}

func TestChatRendersTemplateWithEscapedPrompt(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(b, &got); err != nil {
			t.Errorf("body is not valid json: %v (%s)", err, b)
		}
		if r.Header.Get("Authorization") != "Token secret" {
			t.Errorf("unexpected authorization header %q", r.Header.Get("Authorization"))
		}
		_, _ = w.Write([]byte(`{"text":"done"}`))
	}))
	defer srv.Close()

	c := New(Config{
		URL:          srv.URL,
		APIKey:       "secret",
		Headers:      map[string]string{"Authorization": "Token {{api_key}}"},
		BodyTemplate: `{"model":"{{.Model}}","prompt":"{{.UserPrompt}}"}`,
	})
	resp, err := c.Chat(context.Background(), providers.ChatRequest{Model: "llama3", UserPrompt: "say \"hi\"\nplease"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Text != "done" {
		t.Fatalf("unexpected text %q", resp.Text)
	}
	if got["prompt"] != "say \"hi\"\nplease" {
		t.Fatalf("prompt not preserved: %#v", got["prompt"])
	}
}

func TestChatWithoutURL(t *testing.T) {
	if _, err := New(Config{}).Chat(context.Background(), providers.ChatRequest{UserPrompt: "hi"}); err == nil {
		t.Fatalf("expected error for empty url")
	}
}
