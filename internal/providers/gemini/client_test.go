package gemini

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"

	"dentai/internal/providers"
)

func TestResponseTextConcatenatesFirstCandidate(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{Content: &genai.Content{Parts: []genai.Part{genai.Text("Impacted wisdom teeth "), genai.Text("may need removal.")}}},
			{Content: &genai.Content{Parts: []genai.Part{genai.Text("ignored")}}},
		},
	}
	text, err := responseText(resp)
	if err != nil {
		t.Fatalf("response text: %v", err)
	}
	if text != "Impacted wisdom teeth may need removal." {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestResponseTextRejectsEmptyAndBlocked(t *testing.T) {
	if _, err := responseText(&genai.GenerateContentResponse{}); err == nil {
		t.Fatalf("expected error for response without candidates")
	}
	blocked := &genai.GenerateContentResponse{PromptFeedback: &genai.PromptFeedback{BlockReason: genai.BlockReasonSafety}}
	if _, err := responseText(blocked); err == nil || !strings.Contains(err.Error(), "blocked") {
		t.Fatalf("expected blocked error, got %v", err)
	}
}

func TestChatWithoutKeyFailsPerCall(t *testing.T) {
	c := New(Config{})
	_, err := c.Chat(context.Background(), providers.ChatRequest{Model: "gemini-flash-latest", UserPrompt: "hi"})
	if err == nil || !strings.Contains(err.Error(), "api key") {
		t.Fatalf("expected missing key error, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close unused client: %v", err)
	}
}

func TestIsTemporary(t *testing.T) {
	ctx := context.Background()
	if !isTemporary(ctx, &googleapi.Error{Code: http.StatusServiceUnavailable}) {
		t.Fatalf("503 should be temporary")
	}
	if isTemporary(ctx, &googleapi.Error{Code: http.StatusBadRequest}) {
		t.Fatalf("400 should not be temporary")
	}
	if isTemporary(ctx, errors.New("opaque")) {
		t.Fatalf("unknown errors should not be retried")
	}
}
