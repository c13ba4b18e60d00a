package providers

import (
	"context"
	"fmt"
)

type ChatRequest struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
	MaxTokens    int
	Temperature  float64
}

type ChatResponse struct {
	Text string
}

type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// Unavailable returns a provider that fails every call with err. It stands in
// for a responder whose client could not be built at startup.
func Unavailable(err error) Provider {
	if err == nil {
		err = fmt.Errorf("provider is not configured")
	}
	return unavailable{err: err}
}

type unavailable struct {
	err error
}

func (u unavailable) Chat(context.Context, ChatRequest) (ChatResponse, error) {
	return ChatResponse{}, u.err
}
