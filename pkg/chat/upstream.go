package chat

import (
	"context"

	"github.com/papercomputeco/localllama/pkg/chunk"
	"github.com/papercomputeco/localllama/pkg/llm"
	"github.com/papercomputeco/localllama/pkg/ollama"
	"github.com/papercomputeco/localllama/pkg/settings"
)

// Upstream is the model server a turn is generated by.
type Upstream interface {
	// Chat returns a complete, non-streamed reply.
	Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error)

	// OpenStream starts a streamed reply. It fails if the server rejects
	// the request before producing any token.
	OpenStream(ctx context.Context, req llm.ChatRequest) (chunk.Source, error)
}

// SettingsProvider supplies the current global defaults.
type SettingsProvider interface {
	Get() settings.Settings
}

type ollamaUpstream struct {
	client *ollama.Client
}

// OllamaUpstream adapts an Ollama client to Upstream.
func OllamaUpstream(client *ollama.Client) Upstream {
	return ollamaUpstream{client: client}
}

func (u ollamaUpstream) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return u.client.Chat(ctx, req)
}

func (u ollamaUpstream) OpenStream(ctx context.Context, req llm.ChatRequest) (chunk.Source, error) {
	return u.client.ChatStream(ctx, req)
}
