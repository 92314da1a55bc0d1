package engine

import (
	"context"

	"github.com/nlowen/cited/internal/proxy"
)

// Compile-time check that SplitEngine implements Engine.
var _ Engine = (*SplitEngine)(nil)

// SplitEngine routes chat calls to an OpenRouter cloud model and everything
// else (embeddings, model management) to the local engine. The chat model
// name passed by callers is ignored in favor of the configured cloud model,
// so the same agent wiring works against either backend.
type SplitEngine struct {
	local      Engine
	cloud      *proxy.Client
	cloudModel string
}

// NewSplitEngine creates a SplitEngine over the given local engine and
// OpenRouter credentials.
func NewSplitEngine(local Engine, apiKey, cloudModel string) *SplitEngine {
	return &SplitEngine{
		local:      local,
		cloud:      proxy.NewClient(apiKey),
		cloudModel: cloudModel,
	}
}

func (e *SplitEngine) Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error) {
	req := proxy.ChatRequest{
		Model:    e.cloudModel,
		Messages: make([]proxy.ChatMessage, len(messages)),
	}
	for i, m := range messages {
		req.Messages[i] = proxy.ChatMessage{Role: m.Role, Content: m.Content}
	}
	if jsonSchema != nil {
		req.ResponseFormat = &proxy.ResponseFormat{
			Type: "json_schema",
			JSONSchema: proxy.JSONSchema{
				Name:   "response",
				Strict: true,
				Schema: jsonSchema,
			},
		}
	}
	return e.cloud.Chat(ctx, req)
}

func (e *SplitEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	return e.local.Embed(ctx, model, text)
}

func (e *SplitEngine) IsRunning(ctx context.Context) bool {
	return e.local.IsRunning(ctx)
}

func (e *SplitEngine) ListModels(ctx context.Context) ([]string, error) {
	return e.local.ListModels(ctx)
}

func (e *SplitEngine) HasModel(ctx context.Context, name string) bool {
	return e.local.HasModel(ctx, name)
}

func (e *SplitEngine) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	return e.local.PullModel(ctx, name, onProgress)
}
