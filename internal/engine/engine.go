package engine

import "context"

// Engine is the model backend serving judgment and embedding calls. The
// agent loop, the embedder, and the semantic cache depend on this interface
// rather than on a concrete client, so judgment can run against a local
// Ollama or a cloud model without the callers noticing.
type Engine interface {
	// Chat returns the assistant response for messages. A non-nil jsonSchema
	// requests structured JSON output matching the schema.
	Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error)

	// Embed returns the embedding vector for text under the given model.
	Embed(ctx context.Context, model string, text string) ([]float32, error)

	// IsRunning reports whether the backend is reachable.
	IsRunning(ctx context.Context) bool

	// ListModels returns the names of the locally installed models.
	ListModels(ctx context.Context) ([]string, error)

	// HasModel reports whether name is installed locally.
	HasModel(ctx context.Context, name string) bool

	// PullModel downloads a model, reporting progress to onProgress (may be nil).
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}
