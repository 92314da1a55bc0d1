package engine

// DetectConfig holds parameters for backend detection.
type DetectConfig struct {
	OllamaBaseURL string

	// OpenRouterAPIKey, when non-empty, routes judgment (chat) calls to the
	// OpenRouter cloud API while embeddings stay on the local backend.
	OpenRouterAPIKey string
	OpenRouterModel  string
}

// Detect builds the Engine from the available backends. The local Ollama
// instance always serves embeddings; when an OpenRouter API key is
// configured, chat calls are split off to the cloud model.
func Detect(cfg DetectConfig) (Engine, error) {
	local := NewOllamaEngine(cfg.OllamaBaseURL)
	if cfg.OpenRouterAPIKey == "" {
		return local, nil
	}
	return NewSplitEngine(local, cfg.OpenRouterAPIKey, cfg.OpenRouterModel), nil
}
