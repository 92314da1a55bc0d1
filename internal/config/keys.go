package config

import "sort"

// keySpec describes one configurable key: where it lives in the backend,
// which environment variable overrides it, and its default.
type keySpec struct {
	Key         string
	Env         string
	Default     string
	Description string
	Secret      bool
}

var keySpecs = []keySpec{
	{Key: "server.port", Env: "CITED_PORT", Default: "4000", Description: "HTTP API listen port"},
	{Key: "ollama.base_url", Env: "CITED_OLLAMA_URL", Default: "http://localhost:11434", Description: "Ollama server base URL"},
	{Key: "ollama.chat_model", Env: "CITED_CHAT_MODEL", Default: "qwen2.5:7b", Description: "local model for routing, grading and answering"},
	{Key: "ollama.embed_model", Env: "CITED_EMBED_MODEL", Default: "nomic-embed-text", Description: "local model for embeddings"},
	{Key: "openrouter.api_key", Env: "CITED_OPENROUTER_API_KEY", Description: "OpenRouter API key; when set, judgment calls go to the cloud", Secret: true},
	{Key: "openrouter.model", Env: "CITED_OPENROUTER_MODEL", Default: "google/gemini-2.5-flash", Description: "cloud model used when an OpenRouter key is set"},
	{Key: "storage.data_dir", Env: "CITED_DATA_DIR", Description: "directory for the SQLite database (defaults to the user data dir)"},
	{Key: "agent.top_k", Env: "CITED_TOP_K", Default: "3", Description: "fragments fetched per retrieval round"},
	{Key: "agent.max_rewrites", Env: "CITED_MAX_REWRITES", Default: "2", Description: "question rewrites allowed before generation is forced (0 disables rewriting)"},
	{Key: "cache.threshold", Env: "CITED_CACHE_THRESHOLD", Default: "0.92", Description: "cosine similarity for a semantic cache hit"},
	{Key: "cache.max_entries", Env: "CITED_CACHE_MAX_ENTRIES", Default: "2048", Description: "semantic cache capacity"},
	{Key: "cache.ttl", Env: "CITED_CACHE_TTL", Default: "1h", Description: "semantic cache entry lifetime"},
	{Key: "log.level", Env: "CITED_LOG_LEVEL", Default: "info", Description: "log level: debug, info, warn, error"},
}

// ValidKeys returns the configurable key names, sorted.
func ValidKeys() []string {
	keys := make([]string, len(keySpecs))
	for i, s := range keySpecs {
		keys[i] = s.Key
	}
	sort.Strings(keys)
	return keys
}

func specFor(key string) (keySpec, bool) {
	for _, s := range keySpecs {
		if s.Key == key {
			return s, true
		}
	}
	return keySpec{}, false
}
