// Package config resolves runtime settings from environment variables, the
// persisted config backend, and built-in defaults, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	Server  ServerConfig
	Ollama  OllamaConfig
	Proxy   ProxyConfig
	Storage StorageConfig
	Agent   AgentConfig
	Cache   CacheConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
}

type OllamaConfig struct {
	BaseURL    string
	ChatModel  string
	EmbedModel string
}

type ProxyConfig struct {
	OpenRouterAPIKey string
	OpenRouterModel  string
}

type StorageConfig struct {
	DataDir string
}

type AgentConfig struct {
	TopK        int
	MaxRewrites int
}

type CacheConfig struct {
	Threshold  float64
	MaxEntries int
	TTL        time.Duration
}

type LogConfig struct {
	Level string
}

// Load resolves the configuration through the given backend. Environment
// variables win over stored values, stored values win over defaults.
func Load(backend Backend) (*Config, error) {
	get := func(key string) string {
		spec, ok := specFor(key)
		if !ok {
			return ""
		}
		if v := os.Getenv(spec.Env); v != "" {
			return v
		}
		if v, err := backend.Get(key); err == nil && v != "" {
			return v
		}
		return spec.Default
	}

	port, err := parseInt(get("server.port"), "server.port")
	if err != nil {
		return nil, err
	}
	topK, err := parseInt(get("agent.top_k"), "agent.top_k")
	if err != nil {
		return nil, err
	}
	maxRewrites, err := parseInt(get("agent.max_rewrites"), "agent.max_rewrites")
	if err != nil {
		return nil, err
	}
	threshold, err := strconv.ParseFloat(get("cache.threshold"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid cache.threshold: %w", err)
	}
	maxEntries, err := parseInt(get("cache.max_entries"), "cache.max_entries")
	if err != nil {
		return nil, err
	}
	ttl, err := time.ParseDuration(get("cache.ttl"))
	if err != nil {
		return nil, fmt.Errorf("invalid cache.ttl: %w", err)
	}

	dataDir := get("storage.data_dir")
	if dataDir == "" {
		dataDir, err = defaultDataDir()
		if err != nil {
			return nil, err
		}
	}

	return &Config{
		Server: ServerConfig{Port: port},
		Ollama: OllamaConfig{
			BaseURL:    get("ollama.base_url"),
			ChatModel:  get("ollama.chat_model"),
			EmbedModel: get("ollama.embed_model"),
		},
		Proxy: ProxyConfig{
			OpenRouterAPIKey: get("openrouter.api_key"),
			OpenRouterModel:  get("openrouter.model"),
		},
		Storage: StorageConfig{DataDir: dataDir},
		Agent:   AgentConfig{TopK: topK, MaxRewrites: maxRewrites},
		Cache:   CacheConfig{Threshold: threshold, MaxEntries: maxEntries, TTL: ttl},
		Log:     LogConfig{Level: get("log.level")},
	}, nil
}

func parseInt(v, key string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func defaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locating home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "cited"), nil
}

// SetKey validates and persists one configuration value.
func SetKey(backend Backend, key, value string) error {
	spec, ok := specFor(key)
	if !ok {
		return fmt.Errorf("unknown key %q (valid keys: %v)", key, ValidKeys())
	}
	if err := validate(spec, value); err != nil {
		return err
	}
	return backend.Set(key, value)
}

// GetKey returns the resolved value for one key; secrets come back masked.
func GetKey(backend Backend, key string) (string, error) {
	spec, ok := specFor(key)
	if !ok {
		return "", fmt.Errorf("unknown key %q (valid keys: %v)", key, ValidKeys())
	}
	v := os.Getenv(spec.Env)
	if v == "" {
		stored, err := backend.Get(key)
		if err != nil && !errors.Is(err, ErrKeyNotSet) {
			return "", err
		}
		v = stored
	}
	if v == "" {
		v = spec.Default
	}
	if spec.Secret && v != "" {
		return mask(v), nil
	}
	return v, nil
}

// ShowAll returns every key with its resolved value, secrets masked.
func ShowAll(backend Backend) (map[string]string, error) {
	out := make(map[string]string, len(keySpecs))
	for _, spec := range keySpecs {
		v, err := GetKey(backend, spec.Key)
		if err != nil {
			return nil, err
		}
		out[spec.Key] = v
	}
	return out, nil
}

func validate(spec keySpec, value string) error {
	switch spec.Key {
	case "server.port", "agent.top_k", "cache.max_entries":
		if _, err := strconv.Atoi(value); err != nil {
			return fmt.Errorf("%s must be an integer: %w", spec.Key, err)
		}
	case "agent.max_rewrites":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s must be an integer: %w", spec.Key, err)
		}
		// Zero is a real budget (no rewrites), negatives are not.
		if n < 0 {
			return fmt.Errorf("%s must be zero or positive", spec.Key)
		}
	case "cache.threshold":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("%s must be a number: %w", spec.Key, err)
		}
		if f <= 0 || f > 1 {
			return fmt.Errorf("%s must be in (0, 1]", spec.Key)
		}
	case "cache.ttl":
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s must be a duration like 30m or 1h: %w", spec.Key, err)
		}
	case "log.level":
		switch value {
		case "debug", "info", "warn", "error":
		default:
			return fmt.Errorf("%s must be one of debug, info, warn, error", spec.Key)
		}
	}
	return nil
}

func mask(v string) string {
	if len(v) <= 4 {
		return "****"
	}
	return "****" + v[len(v)-4:]
}
