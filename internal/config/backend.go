package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrKeyNotSet is returned when a key has no stored value.
var ErrKeyNotSet = errors.New("key not set")

// Backend stores configuration values by key.
type Backend interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
	All() (map[string]string, error)
}

// fileBackend persists values as a JSON object in the user config directory.
type fileBackend struct {
	path string
}

var _ Backend = (*fileBackend)(nil)

// NewFileBackend returns a backend storing values at
// $XDG_CONFIG_HOME/cited/config.json (or the OS equivalent).
func NewFileBackend() (Backend, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("locating config directory: %w", err)
	}
	return &fileBackend{path: filepath.Join(dir, "cited", "config.json")}, nil
}

// NewFileBackendAt returns a backend storing values at an explicit path.
func NewFileBackendAt(path string) Backend {
	return &fileBackend{path: path}
}

func (b *fileBackend) load() (map[string]string, error) {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	values := map[string]string{}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", b.path, err)
	}
	return values, nil
}

func (b *fileBackend) save(values map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return err
	}
	// 0600: the file can hold API keys and the auth token.
	if err := os.WriteFile(b.path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func (b *fileBackend) Get(key string) (string, error) {
	values, err := b.load()
	if err != nil {
		return "", err
	}
	v, ok := values[key]
	if !ok {
		return "", ErrKeyNotSet
	}
	return v, nil
}

func (b *fileBackend) Set(key, value string) error {
	values, err := b.load()
	if err != nil {
		return err
	}
	values[key] = value
	return b.save(values)
}

func (b *fileBackend) Delete(key string) error {
	values, err := b.load()
	if err != nil {
		return err
	}
	delete(values, key)
	return b.save(values)
}

func (b *fileBackend) All() (map[string]string, error) {
	return b.load()
}
