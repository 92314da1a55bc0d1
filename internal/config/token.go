package config

import (
	"errors"

	"github.com/google/uuid"
)

const apiTokenKey = "auth.api_token"

// GetAPIToken returns the bearer token protecting the admin API routes,
// generating and persisting one on first use. The token is not part of the
// configurable key set; it is managed here only.
func GetAPIToken(backend Backend) (string, error) {
	token, err := backend.Get(apiTokenKey)
	if err == nil && token != "" {
		return token, nil
	}
	if err != nil && !errors.Is(err, ErrKeyNotSet) {
		return "", err
	}

	token = uuid.NewString()
	if err := backend.Set(apiTokenKey, token); err != nil {
		return "", err
	}
	return token, nil
}
