// Package secrets keeps provider credentials encrypted at rest.
package secrets

import (
	"context"
	"strings"
)

// Vault stores and resolves credentials. Values are only held in plaintext
// in memory.
type Vault interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

const providerKeyPrefix = "provider/"

// ProviderKey is the vault key holding a provider's API key.
func ProviderKey(providerID string) string {
	return providerKeyPrefix + providerID
}

// ProviderFromKey reports the provider id a vault key belongs to.
func ProviderFromKey(key string) (string, bool) {
	id, ok := strings.CutPrefix(key, providerKeyPrefix)
	return id, ok && id != ""
}
