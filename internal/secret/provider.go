package secret

import "context"

// Provider resolves backend credentials from one secret source.
type Provider interface {
	// Get returns the secret stored at path. The scheme prefix has already
	// been stripped, so "env://RELAY_KEY" arrives as "RELAY_KEY".
	Get(ctx context.Context, path string) (string, error)

	// Close releases any resources held by the provider.
	Close() error
}
