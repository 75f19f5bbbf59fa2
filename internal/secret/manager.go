package secret

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrUnknownScheme is returned for references whose scheme has no provider.
var ErrUnknownScheme = errors.New("no secret provider registered for scheme")

const schemeSeparator = "://"

// Manager routes secret references such as "env://NAME" or
// "vault://path#key" to the provider registered for their scheme.
type Manager struct {
	providers map[string]Provider
	mu        sync.RWMutex
}

// NewManager creates a new secret manager.
func NewManager() *Manager {
	return &Manager{
		providers: make(map[string]Provider),
	}
}

// Register registers a provider for a specific scheme (e.g., "vault", "env").
func (m *Manager) Register(scheme string, provider Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[scheme] = provider
}

// IsReference reports whether value names a secret rather than holding one.
// Values with an http(s) scheme are treated as literals.
func IsReference(value string) bool {
	scheme, _, ok := strings.Cut(value, schemeSeparator)
	if !ok || scheme == "" {
		return false
	}
	return scheme != "http" && scheme != "https"
}

// Get resolves value. Literal values are returned unchanged.
func (m *Manager) Get(ctx context.Context, value string) (string, error) {
	if !IsReference(value) {
		return value, nil
	}
	scheme, path, _ := strings.Cut(value, schemeSeparator)

	m.mu.RLock()
	provider, ok := m.providers[scheme]
	m.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownScheme, scheme)
	}

	secret, err := provider.Get(ctx, path)
	if err != nil {
		return "", fmt.Errorf("resolve %s secret: %w", scheme, err)
	}
	return secret, nil
}

// Close closes all registered providers.
func (m *Manager) Close() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []error
	for scheme, p := range m.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", scheme, err))
		}
	}
	return errors.Join(errs...)
}
