// Package backends constructs backend handles from configuration and keeps
// the live set the scheduler selects from.
package backends

import (
	"fmt"
	"sort"
	"sync"

	"github.com/blueberrycongee/llmsched/backends/relay"
	"github.com/blueberrycongee/llmsched/pkg/backend"
)

var (
	factories     = make(map[string]backend.Factory)
	factoriesOnce sync.Once
	factoriesMu   sync.RWMutex
)

// RegisterFactory registers a backend factory under a type name.
func RegisterFactory(backendType string, factory backend.Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[backendType] = factory
}

// GetFactory returns the factory for the given backend type.
func GetFactory(backendType string) (backend.Factory, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[backendType]
	return f, ok
}

// Create builds a backend handle from configuration. Handles implementing
// backend.Validator are validated before being returned.
func Create(cfg backend.Config) (backend.Backend, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("backend name is required")
	}

	factory, ok := GetFactory(cfg.Type)
	if !ok {
		return nil, fmt.Errorf("unknown backend type: %s (available: %v)", cfg.Type, Types())
	}

	b, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("create backend %s: %w", cfg.Name, err)
	}
	if v, ok := b.(backend.Validator); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("validate backend %s: %w", cfg.Name, err)
		}
	}
	return b, nil
}

// Types returns all registered backend type names, sorted.
func Types() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterBuiltins registers the built-in backend factories.
// This is called automatically on first use.
func RegisterBuiltins() {
	factoriesOnce.Do(func() {
		RegisterFactory(relay.TypeName, relay.NewFromConfig)
	})
}

func init() {
	RegisterBuiltins()
}
