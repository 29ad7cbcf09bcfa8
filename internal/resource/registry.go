package resource

import (
	"fmt"
	"sort"
	"sync"
)

// Factory constructs a fresh Implementation for one resource.
type Factory func() Implementation

// Registry maps declared type names to implementation factories. It is built
// once at process start, by explicit registration, and read-only thereafter;
// it is passed by reference to the engine rather than living in a global.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory for a type name. Registering the same name twice is
// a programming error.
func (r *Registry) Register(typeName string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[typeName]; exists {
		return fmt.Errorf("resource type already registered: %s", typeName)
	}
	r.factories[typeName] = f
	return nil
}

// New returns a fresh implementation for the given type name.
func (r *Registry) New(typeName string) (Implementation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.factories[typeName]
	if !ok {
		return nil, fmt.Errorf("unknown resource type: %s", typeName)
	}
	return f(), nil
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
