package harness

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"sysforge/internal/blueprint"
)

// Registry maps component types to factories. The framework validation tier
// asks it (through a narrow interface) whether a declared type is buildable;
// the harness uses it to instantiate components.
type Registry struct {
	mu        sync.RWMutex
	factories map[blueprint.ComponentType]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[blueprint.ComponentType]Factory)}
}

// DefaultRegistry creates a registry with the built-in source, transform,
// sink, and store factories registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(blueprint.TypeSource, newSource)
	r.Register(blueprint.TypeTransform, newTransform)
	r.Register(blueprint.TypeSink, newSink)
	r.Register(blueprint.TypeStore, newStore)
	return r
}

// Register installs a factory for a component type, replacing any previous
// registration.
func (r *Registry) Register(t blueprint.ComponentType, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[t] = f
}

// Supports reports whether a factory is registered for the type.
func (r *Registry) Supports(t blueprint.ComponentType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[t]
	return ok
}

// Types returns the registered component types in sorted order.
func (r *Registry) Types() []blueprint.ComponentType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]blueprint.ComponentType, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// New instantiates a component from its spec.
func (r *Registry) New(spec blueprint.ComponentSpec, logger *zap.Logger) (Component, error) {
	r.mu.RLock()
	factory, ok := r.factories[spec.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no factory registered for component type %q", spec.Type)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return factory(spec, logger)
}
