package connector

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nsnw/yahk/internal/entity"
)

// Registry maps service kinds to adapter factories. It must be created via NewRegistry and passed
// explicitly to the components that need it.
type Registry struct {
	mu        sync.RWMutex
	factories map[entity.Kind]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: map[entity.Kind]Factory{},
	}
}

// Register adds the factory for kind.
func (r *Registry) Register(kind entity.Kind, factory Factory) error {
	if factory == nil {
		return errors.New("factory is nil")
	}
	k := normalizeKind(kind)
	if k == "" {
		return errors.New("connector kind is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[k]; exists {
		return fmt.Errorf("connector kind already registered: %s", k)
	}
	r.factories[k] = factory
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(kind entity.Kind, factory Factory) {
	if err := r.Register(kind, factory); err != nil {
		panic(err)
	}
}

// Get returns the factory for kind.
func (r *Registry) Get(kind entity.Kind) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[normalizeKind(kind)]
	return f, ok
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []entity.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]entity.Kind, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func normalizeKind(kind entity.Kind) entity.Kind {
	return entity.Kind(strings.ToLower(strings.TrimSpace(string(kind))))
}
