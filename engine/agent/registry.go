package agent

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps agent kind names to implementations. It is populated at
// process startup and effectively read-only thereafter; all methods are
// thread-safe.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Agent
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]Agent)}
}

// Register adds an agent kind. Registration is idempotent for the same
// implementation instance; registering a different implementation under an
// existing name is an error so startup wiring mistakes fail loudly.
func (r *Registry) Register(impl Agent) error {
	if impl == nil {
		return fmt.Errorf("agent implementation is required")
	}
	name := impl.Name()
	if name == "" {
		return fmt.Errorf("agent kind name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.kinds[name]; ok {
		if existing == impl {
			return nil
		}
		return fmt.Errorf("agent kind %q already registered with a different implementation", name)
	}
	r.kinds[name] = impl
	return nil
}

// Lookup returns the implementation for a kind name.
func (r *Registry) Lookup(name string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	impl, ok := r.kinds[name]
	return impl, ok
}

// List returns the registered kind names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.kinds))
	for name := range r.kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
