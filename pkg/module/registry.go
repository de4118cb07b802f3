package module

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registry errors.
var (
	ErrDuplicateModule = errors.New("module name already in use")
	ErrModuleNotFound  = errors.New("module not found")
)

// Registry tracks loaded modules by their process-unique name.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]*Instance
}

// NewRegistry creates an empty module registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]*Instance)}
}

// Add claims a name for an instance. A second module under the same
// name is rejected.
func (r *Registry) Add(m *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.modules[m.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateModule, m.Name())
	}
	r.modules[m.Name()] = m
	return nil
}

// Remove releases a name. Removing an absent name is a no-op.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.modules, name)
}

// Get returns the instance registered under name.
func (r *Registry) Get(name string) (*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	return m, nil
}

// List returns every registered instance, sorted by name.
func (r *Registry) List() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*Instance, 0, len(names))
	for _, name := range names {
		out = append(out, r.modules[name])
	}
	return out
}
