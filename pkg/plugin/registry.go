package plugin

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/c-h-/orgloop-sub002/pkg/logging"
)

// Registry errors.
var (
	ErrAlreadyRegistered = errors.New("plugin already registered")
	ErrNotFound          = errors.New("plugin not found")
	ErrWrongKind         = errors.New("plugin has wrong kind")
)

// RegKind is the registration's plugin kind.
type RegKind string

// Registration kinds.
const (
	RegSource    RegKind = "source"
	RegActor     RegKind = "actor"
	RegTransform RegKind = "transform"
	RegLogger    RegKind = "logger"
)

// Registration is a plugin's entry in the registry: an id, a kind, and
// the factory for that kind. Factories return fresh, un-initialized
// instances; the owning driver calls Init with the instance config.
type Registration struct {
	ID   string
	Kind RegKind

	NewSource    func() Source
	NewActor     func() Actor
	NewTransform func() Transform
	NewLogger    func() logging.Sink

	Setup *SetupMetadata
}

func (r Registration) validate() error {
	if r.ID == "" {
		return errors.New("registration id is empty")
	}
	var factory bool
	switch r.Kind {
	case RegSource:
		factory = r.NewSource != nil
	case RegActor:
		factory = r.NewActor != nil
	case RegTransform:
		factory = r.NewTransform != nil
	case RegLogger:
		factory = r.NewLogger != nil
	default:
		return fmt.Errorf("registration %q: unknown kind %q", r.ID, r.Kind)
	}
	if !factory {
		return fmt.Errorf("registration %q: missing %s factory", r.ID, r.Kind)
	}
	return nil
}

// Registry maps plugin id to registration. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Registration)}
}

// Register adds a registration. Ids are unique per kind-agnostic
// namespace: a second registration under the same id fails.
func (r *Registry) Register(reg Registration) error {
	if err := reg.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[reg.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, reg.ID)
	}
	r.entries[reg.ID] = reg
	return nil
}

// MustRegister panics on registration failure. For builtin sets wired
// at startup, where a failure is a programming error.
func (r *Registry) MustRegister(reg Registration) {
	if err := r.Register(reg); err != nil {
		panic(err)
	}
}

func (r *Registry) lookup(id string, kind RegKind) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[id]
	if !ok {
		return Registration{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if reg.Kind != kind {
		return Registration{}, fmt.Errorf("%w: %s is a %s, want %s", ErrWrongKind, id, reg.Kind, kind)
	}
	return reg, nil
}

// Source instantiates a fresh source plugin by id.
func (r *Registry) Source(id string) (Source, error) {
	reg, err := r.lookup(id, RegSource)
	if err != nil {
		return nil, err
	}
	return reg.NewSource(), nil
}

// Actor instantiates a fresh actor plugin by id.
func (r *Registry) Actor(id string) (Actor, error) {
	reg, err := r.lookup(id, RegActor)
	if err != nil {
		return nil, err
	}
	return reg.NewActor(), nil
}

// Transform instantiates a fresh transform plugin by id.
func (r *Registry) Transform(id string) (Transform, error) {
	reg, err := r.lookup(id, RegTransform)
	if err != nil {
		return nil, err
	}
	return reg.NewTransform(), nil
}

// Logger instantiates a fresh logger sink by id.
func (r *Registry) Logger(id string) (logging.Sink, error) {
	reg, err := r.lookup(id, RegLogger)
	if err != nil {
		return nil, err
	}
	return reg.NewLogger(), nil
}

// IDs returns all registered plugin ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
