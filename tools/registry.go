// Package tools provides tool management and registration.
//
// Information Hiding:
// - Tool storage and lookup implementation hidden
// - Factory binding per tool name hidden
// - Descriptor drift detection abstracted behind Verify

package tools

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrRegistryMismatch is returned by Verify when registered tools and the
// published descriptor set diverge.
var ErrRegistryMismatch = errors.New("tool registry does not match published descriptors")

type entry struct {
	desc    Descriptor
	factory Factory
}

// Registry maps tool names to descriptors and factories.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]entry
}

// NewRegistry creates a new empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]entry),
	}
}

// Register binds a descriptor to the factory that instantiates the tool.
// Returns error if a tool with the same name already exists.
func (r *Registry) Register(desc Descriptor, factory Factory) error {
	if desc.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if factory == nil {
		return fmt.Errorf("tool '%s' has no factory", desc.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[desc.Name]; exists {
		return fmt.Errorf("tool '%s' already registered", desc.Name)
	}
	r.tools[desc.Name] = entry{desc: desc, factory: factory}
	return nil
}

// MustRegister is Register that panics on error. Used for static tool sets.
func (r *Registry) MustRegister(desc Descriptor, factory Factory) {
	if err := r.Register(desc, factory); err != nil {
		panic(err)
	}
}

// Get returns the factory for a tool by name.
func (r *Registry) Get(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.tools[name]
	return e.factory, exists
}

// Descriptor returns the published descriptor for a tool.
func (r *Registry) Descriptor(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.tools[name]
	return e.desc, exists
}

// Has checks if a tool exists in the registry.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.tools[name]
	return exists
}

// Names returns all registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptors returns all descriptors sorted by name.
func (r *Registry) Descriptors() []Descriptor {
	names := r.Names()

	r.mu.RLock()
	defer r.mu.RUnlock()

	descs := make([]Descriptor, 0, len(names))
	for _, name := range names {
		if e, ok := r.tools[name]; ok {
			descs = append(descs, e.desc)
		}
	}
	return descs
}

// Verify checks the registered names against a published descriptor list.
func (r *Registry) Verify(published []string) error {
	want := make(map[string]bool, len(published))
	for _, name := range published {
		want[name] = true
	}

	var missing, extra []string
	for _, name := range r.Names() {
		if !want[name] {
			extra = append(extra, name)
		}
		delete(want, name)
	}
	for name := range want {
		missing = append(missing, name)
	}
	sort.Strings(missing)

	if len(missing) == 0 && len(extra) == 0 {
		return nil
	}

	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "unregistered: "+strings.Join(missing, ", "))
	}
	if len(extra) > 0 {
		parts = append(parts, "unpublished: "+strings.Join(extra, ", "))
	}
	return fmt.Errorf("%w (%s)", ErrRegistryMismatch, strings.Join(parts, "; "))
}
