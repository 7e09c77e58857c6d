// Package registry holds native entities behind opaque string identifiers.
//
// Each entity type gets its own Registry, so identifiers of different types
// never collide. Entries live until they are explicitly deleted; deleted
// identifiers are tombstoned and never handed out or accepted again.
package registry

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/klingon-exchange/walletbridge/internal/failure"
)

// NewID returns a fresh random identifier.
func NewID() string {
	return uuid.NewString()
}

type entry[T any] struct {
	mu      sync.Mutex
	value   T
	deleted bool
}

// Result is the outcome of a Lookup. UsesDefault is set when the requested
// id was unknown and the registry's default instance was returned instead.
type Result[T any] struct {
	Value       T
	UsesDefault bool
}

// Registry maps identifiers to values of one entity type.
type Registry[T any] struct {
	name string

	mu         sync.RWMutex
	entries    map[string]*entry[T]
	tombstones map[string]struct{}

	def        T
	hasDefault bool
}

// New creates a registry with strict lookup.
func New[T any](name string) *Registry[T] {
	return &Registry[T]{
		name:       name,
		entries:    make(map[string]*entry[T]),
		tombstones: make(map[string]struct{}),
	}
}

// NewWithDefault creates a registry whose Lookup falls back to def.
func NewWithDefault[T any](name string, def T) *Registry[T] {
	r := New[T](name)
	r.def = def
	r.hasDefault = true
	return r
}

// Name returns the entity type name the registry was created with.
func (r *Registry[T]) Name() string {
	return r.name
}

// Default returns the default instance, if the registry has one.
func (r *Registry[T]) Default() (T, bool) {
	return r.def, r.hasDefault
}

// Put stores v under id. The id must be neither live nor tombstoned.
func (r *Registry[T]) Put(id string, v T) error {
	if id == "" {
		return failure.New(failure.ValidationError, "empty %s id", r.name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tombstones[id]; ok {
		return failure.New(failure.ValidationError, "%s id %s was already used", r.name, id)
	}
	if _, ok := r.entries[id]; ok {
		return failure.New(failure.ValidationError, "%s id %s already exists", r.name, id)
	}
	r.entries[id] = &entry[T]{value: v}
	return nil
}

// Create stores v under a fresh identifier and returns it.
func (r *Registry[T]) Create(v T) string {
	for {
		id := NewID()
		if err := r.Put(id, v); err == nil {
			return id
		}
	}
}

func (r *Registry[T]) entry(id string) (*entry[T], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// Get returns the value stored under id, or a NotFound failure.
func (r *Registry[T]) Get(id string) (T, error) {
	e, ok := r.entry(id)
	if !ok {
		var zero T
		return zero, failure.New(failure.NotFound, "%s %q not found", r.name, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		var zero T
		return zero, failure.New(failure.NotFound, "%s %q not found", r.name, id)
	}
	return e.value, nil
}

// Lookup returns the value under id. Registries built with a default fall
// back to it for unknown ids; strict registries fail with NotFound.
func (r *Registry[T]) Lookup(id string) (Result[T], error) {
	v, err := r.Get(id)
	if err == nil {
		return Result[T]{Value: v}, nil
	}
	if !r.hasDefault {
		return Result[T]{}, err
	}
	return Result[T]{Value: r.def, UsesDefault: true}, nil
}

// Update replaces the value under id with fn's result. Calls for the same id
// are serialised; if fn fails the stored value is left unchanged.
func (r *Registry[T]) Update(id string, fn func(T) (T, error)) error {
	e, ok := r.entry(id)
	if !ok {
		return failure.New(failure.NotFound, "%s %q not found", r.name, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return failure.New(failure.NotFound, "%s %q not found", r.name, id)
	}

	next, err := fn(e.value)
	if err != nil {
		return err
	}
	e.value = next
	return nil
}

// Consume runs fn on the value under id and deletes the entry if fn
// succeeds. A failing fn leaves the entry in place.
func (r *Registry[T]) Consume(id string, fn func(T) error) error {
	e, ok := r.entry(id)
	if !ok {
		return failure.New(failure.NotFound, "%s %q not found", r.name, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return failure.New(failure.NotFound, "%s %q not found", r.name, id)
	}
	if err := fn(e.value); err != nil {
		return err
	}

	e.deleted = true
	r.mu.Lock()
	delete(r.entries, id)
	r.tombstones[id] = struct{}{}
	r.mu.Unlock()
	return nil
}

// Delete removes id and tombstones it. Deleting an unknown id is a no-op.
func (r *Registry[T]) Delete(id string) {
	e, ok := r.entry(id)
	if !ok {
		return
	}

	e.mu.Lock()
	e.deleted = true
	e.mu.Unlock()

	r.mu.Lock()
	delete(r.entries, id)
	r.tombstones[id] = struct{}{}
	r.mu.Unlock()
}

// Len returns the number of live entries.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// IDs returns the live identifiers in sorted order.
func (r *Registry[T]) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Each calls fn for every live entry. fn must not call back into r.
func (r *Registry[T]) Each(fn func(id string, v T)) {
	for _, id := range r.IDs() {
		if v, err := r.Get(id); err == nil {
			fn(id, v)
		}
	}
}
