package registry

import (
	"sort"
	"sync"

	"github.com/tabula-io/tabula/schema"
)

// source is one definition contributed by a package.
type source[T any] struct {
	pkg  string
	item T
}

// entry folds the sources registered for one name, in arrival order.
type entry[T any] struct {
	sources []source[T]
	merged  T
}

// store is a keyed set of entries with a merge fold.
type store[T any] struct {
	entries map[string]*entry[T]
	merge   func(base, overlay T) T
}

func newStore[T any](merge func(base, overlay T) T) *store[T] {
	return &store[T]{entries: make(map[string]*entry[T]), merge: merge}
}

func (s *store[T]) register(name, pkg string, item T) {
	e, ok := s.entries[name]
	if !ok {
		e = &entry[T]{}
		s.entries[name] = e
	}
	e.sources = append(e.sources, source[T]{pkg: pkg, item: item})
	e.rebuild(s.merge)
}

func (s *store[T]) get(name string) (T, bool) {
	e, ok := s.entries[name]
	if !ok {
		var zero T
		return zero, false
	}
	return e.merged, true
}

func (s *store[T]) names() []string {
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *store[T]) unregister(name string) {
	delete(s.entries, name)
}

func (s *store[T]) unregisterPackage(pkg string) {
	for name, e := range s.entries {
		kept := e.sources[:0]
		for _, src := range e.sources {
			if src.pkg != pkg {
				kept = append(kept, src)
			}
		}
		if len(kept) == 0 {
			delete(s.entries, name)
			continue
		}
		if len(kept) != len(e.sources) {
			e.sources = kept
			e.rebuild(s.merge)
		}
	}
}

func (e *entry[T]) rebuild(merge func(base, overlay T) T) {
	var merged T
	for i, src := range e.sources {
		if i == 0 {
			merged = src.item
			continue
		}
		merged = merge(merged, src.item)
	}
	e.merged = merged
}

// Registry is the typed metadata store.
type Registry struct {
	mu      sync.RWMutex
	objects *store[*schema.Object]
	roles   *store[*schema.Role]
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		objects: newStore(func(base, overlay *schema.Object) *schema.Object {
			return schema.Merge(base, overlay)
		}),
		roles: newStore(func(base, overlay *schema.Role) *schema.Role {
			return schema.MergeRole(base, overlay)
		}),
	}
}

// RegisterObject adds an object definition owned by pkg. Repeated
// registrations for the same name merge; get never observes a partially
// merged view because the fold happens here, under the write lock.
func (r *Registry) RegisterObject(pkg string, o *schema.Object) error {
	if err := o.Validate(); err != nil {
		return err
	}
	withSys := o.Clone()
	schema.EnsureSystemFields(withSys)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects.register(o.Name, pkg, withSys)
	return nil
}

// RegisterRole adds a role definition owned by pkg.
func (r *Registry) RegisterRole(pkg string, role *schema.Role) error {
	if err := role.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles.register(role.Name, pkg, role.Clone())
	return nil
}

// Object returns the merged definition for name.
func (r *Registry) Object(name string) (*schema.Object, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.objects.get(name)
}

// HasObject reports whether name is registered.
func (r *Registry) HasObject(name string) bool {
	_, ok := r.Object(name)
	return ok
}

// Objects returns every merged object, sorted by name.
func (r *Registry) Objects() []*schema.Object {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*schema.Object, 0, len(r.objects.entries))
	for _, name := range r.objects.names() {
		o, _ := r.objects.get(name)
		out = append(out, o)
	}
	return out
}

// ObjectNames returns the registered object names, sorted.
func (r *Registry) ObjectNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.objects.names()
}

// Role returns the merged definition for name.
func (r *Registry) Role(name string) (*schema.Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roles.get(name)
}

// Roles returns every merged role, sorted by name.
func (r *Registry) Roles() []*schema.Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*schema.Role, 0, len(r.roles.entries))
	for _, name := range r.roles.names() {
		role, _ := r.roles.get(name)
		out = append(out, role)
	}
	return out
}

// UnregisterObject removes an object and all its sources.
func (r *Registry) UnregisterObject(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects.unregister(name)
}

// UnregisterRole removes a role and all its sources.
func (r *Registry) UnregisterRole(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles.unregister(name)
}

// UnregisterPackage removes every definition pkg contributed and rebuilds
// the merged views from the remaining sources.
func (r *Registry) UnregisterPackage(pkg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects.unregisterPackage(pkg)
	r.roles.unregisterPackage(pkg)
}
