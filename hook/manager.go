package hook

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tabula-io/tabula"
)

// Wildcard registers a handler for every object.
const Wildcard = "*"

// Scope selects which handler class a trigger runs. System handlers are
// the engine's own (tenancy, seeding) and keep running when the request
// disables user triggers.
type Scope int

const (
	ScopeAll Scope = iota
	ScopeSystem
	ScopeUser
)

type registration struct {
	seq     int
	event   Event
	object  string
	pkg     string
	system  bool
	handler Handler
}

// Manager holds the registrations and dispatches them. Safe for
// concurrent registration and triggering; handlers for one dispatch run
// serially on the calling goroutine.
type Manager struct {
	mu    sync.RWMutex
	seq   int
	hooks map[Event][]*registration
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{hooks: make(map[Event][]*registration)}
}

// Register adds a user handler for the event on one object, or on every
// object with [Wildcard]. pkg tags the owning metadata package so its
// hooks can be removed together.
func (m *Manager) Register(event Event, object, pkg string, h Handler) error {
	return m.register(event, object, pkg, h, false)
}

// RegisterSystem adds an engine-owned handler that runs even when the
// request context sets IgnoreTriggers.
func (m *Manager) RegisterSystem(event Event, object, pkg string, h Handler) error {
	return m.register(event, object, pkg, h, true)
}

func (m *Manager) register(event Event, object, pkg string, h Handler, system bool) error {
	if !event.Valid() {
		return tabula.Invalidf("hook: unknown event %q", event)
	}
	if object == "" {
		return tabula.Invalidf("hook: object is required, use %q for all objects", Wildcard)
	}
	if h == nil {
		return tabula.Invalidf("hook: nil handler for %s on %s", event, object)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.hooks[event] = append(m.hooks[event], &registration{
		seq:     m.seq,
		event:   event,
		object:  object,
		pkg:     pkg,
		system:  system,
		handler: h,
	})
	return nil
}

// RemovePackage drops every handler the package registered.
func (m *Manager) RemovePackage(pkg string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for event, regs := range m.hooks {
		kept := regs[:0]
		for _, r := range regs {
			if r.pkg == pkg {
				removed++
				continue
			}
			kept = append(kept, r)
		}
		m.hooks[event] = kept
	}
	return removed
}

// Trigger runs every handler registered for the event whose object
// matches exactly or by wildcard, in global registration order, filtered
// by scope. The first error stops the chain and is returned wrapped with
// the event and object.
func (m *Manager) Trigger(ctx context.Context, event Event, object string, hctx *Context, scope Scope) error {
	m.mu.RLock()
	regs := m.hooks[event]
	matched := make([]*registration, 0, len(regs))
	for _, r := range regs {
		if r.object != object && r.object != Wildcard {
			continue
		}
		if scope == ScopeSystem && !r.system {
			continue
		}
		if scope == ScopeUser && r.system {
			continue
		}
		matched = append(matched, r)
	}
	m.mu.RUnlock()

	hctx.Event = event
	for _, r := range matched {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.handler(ctx, hctx); err != nil {
			return fmt.Errorf("hook: %s on %s: %w", event, object, err)
		}
	}
	return nil
}

// Handlers reports how many handlers would fire for the event on the
// object.
func (m *Manager) Handlers(event Event, object string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.hooks[event] {
		if r.object == object || r.object == Wildcard {
			n++
		}
	}
	return n
}

// List enumerates the registered hooks as "event object package" keys in
// registration order.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := make([]*registration, 0)
	for _, regs := range m.hooks {
		all = append(all, regs...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	keys := make([]string, len(all))
	for i, r := range all {
		keys[i] = fmt.Sprintf("%s %s %s", r.event, r.object, r.pkg)
	}
	return keys
}
