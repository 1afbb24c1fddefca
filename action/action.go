// Package action registers and dispatches named custom operations
// declared on objects. Handlers get the same restricted data-access
// surface as hooks, so their reads and writes re-enter the pipeline.
package action

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tabula-io/tabula"
	"github.com/tabula-io/tabula/hook"
)

// Context carries one invocation.
type Context struct {
	Object string
	Action string
	// ID addresses the record for record-scope actions; empty for
	// object-scope ones.
	ID string
	// Input is the request payload, already decoded.
	Input map[string]any
	User  *tabula.User
	// Store re-enters the dispatch pipeline, so handler data access
	// honours permissions and tenancy.
	Store hook.Store
}

// Handler executes one action and returns its result payload.
type Handler func(ctx context.Context, actx *Context) (any, error)

type registration struct {
	seq     int
	pkg     string
	handler Handler
}

// Dispatcher maps "object:action" keys to handlers.
type Dispatcher struct {
	mu      sync.RWMutex
	seq     int
	actions map[string]*registration
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{actions: make(map[string]*registration)}
}

func key(object, action string) string { return object + ":" + action }

// Register binds the handler. A second registration for the same key
// replaces the first, which is how a package override works.
func (d *Dispatcher) Register(object, action, pkg string, h Handler) error {
	if object == "" || action == "" {
		return tabula.Invalidf("action: object and action are required")
	}
	if h == nil {
		return tabula.Invalidf("action: nil handler for %s", key(object, action))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	d.actions[key(object, action)] = &registration{seq: d.seq, pkg: pkg, handler: h}
	return nil
}

// RemovePackage drops every action the package registered.
func (d *Dispatcher) RemovePackage(pkg string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	removed := 0
	for k, r := range d.actions {
		if r.pkg == pkg {
			delete(d.actions, k)
			removed++
		}
	}
	return removed
}

// ErrActionNotFound tags an execute against an unregistered key.
var ErrActionNotFound = tabula.NewError(tabula.CodeNotFound, "action not found")

// Execute looks up and runs the handler.
func (d *Dispatcher) Execute(ctx context.Context, actx *Context) (any, error) {
	d.mu.RLock()
	r, ok := d.actions[key(actx.Object, actx.Action)]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrActionNotFound, key(actx.Object, actx.Action))
	}
	result, err := r.handler(ctx, actx)
	if err != nil {
		return nil, fmt.Errorf("action: %s: %w", key(actx.Object, actx.Action), err)
	}
	return result, nil
}

// Has reports whether the key is registered.
func (d *Dispatcher) Has(object, action string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.actions[key(object, action)]
	return ok
}

// List enumerates the registered "object:action" keys sorted.
func (d *Dispatcher) List() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	keys := make([]string, 0, len(d.actions))
	for k := range d.actions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
