// Package hook registers and dispatches lifecycle handlers around
// repository operations. Handlers run serially in global registration
// order, wildcard registrations interleaved with exact ones by the
// sequence they were added.
package hook

import (
	"context"

	"github.com/tabula-io/tabula"
	"github.com/tabula-io/tabula/query"
)

// Event names a dispatch point in the pipeline.
type Event string

const (
	BeforeFind     Event = "beforeFind"
	AfterFind      Event = "afterFind"
	BeforeCount    Event = "beforeCount"
	AfterCount     Event = "afterCount"
	BeforeCreate   Event = "beforeCreate"
	AfterCreate    Event = "afterCreate"
	BeforeUpdate   Event = "beforeUpdate"
	AfterUpdate    Event = "afterUpdate"
	BeforeDelete   Event = "beforeDelete"
	AfterDelete    Event = "afterDelete"
	BeforeValidate Event = "beforeValidate"
	AfterValidate  Event = "afterValidate"
)

// Events lists every dispatch point.
func Events() []Event {
	return []Event{
		BeforeFind, AfterFind,
		BeforeCount, AfterCount,
		BeforeCreate, AfterCreate,
		BeforeUpdate, AfterUpdate,
		BeforeDelete, AfterDelete,
		BeforeValidate, AfterValidate,
	}
}

// Valid reports whether the event is one of the known dispatch points.
func (e Event) Valid() bool {
	for _, known := range Events() {
		if e == known {
			return true
		}
	}
	return false
}

// Kind tags the context shape so handlers can dispatch on it instead of
// probing slots for nil.
type Kind string

const (
	// KindRetrieval covers find, findOne, count, distinct, and aggregate.
	// Query is the mutable slot.
	KindRetrieval Kind = "retrieval"
	// KindMutation covers create and bulk create. Data is the mutable slot.
	KindMutation Kind = "mutation"
	// KindUpdate covers update, delete, and findOneAndUpdate. Data and
	// Previous are populated; Previous is read-only.
	KindUpdate Kind = "update"
)

// Store is the restricted data-access surface handed to handlers. Calls
// re-enter the dispatch pipeline, so permissions, tenancy, and the other
// handlers all apply to recursive access.
type Store interface {
	Find(ctx context.Context, object string, q *query.Query) ([]tabula.Record, error)
	FindOne(ctx context.Context, object, id string) (tabula.Record, error)
	Count(ctx context.Context, object string, q *query.Query) (int64, error)
	Create(ctx context.Context, object string, data tabula.Record) (tabula.Record, error)
	Update(ctx context.Context, object, id string, patch tabula.Record) (tabula.Record, error)
	Delete(ctx context.Context, object, id string) error
}

// Context is the per-dispatch payload. The same value flows from the
// before event to the matching after event, so State written early is
// visible late. Handlers mutate Query, Data, and Result in place; the
// pipeline runs them serially for a request.
type Context struct {
	Kind      Kind
	Object    string
	Operation string
	Event     Event

	// Query is mutable in beforeFind and beforeCount.
	Query *query.Query
	// Data is the incoming record or patch, mutable in beforeCreate and
	// beforeUpdate. Handlers must not rewrite the id.
	Data tabula.Record
	// ID addresses the record for update and delete operations.
	ID string
	// Previous is the stored record before an update or delete, fetched
	// inside the active transaction when one is open.
	Previous tabula.Record
	// Result carries the driver output into after hooks: []tabula.Record
	// for find, tabula.Record for single-record ops, int64 for count.
	Result any

	User     *tabula.User
	TenantID string

	// State is a scratchpad scoped to one operation. A before handler can
	// stash values for its after counterpart.
	State map[string]any

	// Store re-enters the pipeline for recursive data access.
	Store Store
}

// NewRetrievalContext builds the context for find-class operations.
func NewRetrievalContext(object, operation string, q *query.Query) *Context {
	return &Context{
		Kind:      KindRetrieval,
		Object:    object,
		Operation: operation,
		Query:     q,
		State:     make(map[string]any),
	}
}

// NewMutationContext builds the context for create operations.
func NewMutationContext(object, operation string, data tabula.Record) *Context {
	return &Context{
		Kind:      KindMutation,
		Object:    object,
		Operation: operation,
		Data:      data,
		State:     make(map[string]any),
	}
}

// NewUpdateContext builds the context for update and delete operations.
// previous may be nil until the pipeline fetches it.
func NewUpdateContext(object, operation, id string, data, previous tabula.Record) *Context {
	return &Context{
		Kind:      KindUpdate,
		Object:    object,
		Operation: operation,
		ID:        id,
		Data:      data,
		Previous:  previous,
		State:     make(map[string]any),
	}
}

// Records returns the result as a record list when the operation
// produced one.
func (c *Context) Records() ([]tabula.Record, bool) {
	rs, ok := c.Result.([]tabula.Record)
	return rs, ok
}

// Record returns the result as a single record when the operation
// produced one.
func (c *Context) Record() (tabula.Record, bool) {
	r, ok := c.Result.(tabula.Record)
	return r, ok
}

// Handler is one lifecycle callback. An error from a before handler
// aborts the operation ahead of the driver call; an error from an after
// handler rolls the transaction back.
type Handler func(ctx context.Context, hctx *Context) error
