package driver

import (
	"context"
	"time"

	"github.com/tabula-io/tabula"
	"github.com/tabula-io/tabula/query"
)

// Capabilities advertises what a back-end can do. The pipeline consults
// it to decide between native bulk calls and per-record fallbacks, and
// transports expose it for API discovery.
type Capabilities struct {
	Transactions         bool `json:"transactions"`
	Joins                bool `json:"joins"`
	FullTextSearch       bool `json:"full_text_search"`
	JSONFields           bool `json:"json_fields"`
	ArrayFields          bool `json:"array_fields"`
	QueryFilters         bool `json:"query_filters"`
	QueryAggregations    bool `json:"query_aggregations"`
	QuerySorting         bool `json:"query_sorting"`
	QueryPagination      bool `json:"query_pagination"`
	QueryWindowFunctions bool `json:"query_window_functions"`
	QuerySubqueries      bool `json:"query_subqueries"`
	ChangeStreams        bool `json:"change_streams"`
	BulkWrites           bool `json:"bulk_writes"`
}

// Options accompany every driver call.
type Options struct {
	// Tx scopes the call to a transaction obtained from BeginTx on the
	// same driver. Handles are single-threaded and never shared between
	// concurrent requests.
	Tx tabula.Tx
	// Strict asks the filter compiler to fail on constructs the back-end
	// can only approximate, instead of approximating.
	Strict bool
}

// TxOf unwraps the transaction handle, tolerating nil options.
func (o *Options) TxOf() tabula.Tx {
	if o == nil {
		return nil
	}
	return o.Tx
}

// ReturnDocument selects which version FindOneAndUpdate returns.
type ReturnDocument string

const (
	ReturnBefore ReturnDocument = "before"
	ReturnAfter  ReturnDocument = "after"
)

// FindOneAndUpdateOptions extend Options for the combined operation.
type FindOneAndUpdateOptions struct {
	Options
	// Return defaults to ReturnAfter.
	Return ReturnDocument
	// Upsert creates the record when no match exists.
	Upsert bool
}

// Returning defaults the return selector.
func (o *FindOneAndUpdateOptions) Returning() ReturnDocument {
	if o == nil || o.Return == "" {
		return ReturnAfter
	}
	return o.Return
}

// Driver is the storage contract. Implementations must honour context
// cancellation at every call, stamp created_at/updated_at in ISO-8601,
// assign an id when the document lacks one, and never let Update rewrite
// id or created_at.
//
// FindOne reports a missing record as (nil, nil); the pipeline decides
// whether absence is an error. Update and Delete on a missing id return
// a CategoryNotFound error and a zero count respectively.
type Driver interface {
	// Name identifies the back-end kind, e.g. "mem", "postgres", "mongo".
	Name() string

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	CheckHealth(ctx context.Context) error
	Capabilities() Capabilities

	Find(ctx context.Context, object string, q *query.Query, opts *Options) ([]tabula.Record, error)
	FindOne(ctx context.Context, object string, q *query.Query, opts *Options) (tabula.Record, error)
	Count(ctx context.Context, object string, q *query.Query, opts *Options) (int64, error)
	Distinct(ctx context.Context, object, field string, q *query.Query, opts *Options) ([]any, error)
	// Aggregate evaluates q.Aggregations over q.Filters, grouped by
	// q.GroupBy. Each result row carries the group keys plus one value
	// per aggregation under Aggregation.Name().
	Aggregate(ctx context.Context, object string, q *query.Query, opts *Options) ([]tabula.Record, error)

	Create(ctx context.Context, object string, doc tabula.Record, opts *Options) (tabula.Record, error)
	Update(ctx context.Context, object, id string, patch tabula.Record, opts *Options) (tabula.Record, error)
	Delete(ctx context.Context, object, id string, opts *Options) (int64, error)

	CreateMany(ctx context.Context, object string, docs []tabula.Record, opts *Options) ([]tabula.Record, error)
	UpdateMany(ctx context.Context, object string, filter query.Filter, patch tabula.Record, opts *Options) (int64, error)
	DeleteMany(ctx context.Context, object string, filter query.Filter, opts *Options) (int64, error)

	FindOneAndUpdate(ctx context.Context, object string, filter query.Filter, patch tabula.Record, opts *FindOneAndUpdateOptions) (tabula.Record, error)

	// BeginTx returns a transaction handle to thread through Options.Tx.
	// Drivers without transaction support return ErrTxUnsupported.
	BeginTx(ctx context.Context) (tabula.Tx, error)
}

// ChangeOp tags a change event.
type ChangeOp string

const (
	ChangeCreate ChangeOp = "create"
	ChangeUpdate ChangeOp = "update"
	ChangeDelete ChangeOp = "delete"
)

// ChangeEvent is delivered to change-stream handlers.
type ChangeEvent struct {
	Object string   `json:"object"`
	Op     ChangeOp `json:"op"`
	ID     string   `json:"id"`
	// Document is the post-image when the watch asked for full documents;
	// nil for deletes.
	Document tabula.Record `json:"document,omitempty"`
	At       time.Time     `json:"at"`
}

// ChangeHandler consumes change events. Handlers run on the driver's
// watch goroutine; slow consumers should hand off.
type ChangeHandler func(ctx context.Context, ev ChangeEvent)

// WatchOptions filter a change stream subscription.
type WatchOptions struct {
	// Operations restricts the delivered ops; empty means all.
	Operations []ChangeOp
	// FullDocument includes the post-image on create and update events.
	FullDocument bool
	// Filter drops events whose document does not match. Requires
	// FullDocument on back-ends that cannot evaluate server-side.
	Filter query.Filter
}

// Wants reports whether the subscription covers op.
func (o *WatchOptions) Wants(op ChangeOp) bool {
	if o == nil || len(o.Operations) == 0 {
		return true
	}
	for _, candidate := range o.Operations {
		if candidate == op {
			return true
		}
	}
	return false
}

// Watcher is the optional change-stream surface. Drivers advertising
// Capabilities.ChangeStreams implement it; Disconnect closes all active
// streams.
type Watcher interface {
	Watch(ctx context.Context, object string, handler ChangeHandler, opts *WatchOptions) (string, error)
	Unwatch(streamID string) error
	ActiveChangeStreams() []string
}

// Timestamps stamps the managed temporal fields on a document headed for
// Create. Drivers share it so all back-ends agree on the wire format.
func Timestamps(doc tabula.Record, now time.Time) {
	stamp := tabula.Timestamp(now)
	if _, ok := doc["created_at"]; !ok {
		doc["created_at"] = stamp
	}
	doc["updated_at"] = stamp
}

// SanitizePatch drops the immutable fields from an update patch, per the
// contract that updates never rewrite id or created_at.
func SanitizePatch(patch tabula.Record) tabula.Record {
	out := make(tabula.Record, len(patch))
	for k, v := range patch {
		switch k {
		case tabula.IDField, "_id", "created_at":
			continue
		}
		out[k] = v
	}
	return out
}
