// Package tabula provides the core types shared by every layer of the
// metadata-driven data access runtime: records, operations, request
// contexts, transaction handles, and the wire error taxonomy.
//
// Higher layers build on these types: the schema package declares object
// metadata, the query package normalises query ASTs, the driver packages
// implement storage back-ends, and the engine package orchestrates the
// dispatch pipeline around them.
package tabula

import (
	"context"
	"fmt"
	"time"
)

// IDField is the logical identifier field exposed on every record.
// Back-ends that use a native name (for example "_id") map it transparently.
const IDField = "id"

// Record is a single stored document: a mapping from field name to value.
// Field types are declared in metadata and consulted at validation time;
// the storage layer stays generic over the payload shape.
type Record map[string]any

// ID returns the record identifier as a string, or "" if absent.
func (r Record) ID() string {
	if r == nil {
		return ""
	}
	switch v := r[IDField].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return toString(v)
	}
}

// Clone returns a deep copy of the record. Nested maps and slices are
// copied; all other values are shared.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = cloneValue(e)
		}
		return m
	case Record:
		return map[string]any(t.Clone())
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = cloneValue(e)
		}
		return s
	case []string:
		s := make([]string, len(t))
		copy(s, t)
		return s
	default:
		return v
	}
}

// Op identifies a repository operation. The values match the wire names
// used by the unified request envelope.
type Op string

// All repository operations.
const (
	OpFind             Op = "find"
	OpFindOne          Op = "findOne"
	OpCount            Op = "count"
	OpAggregate        Op = "aggregate"
	OpDistinct         Op = "distinct"
	OpCreate           Op = "create"
	OpUpdate           Op = "update"
	OpDelete           Op = "delete"
	OpCreateMany       Op = "createMany"
	OpUpdateMany       Op = "updateMany"
	OpDeleteMany       Op = "deleteMany"
	OpFindOneAndUpdate Op = "findOneAndUpdate"
	OpAction           Op = "action"
)

// IsRead reports whether the operation only reads data.
func (o Op) IsRead() bool {
	switch o {
	case OpFind, OpFindOne, OpCount, OpAggregate, OpDistinct:
		return true
	}
	return false
}

// IsMutation reports whether the operation writes data.
func (o Op) IsMutation() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete, OpCreateMany, OpUpdateMany, OpDeleteMany, OpFindOneAndUpdate:
		return true
	}
	return false
}

// String returns the wire name of the operation.
func (o Op) String() string { return string(o) }

// Tx is an open transaction handle issued by a driver. A handle is
// single-threaded: it must not be shared between concurrent requests.
// The dispatcher threads it through the request context.
type Tx interface {
	// Commit makes every operation scoped to the handle durable.
	Commit(ctx context.Context) error
	// Rollback discards every operation scoped to the handle.
	Rollback(ctx context.Context) error
}

// User describes the authenticated caller bound to a request.
type User struct {
	ID       string         `json:"id"`
	Name     string         `json:"name,omitempty"`
	Roles    []string       `json:"roles,omitempty"`
	TenantID string         `json:"tenant_id,omitempty"`
	SpaceID  string         `json:"space_id,omitempty"`
	Language string         `json:"language,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// RequestContext carries the identity and flags of a single request
// through the dispatch pipeline. It is immutable after construction;
// derive variants with the With* methods.
type RequestContext struct {
	UserID   string
	User     *User
	Roles    []string
	TenantID string
	SpaceID  string
	Language string

	// Tx, when set, scopes every driver call of the request to the handle.
	Tx Tx

	// IgnoreTriggers disables user-defined hooks. System hooks
	// (tenancy, permissions) always run.
	IgnoreTriggers bool

	// AllowCache opts the request in to the query result cache.
	AllowCache bool

	// System marks engine-internal requests (seeding, recursive hook
	// access with elevated rights). System requests bypass permission
	// checks but never tenancy guards when a tenant is resolved.
	System bool
}

// WithTx returns a copy of the request context scoped to the transaction.
func (rc *RequestContext) WithTx(tx Tx) *RequestContext {
	cp := *rc
	cp.Tx = tx
	return &cp
}

// EffectiveRoles returns the explicit role set, falling back to the
// bound user's roles.
func (rc *RequestContext) EffectiveRoles() []string {
	if len(rc.Roles) > 0 {
		return rc.Roles
	}
	if rc.User != nil {
		return rc.User.Roles
	}
	return nil
}

type requestCtxKey struct{}

// WithRequest returns a new context with the request context attached.
func WithRequest(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, rc)
}

// RequestFromContext retrieves the request context, or nil if absent.
func RequestFromContext(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(requestCtxKey{}).(*RequestContext)
	return rc
}

// SystemContext returns a context carrying a system request context.
// It is used for engine-internal work such as initial data seeding.
func SystemContext(ctx context.Context) context.Context {
	return WithRequest(ctx, &RequestContext{System: true, IgnoreTriggers: false})
}

// Timestamp formats t the way drivers persist temporal fields (ISO-8601,
// UTC, millisecond precision).
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}
