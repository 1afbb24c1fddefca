// Package tenancy isolates tenants from each other. It installs system
// hooks on every non-exempt object: a filter injector for reads, a
// guard for mutations, and an optional audit trail of its decisions.
package tenancy

import (
	"context"
	"fmt"

	"github.com/tabula-io/tabula"
	"github.com/tabula-io/tabula/action"
	"github.com/tabula-io/tabula/hook"
	"github.com/tabula-io/tabula/query"
	"github.com/tabula-io/tabula/registry"
)

// Isolation reasons carried by Error.
const (
	ReasonNoTenantContext    = "NO_TENANT_CONTEXT"
	ReasonCrossTenantQuery   = "CROSS_TENANT_QUERY"
	ReasonCrossTenantCreate  = "CROSS_TENANT_CREATE"
	ReasonCrossTenantUpdate  = "CROSS_TENANT_UPDATE"
	ReasonTenantReassignment = "TENANT_REASSIGNMENT"
	ReasonCrossTenantDelete  = "CROSS_TENANT_DELETE"
)

// Error is a tenant isolation violation. It unwraps to the FORBIDDEN
// domain error, so transports map it like any other denial.
type Error struct {
	Reason    string
	Object    string
	Operation string
	TenantID  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("tenancy: %s on %s %s (tenant %q)", e.Reason, e.Operation, e.Object, e.TenantID)
}

func (e *Error) Unwrap() error { return tabula.ErrForbidden }

// Isolation modes. Only shared-schema isolation filters at the query
// level; the prefix and schema modes are carried for drivers that
// partition physically.
const (
	ModeShared         = "shared"
	ModeTablePrefix    = "table-prefix"
	ModeSeparateSchema = "separate-schema"
)

// Resolver extracts the tenant id for a dispatch. An empty return with
// nil error means no tenant context.
type Resolver func(ctx context.Context, hctx *hook.Context) (string, error)

// Config tunes the plugin. The zero value gets the defaults from New.
type Config struct {
	// TenantField is the record field holding the tenant id.
	TenantField string `yaml:"tenant_field"`
	// Strict rejects conflicting tenant predicates already present in a
	// query; non-strict mode overwrites them silently.
	Strict bool `yaml:"strict"`
	// IsolationMode is one of shared, table-prefix, separate-schema.
	IsolationMode string `yaml:"isolation_mode"`
	// ExemptObjects are never filtered or guarded.
	ExemptObjects []string `yaml:"exempt_objects"`
	// EnableAudit records every decision in the ring.
	EnableAudit bool `yaml:"enable_audit"`
	// ThrowOnMissingTenant fails dispatches that carry no tenant context;
	// otherwise the hooks pass through untouched.
	ThrowOnMissingTenant bool `yaml:"throw_on_missing_tenant"`
}

// Option tweaks the plugin.
type Option func(*Plugin)

// WithResolver replaces the default context → user → extra resolution.
func WithResolver(r Resolver) Option {
	return func(p *Plugin) { p.resolver = r }
}

// WithAuditCapacity resizes the audit ring.
func WithAuditCapacity(n int) Option {
	return func(p *Plugin) { p.audit = newAuditRing(n) }
}

// Plugin implements the engine plugin contract, registering wildcard
// system hooks that check the exempt list per dispatch.
type Plugin struct {
	cfg      Config
	resolver Resolver
	audit    *auditRing
	exempt   map[string]struct{}
}

// New builds the plugin. Defaults: field tenant_id, strict, shared
// isolation, audit ring of 1000.
func New(cfg Config, opts ...Option) *Plugin {
	if cfg.TenantField == "" {
		cfg.TenantField = "tenant_id"
	}
	if cfg.IsolationMode == "" {
		cfg.IsolationMode = ModeShared
	}
	p := &Plugin{
		cfg:    cfg,
		audit:  newAuditRing(defaultAuditCapacity),
		exempt: make(map[string]struct{}, len(cfg.ExemptObjects)),
	}
	p.resolver = p.defaultResolve
	for _, o := range cfg.ExemptObjects {
		p.exempt[o] = struct{}{}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name identifies the plugin to the engine.
func (p *Plugin) Name() string { return "tenancy" }

// Install registers the system hooks.
func (p *Plugin) Install(reg *registry.Registry, hooks *hook.Manager, _ *action.Dispatcher) error {
	for _, ev := range []hook.Event{hook.BeforeFind, hook.BeforeCount} {
		if err := hooks.RegisterSystem(ev, hook.Wildcard, p.Name(), p.injectFilter); err != nil {
			return err
		}
	}
	if err := hooks.RegisterSystem(hook.BeforeCreate, hook.Wildcard, p.Name(), p.guardCreate); err != nil {
		return err
	}
	if err := hooks.RegisterSystem(hook.BeforeUpdate, hook.Wildcard, p.Name(), p.guardUpdate); err != nil {
		return err
	}
	return hooks.RegisterSystem(hook.BeforeDelete, hook.Wildcard, p.Name(), p.guardDelete)
}

// OnStart implements the plugin lifecycle; nothing to warm up.
func (p *Plugin) OnStart(context.Context) error { return nil }

// OnStop implements the plugin lifecycle.
func (p *Plugin) OnStop(context.Context) error { return nil }

// Exempt reports whether the object bypasses isolation.
func (p *Plugin) Exempt(object string) bool {
	_, ok := p.exempt[object]
	return ok
}

func (p *Plugin) defaultResolve(_ context.Context, hctx *hook.Context) (string, error) {
	if hctx.TenantID != "" {
		return hctx.TenantID, nil
	}
	if hctx.User != nil {
		if hctx.User.TenantID != "" {
			return hctx.User.TenantID, nil
		}
		if v, ok := hctx.User.Extra["tenant_id"].(string); ok && v != "" {
			return v, nil
		}
	}
	return "", nil
}

// tenant resolves the dispatch tenant, applying the missing-tenant
// policy. ok=false means the hook should pass through.
func (p *Plugin) tenant(ctx context.Context, hctx *hook.Context) (string, bool, error) {
	if p.Exempt(hctx.Object) {
		return "", false, nil
	}
	t, err := p.resolver(ctx, hctx)
	if err != nil {
		return "", false, err
	}
	if t == "" {
		if p.cfg.ThrowOnMissingTenant {
			err := p.violation(hctx, "", ReasonNoTenantContext)
			return "", false, err
		}
		return "", false, nil
	}
	return t, true, nil
}

// injectFilter appends tenant_id = T to read queries. An existing
// predicate for another tenant is a conflict in strict mode and is
// overwritten otherwise.
func (p *Plugin) injectFilter(ctx context.Context, hctx *hook.Context) error {
	t, ok, err := p.tenant(ctx, hctx)
	if err != nil || !ok {
		return err
	}
	if hctx.Query == nil {
		hctx.Query = &query.Query{}
	}
	conds := tenantConds(hctx.Query.Filters, p.cfg.TenantField)
	if len(conds) == 0 {
		hctx.Query.And(query.FieldEQ(p.cfg.TenantField, t))
		p.record(hctx, t, true, "")
		return nil
	}
	for _, c := range conds {
		if query.Stringify(c.Value) == t {
			continue
		}
		if p.cfg.Strict {
			return p.violation(hctx, t, ReasonCrossTenantQuery)
		}
		c.Value = t
	}
	p.record(hctx, t, true, "")
	return nil
}

func (p *Plugin) guardCreate(ctx context.Context, hctx *hook.Context) error {
	t, ok, err := p.tenant(ctx, hctx)
	if err != nil || !ok {
		return err
	}
	if hctx.Data == nil {
		hctx.Data = tabula.Record{}
	}
	if v, present := hctx.Data[p.cfg.TenantField]; present && v != nil && query.Stringify(v) != t {
		return p.violation(hctx, t, ReasonCrossTenantCreate)
	}
	hctx.Data[p.cfg.TenantField] = t
	p.record(hctx, t, true, "")
	return nil
}

func (p *Plugin) guardUpdate(ctx context.Context, hctx *hook.Context) error {
	t, ok, err := p.tenant(ctx, hctx)
	if err != nil || !ok {
		return err
	}
	if hctx.Previous != nil {
		if owner := query.Stringify(hctx.Previous[p.cfg.TenantField]); owner != "" && owner != t {
			return p.violation(hctx, t, ReasonCrossTenantUpdate)
		}
	}
	if v, present := hctx.Data[p.cfg.TenantField]; present && v != nil && query.Stringify(v) != t {
		return p.violation(hctx, t, ReasonTenantReassignment)
	}
	p.record(hctx, t, true, "")
	return nil
}

func (p *Plugin) guardDelete(ctx context.Context, hctx *hook.Context) error {
	t, ok, err := p.tenant(ctx, hctx)
	if err != nil || !ok {
		return err
	}
	if hctx.Previous != nil {
		if owner := query.Stringify(hctx.Previous[p.cfg.TenantField]); owner != "" && owner != t {
			return p.violation(hctx, t, ReasonCrossTenantDelete)
		}
	}
	p.record(hctx, t, true, "")
	return nil
}

func (p *Plugin) violation(hctx *hook.Context, tenant, reason string) error {
	p.record(hctx, tenant, false, reason)
	return &Error{
		Reason:    reason,
		Object:    hctx.Object,
		Operation: hctx.Operation,
		TenantID:  tenant,
	}
}

// tenantConds collects every equality criterion on the tenant field so
// the injector can verify or rewrite them in place.
func tenantConds(f query.Filter, field string) []*query.Cond {
	var out []*query.Cond
	switch node := f.(type) {
	case *query.Cond:
		if node.Field == field && node.Op == query.OpEQ {
			out = append(out, node)
		}
	case *query.Group:
		for _, child := range node.Children {
			out = append(out, tenantConds(child, field)...)
		}
	}
	return out
}
