// Package engine orchestrates the dispatch pipeline: it binds the
// metadata registry, drivers, privacy, validation, hooks, and actions
// into per-object repositories behind a single facade.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tabula-io/tabula"
	"github.com/tabula-io/tabula/action"
	"github.com/tabula-io/tabula/cache"
	"github.com/tabula-io/tabula/driver"
	"github.com/tabula-io/tabula/hook"
	"github.com/tabula-io/tabula/metrics"
	"github.com/tabula-io/tabula/privacy"
	"github.com/tabula-io/tabula/query"
	"github.com/tabula-io/tabula/registry"
	"github.com/tabula-io/tabula/schema"
	"github.com/tabula-io/tabula/validation"
)

// Plugin extends the engine. Install runs during Start, before any
// OnStart; plugins typically register hooks and actions.
type Plugin interface {
	Name() string
	Install(reg *registry.Registry, hooks *hook.Manager, actions *action.Dispatcher) error
	OnStart(ctx context.Context) error
	OnStop(ctx context.Context) error
}

// Engine is the facade. Build with New, configure with options and Use,
// then Start before serving requests.
type Engine struct {
	log      *zap.Logger
	registry *registry.Registry
	hooks    *hook.Manager
	actions  *action.Dispatcher
	drivers  map[string]driver.Driver

	privacyRules   []privacy.Rule
	validationOpts []validation.Option

	evaluator *privacy.Evaluator
	validator *validation.Engine

	loader   *cache.Loader
	cacheTTL time.Duration
	metrics  *metrics.Metrics

	mu      sync.Mutex
	plugins []Plugin
	started bool
}

// Option configures the engine at construction.
type Option func(*Engine)

// WithLogger sets the structured logger; default is a nop logger.
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithRegistry replaces the metadata registry.
func WithRegistry(reg *registry.Registry) Option {
	return func(e *Engine) { e.registry = reg }
}

// WithDriver binds a driver to a datasource name. Objects select their
// driver through their datasource; most deployments bind "default".
func WithDriver(datasource string, d driver.Driver) Option {
	return func(e *Engine) { e.drivers[datasource] = d }
}

// WithPrivacyRules prepends custom rules to the policy evaluation chain.
func WithPrivacyRules(rules ...privacy.Rule) Option {
	return func(e *Engine) { e.privacyRules = append(e.privacyRules, rules...) }
}

// WithValidation forwards options to the validation engine, such as
// custom handlers, an expression evaluator, or fallback languages.
func WithValidation(opts ...validation.Option) Option {
	return func(e *Engine) { e.validationOpts = append(e.validationOpts, opts...) }
}

// WithQueryCache caches Find results for requests that opt in via
// AllowCache; every mutation invalidates the object's entries.
func WithQueryCache(c cache.Cache, ttl time.Duration) Option {
	return func(e *Engine) {
		e.loader = cache.NewLoader(c)
		e.cacheTTL = ttl
	}
}

// WithMetrics instruments the pipeline.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New builds an engine. It is inert until Start.
func New(opts ...Option) *Engine {
	e := &Engine{
		log:      zap.NewNop(),
		registry: registry.New(),
		hooks:    hook.NewManager(),
		actions:  action.NewDispatcher(),
		drivers:  make(map[string]driver.Driver),
		cacheTTL: time.Minute,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry exposes the metadata registry for package loading.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Hooks exposes the hook manager for user registrations.
func (e *Engine) Hooks() *hook.Manager { return e.hooks }

// Actions exposes the action dispatcher.
func (e *Engine) Actions() *action.Dispatcher { return e.actions }

// Use registers a plugin. Plugins install during Start, in registration
// order.
func (e *Engine) Use(p Plugin) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return tabula.Invalidf("engine: cannot add plugin %q after start", p.Name())
	}
	e.plugins = append(e.plugins, p)
	return nil
}

// Start validates the metadata, installs plugins, connects drivers,
// seeds initial data, and runs every plugin's OnStart. Starting twice
// is an error.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return tabula.Invalidf("engine: already started")
	}
	if len(e.drivers) == 0 {
		return tabula.Invalidf("engine: no drivers bound")
	}
	if err := e.registry.Build(); err != nil {
		return err
	}
	for _, p := range e.plugins {
		if err := p.Install(e.registry, e.hooks, e.actions); err != nil {
			return fmt.Errorf("engine: installing plugin %s: %w", p.Name(), err)
		}
	}
	e.evaluator = privacy.NewEvaluator(e.registry, e.privacyRules...)
	vopts := append([]validation.Option{validation.WithUniqueFunc(e.uniqueExists)}, e.validationOpts...)
	e.validator = validation.New(vopts...)

	for name, d := range e.drivers {
		if err := d.Connect(ctx); err != nil {
			return fmt.Errorf("engine: connecting datasource %s: %w", name, err)
		}
	}
	if err := e.seedInitialData(ctx); err != nil {
		return err
	}
	for _, p := range e.plugins {
		if err := p.OnStart(ctx); err != nil {
			return fmt.Errorf("engine: starting plugin %s: %w", p.Name(), err)
		}
	}
	e.started = true
	e.log.Info("engine started",
		zap.Int("objects", len(e.registry.ObjectNames())),
		zap.Int("plugins", len(e.plugins)),
	)
	return nil
}

// Stop runs every plugin's OnStop in reverse order, then disconnects the
// drivers.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var errs []error
	for i := len(e.plugins) - 1; i >= 0; i-- {
		if err := e.plugins[i].OnStop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("plugin %s: %w", e.plugins[i].Name(), err))
		}
	}
	for name, d := range e.drivers {
		if err := d.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("datasource %s: %w", name, err))
		}
	}
	e.started = false
	return errors.Join(errs...)
}

// CheckHealth fans out to every datasource.
func (e *Engine) CheckHealth(ctx context.Context) error {
	var errs []error
	for name, d := range e.drivers {
		if err := d.CheckHealth(ctx); err != nil {
			errs = append(errs, fmt.Errorf("datasource %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Capabilities describes the running engine for API discovery. Open
// behavioural choices are surfaced here rather than buried in docs.
type Capabilities struct {
	// BusinessRuleEvaluation is "stubbed" when no expression evaluator is
	// installed and business rules pass silently.
	BusinessRuleEvaluation string `json:"business_rule_evaluation"`
	// MixedConnectorFilters reports how filter groups mixing and/or are
	// handled; always "rejected".
	MixedConnectorFilters string                         `json:"mixed_connector_filters"`
	Datasources           map[string]driver.Capabilities `json:"datasources"`
}

// Capabilities reports the engine's behavioural surface.
func (e *Engine) Capabilities() Capabilities {
	caps := Capabilities{
		BusinessRuleEvaluation: "full",
		MixedConnectorFilters:  "rejected",
		Datasources:            make(map[string]driver.Capabilities, len(e.drivers)),
	}
	if e.validator == nil || e.validator.StubbedExpressions() {
		caps.BusinessRuleEvaluation = "stubbed"
	}
	for name, d := range e.drivers {
		caps.Datasources[name] = d.Capabilities()
	}
	return caps
}

// ContextOptions describe a request identity for NewContext.
type ContextOptions struct {
	User           *tabula.User
	UserID         string
	Roles          []string
	TenantID       string
	SpaceID        string
	Language       string
	IgnoreTriggers bool
	AllowCache     bool
	Tx             tabula.Tx
}

// NewContext attaches an immutable request context derived from the
// options. Identity fields default from the bound user.
func (e *Engine) NewContext(parent context.Context, opts ContextOptions) context.Context {
	rc := &tabula.RequestContext{
		UserID:         opts.UserID,
		User:           opts.User,
		Roles:          opts.Roles,
		TenantID:       opts.TenantID,
		SpaceID:        opts.SpaceID,
		Language:       opts.Language,
		IgnoreTriggers: opts.IgnoreTriggers,
		AllowCache:     opts.AllowCache,
		Tx:             opts.Tx,
	}
	if u := opts.User; u != nil {
		if rc.UserID == "" {
			rc.UserID = u.ID
		}
		if rc.TenantID == "" {
			rc.TenantID = u.TenantID
		}
		if rc.SpaceID == "" {
			rc.SpaceID = u.SpaceID
		}
		if rc.Language == "" {
			rc.Language = u.Language
		}
		if len(rc.Roles) == 0 {
			rc.Roles = u.Roles
		}
	}
	return tabula.WithRequest(parent, rc)
}

// Object returns the repository facade for the named object. The name
// is validated on first use, not here.
func (e *Engine) Object(name string) *Repository {
	return &Repository{engine: e, object: name}
}

// ActionRequest carries an action invocation.
type ActionRequest struct {
	// ID addresses the record for record-scope actions.
	ID    string
	Input map[string]any
}

// ExecuteAction dispatches a registered custom operation.
func (e *Engine) ExecuteAction(ctx context.Context, object, name string, req *ActionRequest) (any, error) {
	if _, ok := e.registry.Object(object); !ok {
		return nil, tabula.NotFoundf("unknown object %q", object)
	}
	if req == nil {
		req = &ActionRequest{}
	}
	rc := tabula.RequestFromContext(ctx)
	actx := &action.Context{
		Object: object,
		Action: name,
		ID:     req.ID,
		Input:  req.Input,
		Store:  &pipelineStore{engine: e},
	}
	if rc != nil {
		actx.User = rc.User
	}
	return e.actions.Execute(ctx, actx)
}

// uniqueExists is the store probe behind unique validation rules. It
// scopes the filter to the request tenant when the object carries the
// tenant field.
func (e *Engine) uniqueExists(ctx context.Context, object string, f query.Filter) (bool, error) {
	obj, ok := e.registry.Object(object)
	if !ok {
		return false, tabula.NotFoundf("unknown object %q", object)
	}
	drv, err := e.driverFor(obj)
	if err != nil {
		return false, err
	}
	rc := tabula.RequestFromContext(ctx)
	if rc != nil && rc.TenantID != "" {
		if _, has := obj.Fields["tenant_id"]; has {
			f = query.And(f, query.FieldEQ("tenant_id", rc.TenantID))
		}
	}
	one := 1
	n, err := drv.Count(ctx, object, &query.Query{Filters: f, Limit: &one}, e.driverOptions(rc))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (e *Engine) driverFor(obj *schema.Object) (driver.Driver, error) {
	d, ok := e.drivers[obj.DatasourceName()]
	if !ok {
		return nil, tabula.Internalf("no driver bound for datasource %q", obj.DatasourceName())
	}
	return d, nil
}

func (e *Engine) driverOptions(rc *tabula.RequestContext) *driver.Options {
	opts := &driver.Options{}
	if rc != nil {
		opts.Tx = rc.Tx
	}
	return opts
}

// seedInitialData creates each object's declared records when its
// backing store is empty, through the pipeline with a system identity so
// hooks and stamps apply.
func (e *Engine) seedInitialData(ctx context.Context) error {
	sysCtx := tabula.SystemContext(ctx)
	for _, obj := range e.registry.Objects() {
		if len(obj.InitialData) == 0 {
			continue
		}
		drv, err := e.driverFor(obj)
		if err != nil {
			return err
		}
		n, err := drv.Count(sysCtx, obj.Name, &query.Query{}, nil)
		if err != nil {
			return fmt.Errorf("engine: seeding %s: %w", obj.Name, err)
		}
		if n > 0 {
			continue
		}
		repo := e.Object(obj.Name)
		for _, doc := range obj.InitialData {
			if _, err := repo.Create(sysCtx, tabula.Record(doc).Clone()); err != nil {
				return fmt.Errorf("engine: seeding %s: %w", obj.Name, err)
			}
		}
		e.log.Info("seeded initial data",
			zap.String("object", obj.Name),
			zap.Int("records", len(obj.InitialData)),
		)
	}
	return nil
}

// invalidate drops the object's cached queries after a mutation.
func (e *Engine) invalidate(ctx context.Context, object string) {
	if e.loader == nil {
		return
	}
	if err := e.loader.Invalidate(ctx, cachePrefix(object)); err != nil {
		e.log.Warn("query cache invalidation failed",
			zap.String("object", object),
			zap.Error(err),
		)
	}
}

func cachePrefix(object string) string {
	return "tabula:q:" + object + ":"
}
