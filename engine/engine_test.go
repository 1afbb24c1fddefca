package engine_test

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabula-io/tabula"
	"github.com/tabula-io/tabula/action"
	"github.com/tabula-io/tabula/cache"
	"github.com/tabula-io/tabula/driver/mem"
	"github.com/tabula-io/tabula/engine"
	"github.com/tabula-io/tabula/hook"
	"github.com/tabula-io/tabula/query"
	"github.com/tabula-io/tabula/registry"
	"github.com/tabula-io/tabula/schema"
	"github.com/tabula-io/tabula/tenancy"
)

func taskObject() *schema.Object {
	return &schema.Object{
		Name: "tasks",
		Fields: map[string]*schema.Field{
			"title": {Type: schema.TypeText, Required: true},
			"status": {Type: schema.TypeSelect, Options: []schema.Option{
				{Value: "draft"}, {Value: "submitted"}, {Value: "approved"}, {Value: "active"},
			}},
			"tenant_id": {Type: schema.TypeText},
			"secret":    {Type: schema.TypeText, Hidden: true},
			"owner":     {Type: schema.TypeLookup, ReferenceTo: "users"},
		},
		Rules: []*schema.Rule{{
			Name:  "status_flow",
			Type:  schema.RuleStateMachine,
			Field: "status",
			Transitions: map[string]schema.Transition{
				"draft":     {AllowedNext: []string{"submitted", "active"}},
				"submitted": {AllowedNext: []string{"approved", "draft"}},
				"approved":  {AllowedNext: []string{}},
				"active":    {AllowedNext: []string{"draft"}},
			},
		}},
	}
}

func newEngine(t *testing.T, opts ...engine.Option) *engine.Engine {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.RegisterObject("core", taskObject()))
	require.NoError(t, reg.RegisterObject("core", &schema.Object{
		Name: "users",
		Fields: map[string]*schema.Field{
			"name":      {Type: schema.TypeText},
			"tenant_id": {Type: schema.TypeText},
		},
	}))
	require.NoError(t, reg.RegisterObject("core", &schema.Object{
		Name: "orders",
		Fields: map[string]*schema.Field{
			"customer":  {Type: schema.TypeText},
			"amount":    {Type: schema.TypeCurrency},
			"tenant_id": {Type: schema.TypeText},
		},
	}))
	require.NoError(t, reg.RegisterObject("core", &schema.Object{
		Name: "settings",
		Fields: map[string]*schema.Field{
			"key":   {Type: schema.TypeText},
			"value": {Type: schema.TypeText},
		},
		InitialData: []map[string]any{
			{"key": "theme", "value": "dark"},
			{"key": "language", "value": "en"},
		},
	}))
	require.NoError(t, reg.RegisterRole("core", &schema.Role{
		Name:     "admin",
		Policies: []schema.Policy{{Objects: []string{"*"}, Actions: []string{"*"}}},
	}))
	require.NoError(t, reg.RegisterRole("core", &schema.Role{
		Name: "analyst",
		Policies: []schema.Policy{{
			Objects:       []string{"tasks"},
			Actions:       []string{"read"},
			AllowedFields: []string{"title", "status"},
		}},
	}))
	require.NoError(t, reg.RegisterRole("core", &schema.Role{
		Name: "editor",
		Policies: []schema.Policy{{
			Objects:        []string{"tasks"},
			Actions:        []string{"read", "update"},
			ReadonlyFields: []string{"status"},
		}},
	}))
	base := []engine.Option{
		engine.WithRegistry(reg),
		engine.WithDriver("default", mem.New()),
	}
	return engine.New(append(base, opts...)...)
}

func start(t *testing.T, e *engine.Engine) {
	t.Helper()
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop(context.Background()) })
}

func adminCtx(e *engine.Engine, tenant string) context.Context {
	return e.NewContext(context.Background(), engine.ContextOptions{
		User: &tabula.User{ID: "u-" + tenant, Roles: []string{"admin"}, TenantID: tenant},
	})
}

func TestStartLifecycle(t *testing.T) {
	t.Parallel()
	bare := engine.New()
	err := bare.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no drivers bound")

	e := newEngine(t)
	start(t, e)
	err = e.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	err = e.Use(tenancy.New(tenancy.Config{}))
	require.Error(t, err)
	assert.True(t, tabula.IsInvalidRequest(err))
}

func TestSeedInitialData(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	start(t, e)

	ctx := tabula.SystemContext(context.Background())
	records, err := e.Object("settings").Find(ctx, nil)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.NotEmpty(t, rec.ID())
		assert.NotEmpty(t, rec["created_at"], "seeding goes through the pipeline")
	}
}

func TestStateMachineThroughPipeline(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	start(t, e)
	ctx := adminCtx(e, "t1")
	tasks := e.Object("tasks")

	created, err := tasks.Create(ctx, tabula.Record{"title": "Report", "status": "draft"})
	require.NoError(t, err)

	_, err = tasks.Update(ctx, created.ID(), tabula.Record{"status": "approved"})
	require.Error(t, err)
	assert.True(t, tabula.IsValidation(err))

	updated, err := tasks.Update(ctx, created.ID(), tabula.Record{"status": "submitted"})
	require.NoError(t, err)
	assert.Equal(t, "submitted", updated["status"])
}

func TestTenantFilterInjection(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	require.NoError(t, e.Use(tenancy.New(tenancy.Config{})))

	var captured string
	require.NoError(t, e.Hooks().Register(hook.BeforeFind, "tasks", "test", func(_ context.Context, hctx *hook.Context) error {
		captured = hctx.Query.Filters.String()
		return nil
	}))
	start(t, e)

	t1, t2 := adminCtx(e, "t1"), adminCtx(e, "t2")
	tasks := e.Object("tasks")
	_, err := tasks.Create(t1, tabula.Record{"title": "Mine", "status": "active"})
	require.NoError(t, err)
	_, err = tasks.Create(t2, tabula.Record{"title": "Theirs", "status": "active"})
	require.NoError(t, err)

	records, err := tasks.Find(t1, &query.Query{Filters: query.FieldEQ("status", "active")})
	require.NoError(t, err)
	assert.Equal(t, `status == "active" && tenant_id == "t1"`, captured)
	require.Len(t, records, 1)
	assert.Equal(t, "Mine", records[0]["title"])
	assert.Equal(t, "t1", records[0]["tenant_id"], "owner stamped on create")

	// Without an explicit filter the guard still scopes the query.
	records, err = tasks.Find(t2, nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Theirs", records[0]["title"])
}

func TestCrossTenantUpdateForbidden(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	plugin := tenancy.New(tenancy.Config{EnableAudit: true})
	require.NoError(t, e.Use(plugin))
	start(t, e)

	t1, t2 := adminCtx(e, "t1"), adminCtx(e, "t2")
	tasks := e.Object("tasks")
	theirs, err := tasks.Create(t2, tabula.Record{"title": "Theirs", "status": "draft"})
	require.NoError(t, err)

	_, err = tasks.Update(t1, theirs.ID(), tabula.Record{"title": "Hijacked"})
	require.Error(t, err)
	assert.True(t, tabula.IsForbidden(err))
	var terr *tenancy.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, tenancy.ReasonCrossTenantUpdate, terr.Reason)

	// The record is untouched and the denial is on the audit trail.
	kept, err := tasks.FindOne(t2, theirs.ID())
	require.NoError(t, err)
	assert.Equal(t, "Theirs", kept["title"])

	var denied bool
	for _, entry := range plugin.GetAuditLogs(0) {
		if !entry.Allowed && entry.Object == "tasks" {
			denied = true
		}
	}
	assert.True(t, denied)
}

func TestAfterHookErrorRollsBack(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	require.NoError(t, e.Hooks().Register(hook.AfterCreate, "tasks", "test", func(context.Context, *hook.Context) error {
		return errors.New("notify failed")
	}))
	start(t, e)

	_, err := e.Object("tasks").Create(adminCtx(e, "t1"), tabula.Record{"title": "Doomed"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notify failed")

	n, err := e.Object("tasks").Count(tabula.SystemContext(context.Background()), nil)
	require.NoError(t, err)
	assert.Zero(t, n, "driver write rolled back with the failing after hook")
}

func TestFindOneAndUpdateAfterHookRollsBack(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	require.NoError(t, e.Hooks().Register(hook.AfterUpdate, "tasks", "test", func(context.Context, *hook.Context) error {
		return errors.New("notify failed")
	}))
	start(t, e)
	admin := adminCtx(e, "t1")

	created, err := e.Object("tasks").Create(admin, tabula.Record{"title": "Before", "status": "draft"})
	require.NoError(t, err)

	_, err = e.Object("tasks").FindOneAndUpdate(admin,
		query.FieldEQ("id", created.ID()), tabula.Record{"title": "After"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notify failed")

	rec, err := e.Object("tasks").FindOne(tabula.SystemContext(context.Background()), created.ID())
	require.NoError(t, err)
	assert.Equal(t, "Before", rec["title"], "driver write rolled back with the failing after hook")
}

func TestFieldMasking(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	start(t, e)
	admin := adminCtx(e, "t1")
	tasks := e.Object("tasks")

	created, err := tasks.Create(admin, tabula.Record{"title": "Visible", "status": "draft", "secret": "s3cret"})
	require.NoError(t, err)
	assert.NotContains(t, created, "secret", "hidden fields never leave the pipeline")

	analyst := e.NewContext(context.Background(), engine.ContextOptions{
		User: &tabula.User{ID: "u2", Roles: []string{"analyst"}},
	})
	records, err := tasks.Find(analyst, nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "Visible", rec["title"])
	assert.NotEmpty(t, rec.ID())
	assert.NotContains(t, rec, "created_at")
	assert.NotContains(t, rec, "tenant_id")

	// Readonly fields are silently dropped from an editor's patch.
	editor := e.NewContext(context.Background(), engine.ContextOptions{
		User: &tabula.User{ID: "u3", Roles: []string{"editor"}},
	})
	updated, err := tasks.Update(editor, created.ID(), tabula.Record{"title": "Renamed", "status": "approved"})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated["title"])
	assert.Equal(t, "draft", updated["status"])
}

func TestPermissionDenied(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	start(t, e)

	anon := e.NewContext(context.Background(), engine.ContextOptions{
		User: &tabula.User{ID: "nobody"},
	})
	_, err := e.Object("tasks").Find(anon, nil)
	require.Error(t, err)
	assert.True(t, tabula.IsForbidden(err))

	analyst := e.NewContext(context.Background(), engine.ContextOptions{
		User: &tabula.User{ID: "u2", Roles: []string{"analyst"}},
	})
	_, err = e.Object("tasks").Create(analyst, tabula.Record{"title": "Nope"})
	require.Error(t, err)
	assert.True(t, tabula.IsForbidden(err))

	_, err = e.Object("nonexistent").Find(adminCtx(e, "t1"), nil)
	require.Error(t, err)
	assert.True(t, tabula.IsNotFound(err))
}

func TestQueryCache(t *testing.T) {
	t.Parallel()
	store := mem.New()
	e := newEngine(t,
		engine.WithDriver("default", store),
		engine.WithQueryCache(cache.NewMemory(), time.Minute),
	)
	start(t, e)
	ctx := e.NewContext(context.Background(), engine.ContextOptions{
		User:       &tabula.User{ID: "u1", Roles: []string{"admin"}},
		AllowCache: true,
	})
	tasks := e.Object("tasks")

	_, err := tasks.Create(ctx, tabula.Record{"title": "One"})
	require.NoError(t, err)
	records, err := tasks.Find(ctx, nil)
	require.NoError(t, err)
	require.Len(t, records, 1)

	// A write behind the engine's back is invisible while the entry lives.
	_, err = store.Create(context.Background(), "tasks", tabula.Record{"title": "Sneaky"}, nil)
	require.NoError(t, err)
	records, err = tasks.Find(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, records, 1, "served from cache")

	// A pipeline mutation invalidates the object's entries.
	_, err = tasks.Create(ctx, tabula.Record{"title": "Two"})
	require.NoError(t, err)
	records, err = tasks.Find(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestIgnoreTriggersSkipsUserHooks(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	require.NoError(t, e.Hooks().Register(hook.BeforeCreate, "tasks", "test", func(context.Context, *hook.Context) error {
		return errors.New("user hook ran")
	}))
	start(t, e)

	user := &tabula.User{ID: "u1", Roles: []string{"admin"}, TenantID: "t1"}
	blocked := e.NewContext(context.Background(), engine.ContextOptions{User: user})
	_, err := e.Object("tasks").Create(blocked, tabula.Record{"title": "Blocked"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user hook ran")

	quiet := e.NewContext(context.Background(), engine.ContextOptions{User: user, IgnoreTriggers: true})
	created, err := e.Object("tasks").Create(quiet, tabula.Record{"title": "Quiet"})
	require.NoError(t, err)
	assert.Equal(t, "Quiet", created["title"])
}

func TestExpandRelationship(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	start(t, e)
	ctx := adminCtx(e, "t1")

	owner, err := e.Object("users").Create(ctx, tabula.Record{"name": "Alice"})
	require.NoError(t, err)
	_, err = e.Object("tasks").Create(ctx, tabula.Record{"title": "Owned", "owner": owner.ID()})
	require.NoError(t, err)

	records, err := e.Object("tasks").Find(ctx, &query.Query{
		Expand: map[string]*query.Query{"owner": {}},
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	expanded, ok := records[0]["owner"].(tabula.Record)
	require.True(t, ok, "owner replaced by the referenced record")
	assert.Equal(t, "Alice", expanded["name"])

	_, err = e.Object("tasks").Find(ctx, &query.Query{
		Expand: map[string]*query.Query{"title": {}},
	})
	require.Error(t, err)
	assert.True(t, tabula.IsInvalidRequest(err))
}

func TestAggregateGroups(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	start(t, e)
	ctx := adminCtx(e, "t1")
	orders := e.Object("orders")

	seed := []tabula.Record{
		{"customer": "Alice", "amount": 1000.0},
		{"customer": "Alice", "amount": 275.0},
		{"customer": "Bob", "amount": 1200.5},
		{"customer": "Bob", "amount": 25.0},
		{"customer": "Charlie", "amount": 350.0},
	}
	_, err := orders.CreateMany(ctx, seed)
	require.NoError(t, err)

	rows, err := orders.Aggregate(ctx, &query.Query{
		GroupBy: []string{"customer"},
		Aggregations: []query.Aggregation{
			{Func: query.AggSum, Field: "amount", Alias: "total"},
			{Func: query.AggCount},
		},
	})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	sort.Slice(rows, func(i, j int) bool {
		return rows[i]["customer"].(string) < rows[j]["customer"].(string)
	})
	assert.EqualValues(t, 1275.0, rows[0]["total"])
	assert.EqualValues(t, 2, rows[0]["count"])
	assert.EqualValues(t, 1225.5, rows[1]["total"])
	assert.EqualValues(t, 2, rows[1]["count"])
	assert.EqualValues(t, 350.0, rows[2]["total"])
	assert.EqualValues(t, 1, rows[2]["count"])

	// Find hands grouped queries to the same path, so in-process and
	// hook-store callers never get ungrouped rows back.
	found, err := orders.Find(ctx, &query.Query{
		GroupBy:      []string{"customer"},
		Aggregations: []query.Aggregation{{Func: query.AggCount}},
	})
	require.NoError(t, err)
	require.Len(t, found, 3)
	for _, row := range found {
		assert.Contains(t, row, "count")
	}
}

func TestUniqueRuleProbesStore(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	require.NoError(t, reg.RegisterObject("crm", &schema.Object{
		Name: "contacts",
		Fields: map[string]*schema.Field{
			"email": {Type: schema.TypeEmail},
		},
		Rules: []*schema.Rule{{
			Name:  "unique_email",
			Type:  schema.RuleUnique,
			Field: "email",
		}},
	}))
	require.NoError(t, reg.RegisterRole("crm", &schema.Role{
		Name:     "admin",
		Policies: []schema.Policy{{Objects: []string{"*"}, Actions: []string{"*"}}},
	}))
	e := engine.New(
		engine.WithRegistry(reg),
		engine.WithDriver("default", mem.New()),
	)
	start(t, e)
	ctx := e.NewContext(context.Background(), engine.ContextOptions{
		User: &tabula.User{ID: "u1", Roles: []string{"admin"}},
	})
	contacts := e.Object("contacts")

	_, err := contacts.Create(ctx, tabula.Record{"email": "a@b.co"})
	require.NoError(t, err)
	_, err = contacts.Create(ctx, tabula.Record{"email": "a@b.co"})
	require.Error(t, err)
	assert.True(t, tabula.IsValidation(err))
	_, err = contacts.Create(ctx, tabula.Record{"email": "c@d.co"})
	require.NoError(t, err)
}

func TestExecuteAction(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	require.NoError(t, e.Actions().Register("tasks", "archive", "test",
		func(ctx context.Context, actx *action.Context) (any, error) {
			updated, err := actx.Store.Update(ctx, "tasks", actx.ID, tabula.Record{"status": "draft"})
			if err != nil {
				return nil, err
			}
			return map[string]any{"archived": updated.ID()}, nil
		}))
	start(t, e)
	ctx := adminCtx(e, "t1")

	created, err := e.Object("tasks").Create(ctx, tabula.Record{"title": "Archive me", "status": "active"})
	require.NoError(t, err)

	out, err := e.ExecuteAction(ctx, "tasks", "archive", &engine.ActionRequest{ID: created.ID()})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"archived": created.ID()}, out)

	_, err = e.ExecuteAction(ctx, "tasks", "vanish", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, action.ErrActionNotFound)

	_, err = e.ExecuteAction(ctx, "ghosts", "archive", nil)
	require.Error(t, err)
	assert.True(t, tabula.IsNotFound(err))
}

func TestCapabilities(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	start(t, e)

	caps := e.Capabilities()
	assert.Equal(t, "stubbed", caps.BusinessRuleEvaluation)
	assert.Equal(t, "rejected", caps.MixedConnectorFilters)
	ds, ok := caps.Datasources["default"]
	require.True(t, ok)
	assert.True(t, ds.Transactions)
	require.NoError(t, e.CheckHealth(context.Background()))
}
