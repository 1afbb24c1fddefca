package tenancy_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabula-io/tabula"
	"github.com/tabula-io/tabula/action"
	"github.com/tabula-io/tabula/hook"
	"github.com/tabula-io/tabula/query"
	"github.com/tabula-io/tabula/registry"
	"github.com/tabula-io/tabula/tenancy"
)

func install(t *testing.T, p *tenancy.Plugin) *hook.Manager {
	t.Helper()
	hooks := hook.NewManager()
	require.NoError(t, p.Install(registry.New(), hooks, action.NewDispatcher()))
	return hooks
}

func TestFilterInjection(t *testing.T) {
	t.Parallel()
	p := tenancy.New(tenancy.Config{Strict: true})
	hooks := install(t, p)

	q := &query.Query{Filters: query.FieldEQ("status", "active")}
	hctx := hook.NewRetrievalContext("accounts", "find", q)
	hctx.User = &tabula.User{ID: "u1", TenantID: "t1"}

	require.NoError(t, hooks.Trigger(context.Background(), hook.BeforeFind, "accounts", hctx, hook.ScopeSystem))
	assert.Equal(t, `status == "active" && tenant_id == "t1"`, q.Filters.String())
}

func TestFilterInjectionOnEmptyQuery(t *testing.T) {
	t.Parallel()
	p := tenancy.New(tenancy.Config{Strict: true})
	hooks := install(t, p)

	hctx := hook.NewRetrievalContext("accounts", "count", &query.Query{})
	hctx.TenantID = "t1"
	require.NoError(t, hooks.Trigger(context.Background(), hook.BeforeCount, "accounts", hctx, hook.ScopeSystem))
	assert.Equal(t, `tenant_id == "t1"`, hctx.Query.Filters.String())
}

func TestStrictModeRejectsForeignTenantPredicate(t *testing.T) {
	t.Parallel()
	p := tenancy.New(tenancy.Config{Strict: true})
	hooks := install(t, p)

	q := &query.Query{Filters: query.FieldEQ("tenant_id", "t2")}
	hctx := hook.NewRetrievalContext("accounts", "find", q)
	hctx.TenantID = "t1"

	err := hooks.Trigger(context.Background(), hook.BeforeFind, "accounts", hctx, hook.ScopeSystem)
	require.Error(t, err)
	var terr *tenancy.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, tenancy.ReasonCrossTenantQuery, terr.Reason)
	assert.ErrorIs(t, err, tabula.ErrForbidden)
}

func TestNonStrictOverwritesForeignPredicate(t *testing.T) {
	t.Parallel()
	p := tenancy.New(tenancy.Config{Strict: false})
	hooks := install(t, p)

	q := &query.Query{Filters: query.FieldEQ("tenant_id", "t2")}
	hctx := hook.NewRetrievalContext("accounts", "find", q)
	hctx.TenantID = "t1"

	require.NoError(t, hooks.Trigger(context.Background(), hook.BeforeFind, "accounts", hctx, hook.ScopeSystem))
	assert.Equal(t, `tenant_id == "t1"`, q.Filters.String())
}

func TestMatchingPredicatePassesStrictMode(t *testing.T) {
	t.Parallel()
	p := tenancy.New(tenancy.Config{Strict: true})
	hooks := install(t, p)

	q := &query.Query{Filters: query.FieldEQ("tenant_id", "t1")}
	hctx := hook.NewRetrievalContext("accounts", "find", q)
	hctx.TenantID = "t1"
	require.NoError(t, hooks.Trigger(context.Background(), hook.BeforeFind, "accounts", hctx, hook.ScopeSystem))
	assert.Equal(t, `tenant_id == "t1"`, q.Filters.String())
}

func TestCreateStampsTenant(t *testing.T) {
	t.Parallel()
	p := tenancy.New(tenancy.Config{Strict: true})
	hooks := install(t, p)

	hctx := hook.NewMutationContext("accounts", "create", tabula.Record{"name": "acme"})
	hctx.TenantID = "t1"
	require.NoError(t, hooks.Trigger(context.Background(), hook.BeforeCreate, "accounts", hctx, hook.ScopeSystem))
	assert.Equal(t, "t1", hctx.Data["tenant_id"])
}

func TestCreateRejectsForeignTenant(t *testing.T) {
	t.Parallel()
	p := tenancy.New(tenancy.Config{Strict: true})
	hooks := install(t, p)

	hctx := hook.NewMutationContext("accounts", "create", tabula.Record{"tenant_id": "t2"})
	hctx.TenantID = "t1"
	err := hooks.Trigger(context.Background(), hook.BeforeCreate, "accounts", hctx, hook.ScopeSystem)
	var terr *tenancy.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, tenancy.ReasonCrossTenantCreate, terr.Reason)
}

func TestCrossTenantUpdateDenied(t *testing.T) {
	t.Parallel()
	p := tenancy.New(tenancy.Config{Strict: true})
	hooks := install(t, p)

	hctx := hook.NewUpdateContext("accounts", "update", "r1",
		tabula.Record{"name": "x"},
		tabula.Record{"id": "r1", "tenant_id": "t2"})
	hctx.TenantID = "t1"

	err := hooks.Trigger(context.Background(), hook.BeforeUpdate, "accounts", hctx, hook.ScopeSystem)
	var terr *tenancy.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, tenancy.ReasonCrossTenantUpdate, terr.Reason)
	assert.ErrorIs(t, err, tabula.ErrForbidden)
}

func TestTenantReassignmentDenied(t *testing.T) {
	t.Parallel()
	p := tenancy.New(tenancy.Config{Strict: true})
	hooks := install(t, p)

	hctx := hook.NewUpdateContext("accounts", "update", "r1",
		tabula.Record{"tenant_id": "t2"},
		tabula.Record{"id": "r1", "tenant_id": "t1"})
	hctx.TenantID = "t1"

	err := hooks.Trigger(context.Background(), hook.BeforeUpdate, "accounts", hctx, hook.ScopeSystem)
	var terr *tenancy.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, tenancy.ReasonTenantReassignment, terr.Reason)
}

func TestCrossTenantDeleteDenied(t *testing.T) {
	t.Parallel()
	p := tenancy.New(tenancy.Config{Strict: true})
	hooks := install(t, p)

	hctx := hook.NewUpdateContext("accounts", "delete", "r1", nil,
		tabula.Record{"id": "r1", "tenant_id": "t2"})
	hctx.TenantID = "t1"

	err := hooks.Trigger(context.Background(), hook.BeforeDelete, "accounts", hctx, hook.ScopeSystem)
	var terr *tenancy.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, tenancy.ReasonCrossTenantDelete, terr.Reason)
}

func TestMissingTenant(t *testing.T) {
	t.Parallel()

	// Lenient: hooks pass through untouched.
	p := tenancy.New(tenancy.Config{Strict: true})
	hooks := install(t, p)
	q := &query.Query{}
	hctx := hook.NewRetrievalContext("accounts", "find", q)
	require.NoError(t, hooks.Trigger(context.Background(), hook.BeforeFind, "accounts", hctx, hook.ScopeSystem))
	assert.Nil(t, q.Filters)

	// ThrowOnMissingTenant: NO_TENANT_CONTEXT.
	p = tenancy.New(tenancy.Config{Strict: true, ThrowOnMissingTenant: true})
	hooks = install(t, p)
	hctx = hook.NewRetrievalContext("accounts", "find", &query.Query{})
	err := hooks.Trigger(context.Background(), hook.BeforeFind, "accounts", hctx, hook.ScopeSystem)
	var terr *tenancy.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, tenancy.ReasonNoTenantContext, terr.Reason)
}

func TestExemptObjects(t *testing.T) {
	t.Parallel()
	p := tenancy.New(tenancy.Config{
		Strict:               true,
		ThrowOnMissingTenant: true,
		ExemptObjects:        []string{"system_settings"},
	})
	hooks := install(t, p)

	assert.True(t, p.Exempt("system_settings"))
	q := &query.Query{}
	hctx := hook.NewRetrievalContext("system_settings", "find", q)
	require.NoError(t, hooks.Trigger(context.Background(), hook.BeforeFind, "system_settings", hctx, hook.ScopeSystem))
	assert.Nil(t, q.Filters)
}

func TestResolverPriority(t *testing.T) {
	t.Parallel()
	p := tenancy.New(tenancy.Config{})
	hooks := install(t, p)

	// Explicit context tenant beats the user's.
	hctx := hook.NewRetrievalContext("accounts", "find", &query.Query{})
	hctx.TenantID = "ctx-tenant"
	hctx.User = &tabula.User{ID: "u1", TenantID: "user-tenant"}
	require.NoError(t, hooks.Trigger(context.Background(), hook.BeforeFind, "accounts", hctx, hook.ScopeSystem))
	assert.Equal(t, `tenant_id == "ctx-tenant"`, hctx.Query.Filters.String())

	// User extra map is the last fallback.
	hctx = hook.NewRetrievalContext("accounts", "find", &query.Query{})
	hctx.User = &tabula.User{ID: "u1", Extra: map[string]any{"tenant_id": "extra-tenant"}}
	require.NoError(t, hooks.Trigger(context.Background(), hook.BeforeFind, "accounts", hctx, hook.ScopeSystem))
	assert.Equal(t, `tenant_id == "extra-tenant"`, hctx.Query.Filters.String())
}

func TestCustomResolver(t *testing.T) {
	t.Parallel()
	p := tenancy.New(tenancy.Config{}, tenancy.WithResolver(
		func(context.Context, *hook.Context) (string, error) {
			return "resolved", nil
		},
	))
	hooks := install(t, p)

	hctx := hook.NewRetrievalContext("accounts", "find", &query.Query{})
	hctx.TenantID = "ignored"
	require.NoError(t, hooks.Trigger(context.Background(), hook.BeforeFind, "accounts", hctx, hook.ScopeSystem))
	assert.Equal(t, `tenant_id == "resolved"`, hctx.Query.Filters.String())
}

func TestAuditRing(t *testing.T) {
	t.Parallel()
	p := tenancy.New(tenancy.Config{Strict: true, EnableAudit: true}, tenancy.WithAuditCapacity(3))
	hooks := install(t, p)

	for i := 0; i < 5; i++ {
		hctx := hook.NewMutationContext("accounts", "create", tabula.Record{"n": i})
		hctx.TenantID = fmt.Sprintf("t%d", i)
		hctx.User = &tabula.User{ID: "u1"}
		require.NoError(t, hooks.Trigger(context.Background(), hook.BeforeCreate, "accounts", hctx, hook.ScopeSystem))
	}

	logs := p.GetAuditLogs(0)
	require.Len(t, logs, 3, "ring keeps the newest entries up to capacity")
	assert.Equal(t, "t4", logs[0].TenantID)
	assert.Equal(t, "t2", logs[2].TenantID)
	assert.True(t, logs[0].Allowed)
	assert.Equal(t, "u1", logs[0].UserID)

	assert.Len(t, p.GetAuditLogs(2), 2)

	// Denials are recorded too.
	hctx := hook.NewMutationContext("accounts", "create", tabula.Record{"tenant_id": "other"})
	hctx.TenantID = "t9"
	require.Error(t, hooks.Trigger(context.Background(), hook.BeforeCreate, "accounts", hctx, hook.ScopeSystem))
	logs = p.GetAuditLogs(1)
	require.Len(t, logs, 1)
	assert.False(t, logs[0].Allowed)
	assert.Equal(t, tenancy.ReasonCrossTenantCreate, logs[0].Reason)

	p.ClearAuditLogs()
	assert.Empty(t, p.GetAuditLogs(0))
}
