package httpapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabula-io/tabula"
	"github.com/tabula-io/tabula/driver/mem"
	"github.com/tabula-io/tabula/engine"
	"github.com/tabula-io/tabula/registry"
	"github.com/tabula-io/tabula/rpc"
	"github.com/tabula-io/tabula/schema"
	"github.com/tabula-io/tabula/transport/httpapi"
)

func newHandler(t *testing.T) *httpapi.Handler {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.RegisterObject("core", &schema.Object{
		Name: "orders",
		Fields: map[string]*schema.Field{
			"customer": {Type: schema.TypeText},
			"amount":   {Type: schema.TypeCurrency},
			"status":   {Type: schema.TypeText},
		},
	}))
	require.NoError(t, reg.RegisterRole("core", &schema.Role{
		Name:     "admin",
		Policies: []schema.Policy{{Objects: []string{"*"}, Actions: []string{"*"}}},
	}))
	e := engine.New(
		engine.WithRegistry(reg),
		engine.WithDriver("default", mem.New()),
	)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop(context.Background()) })

	return httpapi.New(rpc.NewDispatcher(e), httpapi.WithIdentity(func(*http.Request) *tabula.User {
		return &tabula.User{ID: "u1", Roles: []string{"admin"}}
	}))
}

func do(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(raw))
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func seed(t *testing.T, h http.Handler, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		rec := do(t, h, http.MethodPost, "/data/orders", map[string]any{
			"customer": "c", "amount": 100 + i, "status": "open",
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		ids = append(ids, decode(t, rec)["id"].(string))
	}
	return ids
}

func TestRESTLifecycle(t *testing.T) {
	t.Parallel()
	h := newHandler(t)

	created := do(t, h, http.MethodPost, "/data/orders", map[string]any{
		"customer": "Alice", "amount": 50,
	})
	require.Equal(t, http.StatusCreated, created.Code)
	body := decode(t, created)
	assert.Equal(t, "orders", body["@type"])
	id := body["id"].(string)

	got := do(t, h, http.MethodGet, "/data/orders/"+id, nil)
	require.Equal(t, http.StatusOK, got.Code)
	assert.Equal(t, "Alice", decode(t, got)["customer"])

	patched := do(t, h, http.MethodPatch, "/data/orders/"+id, map[string]any{"amount": 75})
	require.Equal(t, http.StatusOK, patched.Code)
	assert.EqualValues(t, 75, decode(t, patched)["amount"])

	deleted := do(t, h, http.MethodDelete, "/data/orders/"+id, nil)
	require.Equal(t, http.StatusOK, deleted.Code)
	assert.Equal(t, true, decode(t, deleted)["deleted"])

	missing := do(t, h, http.MethodGet, "/data/orders/"+id, nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
	assert.Contains(t, decode(t, missing), "error")
}

func TestListQueryParams(t *testing.T) {
	t.Parallel()
	h := newHandler(t)
	seed(t, h, 5)

	target := "/data/orders?" + url.Values{
		"filter": {`[["status","=","open"]]`},
		"fields": {"id,customer,amount"},
		"top":    {"2"},
		"offset": {"2"},
		"sort":   {"amount desc"},
	}.Encode()
	rec := do(t, h, http.MethodGet, target, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode(t, rec)
	items := body["items"].([]any)
	require.Len(t, items, 2)
	first := items[0].(map[string]any)
	assert.NotContains(t, first, "status", "projection applies")
	meta := body["meta"].(map[string]any)
	assert.EqualValues(t, 5, meta["total"])
	assert.EqualValues(t, 2, meta["page"])
	assert.EqualValues(t, 3, meta["pages"])
	assert.Equal(t, true, meta["has_next"])
}

func TestRPCEndpoint(t *testing.T) {
	t.Parallel()
	h := newHandler(t)
	seed(t, h, 5)

	rec := do(t, h, http.MethodPost, "/rpc", map[string]any{
		"op":     "find",
		"object": "orders",
		"args":   map[string]any{"skip": 2, "limit": 2},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	meta := decode(t, rec)["meta"].(map[string]any)
	assert.EqualValues(t, 5, meta["total"])
	assert.Equal(t, true, meta["has_next"])

	bad := do(t, h, http.MethodPost, "/rpc", map[string]any{
		"op": "merge", "object": "orders",
	})
	assert.Equal(t, http.StatusBadRequest, bad.Code)
	errBody := decode(t, bad)["error"].(map[string]any)
	assert.Equal(t, string(tabula.CodeInvalidRequest), errBody["code"])
}

func TestMalformedInputs(t *testing.T) {
	t.Parallel()
	h := newHandler(t)

	rec := do(t, h, http.MethodGet, "/data/orders?filter=not-json", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader("{"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()
	h := newHandler(t)

	req := httptest.NewRequest(http.MethodOptions, "/rpc", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
