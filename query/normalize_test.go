package query_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabula-io/tabula"
	"github.com/tabula-io/tabula/query"
)

func intp(n int) *int { return &n }

func TestNormalizeDialectEquivalence(t *testing.T) {
	// The same request spelled in both wire dialects must normalise to the
	// identical internal form.
	legacy := map[string]any{
		"fields": []any{"id", "name", "amount"},
		"filters": []any{
			[]any{"amount", ">", float64(100)},
			"and",
			[]any{"status", "=", "active"},
		},
		"sort":  []any{[]any{"created_at", "desc"}, []any{"name"}},
		"skip":  float64(20),
		"limit": float64(10),
		"aggregate": []any{
			map[string]any{"op": "sum", "field": "amount", "alias": "total"},
		},
	}
	canonical := map[string]any{
		"fields": "id, name, amount",
		"where": map[string]any{
			"amount": map[string]any{"$gt": float64(100)},
			"status": "active",
		},
		"orderBy": []any{
			map[string]any{"field": "created_at", "order": "desc"},
			map[string]any{"field": "name"},
		},
		"offset": 20,
		"top":    10,
		"aggregations": []any{
			map[string]any{"function": "sum", "field": "amount", "as": "total"},
		},
	}

	a, err := query.Normalize(legacy)
	require.NoError(t, err)
	b, err := query.Normalize(canonical)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	assert.Equal(t, []string{"id", "name", "amount"}, a.Fields)
	assert.Equal(t, 20, a.Skip)
	assert.Equal(t, intp(10), a.Limit)
	assert.Equal(t, []query.Sort{
		{Field: "created_at", Direction: query.Desc},
		{Field: "name", Direction: query.Asc},
	}, a.Sort)
	assert.Equal(t, []query.Aggregation{
		{Func: query.AggSum, Field: "amount", Alias: "total"},
	}, a.Aggregations)
	assert.Equal(t, `amount > 100 && status == "active"`, a.Filters.String())
}

func TestNormalizeEmpty(t *testing.T) {
	for _, raw := range []map[string]any{nil, {}} {
		q, err := query.Normalize(raw)
		require.NoError(t, err)
		assert.Nil(t, q.Filters)
		assert.Nil(t, q.Limit)
		assert.Zero(t, q.Skip)
	}
}

func TestNormalizeZeroLimit(t *testing.T) {
	// limit 0 is an explicit request for no records, distinct from the
	// absent limit.
	q, err := query.Normalize(map[string]any{"limit": 0})
	require.NoError(t, err)
	n, ok := q.Limited()
	assert.True(t, ok)
	assert.Zero(t, n)

	q, err = query.Normalize(map[string]any{})
	require.NoError(t, err)
	_, ok = q.Limited()
	assert.False(t, ok)
}

func TestNormalizeIDAlias(t *testing.T) {
	q, err := query.Normalize(map[string]any{
		"fields":  []any{"_id", "name"},
		"filters": []any{"_id", "=", "rec-1"},
		"sort":    "_id desc",
		"groupBy": []any{"_id"},
		"aggregate": []any{
			map[string]any{"op": "count", "field": "_id"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name"}, q.Fields)
	assert.Equal(t, query.FieldEQ("id", "rec-1"), q.Filters)
	assert.Equal(t, []query.Sort{{Field: "id", Direction: query.Desc}}, q.Sort)
	assert.Equal(t, []string{"id"}, q.GroupBy)
	assert.Equal(t, "id", q.Aggregations[0].Field)
}

func TestNormalizeRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]any
		msg  string
	}{
		{
			name: "UnknownKey",
			raw:  map[string]any{"filtres": []any{}},
			msg:  "unknown key",
		},
		{
			name: "MixedDialects",
			raw:  map[string]any{"skip": 1, "offset": 2},
			msg:  "must not be combined",
		},
		{
			name: "MixedConnectors",
			raw: map[string]any{"filters": []any{
				[]any{"a", "=", 1}, "and", []any{"b", "=", 2}, "or", []any{"c", "=", 3},
			}},
			msg: "mixes and/or",
		},
		{
			name: "LeadingConnector",
			raw:  map[string]any{"filters": []any{"and", []any{"a", "=", 1}}},
			msg:  "unexpected",
		},
		{
			name: "TrailingConnector",
			raw:  map[string]any{"filters": []any{[]any{"a", "=", 1}, "or"}},
			msg:  "ends with a connector",
		},
		{
			name: "MissingConnector",
			raw:  map[string]any{"filters": []any{[]any{"a", "=", 1}, []any{"b", "=", 2}, "and", []any{"c", "=", 3}}},
			msg:  "missing an and/or",
		},
		{
			name: "UnknownOperator",
			raw:  map[string]any{"filters": []any{"a", "between", []any{1, 2}}},
			msg:  "not a connector",
		},
		{
			name: "UnknownObjectOperator",
			raw:  map[string]any{"where": map[string]any{"a": map[string]any{"$regex": "x"}}},
			msg:  `unknown operator "$regex"`,
		},
		{
			name: "UnknownDirective",
			raw:  map[string]any{"where": map[string]any{"$not": []any{}}},
			msg:  "unknown filter directive",
		},
		{
			name: "InRequiresList",
			raw:  map[string]any{"filters": []any{"tags", "in", "a"}},
			msg:  "requires a list",
		},
		{
			name: "NegativeSkip",
			raw:  map[string]any{"skip": -1},
			msg:  "skip must not be negative",
		},
		{
			name: "NegativeLimit",
			raw:  map[string]any{"top": -5},
			msg:  "limit must not be negative",
		},
		{
			name: "FractionalLimit",
			raw:  map[string]any{"limit": 2.5},
			msg:  "must be an integer",
		},
		{
			name: "BadSortDirection",
			raw:  map[string]any{"sort": "name sideways"},
			msg:  "not asc or desc",
		},
		{
			name: "GroupByWithoutAggregation",
			raw:  map[string]any{"groupBy": []any{"status"}},
			msg:  "requires at least one aggregation",
		},
		{
			name: "SumWithoutField",
			raw:  map[string]any{"aggregate": []any{map[string]any{"op": "sum"}}},
			msg:  "requires a field",
		},
		{
			name: "UnknownAggregationFunc",
			raw:  map[string]any{"aggregate": []any{map[string]any{"op": "median", "field": "x"}}},
			msg:  "unknown aggregation function",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := query.Normalize(tt.raw)
			require.Error(t, err)
			assert.True(t, tabula.IsInvalidRequest(err), "want INVALID_REQUEST, got %v", err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestParseFilterObjectForms(t *testing.T) {
	t.Run("ImplicitEquality", func(t *testing.T) {
		f, err := query.ParseFilter(map[string]any{"status": "active"})
		require.NoError(t, err)
		assert.Equal(t, query.FieldEQ("status", "active"), f)
	})
	t.Run("MultipleFieldsAreAnded", func(t *testing.T) {
		f, err := query.ParseFilter(map[string]any{
			"status": "active",
			"amount": map[string]any{"$gte": 10, "$lt": 100},
		})
		require.NoError(t, err)
		assert.Equal(t, `(amount >= 10 && amount < 100) && status == "active"`, f.String())
	})
	t.Run("OrGroup", func(t *testing.T) {
		f, err := query.ParseFilter(map[string]any{
			"$or": []any{
				map[string]any{"status": "open"},
				map[string]any{"status": "pending"},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, `status == "open" || status == "pending"`, f.String())
	})
	t.Run("NestedAndOr", func(t *testing.T) {
		f, err := query.ParseFilter(map[string]any{
			"tenant_id": "t1",
			"$or": []any{
				map[string]any{"kind": "a"},
				map[string]any{"kind": "b"},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, `(kind == "a" || kind == "b") && tenant_id == "t1"`, f.String())
	})
	t.Run("FilterJSONString", func(t *testing.T) {
		f, err := query.ParseFilter(`[["status", "=", "active"]]`)
		require.NoError(t, err)
		assert.Equal(t, query.FieldEQ("status", "active"), f)
	})
}

func TestParseFilterUnary(t *testing.T) {
	for _, tokens := range [][]any{
		{"deleted_at", "is_null"},
		{"deleted_at", "is_null", nil},
	} {
		f, err := query.ParseFilter(tokens)
		require.NoError(t, err)
		assert.Equal(t, query.FieldNull("deleted_at"), f)
	}
}

func TestNormalizeExpand(t *testing.T) {
	t.Run("Nested", func(t *testing.T) {
		q, err := query.Normalize(map[string]any{
			"expand": map[string]any{
				"contacts": map[string]any{
					"fields": []any{"id", "email"},
					"limit":  5,
					"expand": map[string]any{"owner": nil},
				},
			},
		})
		require.NoError(t, err)
		require.Contains(t, q.Expand, "contacts")
		sub := q.Expand["contacts"]
		assert.Equal(t, []string{"id", "email"}, sub.Fields)
		assert.Equal(t, intp(5), sub.Limit)
		require.Contains(t, sub.Expand, "owner")
		assert.Empty(t, sub.Expand["owner"].Fields)
	})
	t.Run("NameList", func(t *testing.T) {
		q, err := query.Normalize(map[string]any{"expand": "contacts, owner"})
		require.NoError(t, err)
		assert.Len(t, q.Expand, 2)
		assert.Contains(t, q.Expand, "contacts")
		assert.Contains(t, q.Expand, "owner")
	})
}

func TestNormalizeSortForms(t *testing.T) {
	want := []query.Sort{
		{Field: "created_at", Direction: query.Desc},
		{Field: "name", Direction: query.Asc},
	}
	forms := []any{
		"created_at desc, name",
		[]any{"created_at desc", "name asc"},
		[]any{[]any{"created_at", "desc"}, []any{"name"}},
		[]any{
			map[string]any{"field": "created_at", "order": "desc"},
			map[string]any{"field": "name", "direction": "asc"},
		},
	}
	for i, form := range forms {
		q, err := query.Normalize(map[string]any{"sort": form})
		require.NoError(t, err, "form %d", i)
		assert.Equal(t, want, q.Sort, "form %d", i)
	}
}

func TestQueryClone(t *testing.T) {
	q, err := query.Normalize(map[string]any{
		"fields":  []any{"id"},
		"filters": []any{[]any{"status", "=", "active"}},
		"limit":   10,
		"expand":  map[string]any{"owner": nil},
	})
	require.NoError(t, err)

	clone := q.Clone()
	require.Equal(t, q, clone)

	clone.And(query.FieldEQ("tenant_id", "t1"))
	*clone.Limit = 99
	clone.Fields = append(clone.Fields, "name")
	clone.Expand["owner"].Skip = 3

	assert.Equal(t, query.FieldEQ("status", "active"), q.Filters)
	assert.Equal(t, intp(10), q.Limit)
	assert.Equal(t, []string{"id"}, q.Fields)
	assert.Zero(t, q.Expand["owner"].Skip)
}

func TestAggregationName(t *testing.T) {
	tests := []struct {
		agg  query.Aggregation
		want string
	}{
		{query.Aggregation{Func: query.AggSum, Field: "amount", Alias: "total"}, "total"},
		{query.Aggregation{Func: query.AggSum, Field: "amount"}, "sum_amount"},
		{query.Aggregation{Func: query.AggCount}, "count"},
		{query.Aggregation{Func: query.AggCount, Field: "*"}, "count"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.agg.Name())
	}
}
