package query_test

import (
	"encoding/json"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabula-io/tabula/query"
)

func TestFilterString(t *testing.T) {
	tests := []struct {
		F query.Filter
		S string
	}{
		{
			F: query.And(
				query.FieldEQ("name", "a8m"),
				query.FieldIn("org", "fb", "ent"),
			),
			S: `name == "a8m" && org in ["fb","ent"]`,
		},
		{
			F: query.Or(
				query.FieldNEQ("name", "mashraki"),
				query.FieldIn("org", "fb", "ent"),
			),
			S: `name != "mashraki" || org in ["fb","ent"]`,
		},
		{
			F: query.And(
				query.FieldGT("age", 30),
				query.FieldContains("workplace", "fb"),
			),
			S: `age > 30 && contains(workplace, "fb")`,
		},
		{
			F: query.And(
				query.FieldNull("active"),
				query.FieldNotNull("name"),
			),
			S: `active == nil && name != nil`,
		},
		{
			F: query.Or(
				query.FieldNotIn("id", 1, 2, 3),
				query.FieldHasSuffix("name", "admin"),
			),
			S: `id not in [1,2,3] || has_suffix(name, "admin")`,
		},
		{
			F: query.And(
				query.FieldEQ("a", 1),
				query.FieldEQ("b", 2),
				query.FieldEQ("c", 3),
			),
			S: `(a == 1 && b == 2 && c == 3)`,
		},
		{
			F: query.FieldNotEmpty("tags"),
			S: `not_empty(tags)`,
		},
		{
			F: query.FieldNotContains("email", "spam"),
			S: `!contains(email, "spam")`,
		},
		{
			F: query.FieldHasPrefix("path", "/api/"),
			S: `has_prefix(path, "/api/")`,
		},
	}
	for i := range tests {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			assert.Equal(t, tests[i].S, tests[i].F.String())
		})
	}
}

func TestFilterConstructors(t *testing.T) {
	t.Run("AndDropsNil", func(t *testing.T) {
		f := query.And(nil, query.FieldEQ("a", 1), nil)
		assert.Equal(t, query.FieldEQ("a", 1), f)
	})
	t.Run("AndOfNothing", func(t *testing.T) {
		assert.Nil(t, query.And())
		assert.Nil(t, query.Or(nil, nil))
	})
	t.Run("NestedKept", func(t *testing.T) {
		f := query.And(
			query.FieldEQ("a", 1),
			query.Or(query.FieldEQ("b", 2), query.FieldEQ("c", 3)),
		)
		g, ok := f.(*query.Group)
		require.True(t, ok)
		assert.Equal(t, query.ConnectorAnd, g.Connector)
		assert.Len(t, g.Children, 2)
	})
}

func TestFilterJSONRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		F    query.Filter
	}{
		{
			name: "Criterion",
			F:    query.FieldEQ("status", "active"),
		},
		{
			name: "UnaryCriterion",
			F:    query.FieldNull("deleted_at"),
		},
		{
			name: "Group",
			F: query.Or(
				query.FieldGT("amount", float64(100)),
				query.FieldIn("status", "open", "pending"),
			),
		},
		{
			name: "NestedGroups",
			F: query.And(
				query.FieldEQ("tenant_id", "t1"),
				query.Or(
					query.FieldHasPrefix("name", "A"),
					query.FieldHasPrefix("name", "B"),
				),
			),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := json.Marshal(tt.F)
			require.NoError(t, err)
			var decoded any
			require.NoError(t, json.Unmarshal(b, &decoded))
			got, err := query.ParseFilter(decoded)
			require.NoError(t, err)
			assert.Equal(t, tt.F.String(), got.String())
		})
	}
}

func TestFilterFields(t *testing.T) {
	f := query.And(
		query.FieldEQ("status", "active"),
		query.Or(
			query.FieldGT("amount", 10),
			query.FieldEQ("status", "pending"),
		),
	)
	assert.Equal(t, []string{"status", "amount"}, query.Fields(f))
	assert.Empty(t, query.Fields(nil))
}

func TestOperatorAliases(t *testing.T) {
	tests := []struct {
		in  string
		out query.Operator
	}{
		{"=", query.OpEQ},
		{"$eq", query.OpEQ},
		{"!=", query.OpNEQ},
		{"$ne", query.OpNEQ},
		{"$gte", query.OpGTE},
		{"nin", query.OpNotIn},
		{"$nin", query.OpNotIn},
		{"NOT_IN", query.OpNotIn},
		{" contains ", query.OpContains},
		{"is_null", query.OpIsNull},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			op, ok := query.ParseOperator(tt.in)
			require.True(t, ok)
			assert.Equal(t, tt.out, op)
		})
	}
	_, ok := query.ParseOperator("between")
	assert.False(t, ok)
}
