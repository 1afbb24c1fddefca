package query_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabula-io/tabula/query"
)

func TestCompare(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	tests := []struct {
		name    string
		op      query.Operator
		field   any
		cond    any
		want    bool
		wantErr bool
	}{
		{name: "EqLooseNumeric", op: query.OpEQ, field: 5, cond: float64(5), want: true},
		{name: "EqStrings", op: query.OpEQ, field: "a", cond: "a", want: true},
		{name: "EqNullNull", op: query.OpEQ, field: nil, cond: nil, want: true},
		{name: "EqNullValue", op: query.OpEQ, field: nil, cond: "x", want: false},
		{name: "EqBool", op: query.OpEQ, field: true, cond: true, want: true},
		{name: "EqCrossType", op: query.OpEQ, field: "5", cond: 5, want: false},

		{name: "NeqComplement", op: query.OpNEQ, field: nil, cond: "x", want: true},
		{name: "NeqEqual", op: query.OpNEQ, field: 3, cond: 3.0, want: false},

		{name: "GtNumbers", op: query.OpGT, field: 10, cond: float64(5), want: true},
		{name: "GtNullIncomparable", op: query.OpGT, field: nil, cond: 5, want: false},
		{name: "GteEqual", op: query.OpGTE, field: 5, cond: 5, want: true},
		{name: "LtStrings", op: query.OpLT, field: "apple", cond: "banana", want: true},
		{name: "LteMixedTypes", op: query.OpLTE, field: "5", cond: 5, want: false},
		{name: "GtTime", op: query.OpGT, field: now.Add(time.Hour), cond: now, want: true},
		{name: "LtTimeAgainstISOString", op: query.OpLT, field: now, cond: "2026-03-14T10:00:00.000Z", want: true},

		{name: "InFound", op: query.OpIn, field: "b", cond: []any{"a", "b"}, want: true},
		{name: "InMissing", op: query.OpIn, field: "z", cond: []any{"a", "b"}, want: false},
		{name: "InLooseNumeric", op: query.OpIn, field: 2, cond: []any{float64(1), float64(2)}, want: true},
		{name: "InNotAList", op: query.OpIn, field: "a", cond: "a", wantErr: true},
		{name: "NotInMissing", op: query.OpNotIn, field: "z", cond: []any{"a"}, want: true},
		{name: "NotInNullField", op: query.OpNotIn, field: nil, cond: []any{"a"}, want: true},
		{name: "NotInNullListed", op: query.OpNotIn, field: nil, cond: []any{nil}, want: false},

		{name: "ContainsFold", op: query.OpContains, field: "Hello World", cond: "WORLD", want: true},
		{name: "ContainsNullField", op: query.OpContains, field: nil, cond: "x", want: false},
		{name: "ContainsNullCond", op: query.OpContains, field: "x", cond: nil, want: false},
		{name: "ContainsNumber", op: query.OpContains, field: float64(12345), cond: "234", want: true},
		{name: "NotContains", op: query.OpNotContains, field: "hello", cond: "bye", want: true},
		{name: "NotContainsNull", op: query.OpNotContains, field: nil, cond: "x", want: false},
		{name: "PrefixCaseSensitive", op: query.OpHasPrefix, field: "Hello", cond: "he", want: false},
		{name: "Prefix", op: query.OpHasPrefix, field: "Hello", cond: "He", want: true},
		{name: "Suffix", op: query.OpHasSuffix, field: "report.pdf", cond: ".pdf", want: true},

		{name: "IsNull", op: query.OpIsNull, field: nil, cond: nil, want: true},
		{name: "IsNullPresent", op: query.OpIsNull, field: "", cond: nil, want: false},
		{name: "IsNotNull", op: query.OpIsNotNull, field: 0, cond: nil, want: true},
		{name: "NotEmptyBlankString", op: query.OpNotEmpty, field: "  ", cond: nil, want: false},
		{name: "NotEmptyEmptyList", op: query.OpNotEmpty, field: []any{}, cond: nil, want: false},
		{name: "NotEmptyZero", op: query.OpNotEmpty, field: 0, cond: nil, want: true},
		{name: "NotEmptyFalse", op: query.OpNotEmpty, field: false, cond: nil, want: true},
		{name: "NotEmptyList", op: query.OpNotEmpty, field: []any{"a"}, cond: nil, want: true},

		{name: "UnknownOperator", op: query.Operator("between"), field: 1, cond: 2, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := query.Compare(tt.op, tt.field, tt.cond)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatch(t *testing.T) {
	rec := map[string]any{
		"id":     "rec-1",
		"status": "active",
		"amount": float64(150),
		"owner":  map[string]any{"name": "dana"},
	}

	tests := []struct {
		name string
		f    query.Filter
		want bool
	}{
		{
			name: "NilMatchesAll",
			f:    nil,
			want: true,
		},
		{
			name: "AndAllTrue",
			f: query.And(
				query.FieldEQ("status", "active"),
				query.FieldGT("amount", 100),
			),
			want: true,
		},
		{
			name: "AndShortCircuits",
			f: query.And(
				query.FieldEQ("status", "closed"),
				query.FieldGT("amount", 100),
			),
			want: false,
		},
		{
			name: "OrAnyTrue",
			f: query.Or(
				query.FieldEQ("status", "closed"),
				query.FieldGT("amount", 100),
			),
			want: true,
		},
		{
			name: "NestedGroups",
			f: query.And(
				query.FieldNotNull("id"),
				query.Or(
					query.FieldEQ("status", "archived"),
					query.FieldLTE("amount", 200),
				),
			),
			want: true,
		},
		{
			name: "AbsentFieldIsNull",
			f:    query.FieldNull("deleted_at"),
			want: true,
		},
		{
			name: "DotPathLookup",
			f:    query.FieldEQ("owner.name", "dana"),
			want: true,
		},
		{
			name: "DotPathMissing",
			f:    query.FieldNull("owner.email"),
			want: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := query.Match(rec, tt.f)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatchPropagatesErrors(t *testing.T) {
	f := query.And(
		query.FieldEQ("status", "active"),
		&query.Cond{Field: "tags", Op: query.OpIn, Value: "not-a-list"},
	)
	_, err := query.Match(map[string]any{"status": "active"}, f)
	require.Error(t, err)
}

func TestCompareValues(t *testing.T) {
	cmp, ok := query.CompareValues(1, float64(2))
	require.True(t, ok)
	assert.Equal(t, -1, cmp)

	cmp, ok = query.CompareValues("b", "a")
	require.True(t, ok)
	assert.Equal(t, 1, cmp)

	_, ok = query.CompareValues(nil, 1)
	assert.False(t, ok)

	_, ok = query.CompareValues("1", 1)
	assert.False(t, ok)

	cmp, ok = query.CompareValues(false, true)
	require.True(t, ok)
	assert.Equal(t, -1, cmp)
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "5", query.Stringify(float64(5)))
	assert.Equal(t, "5.5", query.Stringify(5.5))
	assert.Equal(t, "", query.Stringify(nil))
	assert.Equal(t, "true", query.Stringify(true))
	assert.Equal(t, "2026-03-14T09:26:53.000Z",
		query.Stringify(time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)))
}
