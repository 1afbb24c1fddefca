package sql

import (
	"fmt"
	"strings"

	"github.com/tabula-io/tabula/driver"
	"github.com/tabula-io/tabula/query"
)

// compiler translates the canonical filter tree into one SQL predicate
// with bound arguments. Placeholders are emitted as ? and rebound per
// dialect afterwards.
type compiler struct {
	dialect string
}

// compile returns the predicate text and its arguments. A nil filter
// compiles to the empty string.
func (c compiler) compile(f query.Filter) (string, []any, error) {
	switch n := f.(type) {
	case nil:
		return "", nil, nil
	case *query.Cond:
		return c.cond(n)
	case *query.Group:
		op := " AND "
		if n.Connector == query.ConnectorOr {
			op = " OR "
		}
		parts := make([]string, 0, len(n.Children))
		var args []any
		for _, child := range n.Children {
			sql, childArgs, err := c.compile(child)
			if err != nil {
				return "", nil, err
			}
			if sql == "" {
				continue
			}
			parts = append(parts, sql)
			args = append(args, childArgs...)
		}
		switch len(parts) {
		case 0:
			return "", nil, nil
		case 1:
			return parts[0], args, nil
		}
		return "(" + strings.Join(parts, op) + ")", args, nil
	default:
		return "", nil, fmt.Errorf("sql: unknown filter node %T", f)
	}
}

func (c compiler) cond(n *query.Cond) (string, []any, error) {
	if !isValidIdentifier(n.Field) {
		return "", nil, fmt.Errorf("sql: invalid field name %q", n.Field)
	}
	col := quoteIdent(c.dialect, n.Field)
	switch n.Op {
	case query.OpEQ:
		if n.Value == nil {
			return col + " IS NULL", nil, nil
		}
		return col + " = ?", []any{n.Value}, nil
	case query.OpNEQ:
		if n.Value == nil {
			return col + " IS NOT NULL", nil, nil
		}
		// Null-safe complement of =: a null field differs from any
		// non-null value.
		switch c.dialect {
		case MySQL:
			return "NOT (" + col + " <=> ?)", []any{n.Value}, nil
		case SQLite:
			return col + " IS NOT ?", []any{n.Value}, nil
		default:
			return col + " IS DISTINCT FROM ?", []any{n.Value}, nil
		}
	case query.OpGT:
		return col + " > ?", []any{n.Value}, nil
	case query.OpGTE:
		return col + " >= ?", []any{n.Value}, nil
	case query.OpLT:
		return col + " < ?", []any{n.Value}, nil
	case query.OpLTE:
		return col + " <= ?", []any{n.Value}, nil
	case query.OpIn, query.OpNotIn:
		items, ok := n.Value.([]any)
		if !ok {
			return "", nil, fmt.Errorf("sql: operator %s requires a list value for %q", n.Op, n.Field)
		}
		if len(items) == 0 {
			// IN () is invalid SQL; an empty set matches nothing, its
			// complement matches everything.
			if n.Op == query.OpIn {
				return "1 = 0", nil, nil
			}
			return "1 = 1", nil, nil
		}
		placeholders := strings.Repeat("?, ", len(items))
		placeholders = placeholders[:len(placeholders)-2]
		if n.Op == query.OpIn {
			return col + " IN (" + placeholders + ")", items, nil
		}
		// not_in matches null fields, NOT IN alone would drop them.
		return "(" + col + " NOT IN (" + placeholders + ") OR " + col + " IS NULL)", items, nil
	case query.OpContains:
		return "LOWER(" + col + `) LIKE ? ESCAPE '\'`, []any{"%" + strings.ToLower(escapeLike(query.Stringify(n.Value))) + "%"}, nil
	case query.OpNotContains:
		// NULL LIKE yields NULL, so null fields are excluded, matching
		// the reference semantics of false-on-null.
		return "LOWER(" + col + `) NOT LIKE ? ESCAPE '\'`, []any{"%" + strings.ToLower(escapeLike(query.Stringify(n.Value))) + "%"}, nil
	case query.OpHasPrefix:
		return col + ` LIKE ? ESCAPE '\'`, []any{escapeLike(query.Stringify(n.Value)) + "%"}, nil
	case query.OpHasSuffix:
		return col + ` LIKE ? ESCAPE '\'`, []any{"%" + escapeLike(query.Stringify(n.Value))}, nil
	case query.OpIsNull:
		return col + " IS NULL", nil, nil
	case query.OpIsNotNull:
		return col + " IS NOT NULL", nil, nil
	case query.OpNotEmpty:
		cast := "CAST(" + col + " AS TEXT)"
		if c.dialect == MySQL {
			cast = "CAST(" + col + " AS CHAR)"
		}
		return "(" + col + " IS NOT NULL AND " + cast + " != '')", nil, nil
	default:
		return "", nil, &driver.UnsupportedOperatorError{Driver: c.dialect, Operator: string(n.Op)}
	}
}

// orderBy renders the ORDER BY clause, empty when unsorted.
func (c compiler) orderBy(sorts []query.Sort) (string, error) {
	if len(sorts) == 0 {
		return "", nil
	}
	parts := make([]string, len(sorts))
	for i, s := range sorts {
		if !isValidIdentifier(s.Field) {
			return "", fmt.Errorf("sql: invalid sort field %q", s.Field)
		}
		dir := "ASC"
		if s.Direction == query.Desc {
			dir = "DESC"
		}
		parts[i] = quoteIdent(c.dialect, s.Field) + " " + dir
	}
	return " ORDER BY " + strings.Join(parts, ", "), nil
}

// limitOffset renders pagination. Dialects disagree on OFFSET without
// LIMIT: sqlite takes LIMIT -1, mysql needs its documented maximum, and
// postgres allows a bare OFFSET.
func (c compiler) limitOffset(q *query.Query) string {
	if q == nil {
		return ""
	}
	limit, limited := q.Limited()
	if !limited && q.Skip <= 0 {
		return ""
	}
	var sb strings.Builder
	switch {
	case limited:
		fmt.Fprintf(&sb, " LIMIT %d", limit)
	case c.dialect == MySQL:
		sb.WriteString(" LIMIT 18446744073709551615")
	case c.dialect == SQLite:
		sb.WriteString(" LIMIT -1")
	}
	if q.Skip > 0 {
		fmt.Fprintf(&sb, " OFFSET %d", q.Skip)
	}
	return sb.String()
}

// columns renders the projection, * when no fields were requested. The
// id column always survives projection.
func (c compiler) columns(fields []string) (string, error) {
	if len(fields) == 0 {
		return "*", nil
	}
	withID := fields
	hasID := false
	for _, f := range fields {
		if f == "id" {
			hasID = true
			break
		}
	}
	if !hasID {
		withID = append([]string{"id"}, fields...)
	}
	parts := make([]string, len(withID))
	for i, f := range withID {
		if !isValidIdentifier(f) {
			return "", fmt.Errorf("sql: invalid field name %q", f)
		}
		parts[i] = quoteIdent(c.dialect, f)
	}
	return strings.Join(parts, ", "), nil
}

// aggSelect renders the aggregation projection and GROUP BY clause.
func (c compiler) aggSelect(q *query.Query) (selectList, groupBy string, err error) {
	var cols []string
	for _, g := range q.GroupBy {
		if !isValidIdentifier(g) {
			return "", "", fmt.Errorf("sql: invalid group_by field %q", g)
		}
		cols = append(cols, quoteIdent(c.dialect, g))
	}
	groupCols := strings.Join(cols, ", ")
	for _, agg := range q.Aggregations {
		fn := strings.ToUpper(string(agg.Func))
		target := "*"
		if agg.Field != "" && agg.Field != "*" {
			if !isValidIdentifier(agg.Field) {
				return "", "", fmt.Errorf("sql: invalid aggregation field %q", agg.Field)
			}
			target = quoteIdent(c.dialect, agg.Field)
		} else if agg.Func != query.AggCount {
			return "", "", fmt.Errorf("sql: aggregation %s requires a field", agg.Func)
		}
		alias := agg.Name()
		if !isValidIdentifier(alias) {
			return "", "", fmt.Errorf("sql: invalid aggregation alias %q", alias)
		}
		cols = append(cols, fmt.Sprintf("%s(%s) AS %s", fn, target, quoteIdent(c.dialect, alias)))
	}
	if groupCols != "" {
		groupBy = " GROUP BY " + groupCols
	}
	return strings.Join(cols, ", "), groupBy, nil
}
