package query

import (
	"strings"

	"github.com/tabula-io/tabula"
)

// Direction orders a sort field.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// Sort orders results by one field.
type Sort struct {
	Field     string    `json:"field"`
	Direction Direction `json:"order"`
}

// AggFunc is an aggregation function name.
type AggFunc string

const (
	AggCount AggFunc = "count"
	AggSum   AggFunc = "sum"
	AggAvg   AggFunc = "avg"
	AggMin   AggFunc = "min"
	AggMax   AggFunc = "max"
)

// Aggregation computes one value over the filtered set, or over each
// group when the query carries a GroupBy clause.
type Aggregation struct {
	Func  AggFunc `json:"function"`
	Field string  `json:"field"`
	Alias string  `json:"alias,omitempty"`
}

// Name returns the key the aggregation result is reported under.
func (a Aggregation) Name() string {
	if a.Alias != "" {
		return a.Alias
	}
	if a.Field == "" || a.Field == "*" {
		return string(a.Func)
	}
	return string(a.Func) + "_" + a.Field
}

// Query is the normalised, back-end independent query form. A nil Limit
// means no explicit limit was requested; a zero Limit selects no records
// while still reporting totals.
type Query struct {
	Fields       []string          `json:"fields,omitempty"`
	Filters      Filter            `json:"filters,omitempty"`
	Sort         []Sort            `json:"sort,omitempty"`
	Skip         int               `json:"skip,omitempty"`
	Limit        *int              `json:"limit,omitempty"`
	Expand       map[string]*Query `json:"expand,omitempty"`
	Aggregations []Aggregation     `json:"aggregations,omitempty"`
	GroupBy      []string          `json:"group_by,omitempty"`
}

// Limited reports whether an explicit limit was requested, and its value.
func (q *Query) Limited() (int, bool) {
	if q == nil || q.Limit == nil {
		return 0, false
	}
	return *q.Limit, true
}

// Clone returns a deep copy. Mutating stages such as access control and
// tenant scoping work on copies so the caller's query survives intact.
func (q *Query) Clone() *Query {
	if q == nil {
		return nil
	}
	out := &Query{Skip: q.Skip}
	if q.Limit != nil {
		n := *q.Limit
		out.Limit = &n
	}
	out.Fields = append(out.Fields, q.Fields...)
	out.Sort = append(out.Sort, q.Sort...)
	out.Aggregations = append(out.Aggregations, q.Aggregations...)
	out.GroupBy = append(out.GroupBy, q.GroupBy...)
	out.Filters = cloneFilter(q.Filters)
	if q.Expand != nil {
		out.Expand = make(map[string]*Query, len(q.Expand))
		for k, sub := range q.Expand {
			out.Expand[k] = sub.Clone()
		}
	}
	return out
}

func cloneFilter(f Filter) Filter {
	switch n := f.(type) {
	case *Cond:
		c := *n
		return &c
	case *Group:
		children := make([]Filter, len(n.Children))
		for i, child := range n.Children {
			children[i] = cloneFilter(child)
		}
		return &Group{Connector: n.Connector, Children: children}
	}
	return nil
}

// And narrows the query with an extra filter, sharing the constructor's
// nil and single-child handling.
func (q *Query) And(f Filter) *Query {
	if f == nil {
		return q
	}
	if q.Filters == nil {
		q.Filters = f
		return q
	}
	q.Filters = And(q.Filters, f)
	return q
}

// Validate checks structural invariants after normalisation. It reports
// the first offence as an INVALID_REQUEST error.
func (q *Query) Validate() error {
	if q == nil {
		return nil
	}
	if q.Skip < 0 {
		return tabula.Invalidf("query: skip must not be negative, got %d", q.Skip)
	}
	if q.Limit != nil && *q.Limit < 0 {
		return tabula.Invalidf("query: limit must not be negative, got %d", *q.Limit)
	}
	for _, s := range q.Sort {
		if s.Field == "" {
			return tabula.Invalidf("query: sort field must not be empty")
		}
		if s.Direction != Asc && s.Direction != Desc {
			return tabula.Invalidf("query: sort order %q is not asc or desc", s.Direction)
		}
	}
	if err := validateFilter(q.Filters); err != nil {
		return err
	}
	for _, a := range q.Aggregations {
		switch a.Func {
		case AggCount, AggSum, AggAvg, AggMin, AggMax:
		default:
			return tabula.Invalidf("query: unknown aggregation function %q", a.Func)
		}
		if a.Field == "" && a.Func != AggCount {
			return tabula.Invalidf("query: aggregation %s requires a field", a.Func)
		}
		if a.Field == "*" && a.Func != AggCount {
			return tabula.Invalidf("query: aggregation %s cannot target *", a.Func)
		}
	}
	if len(q.GroupBy) > 0 && len(q.Aggregations) == 0 {
		return tabula.Invalidf("query: group_by requires at least one aggregation")
	}
	for name, sub := range q.Expand {
		if name == "" {
			return tabula.Invalidf("query: expand relationship name must not be empty")
		}
		if err := sub.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func validateFilter(f Filter) error {
	switch n := f.(type) {
	case nil:
		return nil
	case *Cond:
		if n.Field == "" {
			return tabula.Invalidf("query: filter field must not be empty")
		}
		if _, ok := operatorAliases[string(n.Op)]; !ok {
			return tabula.Invalidf("query: unknown operator %q", n.Op)
		}
		return nil
	case *Group:
		if n.Connector != ConnectorAnd && n.Connector != ConnectorOr {
			return tabula.Invalidf("query: unknown connector %q", n.Connector)
		}
		if len(n.Children) == 0 {
			return tabula.Invalidf("query: empty filter group")
		}
		for _, child := range n.Children {
			if err := validateFilter(child); err != nil {
				return err
			}
		}
		return nil
	default:
		return tabula.Invalidf("query: unknown filter node %T", f)
	}
}

// CanonicalField folds the "_id" alias onto the canonical "id" field so
// drivers and hooks only ever see one spelling.
func CanonicalField(name string) string {
	if name == "_id" {
		return tabula.IDField
	}
	return name
}

func canonicalFields(names []string) []string {
	for i, n := range names {
		names[i] = CanonicalField(strings.TrimSpace(n))
	}
	return names
}
