package query

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Operator is a comparison operator in a filter criterion. The constants
// below use the wire spellings; Normalize folds accepted aliases such as
// "nin", "$eq" or "$gte" onto them.
type Operator string

const (
	OpEQ          Operator = "="
	OpNEQ         Operator = "!="
	OpGT          Operator = ">"
	OpGTE         Operator = ">="
	OpLT          Operator = "<"
	OpLTE         Operator = "<="
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpHasPrefix   Operator = "starts_with"
	OpHasSuffix   Operator = "ends_with"
	OpIsNull      Operator = "is_null"
	OpIsNotNull   Operator = "is_not_null"
	OpNotEmpty    Operator = "not_empty"
)

// operatorAliases maps every accepted operator spelling to its canonical
// form. Both wire dialects and the mongo-flavoured "$" object form share
// this table.
var operatorAliases = map[string]Operator{
	"=":            OpEQ,
	"$eq":          OpEQ,
	"!=":           OpNEQ,
	"$ne":          OpNEQ,
	"$neq":         OpNEQ,
	">":            OpGT,
	"$gt":          OpGT,
	">=":           OpGTE,
	"$gte":         OpGTE,
	"<":            OpLT,
	"$lt":          OpLT,
	"<=":           OpLTE,
	"$lte":         OpLTE,
	"in":           OpIn,
	"$in":          OpIn,
	"not_in":       OpNotIn,
	"nin":          OpNotIn,
	"$nin":         OpNotIn,
	"contains":     OpContains,
	"not_contains": OpNotContains,
	"starts_with":  OpHasPrefix,
	"ends_with":    OpHasSuffix,
	"is_null":      OpIsNull,
	"is_not_null":  OpIsNotNull,
	"not_empty":    OpNotEmpty,
}

// ParseOperator resolves an operator spelling to its canonical form.
func ParseOperator(s string) (Operator, bool) {
	op, ok := operatorAliases[strings.ToLower(strings.TrimSpace(s))]
	return op, ok
}

// Unary reports whether the operator ignores its right operand.
func (op Operator) Unary() bool {
	switch op {
	case OpIsNull, OpIsNotNull, OpNotEmpty:
		return true
	}
	return false
}

// Connector joins the children of a filter group.
type Connector string

const (
	ConnectorAnd Connector = "and"
	ConnectorOr  Connector = "or"
)

// Filter is a node in a filter expression tree. The two implementations
// are Cond (a single criterion) and Group (an and/or combination).
type Filter interface {
	fmt.Stringer
	json.Marshaler
	filterNode()
}

// Cond is a single [field, operator, value] criterion.
type Cond struct {
	Field string
	Op    Operator
	Value any
}

// Group combines child filters with a single connector. Mixed connectors
// inside one group are never constructed; nesting expresses precedence.
type Group struct {
	Connector Connector
	Children  []Filter
}

func (*Cond) filterNode()  {}
func (*Group) filterNode() {}

// FieldEQ returns an equality criterion.
func FieldEQ(field string, v any) *Cond { return &Cond{Field: field, Op: OpEQ, Value: v} }

// FieldNEQ returns an inequality criterion.
func FieldNEQ(field string, v any) *Cond { return &Cond{Field: field, Op: OpNEQ, Value: v} }

// FieldGT returns a greater-than criterion.
func FieldGT(field string, v any) *Cond { return &Cond{Field: field, Op: OpGT, Value: v} }

// FieldGTE returns a greater-than-or-equal criterion.
func FieldGTE(field string, v any) *Cond { return &Cond{Field: field, Op: OpGTE, Value: v} }

// FieldLT returns a less-than criterion.
func FieldLT(field string, v any) *Cond { return &Cond{Field: field, Op: OpLT, Value: v} }

// FieldLTE returns a less-than-or-equal criterion.
func FieldLTE(field string, v any) *Cond { return &Cond{Field: field, Op: OpLTE, Value: v} }

// FieldIn returns a membership criterion.
func FieldIn(field string, vs ...any) *Cond { return &Cond{Field: field, Op: OpIn, Value: vs} }

// FieldNotIn returns a negated membership criterion.
func FieldNotIn(field string, vs ...any) *Cond { return &Cond{Field: field, Op: OpNotIn, Value: vs} }

// FieldContains returns a case-insensitive substring criterion.
func FieldContains(field, s string) *Cond { return &Cond{Field: field, Op: OpContains, Value: s} }

// FieldNotContains negates FieldContains.
func FieldNotContains(field, s string) *Cond {
	return &Cond{Field: field, Op: OpNotContains, Value: s}
}

// FieldHasPrefix returns a prefix criterion.
func FieldHasPrefix(field, s string) *Cond { return &Cond{Field: field, Op: OpHasPrefix, Value: s} }

// FieldHasSuffix returns a suffix criterion.
func FieldHasSuffix(field, s string) *Cond { return &Cond{Field: field, Op: OpHasSuffix, Value: s} }

// FieldNull matches records where the field is absent or null.
func FieldNull(field string) *Cond { return &Cond{Field: field, Op: OpIsNull} }

// FieldNotNull matches records where the field is present and non-null.
func FieldNotNull(field string) *Cond { return &Cond{Field: field, Op: OpIsNotNull} }

// FieldNotEmpty matches records where the field is non-null and not an
// empty string, list or map.
func FieldNotEmpty(field string) *Cond { return &Cond{Field: field, Op: OpNotEmpty} }

// And combines filters conjunctively. Nil children are dropped; a single
// surviving child is returned unwrapped.
func And(fs ...Filter) Filter { return group(ConnectorAnd, fs) }

// Or combines filters disjunctively with the same nil and single-child
// handling as And.
func Or(fs ...Filter) Filter { return group(ConnectorOr, fs) }

func group(c Connector, fs []Filter) Filter {
	children := make([]Filter, 0, len(fs))
	for _, f := range fs {
		if f != nil {
			children = append(children, f)
		}
	}
	switch len(children) {
	case 0:
		return nil
	case 1:
		return children[0]
	}
	return &Group{Connector: c, Children: children}
}

// String renders the criterion for logs and error messages.
func (c *Cond) String() string {
	switch c.Op {
	case OpIsNull:
		return fmt.Sprintf("%s == nil", c.Field)
	case OpIsNotNull:
		return fmt.Sprintf("%s != nil", c.Field)
	case OpNotEmpty:
		return fmt.Sprintf("not_empty(%s)", c.Field)
	case OpContains:
		return fmt.Sprintf("contains(%s, %s)", c.Field, literal(c.Value))
	case OpNotContains:
		return fmt.Sprintf("!contains(%s, %s)", c.Field, literal(c.Value))
	case OpHasPrefix:
		return fmt.Sprintf("has_prefix(%s, %s)", c.Field, literal(c.Value))
	case OpHasSuffix:
		return fmt.Sprintf("has_suffix(%s, %s)", c.Field, literal(c.Value))
	case OpIn:
		return fmt.Sprintf("%s in %s", c.Field, literal(c.Value))
	case OpNotIn:
		return fmt.Sprintf("%s not in %s", c.Field, literal(c.Value))
	case OpEQ:
		return fmt.Sprintf("%s == %s", c.Field, literal(c.Value))
	case OpNEQ:
		return fmt.Sprintf("%s != %s", c.Field, literal(c.Value))
	default:
		return fmt.Sprintf("%s %s %s", c.Field, c.Op, literal(c.Value))
	}
}

// String renders the group with its children parenthesised.
func (g *Group) String() string {
	sep := " && "
	if g.Connector == ConnectorOr {
		sep = " || "
	}
	parts := make([]string, len(g.Children))
	for i, child := range g.Children {
		s := child.String()
		// Nested two-child groups render without self-wrapping, so add
		// parens here to keep precedence readable.
		if sub, ok := child.(*Group); ok && len(sub.Children) == 2 {
			s = "(" + s + ")"
		}
		parts[i] = s
	}
	s := strings.Join(parts, sep)
	if len(g.Children) > 2 {
		s = "(" + s + ")"
	}
	return s
}

func literal(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// MarshalJSON serialises the criterion as a [field, operator, value]
// triplet, the list dialect Normalize reads back.
func (c *Cond) MarshalJSON() ([]byte, error) {
	if c.Op.Unary() {
		return json.Marshal([]any{c.Field, string(c.Op)})
	}
	return json.Marshal([]any{c.Field, string(c.Op), c.Value})
}

// MarshalJSON serialises the group as a token list with interleaved
// connectors, e.g. [[...], "or", [...]].
func (g *Group) MarshalJSON() ([]byte, error) {
	tokens := make([]any, 0, 2*len(g.Children)-1)
	for i, child := range g.Children {
		if i > 0 {
			tokens = append(tokens, string(g.Connector))
		}
		tokens = append(tokens, child)
	}
	return json.Marshal(tokens)
}

// Fields returns the distinct field names referenced anywhere in the tree.
func Fields(f Filter) []string {
	seen := make(map[string]struct{})
	var names []string
	Walk(f, func(c *Cond) {
		if _, ok := seen[c.Field]; !ok {
			seen[c.Field] = struct{}{}
			names = append(names, c.Field)
		}
	})
	return names
}

// Walk visits every criterion in the tree in depth-first order.
func Walk(f Filter, fn func(*Cond)) {
	switch n := f.(type) {
	case *Cond:
		fn(n)
	case *Group:
		for _, child := range n.Children {
			Walk(child, fn)
		}
	}
}
