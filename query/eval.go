package query

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/tabula-io/tabula"
)

// Match evaluates a filter tree against a record. Absent fields evaluate
// as null. These semantics are the reference the storage drivers compile
// their native predicates against.
func Match(rec map[string]any, f Filter) (bool, error) {
	switch n := f.(type) {
	case nil:
		return true, nil
	case *Cond:
		return Compare(n.Op, lookupField(rec, n.Field), n.Value)
	case *Group:
		for _, child := range n.Children {
			ok, err := Match(rec, child)
			if err != nil {
				return false, err
			}
			if n.Connector == ConnectorOr && ok {
				return true, nil
			}
			if n.Connector != ConnectorOr && !ok {
				return false, nil
			}
		}
		return n.Connector != ConnectorOr, nil
	default:
		return false, tabula.Invalidf("query: unknown filter node %T", f)
	}
}

// Compare applies one operator to a field value and a condition value.
//
// Equality is loose across numeric types, != is the complement of = (a
// null field differs from any non-null value), in/not_in require a list
// operand with not_in matching null fields, and the substring and affix
// operators work on stringified operands and return false when either
// side is null. Substring matching is case-insensitive.
func Compare(op Operator, fieldValue, condValue any) (bool, error) {
	switch op {
	case OpEQ:
		return equalValues(fieldValue, condValue), nil
	case OpNEQ:
		return !equalValues(fieldValue, condValue), nil
	case OpGT, OpGTE, OpLT, OpLTE:
		cmp, ok := CompareValues(fieldValue, condValue)
		if !ok {
			return false, nil
		}
		switch op {
		case OpGT:
			return cmp > 0, nil
		case OpGTE:
			return cmp >= 0, nil
		case OpLT:
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}
	case OpIn, OpNotIn:
		items, ok := toAnySlice(condValue)
		if !ok {
			return false, tabula.Invalidf("query: operator %s requires a list value", op)
		}
		found := false
		for _, item := range items {
			if equalValues(fieldValue, item) {
				found = true
				break
			}
		}
		if op == OpIn {
			return found, nil
		}
		return !found, nil
	case OpContains, OpNotContains, OpHasPrefix, OpHasSuffix:
		if fieldValue == nil || condValue == nil {
			return false, nil
		}
		field, cond := Stringify(fieldValue), Stringify(condValue)
		switch op {
		case OpContains:
			return strings.Contains(strings.ToLower(field), strings.ToLower(cond)), nil
		case OpNotContains:
			return !strings.Contains(strings.ToLower(field), strings.ToLower(cond)), nil
		case OpHasPrefix:
			return strings.HasPrefix(field, cond), nil
		default:
			return strings.HasSuffix(field, cond), nil
		}
	case OpIsNull:
		return fieldValue == nil, nil
	case OpIsNotNull:
		return fieldValue != nil, nil
	case OpNotEmpty:
		return notEmpty(fieldValue), nil
	default:
		return false, tabula.Invalidf("query: unknown operator %q", op)
	}
}

// lookupField reads a field from the record, walking dot paths into
// nested maps when the flat key is absent.
func lookupField(rec map[string]any, field string) any {
	if v, ok := rec[field]; ok {
		return v
	}
	if !strings.Contains(field, ".") {
		return nil
	}
	var current any = rec
	for _, part := range strings.Split(field, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = m[part]
		if !ok {
			return nil
		}
	}
	return current
}

func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	if ta, tb, ok := timePair(a, b); ok {
		return ta.Equal(tb)
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return sa == sb
		}
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ba == bb
		}
	}
	return reflect.DeepEqual(a, b)
}

// CompareValues orders two values, reporting -1, 0 or 1 and whether the
// pair is comparable at all. Nulls and mixed types are incomparable.
func CompareValues(a, b any) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1, true
			case fa > fb:
				return 1, true
			}
			return 0, true
		}
	}
	if ta, tb, ok := timePair(a, b); ok {
		switch {
		case ta.Before(tb):
			return -1, true
		case ta.After(tb):
			return 1, true
		}
		return 0, true
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return strings.Compare(sa, sb), true
		}
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case ba == bb:
				return 0, true
			case bb:
				return -1, true
			}
			return 1, true
		}
	}
	return 0, false
}

// Number coerces a value to float64 the way the comparison operators do.
// Drivers use it to aggregate over JSON-decoded numerics.
func Number(v any) (float64, bool) {
	return toFloat(v)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// timePair coerces a pair to times when at least one side is a time.Time;
// the other side may be an ISO-8601 string. Two bare strings never coerce
// so lexical comparison stays in charge of string fields, and ISO-8601
// strings happen to order lexically anyway.
func timePair(a, b any) (ta, tb time.Time, ok bool) {
	ta, aok := asTime(a)
	tb, bok := asTime(b)
	if !aok && !bok {
		return time.Time{}, time.Time{}, false
	}
	if !aok {
		if ta, aok = parseTime(a); !aok {
			return time.Time{}, time.Time{}, false
		}
	}
	if !bok {
		if tb, bok = parseTime(b); !bok {
			return time.Time{}, time.Time{}, false
		}
	}
	return ta, tb, true
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t != nil {
			return *t, true
		}
	}
	return time.Time{}, false
}

func parseTime(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Stringify renders a value the way the substring operators and message
// templates see it. Integral floats drop their fraction so JSON-decoded
// numbers read naturally.
func Stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(s), 'f', -1, 32)
	case json.Number:
		return s.String()
	case time.Time:
		return tabula.Timestamp(s)
	case bool:
		return strconv.FormatBool(s)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func notEmpty(v any) bool {
	if v == nil {
		return false
	}
	switch n := v.(type) {
	case string:
		return strings.TrimSpace(n) != ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() > 0
	}
	return true
}
