package query

import (
	"encoding/json"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/tabula-io/tabula"
)

// Dialect key pairs. Each concern may be spelled in the legacy or the
// canonical dialect, never both at once.
var dialectKeys = map[string]string{
	"filters":   "where",
	"skip":      "offset",
	"limit":     "top",
	"sort":      "orderBy",
	"aggregate": "aggregations",
}

var knownKeys = map[string]struct{}{
	"fields":       {},
	"filters":      {},
	"where":        {},
	"sort":         {},
	"orderBy":      {},
	"skip":         {},
	"offset":       {},
	"limit":        {},
	"top":          {},
	"expand":       {},
	"aggregate":    {},
	"aggregations": {},
	"groupBy":      {},
	"group_by":     {},
}

// Normalize converts a decoded query document in either wire dialect to
// the canonical Query form and validates it. A nil or empty document
// yields an empty query that selects everything.
func Normalize(raw map[string]any) (*Query, error) {
	q, err := normalize(raw)
	if err != nil {
		return nil, err
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return q, nil
}

func normalize(raw map[string]any) (*Query, error) {
	q := &Query{}
	if len(raw) == 0 {
		return q, nil
	}
	for key := range raw {
		if _, ok := knownKeys[key]; !ok {
			return nil, tabula.Invalidf("query: unknown key %q", key)
		}
	}
	for legacy, canonical := range dialectKeys {
		if _, a := raw[legacy]; a {
			if _, b := raw[canonical]; b {
				return nil, tabula.Invalidf("query: %q and %q must not be combined", legacy, canonical)
			}
		}
	}
	if v, ok := raw["fields"]; ok {
		fields, err := parseStringList(v, "fields")
		if err != nil {
			return nil, err
		}
		q.Fields = dedupe(canonicalFields(fields))
	}
	for _, key := range []string{"filters", "where"} {
		if v, ok := raw[key]; ok {
			f, err := ParseFilter(v)
			if err != nil {
				return nil, err
			}
			q.Filters = f
		}
	}
	for _, key := range []string{"sort", "orderBy"} {
		if v, ok := raw[key]; ok {
			s, err := parseSort(v)
			if err != nil {
				return nil, err
			}
			q.Sort = s
		}
	}
	for _, key := range []string{"skip", "offset"} {
		if v, ok := raw[key]; ok {
			n, err := parseInt(v, key)
			if err != nil {
				return nil, err
			}
			q.Skip = n
		}
	}
	for _, key := range []string{"limit", "top"} {
		if v, ok := raw[key]; ok {
			n, err := parseInt(v, key)
			if err != nil {
				return nil, err
			}
			q.Limit = &n
		}
	}
	for _, key := range []string{"aggregate", "aggregations"} {
		if v, ok := raw[key]; ok {
			aggs, err := parseAggregations(v)
			if err != nil {
				return nil, err
			}
			q.Aggregations = aggs
		}
	}
	for _, key := range []string{"groupBy", "group_by"} {
		if v, ok := raw[key]; ok {
			groups, err := parseStringList(v, key)
			if err != nil {
				return nil, err
			}
			q.GroupBy = canonicalFields(groups)
		}
	}
	if v, ok := raw["expand"]; ok {
		expand, err := parseExpand(v)
		if err != nil {
			return nil, err
		}
		q.Expand = expand
	}
	return q, nil
}

// ParseFilter converts a decoded filter document to a Filter tree. It
// accepts the triplet list dialect with "and"/"or" tokens as well as the
// object dialect with $and/$or groups and per-field operator maps.
func ParseFilter(v any) (Filter, error) {
	switch node := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return parseFilterList(node)
	case map[string]any:
		return parseFilterObject(node)
	case string:
		if strings.TrimSpace(node) == "" {
			return nil, nil
		}
		var decoded any
		if err := json.Unmarshal([]byte(node), &decoded); err != nil {
			return nil, tabula.Invalidf("query: filter string is not valid JSON: %v", err)
		}
		return ParseFilter(decoded)
	case Filter:
		return node, nil
	default:
		return nil, tabula.Invalidf("query: filter must be a list or object, got %T", v)
	}
}

func parseFilterList(tokens []any) (Filter, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	if isCriterion(tokens) {
		return parseCriterion(tokens)
	}
	var (
		children  []Filter
		connector Connector
		wantConn  bool
	)
	for _, tok := range tokens {
		if s, ok := tok.(string); ok {
			conn, err := parseConnector(s)
			if err != nil {
				return nil, err
			}
			if !wantConn {
				return nil, tabula.Invalidf("query: unexpected %q token in filter group", s)
			}
			if connector != "" && conn != connector {
				return nil, tabula.Invalidf("query: filter group mixes and/or, nest groups to set precedence")
			}
			connector = conn
			wantConn = false
			continue
		}
		if wantConn {
			return nil, tabula.Invalidf("query: filter group is missing an and/or token")
		}
		child, err := ParseFilter(tok)
		if err != nil {
			return nil, err
		}
		if child != nil {
			children = append(children, child)
		}
		wantConn = true
	}
	if !wantConn {
		return nil, tabula.Invalidf("query: filter group ends with a connector")
	}
	if connector == "" {
		connector = ConnectorAnd
	}
	if connector == ConnectorOr {
		return Or(children...), nil
	}
	return And(children...), nil
}

// isCriterion reports whether the token list is a single [field, op,
// value] triplet rather than a group. A two-element list is a criterion
// only when its operator is unary.
func isCriterion(tokens []any) bool {
	if len(tokens) != 2 && len(tokens) != 3 {
		return false
	}
	field, ok := tokens[0].(string)
	if !ok {
		return false
	}
	if _, err := parseConnector(field); err == nil {
		return false
	}
	rawOp, ok := tokens[1].(string)
	if !ok {
		return false
	}
	op, ok := ParseOperator(rawOp)
	if !ok {
		return false
	}
	return len(tokens) == 3 || op.Unary()
}

func parseCriterion(tokens []any) (Filter, error) {
	field := strings.TrimSpace(tokens[0].(string))
	if field == "" {
		return nil, tabula.Invalidf("query: filter field must not be empty")
	}
	op, _ := ParseOperator(tokens[1].(string))
	var value any
	if len(tokens) == 3 {
		value = tokens[2]
	}
	return newCond(field, op, value)
}

func newCond(field string, op Operator, value any) (Filter, error) {
	c := &Cond{Field: CanonicalField(field), Op: op, Value: value}
	if op.Unary() {
		c.Value = nil
		return c, nil
	}
	if op == OpIn || op == OpNotIn {
		seq, ok := toAnySlice(value)
		if !ok {
			return nil, tabula.Invalidf("query: operator %s requires a list value for field %q", op, field)
		}
		c.Value = seq
	}
	return c, nil
}

func parseFilterObject(obj map[string]any) (Filter, error) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var children []Filter
	for _, key := range keys {
		value := obj[key]
		switch {
		case key == "$and" || key == "$or":
			items, ok := toAnySlice(value)
			if !ok {
				return nil, tabula.Invalidf("query: %s requires a list of filters", key)
			}
			sub := make([]Filter, 0, len(items))
			for _, item := range items {
				child, err := ParseFilter(item)
				if err != nil {
					return nil, err
				}
				if child != nil {
					sub = append(sub, child)
				}
			}
			if key == "$or" {
				children = append(children, Or(sub...))
			} else {
				children = append(children, And(sub...))
			}
		case strings.HasPrefix(key, "$"):
			return nil, tabula.Invalidf("query: unknown filter directive %q", key)
		default:
			child, err := parseFieldObject(key, value)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
	}
	return And(children...), nil
}

// parseFieldObject handles {field: value} shorthand equality and the
// {field: {$op: value, ...}} operator map form.
func parseFieldObject(field string, value any) (Filter, error) {
	ops, ok := value.(map[string]any)
	if !ok {
		return newCond(field, OpEQ, value)
	}
	keys := make([]string, 0, len(ops))
	for k := range ops {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var children []Filter
	for _, rawOp := range keys {
		op, known := ParseOperator(rawOp)
		if !known {
			return nil, tabula.Invalidf("query: unknown operator %q for field %q", rawOp, field)
		}
		child, err := newCond(field, op, ops[rawOp])
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return And(children...), nil
}

func parseConnector(s string) (Connector, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "and":
		return ConnectorAnd, nil
	case "or":
		return ConnectorOr, nil
	}
	return "", tabula.Invalidf("query: %q is not a connector", s)
}

func parseSort(v any) ([]Sort, error) {
	switch node := v.(type) {
	case nil:
		return nil, nil
	case string:
		return parseSortString(node)
	case map[string]any:
		s, err := parseSortObject(node)
		if err != nil {
			return nil, err
		}
		return []Sort{s}, nil
	case []any:
		out := make([]Sort, 0, len(node))
		for _, item := range node {
			switch entry := item.(type) {
			case string:
				parsed, err := parseSortString(entry)
				if err != nil {
					return nil, err
				}
				out = append(out, parsed...)
			case []any:
				s, err := parseSortPair(entry)
				if err != nil {
					return nil, err
				}
				out = append(out, s)
			case map[string]any:
				s, err := parseSortObject(entry)
				if err != nil {
					return nil, err
				}
				out = append(out, s)
			default:
				return nil, tabula.Invalidf("query: sort entry must be a string, pair or object, got %T", item)
			}
		}
		return out, nil
	default:
		return nil, tabula.Invalidf("query: sort must be a string or list, got %T", v)
	}
}

func parseSortString(s string) ([]Sort, error) {
	var out []Sort
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tokens := strings.Fields(part)
		entry := Sort{Field: CanonicalField(tokens[0]), Direction: Asc}
		if len(tokens) > 2 {
			return nil, tabula.Invalidf("query: sort entry %q has too many tokens", part)
		}
		if len(tokens) == 2 {
			dir, err := parseDirection(tokens[1])
			if err != nil {
				return nil, err
			}
			entry.Direction = dir
		}
		out = append(out, entry)
	}
	return out, nil
}

func parseSortPair(pair []any) (Sort, error) {
	if len(pair) != 1 && len(pair) != 2 {
		return Sort{}, tabula.Invalidf("query: sort pair must be [field] or [field, order]")
	}
	field, ok := pair[0].(string)
	if !ok || strings.TrimSpace(field) == "" {
		return Sort{}, tabula.Invalidf("query: sort field must be a string")
	}
	entry := Sort{Field: CanonicalField(strings.TrimSpace(field)), Direction: Asc}
	if len(pair) == 2 {
		raw, ok := pair[1].(string)
		if !ok {
			return Sort{}, tabula.Invalidf("query: sort order must be a string, got %T", pair[1])
		}
		dir, err := parseDirection(raw)
		if err != nil {
			return Sort{}, err
		}
		entry.Direction = dir
	}
	return entry, nil
}

func parseSortObject(obj map[string]any) (Sort, error) {
	field, _ := obj["field"].(string)
	if strings.TrimSpace(field) == "" {
		return Sort{}, tabula.Invalidf("query: sort object requires a field")
	}
	entry := Sort{Field: CanonicalField(strings.TrimSpace(field)), Direction: Asc}
	raw, ok := obj["order"]
	if !ok {
		raw, ok = obj["direction"]
	}
	if ok {
		s, isStr := raw.(string)
		if !isStr {
			return Sort{}, tabula.Invalidf("query: sort order must be a string, got %T", raw)
		}
		dir, err := parseDirection(s)
		if err != nil {
			return Sort{}, err
		}
		entry.Direction = dir
	}
	for key := range obj {
		switch key {
		case "field", "order", "direction":
		default:
			return Sort{}, tabula.Invalidf("query: unknown sort key %q", key)
		}
	}
	return entry, nil
}

func parseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "asc", "":
		return Asc, nil
	case "desc":
		return Desc, nil
	}
	return "", tabula.Invalidf("query: sort order %q is not asc or desc", s)
}

func parseAggregations(v any) ([]Aggregation, error) {
	items, ok := toAnySlice(v)
	if !ok {
		if obj, isObj := v.(map[string]any); isObj {
			items = []any{obj}
		} else {
			return nil, tabula.Invalidf("query: aggregations must be a list, got %T", v)
		}
	}
	out := make([]Aggregation, 0, len(items))
	for _, item := range items {
		obj, isObj := item.(map[string]any)
		if !isObj {
			return nil, tabula.Invalidf("query: aggregation entry must be an object, got %T", item)
		}
		var agg Aggregation
		for key, value := range obj {
			s, isStr := value.(string)
			switch key {
			case "function", "func", "op":
				if !isStr {
					return nil, tabula.Invalidf("query: aggregation %s must be a string", key)
				}
				agg.Func = AggFunc(strings.ToLower(strings.TrimSpace(s)))
			case "field":
				if !isStr {
					return nil, tabula.Invalidf("query: aggregation field must be a string")
				}
				agg.Field = CanonicalField(strings.TrimSpace(s))
			case "alias", "as":
				if !isStr {
					return nil, tabula.Invalidf("query: aggregation alias must be a string")
				}
				agg.Alias = strings.TrimSpace(s)
			default:
				return nil, tabula.Invalidf("query: unknown aggregation key %q", key)
			}
		}
		if agg.Func == "" {
			return nil, tabula.Invalidf("query: aggregation entry requires a function")
		}
		out = append(out, agg)
	}
	return out, nil
}

func parseExpand(v any) (map[string]*Query, error) {
	out := make(map[string]*Query)
	switch node := v.(type) {
	case map[string]any:
		for name, sub := range node {
			name = strings.TrimSpace(name)
			if name == "" {
				return nil, tabula.Invalidf("query: expand relationship name must not be empty")
			}
			switch subNode := sub.(type) {
			case nil:
				out[name] = &Query{}
			case map[string]any:
				subQuery, err := normalize(subNode)
				if err != nil {
					return nil, err
				}
				out[name] = subQuery
			default:
				return nil, tabula.Invalidf("query: expand %q must be an object, got %T", name, sub)
			}
		}
	case []any, string:
		names, err := parseStringList(node, "expand")
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			out[name] = &Query{}
		}
	default:
		return nil, tabula.Invalidf("query: expand must be an object or list, got %T", v)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func parseStringList(v any, key string) ([]string, error) {
	switch node := v.(type) {
	case nil:
		return nil, nil
	case string:
		var out []string
		for _, part := range strings.Split(node, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	case []string:
		return node, nil
	case []any:
		out := make([]string, 0, len(node))
		for _, item := range node {
			s, ok := item.(string)
			if !ok {
				return nil, tabula.Invalidf("query: %s entries must be strings, got %T", key, item)
			}
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out, nil
	default:
		return nil, tabula.Invalidf("query: %s must be a string or list, got %T", key, v)
	}
}

func parseInt(v any, key string) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, tabula.Invalidf("query: %s must be an integer, got %v", key, n)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, tabula.Invalidf("query: %s must be an integer, got %q", key, n.String())
		}
		return int(i), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, tabula.Invalidf("query: %s must be an integer, got %q", key, n)
		}
		return i, nil
	default:
		return 0, tabula.Invalidf("query: %s must be an integer, got %T", key, v)
	}
}

// toAnySlice flattens typed slices to []any so filter values decoded from
// JSON, YAML and plain Go literals behave alike.
func toAnySlice(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if items, ok := v.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := names[:0]
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
