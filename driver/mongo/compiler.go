package mongo

import (
	"regexp"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/tabula-io/tabula"
	"github.com/tabula-io/tabula/driver"
	"github.com/tabula-io/tabula/query"
)

// fieldName maps the logical identifier onto mongo's native key. Every
// other field passes through unchanged.
func fieldName(name string) string {
	if name == tabula.IDField || name == "_id" {
		return "_id"
	}
	return name
}

// compileFilter lowers a filter tree to a mongo query document.
func compileFilter(f query.Filter) (bson.M, error) {
	switch n := f.(type) {
	case nil:
		return bson.M{}, nil
	case *query.Cond:
		return compileCond(n)
	case *query.Group:
		children := make(bson.A, 0, len(n.Children))
		for _, child := range n.Children {
			doc, err := compileFilter(child)
			if err != nil {
				return nil, err
			}
			children = append(children, doc)
		}
		key := "$and"
		if n.Connector == query.ConnectorOr {
			key = "$or"
		}
		return bson.M{key: children}, nil
	default:
		return nil, driver.NewError(driverName, driver.CategoryOther, "unknown filter node %T", f)
	}
}

func compileCond(c *query.Cond) (bson.M, error) {
	field := fieldName(c.Field)
	switch c.Op {
	case query.OpEQ:
		return bson.M{field: c.Value}, nil
	case query.OpNEQ:
		return bson.M{field: bson.M{"$ne": c.Value}}, nil
	case query.OpGT:
		return bson.M{field: bson.M{"$gt": c.Value}}, nil
	case query.OpGTE:
		return bson.M{field: bson.M{"$gte": c.Value}}, nil
	case query.OpLT:
		return bson.M{field: bson.M{"$lt": c.Value}}, nil
	case query.OpLTE:
		return bson.M{field: bson.M{"$lte": c.Value}}, nil
	case query.OpIn:
		return bson.M{field: bson.M{"$in": toSlice(c.Value)}}, nil
	case query.OpNotIn:
		return bson.M{field: bson.M{"$nin": toSlice(c.Value)}}, nil
	case query.OpContains:
		return bson.M{field: caseInsensitive(regexp.QuoteMeta(query.Stringify(c.Value)))}, nil
	case query.OpNotContains:
		return bson.M{field: bson.M{"$not": caseInsensitive(regexp.QuoteMeta(query.Stringify(c.Value)))}}, nil
	case query.OpHasPrefix:
		return bson.M{field: caseInsensitive("^" + regexp.QuoteMeta(query.Stringify(c.Value)))}, nil
	case query.OpHasSuffix:
		return bson.M{field: caseInsensitive(regexp.QuoteMeta(query.Stringify(c.Value)) + "$")}, nil
	case query.OpIsNull:
		// nil matches both an explicit null and an absent field.
		return bson.M{field: nil}, nil
	case query.OpIsNotNull:
		return bson.M{field: bson.M{"$ne": nil}}, nil
	case query.OpNotEmpty:
		return bson.M{"$and": bson.A{
			bson.M{field: bson.M{"$ne": nil}},
			bson.M{field: bson.M{"$ne": ""}},
			bson.M{field: bson.M{"$ne": bson.A{}}},
		}}, nil
	default:
		return nil, &driver.UnsupportedOperatorError{Driver: driverName, Operator: string(c.Op)}
	}
}

func caseInsensitive(pattern string) bson.M {
	return bson.M{"$regex": pattern, "$options": "i"}
}

func toSlice(v any) bson.A {
	switch t := v.(type) {
	case bson.A:
		return t
	case []any:
		return bson.A(t)
	case []string:
		out := make(bson.A, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case nil:
		return bson.A{}
	default:
		return bson.A{t}
	}
}

// compileSort lowers the sort list; bson.D keeps field order stable.
func compileSort(sorts []query.Sort) bson.D {
	out := make(bson.D, 0, len(sorts))
	for _, s := range sorts {
		dir := 1
		if s.Direction == query.Desc {
			dir = -1
		}
		out = append(out, bson.E{Key: fieldName(s.Field), Value: dir})
	}
	return out
}

// compileProjection restricts the returned fields. The identifier always
// comes back; mongo includes _id unless excluded.
func compileProjection(fields []string) bson.M {
	if len(fields) == 0 {
		return nil
	}
	out := make(bson.M, len(fields))
	for _, f := range fields {
		out[fieldName(f)] = 1
	}
	return out
}

// aggPipeline lowers a grouped aggregation query to an aggregation
// pipeline: an optional $match, then one $group keyed by the group-by
// fields.
func aggPipeline(q *query.Query) ([]bson.M, error) {
	var pipeline []bson.M
	if q.Filters != nil {
		match, err := compileFilter(q.Filters)
		if err != nil {
			return nil, err
		}
		pipeline = append(pipeline, bson.M{"$match": match})
	}
	groupID := bson.M{}
	for _, key := range q.GroupBy {
		groupID[key] = "$" + fieldName(key)
	}
	group := bson.M{"_id": groupID}
	for _, agg := range q.Aggregations {
		switch agg.Func {
		case query.AggCount:
			group[agg.Name()] = bson.M{"$sum": 1}
		case query.AggSum, query.AggAvg, query.AggMin, query.AggMax:
			if agg.Field == "" || agg.Field == "*" {
				return nil, driver.NewError(driverName, driver.CategoryOther, "%s aggregation requires a field", agg.Func)
			}
			group[agg.Name()] = bson.M{"$" + string(agg.Func): "$" + fieldName(agg.Field)}
		default:
			return nil, driver.NewError(driverName, driver.CategoryOther, "unknown aggregation %q", agg.Func)
		}
	}
	pipeline = append(pipeline, bson.M{"$group": group})
	return pipeline, nil
}

// flattenGroupRow turns one $group output document into a flat record:
// the composite _id key expands back into the group-by fields.
func flattenGroupRow(row bson.M) tabula.Record {
	rec := make(tabula.Record, len(row)+1)
	for k, v := range row {
		if k == "_id" {
			if keys, ok := v.(bson.M); ok {
				for gk, gv := range keys {
					rec[gk] = normalizeValue(gv)
				}
				continue
			}
			if keys, ok := v.(map[string]any); ok {
				for gk, gv := range keys {
					rec[gk] = normalizeValue(gv)
				}
				continue
			}
		}
		rec[k] = normalizeValue(v)
	}
	return rec
}
