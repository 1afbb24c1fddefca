package validation

import (
	"strings"
	"time"

	"github.com/tabula-io/tabula"
	"github.com/tabula-io/tabula/query"
	"github.com/tabula-io/tabula/schema"
)

// evalCondition evaluates a declarative condition tree. Composition
// lists take precedence; a leaf compares one field against a literal,
// a context variable, or another field via compare_to.
func (e *Engine) evalCondition(cond *schema.Condition, vctx *Context) (bool, error) {
	switch {
	case cond == nil:
		return true, nil
	case len(cond.AllOf) > 0:
		for _, child := range cond.AllOf {
			ok, err := e.evalCondition(child, vctx)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case len(cond.AnyOf) > 0:
		for _, child := range cond.AnyOf {
			ok, err := e.evalCondition(child, vctx)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case len(cond.NoneOf) > 0:
		for _, child := range cond.NoneOf {
			ok, err := e.evalCondition(child, vctx)
			if err != nil {
				return false, err
			}
			if ok {
				return false, nil
			}
		}
		return true, nil
	}
	if cond.Field == "" {
		return false, tabula.Invalidf("validation: condition requires a field or a composition list")
	}
	op, ok := query.ParseOperator(cond.Operator)
	if !ok {
		return false, tabula.Invalidf("validation: unknown condition operator %q", cond.Operator)
	}
	left := vctx.fieldValue(cond.Field)
	var right any
	if cond.CompareTo != "" {
		right = vctx.fieldValue(cond.CompareTo)
	} else {
		right = resolveVar(cond.Value, vctx)
	}
	return query.Compare(op, left, right)
}

// resolveVar substitutes the context variable vocabulary: $now, $today,
// and $current_user dot-paths. Anything else passes through as the
// literal operand.
func resolveVar(v any, vctx *Context) any {
	s, ok := v.(string)
	if !ok || !strings.HasPrefix(s, "$") {
		return v
	}
	switch s {
	case "$now":
		return tabula.Timestamp(time.Now())
	case "$today":
		return time.Now().UTC().Format("2006-01-02")
	case "$tenant_id":
		return vctx.TenantID
	}
	if rest, found := strings.CutPrefix(s, "$current_user"); found {
		if vctx.User == nil {
			return nil
		}
		switch strings.TrimPrefix(rest, ".") {
		case "", "id":
			return vctx.User.ID
		case "name":
			return vctx.User.Name
		case "tenant_id", "tenantId":
			return vctx.User.TenantID
		default:
			if vctx.User.Extra != nil {
				return vctx.User.Extra[strings.TrimPrefix(rest, ".")]
			}
			return nil
		}
	}
	return v
}
