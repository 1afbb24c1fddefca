// Package privacy decides whether a request may perform an operation on
// an object, and with which row and field restrictions. Evaluation runs
// a chain of rules first, then the caller's resolved role policies.
//
// Rules signal their verdict through sentinel errors, checked with
// errors.Is:
//
//	if errors.Is(err, privacy.Allow) { ... }
//	if errors.Is(err, privacy.Deny) { ... }
//	if errors.Is(err, privacy.Skip) { ... }
package privacy

import (
	"context"
	"errors"
	"fmt"

	"github.com/tabula-io/tabula"
	"github.com/tabula-io/tabula/query"
	"github.com/tabula-io/tabula/registry"
	"github.com/tabula-io/tabula/schema"
)

// Verdict sentinels returned by rules.
var (
	// Allow terminates the chain with an unconditional grant.
	Allow = errors.New("privacy: allow rule")

	// Deny terminates the chain with a rejection.
	Deny = errors.New("privacy: deny rule")

	// Skip abstains and passes evaluation to the next rule.
	Skip = errors.New("privacy: skip rule")
)

// Allowf returns a formatted wrapped Allow verdict.
func Allowf(format string, a ...any) error {
	return fmt.Errorf(format+": %w", append(a, Allow)...)
}

// Denyf returns a formatted wrapped Deny verdict.
func Denyf(format string, a ...any) error {
	return fmt.Errorf(format+": %w", append(a, Deny)...)
}

// Skipf returns a formatted wrapped Skip verdict.
func Skipf(format string, a ...any) error {
	return fmt.Errorf(format+": %w", append(a, Skip)...)
}

// Request is one access check.
type Request struct {
	Object string
	// Action is one of the schema policy actions: read, create, update,
	// delete.
	Action   string
	User     *tabula.User
	Roles    []string
	TenantID string
}

// EffectiveRoles prefers the explicit role set over the user's.
func (r *Request) EffectiveRoles() []string {
	if len(r.Roles) > 0 {
		return r.Roles
	}
	if r.User != nil {
		return r.User.Roles
	}
	return nil
}

// Rule decides one step of the chain. It returns Allow, Deny, Skip (or
// nil, equivalent to Skip), or a domain error that aborts evaluation.
type Rule interface {
	Eval(ctx context.Context, req *Request) error
}

// RuleFunc adapts a function to the Rule interface.
type RuleFunc func(ctx context.Context, req *Request) error

// Eval returns f(ctx, req).
func (f RuleFunc) Eval(ctx context.Context, req *Request) error { return f(ctx, req) }

// Rules chains rules: the first Allow or Deny wins, Skip and nil fall
// through.
type Rules []Rule

// Eval runs the chain. It returns Allow, Deny, Skip (no rule decided),
// or the first domain error.
func (rules Rules) Eval(ctx context.Context, req *Request) error {
	for _, rule := range rules {
		switch verdict := rule.Eval(ctx, req); {
		case verdict == nil || errors.Is(verdict, Skip):
		case errors.Is(verdict, Allow), errors.Is(verdict, Deny):
			return verdict
		default:
			return verdict
		}
	}
	return Skip
}

type decisionCtxKey struct{}

// DecisionContext returns a context with a fixed verdict that overrides
// evaluation, used to run system operations (seeding, hook Store calls
// on behalf of the engine) without a session.
func DecisionContext(parent context.Context, verdict error) context.Context {
	return context.WithValue(parent, decisionCtxKey{}, verdict)
}

// DecisionFromContext returns the overriding verdict, if any.
func DecisionFromContext(ctx context.Context) (error, bool) {
	verdict, ok := ctx.Value(decisionCtxKey{}).(error)
	return verdict, ok
}

// Evaluator evaluates requests against an optional rule chain and the
// registry's roles.
type Evaluator struct {
	registry *registry.Registry
	rules    Rules
}

// NewEvaluator builds an evaluator. Rules run ahead of role policies.
func NewEvaluator(reg *registry.Registry, rules ...Rule) *Evaluator {
	return &Evaluator{registry: reg, rules: rules}
}

// Evaluate decides the request. A denial comes back as an allowed=false
// decision, not an error; errors are reserved for evaluation failures
// such as an unparsable policy filter.
func (e *Evaluator) Evaluate(ctx context.Context, req *Request) (*Decision, error) {
	base := &Decision{Object: req.Object, Action: req.Action}
	if verdict, ok := DecisionFromContext(ctx); ok {
		if errors.Is(verdict, Allow) {
			base.Allowed = true
			return base, nil
		}
		if errors.Is(verdict, Deny) {
			return base, nil
		}
	}
	switch verdict := e.rules.Eval(ctx, req); {
	case errors.Is(verdict, Allow):
		base.Allowed = true
		return base, nil
	case errors.Is(verdict, Deny):
		return base, nil
	case errors.Is(verdict, Skip):
	default:
		return nil, verdict
	}
	return e.evaluatePolicies(req, base)
}

// evaluatePolicies folds every granting statement of the resolved roles.
// Row filters union under OR; a grant without a filter opens every row.
// Allowed fields union; a grant without a field list opens every field.
// A field is writable when at least one granting statement does not mark
// it readonly.
func (e *Evaluator) evaluatePolicies(req *Request, d *Decision) (*Decision, error) {
	var (
		grants       int
		openRows     bool
		rowFilters   []query.Filter
		openFields   bool
		fieldUnion   = map[string]struct{}{}
		readonlySets [][]string
	)
	for _, rp := range e.registry.ResolveRoles(req.EffectiveRoles()) {
		for _, p := range rp.Policies {
			if !p.AppliesTo(req.Object) || !p.Allows(req.Action) {
				continue
			}
			grants++
			if p.Filters == nil {
				openRows = true
			} else {
				f, err := query.ParseFilter(p.Filters)
				if err != nil {
					return nil, tabula.Invalidf("privacy: role %s: bad policy filter for %s: %v", rp.Role, req.Object, err)
				}
				if f == nil {
					openRows = true
				} else {
					rowFilters = append(rowFilters, f)
				}
			}
			if len(p.AllowedFields) == 0 {
				openFields = true
			} else {
				for _, f := range p.AllowedFields {
					fieldUnion[f] = struct{}{}
				}
			}
			readonlySets = append(readonlySets, p.ReadonlyFields)
		}
	}
	if grants == 0 {
		return d, nil
	}
	d.Allowed = true
	if !openRows {
		d.Filters = query.Or(rowFilters...)
	}
	if !openFields {
		d.AllowedFields = setToSorted(fieldUnion)
	}
	d.ReadonlyFields = intersect(readonlySets)
	return d, nil
}

// intersect keeps the fields every grant marks readonly. One permissive
// grant makes the field writable.
func intersect(sets [][]string) []string {
	if len(sets) == 0 {
		return nil
	}
	counts := map[string]int{}
	for _, set := range sets {
		seen := map[string]bool{}
		for _, f := range set {
			if !seen[f] {
				seen[f] = true
				counts[f]++
			}
		}
	}
	common := map[string]struct{}{}
	for f, n := range counts {
		if n == len(sets) {
			common[f] = struct{}{}
		}
	}
	if len(common) == 0 {
		return nil
	}
	return setToSorted(common)
}

// ActionForOperation maps a pipeline operation to its policy action.
func ActionForOperation(op string) string {
	switch op {
	case "find", "findOne", "count", "distinct", "aggregate":
		return schema.ActionRead
	case "create", "createMany":
		return schema.ActionCreate
	case "update", "updateMany", "findOneAndUpdate":
		return schema.ActionUpdate
	case "delete", "deleteMany":
		return schema.ActionDelete
	}
	return op
}
