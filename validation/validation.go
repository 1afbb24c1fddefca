// Package validation evaluates metadata-declared rules against a record
// and its request context. Every applicable rule is evaluated, never
// short-circuited, so callers can annotate all offending fields at once.
package validation

import (
	"context"
	"fmt"

	"github.com/tabula-io/tabula"
	"github.com/tabula-io/tabula/query"
	"github.com/tabula-io/tabula/schema"
)

// Operations a rule can trigger on.
const (
	OpCreate = "create"
	OpUpdate = "update"
)

// Context carries everything a rule may inspect.
type Context struct {
	Operation string
	Record    tabula.Record
	// Previous is the stored record on update, nil on create.
	Previous tabula.Record
	// ChangedFields lists the fields the patch touches; empty on create
	// means "all of Record".
	ChangedFields []string
	User          *tabula.User
	TenantID      string
	// Language selects the failure message translation.
	Language string
}

func (c *Context) changed(field string) bool {
	if c.Operation == OpCreate {
		return true
	}
	if len(c.ChangedFields) == 0 {
		_, ok := c.Record[field]
		return ok
	}
	for _, f := range c.ChangedFields {
		if f == field {
			return true
		}
	}
	return false
}

// fieldValue reads a field preferring the incoming record, falling back
// to the stored one so update rules see the full effective document.
func (c *Context) fieldValue(field string) any {
	if v, ok := c.Record[field]; ok {
		return v
	}
	if c.Previous != nil {
		return c.Previous[field]
	}
	return nil
}

// RuleResult is the outcome of one rule evaluation.
type RuleResult struct {
	Rule     string          `json:"rule"`
	Field    string          `json:"field,omitempty"`
	Valid    bool            `json:"valid"`
	Severity schema.Severity `json:"severity"`
	Code     string          `json:"code,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// Result aggregates every rule outcome, bucketed by severity.
type Result struct {
	Valid    bool         `json:"valid"`
	Results  []RuleResult `json:"results"`
	Errors   []RuleResult `json:"errors,omitempty"`
	Warnings []RuleResult `json:"warnings,omitempty"`
	Info     []RuleResult `json:"info,omitempty"`
}

func (r *Result) add(rr RuleResult) {
	r.Results = append(r.Results, rr)
	if rr.Valid {
		return
	}
	switch rr.Severity {
	case schema.SeverityWarning:
		r.Warnings = append(r.Warnings, rr)
	case schema.SeverityInfo:
		r.Info = append(r.Info, rr)
	default:
		r.Valid = false
		r.Errors = append(r.Errors, rr)
	}
}

// Err folds the failed error-severity rules into one VALIDATION_ERROR
// with a per-field detail map, or nil when the result is valid.
func (r *Result) Err() error {
	if r.Valid {
		return nil
	}
	fields := make(map[string]any)
	for _, e := range r.Errors {
		key := e.Field
		if key == "" {
			key = e.Rule
		}
		entry := map[string]any{"message": e.Message}
		if e.Code != "" {
			entry["code"] = e.Code
		}
		fields[key] = entry
	}
	verr := tabula.NewError(tabula.CodeValidation, "validation failed")
	verr.Details = map[string]any{"fields": fields}
	if len(r.Errors) > 0 && r.Errors[0].Code != "" {
		verr.Details["code"] = r.Errors[0].Code
	}
	return verr
}

// UniqueFunc answers whether another record already holds the value.
// The engine passes a filter of the form field = v AND id != self; the
// store must apply the caller's tenant scope.
type UniqueFunc func(ctx context.Context, object string, filter query.Filter) (bool, error)

// Handler is a custom rule body registered by name. A false return or
// an error fails the rule.
type Handler func(ctx context.Context, vctx *Context) (bool, error)

// Evaluator evaluates a bounded business-rule expression against a
// scope. Implementations absent, business rules pass silently and the
// engine advertises stubbed evaluation.
type Evaluator interface {
	Evaluate(expression string, scope map[string]any) (bool, error)
}

// Engine evaluates rules. Zero value is usable; options add the driver
// hook for uniqueness, custom handlers, and message languages.
type Engine struct {
	unique    UniqueFunc
	handlers  map[string]Handler
	evaluator Evaluator
	fallbacks []string
}

// Option configures the engine.
type Option func(*Engine)

// WithUniqueFunc installs the store probe for unique rules.
func WithUniqueFunc(fn UniqueFunc) Option {
	return func(e *Engine) { e.unique = fn }
}

// WithHandler registers a custom rule handler by name.
func WithHandler(name string, h Handler) Option {
	return func(e *Engine) { e.handlers[name] = h }
}

// WithEvaluator installs a business-rule expression evaluator.
func WithEvaluator(ev Evaluator) Option {
	return func(e *Engine) { e.evaluator = ev }
}

// WithFallbackLanguages sets the language fallback chain for localized
// failure messages.
func WithFallbackLanguages(langs ...string) Option {
	return func(e *Engine) { e.fallbacks = langs }
}

// New returns a rule engine.
func New(opts ...Option) *Engine {
	e := &Engine{handlers: make(map[string]Handler)}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StubbedExpressions reports whether business rules pass silently for
// lack of an expression evaluator. Surfaced through engine capabilities.
func (e *Engine) StubbedExpressions() bool { return e.evaluator == nil }

// Validate runs the field-level checks and every applicable object rule.
func (e *Engine) Validate(ctx context.Context, obj *schema.Object, vctx *Context) (*Result, error) {
	result := &Result{Valid: true}
	e.validateFields(obj, vctx, result)
	for _, rule := range obj.Rules {
		applies, err := e.applies(rule, vctx)
		if err != nil {
			return nil, err
		}
		if !applies {
			continue
		}
		if err := e.evaluateRule(ctx, obj, rule, vctx, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// applies gates a rule: operation trigger, touched fields, apply_when.
func (e *Engine) applies(rule *schema.Rule, vctx *Context) (bool, error) {
	if !rule.AppliesTo(vctx.Operation) {
		return false, nil
	}
	if len(rule.Fields) > 0 && vctx.Operation == OpUpdate {
		touched := false
		for _, f := range rule.Fields {
			if vctx.changed(f) {
				touched = true
				break
			}
		}
		if !touched {
			return false, nil
		}
	}
	if rule.ApplyWhen != nil {
		ok, err := e.evalCondition(rule.ApplyWhen, vctx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) evaluateRule(ctx context.Context, obj *schema.Object, rule *schema.Rule, vctx *Context, result *Result) error {
	switch rule.Type {
	case schema.RuleCrossField:
		ok, err := e.evalCondition(rule.Condition, vctx)
		if err != nil {
			return err
		}
		result.add(e.outcome(rule, rule.Condition.Field, ok, vctx, nil))
	case schema.RuleConditional:
		ok, err := e.evalCondition(rule.When, vctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		return e.evaluateRule(ctx, obj, rule.Then, vctx, result)
	case schema.RuleStateMachine:
		return e.evalStateMachine(rule, vctx, result)
	case schema.RuleUnique:
		return e.evalUnique(ctx, obj, rule, vctx, result)
	case schema.RuleBusiness:
		return e.evalBusiness(rule, vctx, result)
	case schema.RuleCustom:
		handler, ok := e.handlers[rule.Handler]
		if !ok {
			return tabula.Invalidf("validation: %s.%s: unknown custom handler %q", obj.Name, rule.Name, rule.Handler)
		}
		passed, err := handler(ctx, vctx)
		if err != nil {
			return err
		}
		result.add(e.outcome(rule, "", passed, vctx, nil))
	default:
		return tabula.Invalidf("validation: %s: unknown rule type %q", rule.Name, rule.Type)
	}
	return nil
}

// evalStateMachine applies only on update and only when the governed
// field actually changed. Terminal states have no allowed transitions.
func (e *Engine) evalStateMachine(rule *schema.Rule, vctx *Context, result *Result) error {
	if vctx.Operation != OpUpdate || vctx.Previous == nil {
		return nil
	}
	newValue, patched := vctx.Record[rule.Field]
	if !patched {
		return nil
	}
	oldValue := vctx.Previous[rule.Field]
	oldState := query.Stringify(oldValue)
	newState := query.Stringify(newValue)
	if oldState == newState {
		return nil
	}
	valid := false
	if transition, ok := rule.Transitions[oldState]; ok {
		for _, next := range transition.AllowedNext {
			if next == newState {
				valid = true
				break
			}
		}
	}
	scope := map[string]any{"old_status": oldState, "new_status": newState, "field": rule.Field}
	rr := e.outcome(rule, rule.Field, valid, vctx, scope)
	if !valid {
		if rr.Code == "" {
			rr.Code = "INVALID_STATE_TRANSITION"
		}
		if rule.Message.IsZero() {
			rr.Message = fmt.Sprintf("invalid transition of %s from %q to %q", rule.Field, oldState, newState)
		}
	}
	result.add(rr)
	return nil
}

// evalUnique asks the store whether another record holds the value,
// excluding the record itself on update.
func (e *Engine) evalUnique(ctx context.Context, obj *schema.Object, rule *schema.Rule, vctx *Context, result *Result) error {
	if e.unique == nil {
		return tabula.Internalf("validation: %s.%s: unique rule requires a store probe", obj.Name, rule.Name)
	}
	fields := rule.Fields
	if rule.Field != "" {
		fields = []string{rule.Field}
	}
	for _, field := range fields {
		value, present := vctx.Record[field]
		if !present || value == nil {
			continue
		}
		filter := query.Filter(query.FieldEQ(field, value))
		if id := vctx.Record.ID(); id != "" {
			filter = query.And(filter, query.FieldNEQ(tabula.IDField, id))
		} else if vctx.Previous != nil {
			if id := vctx.Previous.ID(); id != "" {
				filter = query.And(filter, query.FieldNEQ(tabula.IDField, id))
			}
		}
		exists, err := e.unique(ctx, obj.Name, filter)
		if err != nil {
			return err
		}
		scope := map[string]any{"field": field, "value": value}
		rr := e.outcome(rule, field, !exists, vctx, scope)
		if exists {
			if rr.Code == "" {
				rr.Code = "DUPLICATE_VALUE"
			}
			if rule.Message.IsZero() {
				rr.Message = fmt.Sprintf("%s must be unique, %v is already taken", field, value)
			}
		}
		result.add(rr)
	}
	return nil
}

// evalBusiness evaluates the bounded expression, or passes silently
// when no evaluator is installed.
func (e *Engine) evalBusiness(rule *schema.Rule, vctx *Context, result *Result) error {
	if e.evaluator == nil {
		return nil
	}
	scope := e.scope(vctx, nil)
	ok, err := e.evaluator.Evaluate(rule.Expression, scope)
	if err != nil {
		return tabula.WrapError(tabula.CodeInternal, err)
	}
	result.add(e.outcome(rule, "", ok, vctx, nil))
	return nil
}

// outcome builds the rule result, resolving the failure message through
// the language chain and template scope.
func (e *Engine) outcome(rule *schema.Rule, field string, valid bool, vctx *Context, extra map[string]any) RuleResult {
	rr := RuleResult{
		Rule:     rule.Name,
		Field:    field,
		Valid:    valid,
		Severity: rule.EffectiveSeverity(),
		Code:     rule.Code,
	}
	if !valid {
		rr.Message = e.renderMessage(rule.Message, vctx, extra)
		if rr.Message == "" && rule.Description != "" {
			rr.Message = rule.Description
		}
		if rr.Message == "" {
			rr.Message = fmt.Sprintf("rule %s failed", rule.Name)
		}
	}
	return rr
}
