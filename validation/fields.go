package validation

import (
	"fmt"
	"net/mail"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/tabula-io/tabula/query"
	"github.com/tabula-io/tabula/schema"
)

// validateFields runs the per-field checks declared on the object:
// required, format, pattern, numeric bounds, length bounds, and select
// membership. On create every field is checked; on update only the
// patched ones.
func (e *Engine) validateFields(obj *schema.Object, vctx *Context, result *Result) {
	for _, name := range sortedFieldNames(obj) {
		f := obj.Fields[name]
		value, present := vctx.Record[name]
		if vctx.Operation == OpUpdate && !present {
			continue
		}
		if isEmpty(value) {
			if f.Required && !f.Readonly {
				result.add(fieldFailure(e, f, name, "REQUIRED_FIELD",
					fmt.Sprintf("%s is required", label(f, name)), vctx))
			}
			// Empty and not required: nothing further to check.
			continue
		}
		e.checkFieldValue(obj, f, name, value, vctx, result)
	}
}

func (e *Engine) checkFieldValue(obj *schema.Object, f *schema.Field, name string, value any, vctx *Context, result *Result) {
	v := f.Validation
	str := query.Stringify(value)

	format := ""
	if v != nil {
		format = v.Format
	}
	switch {
	case format == "email" || (format == "" && f.Type == schema.TypeEmail):
		if _, err := mail.ParseAddress(str); err != nil {
			result.add(fieldFailure(e, f, name, "INVALID_EMAIL",
				fmt.Sprintf("%s must be a valid email address", label(f, name)), vctx))
		}
	case format == "url" || (format == "" && f.Type == schema.TypeURL):
		protocols := []string{"http", "https"}
		if v != nil && len(v.Protocols) > 0 {
			protocols = v.Protocols
		}
		if !validURL(str, protocols) {
			result.add(fieldFailure(e, f, name, "INVALID_URL",
				fmt.Sprintf("%s must be a valid URL (%s)", label(f, name), strings.Join(protocols, ", ")), vctx))
		}
	}

	pattern := f.Pattern
	if v != nil && v.EffectivePattern() != "" {
		pattern = v.EffectivePattern()
	}
	if pattern != "" {
		if re, err := regexp.Compile(pattern); err == nil && !re.MatchString(str) {
			result.add(fieldFailure(e, f, name, "PATTERN_MISMATCH",
				fmt.Sprintf("%s does not match the required pattern", label(f, name)), vctx))
		}
	}

	min, max := f.Min, f.Max
	if v != nil {
		if v.Min != nil {
			min = v.Min
		}
		if v.Max != nil {
			max = v.Max
		}
	}
	if min != nil || max != nil {
		if n, ok := query.Number(value); ok {
			if min != nil && n < *min {
				result.add(fieldFailure(e, f, name, "MIN_VALUE",
					fmt.Sprintf("%s must be at least %v", label(f, name), *min), vctx))
			}
			if max != nil && n > *max {
				result.add(fieldFailure(e, f, name, "MAX_VALUE",
					fmt.Sprintf("%s must be at most %v", label(f, name), *max), vctx))
			}
		}
	}

	minLen, maxLen := f.MinLength, f.MaxLength
	if v != nil {
		if v.MinLength != nil {
			minLen = v.MinLength
		}
		if v.MaxLength != nil {
			maxLen = v.MaxLength
		}
	}
	if minLen != nil && len(str) < *minLen {
		result.add(fieldFailure(e, f, name, "MIN_LENGTH",
			fmt.Sprintf("%s must be at least %d characters", label(f, name), *minLen), vctx))
	}
	if maxLen != nil && len(str) > *maxLen {
		result.add(fieldFailure(e, f, name, "MAX_LENGTH",
			fmt.Sprintf("%s must be at most %d characters", label(f, name), *maxLen), vctx))
	}

	if f.Type == schema.TypeSelect && len(f.Options) > 0 {
		values := value
		if !f.Multiple {
			values = []any{value}
		}
		if items, ok := toList(values); ok {
			for _, item := range items {
				if !optionAllowed(f.Options, item) {
					result.add(fieldFailure(e, f, name, "INVALID_OPTION",
						fmt.Sprintf("%v is not a valid choice for %s", item, label(f, name)), vctx))
				}
			}
		}
	}
}

// fieldFailure builds a failed field-check result, preferring the
// field's declared validation message over the built-in one.
func fieldFailure(e *Engine, f *schema.Field, name, code, fallback string, vctx *Context) RuleResult {
	message := fallback
	if f.Validation != nil && !f.Validation.Message.IsZero() {
		if rendered := e.renderMessage(f.Validation.Message, vctx, map[string]any{"field": name}); rendered != "" {
			message = rendered
		}
	}
	return RuleResult{
		Rule:     "field:" + name,
		Field:    name,
		Valid:    false,
		Severity: schema.SeverityError,
		Code:     code,
		Message:  message,
	}
}

func label(f *schema.Field, name string) string {
	if f.Label != "" {
		return f.Label
	}
	return name
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	}
	return false
}

func validURL(s string, protocols []string) bool {
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}
	for _, p := range protocols {
		if strings.EqualFold(u.Scheme, p) {
			return true
		}
	}
	return false
}

func optionAllowed(options []schema.Option, value any) bool {
	for _, opt := range options {
		if query.Stringify(opt.Value) == query.Stringify(value) {
			return true
		}
	}
	return false
}

func toList(v any) ([]any, bool) {
	if items, ok := v.([]any); ok {
		return items, true
	}
	return nil, false
}

// sortedFieldNames keeps aggregated error output stable.
func sortedFieldNames(obj *schema.Object) []string {
	names := obj.FieldNames()
	sort.Strings(names)
	return names
}
