package validation

import (
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/language"

	"github.com/tabula-io/tabula/query"
	"github.com/tabula-io/tabula/schema"
)

// renderMessage resolves a declared message through the language chain
// and substitutes {{path.with.dots}} template variables from the
// evaluation scope.
func (e *Engine) renderMessage(msg schema.Message, vctx *Context, extra map[string]any) string {
	text := e.resolveLanguage(msg, vctx)
	if text == "" {
		return ""
	}
	return substitute(text, e.scope(vctx, extra))
}

// resolveLanguage picks the message translation: the request language
// first, then the configured fallback chain, then the first available
// tag in sorted order so the pick is deterministic.
func (e *Engine) resolveLanguage(msg schema.Message, vctx *Context) string {
	if msg.Literal != "" || len(msg.Localized) == 0 {
		return msg.Literal
	}
	keys := make([]string, 0, len(msg.Localized))
	for key := range msg.Localized {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	tags := make([]language.Tag, 0, len(keys))
	tagKeys := make([]string, 0, len(keys))
	for _, key := range keys {
		tag, err := language.Parse(key)
		if err != nil {
			continue
		}
		tags = append(tags, tag)
		tagKeys = append(tagKeys, key)
	}
	if len(tags) > 0 {
		matcher := language.NewMatcher(tags)
		var preferred []language.Tag
		if vctx.Language != "" {
			if tag, err := language.Parse(vctx.Language); err == nil {
				preferred = append(preferred, tag)
			}
		}
		for _, fb := range e.fallbacks {
			if tag, err := language.Parse(fb); err == nil {
				preferred = append(preferred, tag)
			}
		}
		if len(preferred) > 0 {
			_, index, confidence := matcher.Match(preferred...)
			if confidence > language.No {
				return msg.Localized[tagKeys[index]]
			}
		}
	}
	return msg.Localized[keys[0]]
}

var templateVarRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// substitute replaces {{path}} placeholders from the scope. Unresolved
// placeholders are left in place so broken templates stay visible.
func substitute(text string, scope map[string]any) string {
	return templateVarRe.ReplaceAllStringFunc(text, func(match string) string {
		path := templateVarRe.FindStringSubmatch(match)[1]
		if v, ok := lookupPath(scope, path); ok {
			return query.Stringify(v)
		}
		return match
	})
}

func lookupPath(scope map[string]any, path string) (any, bool) {
	var current any = scope
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// scope assembles the template and expression evaluation scope: the
// record fields at the top level, the context under reserved keys, and
// any rule-specific extras such as old_status/new_status.
func (e *Engine) scope(vctx *Context, extra map[string]any) map[string]any {
	scope := make(map[string]any, len(vctx.Record)+len(extra)+4)
	for k, v := range vctx.Record {
		scope[k] = v
	}
	if vctx.Previous != nil {
		prev := make(map[string]any, len(vctx.Previous))
		for k, v := range vctx.Previous {
			prev[k] = v
		}
		scope["previous"] = prev
	}
	if vctx.User != nil {
		scope["user"] = map[string]any{
			"id":        vctx.User.ID,
			"name":      vctx.User.Name,
			"tenant_id": vctx.User.TenantID,
		}
	}
	scope["tenant_id"] = vctx.TenantID
	scope["operation"] = vctx.Operation
	for k, v := range extra {
		scope[k] = v
	}
	return scope
}
