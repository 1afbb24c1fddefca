package schema

// Merge combines a later definition of the same object into an earlier
// one, returning a new value. Rules:
//
//   - top-level properties (label, icon, description, datasource) are
//     overridden when the overlay sets them;
//   - field maps merge per field, with overlay properties updating the
//     base field; redeclaring a field with a different type replaces the
//     definition outright;
//   - action and listener maps merge key by key;
//   - rule and index lists concatenate with later entries replacing
//     earlier ones of the same name;
//   - initial data lists concatenate.
//
// Boolean field flags accumulate: a merge can add required or unique but
// not retract it, short of retyping the field. Neither input is mutated.
func Merge(base, overlay *Object) *Object {
	if base == nil {
		return overlay.Clone()
	}
	if overlay == nil {
		return base.Clone()
	}
	out := base.Clone()
	if overlay.Label != "" {
		out.Label = overlay.Label
	}
	if overlay.Icon != "" {
		out.Icon = overlay.Icon
	}
	if overlay.Description != "" {
		out.Description = overlay.Description
	}
	if overlay.Datasource != "" {
		out.Datasource = overlay.Datasource
	}
	out.Customizable = out.Customizable || overlay.Customizable

	for name, f := range overlay.Fields {
		if out.Fields == nil {
			out.Fields = make(map[string]*Field)
		}
		if existing, ok := out.Fields[name]; ok {
			out.Fields[name] = mergeField(existing, f)
		} else {
			out.Fields[name] = cloneField(f)
		}
		out.Fields[name].Name = name
	}
	for name, a := range overlay.Actions {
		if out.Actions == nil {
			out.Actions = make(map[string]*Action)
		}
		out.Actions[name] = cloneAction(a)
		out.Actions[name].Name = name
	}
	for event, handler := range overlay.Listeners {
		if out.Listeners == nil {
			out.Listeners = make(map[string]string)
		}
		out.Listeners[event] = handler
	}
	for _, r := range overlay.Rules {
		out.Rules = replaceByName(out.Rules, r)
	}
	for _, idx := range overlay.Indexes {
		out.Indexes = replaceIndex(out.Indexes, idx)
	}
	out.InitialData = append(out.InitialData, overlay.InitialData...)
	return out
}

func mergeField(base, overlay *Field) *Field {
	if overlay.Type != "" && overlay.Type != base.Type {
		return cloneField(overlay)
	}
	out := cloneField(base)
	if overlay.Label != "" {
		out.Label = overlay.Label
	}
	if overlay.Help != "" {
		out.Help = overlay.Help
	}
	out.Required = out.Required || overlay.Required
	out.Unique = out.Unique || overlay.Unique
	out.Readonly = out.Readonly || overlay.Readonly
	out.Hidden = out.Hidden || overlay.Hidden
	out.Multiple = out.Multiple || overlay.Multiple
	out.Customizable = out.Customizable || overlay.Customizable
	if overlay.Default != nil {
		out.Default = overlay.Default
	}
	if overlay.ReferenceTo != "" {
		out.ReferenceTo = overlay.ReferenceTo
	}
	if len(overlay.Options) > 0 {
		out.Options = append([]Option(nil), overlay.Options...)
	}
	if overlay.Min != nil {
		out.Min = overlay.Min
	}
	if overlay.Max != nil {
		out.Max = overlay.Max
	}
	if overlay.MinLength != nil {
		out.MinLength = overlay.MinLength
	}
	if overlay.MaxLength != nil {
		out.MaxLength = overlay.MaxLength
	}
	if overlay.Pattern != "" {
		out.Pattern = overlay.Pattern
	}
	if overlay.Formula != "" {
		out.Formula = overlay.Formula
	}
	if overlay.Summary != nil {
		s := *overlay.Summary
		out.Summary = &s
	}
	if overlay.Validation != nil {
		v := *overlay.Validation
		out.Validation = &v
	}
	return out
}

func replaceByName(rules []*Rule, r *Rule) []*Rule {
	for i, existing := range rules {
		if existing.Name == r.Name {
			rules[i] = r
			return rules
		}
	}
	return append(rules, r)
}

func replaceIndex(indexes []Index, idx Index) []Index {
	for i, existing := range indexes {
		if existing.Name == idx.Name {
			indexes[i] = idx
			return indexes
		}
	}
	return append(indexes, idx)
}

// MergeRole combines a later definition of the same role into an earlier
// one: the label is overridden when set, policy lists concatenate and
// inherited role lists union. Neither input is mutated.
func MergeRole(base, overlay *Role) *Role {
	if base == nil {
		return overlay.Clone()
	}
	if overlay == nil {
		return base.Clone()
	}
	out := base.Clone()
	if overlay.Label != "" {
		out.Label = overlay.Label
	}
	out.Policies = append(out.Policies, overlay.Policies...)
	seen := make(map[string]struct{}, len(out.Inherits))
	for _, name := range out.Inherits {
		seen[name] = struct{}{}
	}
	for _, name := range overlay.Inherits {
		if _, ok := seen[name]; !ok {
			out.Inherits = append(out.Inherits, name)
		}
	}
	return out
}

// Clone deep-copies the role definition.
func (r *Role) Clone() *Role {
	if r == nil {
		return nil
	}
	out := *r
	out.Policies = append([]Policy(nil), r.Policies...)
	out.Inherits = append([]string(nil), r.Inherits...)
	return &out
}

// Clone deep-copies the object definition.
func (o *Object) Clone() *Object {
	if o == nil {
		return nil
	}
	out := *o
	if o.Fields != nil {
		out.Fields = make(map[string]*Field, len(o.Fields))
		for name, f := range o.Fields {
			out.Fields[name] = cloneField(f)
		}
	}
	if o.Actions != nil {
		out.Actions = make(map[string]*Action, len(o.Actions))
		for name, a := range o.Actions {
			out.Actions[name] = cloneAction(a)
		}
	}
	if o.Listeners != nil {
		out.Listeners = make(map[string]string, len(o.Listeners))
		for event, handler := range o.Listeners {
			out.Listeners[event] = handler
		}
	}
	out.Rules = append([]*Rule(nil), o.Rules...)
	out.Indexes = append([]Index(nil), o.Indexes...)
	out.InitialData = append([]map[string]any(nil), o.InitialData...)
	return &out
}

func cloneField(f *Field) *Field {
	out := *f
	out.Options = append([]Option(nil), f.Options...)
	if f.Min != nil {
		v := *f.Min
		out.Min = &v
	}
	if f.Max != nil {
		v := *f.Max
		out.Max = &v
	}
	if f.MinLength != nil {
		v := *f.MinLength
		out.MinLength = &v
	}
	if f.MaxLength != nil {
		v := *f.MaxLength
		out.MaxLength = &v
	}
	if f.Summary != nil {
		s := *f.Summary
		out.Summary = &s
	}
	if f.Validation != nil {
		v := *f.Validation
		out.Validation = &v
	}
	return &out
}

func cloneAction(a *Action) *Action {
	out := *a
	if a.Params != nil {
		out.Params = make(map[string]*Field, len(a.Params))
		for name, p := range a.Params {
			out.Params[name] = cloneField(p)
		}
	}
	return &out
}
