package schema

import "github.com/tabula-io/tabula"

// Policy actions.
const (
	ActionRead   = "read"
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionAll    = "*"
)

// Policy is one access statement: which actions are allowed on which
// objects, optionally narrowed by a row-level filter and field lists.
type Policy struct {
	// Objects scopes the statement; "*" matches every object.
	Objects []string `yaml:"objects" json:"objects"`
	Actions []string `yaml:"actions" json:"actions"`
	// Filters is a filter expression in either wire dialect. Matching
	// rows are the only ones the statement grants access to.
	Filters any `yaml:"filters,omitempty" json:"filters,omitempty"`
	// AllowedFields restricts visible fields; empty means all.
	AllowedFields []string `yaml:"allowed_fields,omitempty" json:"allowed_fields,omitempty"`
	// ReadonlyFields lists fields the statement never lets callers write.
	ReadonlyFields []string `yaml:"readonly_fields,omitempty" json:"readonly_fields,omitempty"`
}

// AppliesTo reports whether the statement covers the object.
func (p Policy) AppliesTo(object string) bool {
	for _, o := range p.Objects {
		if o == ActionAll || o == object {
			return true
		}
	}
	return false
}

// Allows reports whether the statement grants the action.
func (p Policy) Allows(action string) bool {
	for _, a := range p.Actions {
		if a == ActionAll || a == action {
			return true
		}
	}
	return false
}

// Role aggregates policy statements, optionally inheriting other roles.
type Role struct {
	Name     string   `yaml:"name,omitempty" json:"name"`
	Label    string   `yaml:"label,omitempty" json:"label,omitempty"`
	Policies []Policy `yaml:"policies,omitempty" json:"policies,omitempty"`
	Inherits []string `yaml:"inherits,omitempty" json:"inherits,omitempty"`
}

// Validate checks the role definition in isolation.
func (r *Role) Validate() error {
	if !ValidIdentifier(r.Name) {
		return tabula.Invalidf("schema: invalid role name %q", r.Name)
	}
	for i, p := range r.Policies {
		if len(p.Objects) == 0 {
			return tabula.Invalidf("schema: role %s: policy %d names no objects", r.Name, i)
		}
		for _, a := range p.Actions {
			switch a {
			case ActionRead, ActionCreate, ActionUpdate, ActionDelete, ActionAll:
			default:
				return tabula.Invalidf("schema: role %s: unknown policy action %q", r.Name, a)
			}
		}
	}
	return nil
}
