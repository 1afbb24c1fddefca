package registry

import (
	"fmt"
	"strings"

	"github.com/tabula-io/tabula"
	"github.com/tabula-io/tabula/schema"
)

// CheckError is one finding from a registry consistency check.
type CheckError struct {
	Object  string
	Field   string
	Message string
}

func (e *CheckError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s.%s: %s", e.Object, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Object, e.Message)
}

// CheckResult holds the findings of a registry consistency check.
type CheckResult struct {
	Errors   []*CheckError
	Warnings []*CheckError
}

// HasErrors reports whether the registry cannot be served as-is.
func (r *CheckResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// String returns a human-readable summary.
func (r *CheckResult) String() string {
	var sb strings.Builder
	if len(r.Errors) > 0 {
		sb.WriteString("Errors:\n")
		for _, e := range r.Errors {
			sb.WriteString("  - ")
			sb.WriteString(e.Error())
			sb.WriteString("\n")
		}
	}
	if len(r.Warnings) > 0 {
		sb.WriteString("Warnings:\n")
		for _, w := range r.Warnings {
			sb.WriteString("  - ")
			sb.WriteString(w.Error())
			sb.WriteString("\n")
		}
	}
	if !r.HasErrors() && len(r.Warnings) == 0 {
		sb.WriteString("No issues found")
	}
	return sb.String()
}

// Check verifies the cross-definition invariants that individual
// definitions cannot: relationship and summary targets exist, role
// inheritance resolves and is acyclic. Per-object shape was already
// validated at registration.
func (r *Registry) Check() *CheckResult {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := &CheckResult{}
	for _, name := range r.objects.names() {
		o, _ := r.objects.get(name)
		for fieldName, f := range o.Fields {
			if f.Type.Relationship() {
				if _, ok := r.objects.get(f.ReferenceTo); !ok {
					result.Errors = append(result.Errors, &CheckError{
						Object:  name,
						Field:   fieldName,
						Message: fmt.Sprintf("references unknown object %q", f.ReferenceTo),
					})
				}
			}
			if f.Summary != nil {
				if _, ok := r.objects.get(f.Summary.Object); !ok {
					result.Errors = append(result.Errors, &CheckError{
						Object:  name,
						Field:   fieldName,
						Message: fmt.Sprintf("summary rolls up unknown object %q", f.Summary.Object),
					})
				}
			}
			if f.Type == schema.TypeFormula && f.Formula == "" {
				result.Warnings = append(result.Warnings, &CheckError{
					Object:  name,
					Field:   fieldName,
					Message: "formula field declares no expression",
				})
			}
		}
	}

	for _, name := range r.roles.names() {
		role, _ := r.roles.get(name)
		for _, parent := range role.Inherits {
			if _, ok := r.roles.get(parent); !ok {
				result.Errors = append(result.Errors, &CheckError{
					Object:  "role " + name,
					Message: fmt.Sprintf("inherits unknown role %q", parent),
				})
			}
		}
	}
	if cycle := r.findRoleCycle(); cycle != "" {
		result.Errors = append(result.Errors, &CheckError{
			Object:  "role " + cycle,
			Message: "inheritance cycle",
		})
	}
	return result
}

// Build runs Check and fails on any error, returning the first finding's
// detail in the message.
func (r *Registry) Build() error {
	result := r.Check()
	if result.HasErrors() {
		return tabula.Invalidf("registry: %s", result.Errors[0].Error()).
			WithDetail("findings", result.String())
	}
	return nil
}

// findRoleCycle walks the inheritance graph, returning a role on a cycle
// or "" when acyclic. Unknown parents are skipped here; Check reports
// them separately.
func (r *Registry) findRoleCycle() string {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	colors := make(map[string]int)
	var visit func(name string) bool
	visit = func(name string) bool {
		switch colors[name] {
		case grey:
			return true
		case black:
			return false
		}
		colors[name] = grey
		if role, ok := r.roles.get(name); ok {
			for _, parent := range role.Inherits {
				if visit(parent) {
					return true
				}
			}
		}
		colors[name] = black
		return false
	}
	for _, name := range r.roles.names() {
		if colors[name] == white && visit(name) {
			return name
		}
	}
	return ""
}

// ResolveRoles flattens a role set to the full ordered policy list,
// following inheritance depth-first. Unknown role names are skipped, so
// callers can pass transport-supplied role lists safely.
func (r *Registry) ResolveRoles(names []string) []RolePolicies {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []RolePolicies
	seen := make(map[string]struct{})
	var visit func(name string)
	visit = func(name string) {
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		role, ok := r.roles.get(name)
		if !ok {
			return
		}
		for _, parent := range role.Inherits {
			visit(parent)
		}
		out = append(out, RolePolicies{Role: role.Name, Policies: role.Policies})
	}
	for _, name := range names {
		visit(name)
	}
	return out
}

// RolePolicies pairs a resolved role name with its own policy statements.
type RolePolicies struct {
	Role     string
	Policies []schema.Policy
}
