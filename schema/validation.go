package schema

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/tabula-io/tabula"
)

// Validation is the per-field validation block.
type Validation struct {
	Format    string   `yaml:"format,omitempty" json:"format,omitempty"`
	Protocols []string `yaml:"protocols,omitempty" json:"protocols,omitempty"`
	Pattern   string   `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	// Regex is the deprecated spelling of Pattern, still accepted.
	Regex     string   `yaml:"regex,omitempty" json:"regex,omitempty"`
	Min       *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max       *float64 `yaml:"max,omitempty" json:"max,omitempty"`
	MinLength *int     `yaml:"min_length,omitempty" json:"min_length,omitempty"`
	MaxLength *int     `yaml:"max_length,omitempty" json:"max_length,omitempty"`
	Message   Message  `yaml:"message,omitempty" json:"message,omitempty"`
}

// EffectivePattern prefers Pattern over the deprecated Regex spelling.
func (v *Validation) EffectivePattern() string {
	if v.Pattern != "" {
		return v.Pattern
	}
	return v.Regex
}

// RuleType tags the validation rule variants.
type RuleType string

const (
	RuleCrossField   RuleType = "cross_field"
	RuleStateMachine RuleType = "state_machine"
	RuleUnique       RuleType = "unique"
	RuleBusiness     RuleType = "business_rule"
	RuleConditional  RuleType = "conditional"
	RuleCustom       RuleType = "custom"
)

// Severity buckets a rule outcome.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Message is a failure message, either a literal string or a map keyed by
// language tag.
type Message struct {
	Literal   string
	Localized map[string]string
}

// IsZero reports whether no message was declared.
func (m Message) IsZero() bool {
	return m.Literal == "" && len(m.Localized) == 0
}

// UnmarshalYAML accepts both the literal and the language-map form.
func (m *Message) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Decode(&m.Literal)
	case yaml.MappingNode:
		return node.Decode(&m.Localized)
	}
	return fmt.Errorf("schema: message must be a string or a language map")
}

// MarshalYAML renders the form that was declared.
func (m Message) MarshalYAML() (any, error) {
	if len(m.Localized) > 0 {
		return m.Localized, nil
	}
	return m.Literal, nil
}

// UnmarshalJSON mirrors UnmarshalYAML for the JSON wire form.
func (m *Message) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '{' {
		return json.Unmarshal(b, &m.Localized)
	}
	return json.Unmarshal(b, &m.Literal)
}

// MarshalJSON mirrors MarshalYAML.
func (m Message) MarshalJSON() ([]byte, error) {
	if len(m.Localized) > 0 {
		return json.Marshal(m.Localized)
	}
	return json.Marshal(m.Literal)
}

// Condition is a declarative predicate over the record under validation.
// Exactly one of the composition lists or the field comparison is set.
// CompareTo names another field whose value replaces the literal operand.
type Condition struct {
	Field     string       `yaml:"field,omitempty" json:"field,omitempty"`
	Operator  string       `yaml:"operator,omitempty" json:"operator,omitempty"`
	Value     any          `yaml:"value,omitempty" json:"value,omitempty"`
	CompareTo string       `yaml:"compare_to,omitempty" json:"compare_to,omitempty"`
	AllOf     []*Condition `yaml:"all_of,omitempty" json:"all_of,omitempty"`
	AnyOf     []*Condition `yaml:"any_of,omitempty" json:"any_of,omitempty"`
	NoneOf    []*Condition `yaml:"none_of,omitempty" json:"none_of,omitempty"`
}

// Transition lists the states reachable from one state-machine state. An
// empty AllowedNext marks a terminal state.
type Transition struct {
	Label       string   `yaml:"label,omitempty" json:"label,omitempty"`
	AllowedNext []string `yaml:"allowed_next" json:"allowed_next"`
}

// Rule is one object-level validation rule. Type selects the variant and
// the variant's payload fields; the common fields gate and describe it.
type Rule struct {
	Name        string   `yaml:"name" json:"name"`
	Type        RuleType `yaml:"type" json:"type"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	// Triggers restricts the rule to a subset of {create, update}; empty
	// means both.
	Triggers  []string   `yaml:"triggers,omitempty" json:"triggers,omitempty"`
	Fields    []string   `yaml:"fields,omitempty" json:"fields,omitempty"`
	ApplyWhen *Condition `yaml:"apply_when,omitempty" json:"apply_when,omitempty"`
	Severity  Severity   `yaml:"severity,omitempty" json:"severity,omitempty"`
	Message   Message    `yaml:"message,omitempty" json:"message,omitempty"`
	Code      string     `yaml:"code,omitempty" json:"code,omitempty"`

	// cross_field
	Condition *Condition `yaml:"condition,omitempty" json:"condition,omitempty"`

	// state_machine and unique
	Field       string                `yaml:"field,omitempty" json:"field,omitempty"`
	Transitions map[string]Transition `yaml:"transitions,omitempty" json:"transitions,omitempty"`

	// business_rule
	Expression string `yaml:"expression,omitempty" json:"expression,omitempty"`

	// conditional
	When *Condition `yaml:"when,omitempty" json:"when,omitempty"`
	Then *Rule      `yaml:"then,omitempty" json:"then,omitempty"`

	// custom
	Handler string `yaml:"handler,omitempty" json:"handler,omitempty"`
}

// EffectiveSeverity defaults the severity to error.
func (r *Rule) EffectiveSeverity() Severity {
	if r.Severity == "" {
		return SeverityError
	}
	return r.Severity
}

// AppliesTo reports whether the rule triggers for the operation, "create"
// or "update".
func (r *Rule) AppliesTo(operation string) bool {
	if len(r.Triggers) == 0 {
		return true
	}
	for _, t := range r.Triggers {
		if t == operation {
			return true
		}
	}
	return false
}

func (r *Rule) validate(o *Object) error {
	if r.Name == "" {
		return tabula.Invalidf("schema: %s: validation rule requires a name", o.Name)
	}
	return r.validateVariant(o)
}

// validateVariant checks the variant payload. Nested rules under a
// conditional need no name of their own.
func (r *Rule) validateVariant(o *Object) error {
	switch r.Type {
	case RuleCrossField:
		if r.Condition == nil {
			return tabula.Invalidf("schema: %s.%s: cross_field rule requires a condition", o.Name, r.Name)
		}
	case RuleStateMachine:
		if r.Field == "" {
			return tabula.Invalidf("schema: %s.%s: state_machine rule requires a field", o.Name, r.Name)
		}
		if _, ok := o.Fields[r.Field]; !ok {
			return tabula.Invalidf("schema: %s.%s: state_machine field %q is not declared", o.Name, r.Name, r.Field)
		}
		if len(r.Transitions) == 0 {
			return tabula.Invalidf("schema: %s.%s: state_machine rule requires transitions", o.Name, r.Name)
		}
	case RuleUnique:
		if r.Field == "" && len(r.Fields) == 0 {
			return tabula.Invalidf("schema: %s.%s: unique rule requires a field", o.Name, r.Name)
		}
	case RuleBusiness:
		if r.Expression == "" {
			return tabula.Invalidf("schema: %s.%s: business_rule requires an expression", o.Name, r.Name)
		}
	case RuleConditional:
		if r.When == nil || r.Then == nil {
			return tabula.Invalidf("schema: %s.%s: conditional rule requires when and then", o.Name, r.Name)
		}
		if r.Then.Name == "" {
			r.Then.Name = r.Name
		}
		if err := r.Then.validateVariant(o); err != nil {
			return err
		}
	case RuleCustom:
		if r.Handler == "" {
			return tabula.Invalidf("schema: %s.%s: custom rule requires a handler", o.Name, r.Name)
		}
	default:
		return tabula.Invalidf("schema: %s.%s: unknown rule type %q", o.Name, r.Name, r.Type)
	}
	switch r.EffectiveSeverity() {
	case SeverityError, SeverityWarning, SeverityInfo:
	default:
		return tabula.Invalidf("schema: %s.%s: unknown severity %q", o.Name, r.Name, r.Severity)
	}
	return nil
}
