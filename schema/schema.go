package schema

import (
	"regexp"

	"github.com/tabula-io/tabula"
)

// FieldType enumerates the closed set of field types an object may declare.
type FieldType string

const (
	TypeText         FieldType = "text"
	TypeTextarea     FieldType = "textarea"
	TypeHTML         FieldType = "html"
	TypeMarkdown     FieldType = "markdown"
	TypeCode         FieldType = "code"
	TypeNumber       FieldType = "number"
	TypeCurrency     FieldType = "currency"
	TypePercent      FieldType = "percent"
	TypeBoolean      FieldType = "boolean"
	TypeDate         FieldType = "date"
	TypeDatetime     FieldType = "datetime"
	TypeTime         FieldType = "time"
	TypeFile         FieldType = "file"
	TypeImage        FieldType = "image"
	TypeAvatar       FieldType = "avatar"
	TypeSelect       FieldType = "select"
	TypeLookup       FieldType = "lookup"
	TypeMasterDetail FieldType = "master_detail"
	TypeFormula      FieldType = "formula"
	TypeSummary      FieldType = "summary"
	TypeAutonumber   FieldType = "autonumber"
	TypePassword     FieldType = "password"
	TypeEmail        FieldType = "email"
	TypeURL          FieldType = "url"
	TypePhone        FieldType = "phone"
	TypeLocation     FieldType = "location"
	TypeVector       FieldType = "vector"
	TypeObject       FieldType = "object"
	TypeGrid         FieldType = "grid"
)

var fieldTypes = map[FieldType]struct{}{
	TypeText: {}, TypeTextarea: {}, TypeHTML: {}, TypeMarkdown: {}, TypeCode: {},
	TypeNumber: {}, TypeCurrency: {}, TypePercent: {}, TypeBoolean: {},
	TypeDate: {}, TypeDatetime: {}, TypeTime: {},
	TypeFile: {}, TypeImage: {}, TypeAvatar: {},
	TypeSelect: {}, TypeLookup: {}, TypeMasterDetail: {},
	TypeFormula: {}, TypeSummary: {}, TypeAutonumber: {}, TypePassword: {},
	TypeEmail: {}, TypeURL: {}, TypePhone: {},
	TypeLocation: {}, TypeVector: {}, TypeObject: {}, TypeGrid: {},
}

// Valid reports whether the type is part of the enumeration.
func (t FieldType) Valid() bool {
	_, ok := fieldTypes[t]
	return ok
}

// Relationship reports whether the type references another object.
func (t FieldType) Relationship() bool {
	return t == TypeLookup || t == TypeMasterDetail
}

// Numeric reports whether values of the type order numerically.
func (t FieldType) Numeric() bool {
	return t == TypeNumber || t == TypeCurrency || t == TypePercent
}

// Option is one choice of a select field.
type Option struct {
	Label string `yaml:"label" json:"label"`
	Value any    `yaml:"value" json:"value"`
}

// Summary configures a summary field: an aggregation rolled up from a
// detail object.
type Summary struct {
	Object   string `yaml:"object" json:"object"`
	Field    string `yaml:"field" json:"field"`
	Function string `yaml:"function" json:"function"`
}

// Field is one attribute of an object.
type Field struct {
	Name         string      `yaml:"name,omitempty" json:"name"`
	Type         FieldType   `yaml:"type" json:"type"`
	Label        string      `yaml:"label,omitempty" json:"label,omitempty"`
	Help         string      `yaml:"help,omitempty" json:"help,omitempty"`
	Required     bool        `yaml:"required,omitempty" json:"required,omitempty"`
	Unique       bool        `yaml:"unique,omitempty" json:"unique,omitempty"`
	Readonly     bool        `yaml:"readonly,omitempty" json:"readonly,omitempty"`
	Hidden       bool        `yaml:"hidden,omitempty" json:"hidden,omitempty"`
	Multiple     bool        `yaml:"multiple,omitempty" json:"multiple,omitempty"`
	Customizable bool        `yaml:"customizable,omitempty" json:"customizable,omitempty"`
	Default      any         `yaml:"default,omitempty" json:"default,omitempty"`
	ReferenceTo  string      `yaml:"reference_to,omitempty" json:"reference_to,omitempty"`
	Options      []Option    `yaml:"options,omitempty" json:"options,omitempty"`
	Min          *float64    `yaml:"min,omitempty" json:"min,omitempty"`
	Max          *float64    `yaml:"max,omitempty" json:"max,omitempty"`
	MinLength    *int        `yaml:"min_length,omitempty" json:"min_length,omitempty"`
	MaxLength    *int        `yaml:"max_length,omitempty" json:"max_length,omitempty"`
	Pattern      string      `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Formula      string      `yaml:"formula,omitempty" json:"formula,omitempty"`
	Summary      *Summary    `yaml:"summary,omitempty" json:"summary,omitempty"`
	Validation   *Validation `yaml:"validation,omitempty" json:"validation,omitempty"`
}

// ActionScope says whether an action targets one record or the object.
type ActionScope string

const (
	ScopeRecord ActionScope = "record"
	ScopeGlobal ActionScope = "global"
)

// Action is a named RPC handler attached to an object. Handler names are
// resolved against the action dispatcher at execution time.
type Action struct {
	Name    string            `yaml:"name,omitempty" json:"name"`
	Scope   ActionScope       `yaml:"scope,omitempty" json:"scope,omitempty"`
	Label   string            `yaml:"label,omitempty" json:"label,omitempty"`
	Icon    string            `yaml:"icon,omitempty" json:"icon,omitempty"`
	Params  map[string]*Field `yaml:"params,omitempty" json:"params,omitempty"`
	Confirm string            `yaml:"confirm,omitempty" json:"confirm,omitempty"`
	Handler string            `yaml:"handler,omitempty" json:"handler,omitempty"`
}

// Index declares a secondary index hint for drivers that honour them.
type Index struct {
	Name   string   `yaml:"name" json:"name"`
	Fields []string `yaml:"fields" json:"fields"`
	Unique bool     `yaml:"unique,omitempty" json:"unique,omitempty"`
}

// Object is one logical table or collection declared in metadata.
type Object struct {
	Name         string             `yaml:"name,omitempty" json:"name"`
	Label        string             `yaml:"label,omitempty" json:"label,omitempty"`
	Icon         string             `yaml:"icon,omitempty" json:"icon,omitempty"`
	Description  string             `yaml:"description,omitempty" json:"description,omitempty"`
	Datasource   string             `yaml:"datasource,omitempty" json:"datasource,omitempty"`
	Customizable bool               `yaml:"customizable,omitempty" json:"customizable,omitempty"`
	Fields       map[string]*Field  `yaml:"fields,omitempty" json:"fields,omitempty"`
	Actions      map[string]*Action `yaml:"actions,omitempty" json:"actions,omitempty"`
	Listeners    map[string]string  `yaml:"listeners,omitempty" json:"listeners,omitempty"`
	Rules        []*Rule            `yaml:"rules,omitempty" json:"rules,omitempty"`
	Indexes      []Index            `yaml:"indexes,omitempty" json:"indexes,omitempty"`
	InitialData  []map[string]any   `yaml:"initial_data,omitempty" json:"initial_data,omitempty"`
}

// DefaultDatasource is assumed when an object names none.
const DefaultDatasource = "default"

// DatasourceName returns the object's datasource, defaulted.
func (o *Object) DatasourceName() string {
	if o.Datasource == "" {
		return DefaultDatasource
	}
	return o.Datasource
}

// Field returns the named field definition, honouring the id alias.
func (o *Object) Field(name string) (*Field, bool) {
	if name == "_id" {
		name = tabula.IDField
	}
	f, ok := o.Fields[name]
	return f, ok
}

// FieldNames returns all declared field names in unspecified order.
func (o *Object) FieldNames() []string {
	names := make([]string, 0, len(o.Fields))
	for name := range o.Fields {
		names = append(names, name)
	}
	return names
}

// identifierRe validates object and field names (alphanumeric and
// underscores, never the reserved "$" prefix).
var identifierRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidIdentifier reports whether s can name an object or field.
func ValidIdentifier(s string) bool {
	return len(s) <= 128 && identifierRe.MatchString(s)
}

// Validate checks the object definition in isolation. Cross-object
// invariants, such as relationship targets existing, are checked when the
// registry builds.
func (o *Object) Validate() error {
	if !ValidIdentifier(o.Name) {
		return tabula.Invalidf("schema: invalid object name %q", o.Name)
	}
	for name, f := range o.Fields {
		if !ValidIdentifier(name) {
			return tabula.Invalidf("schema: %s: invalid field name %q", o.Name, name)
		}
		if !f.Type.Valid() {
			return tabula.Invalidf("schema: %s.%s: unknown field type %q", o.Name, name, f.Type)
		}
		if f.Type.Relationship() && f.ReferenceTo == "" {
			return tabula.Invalidf("schema: %s.%s: %s field requires reference_to", o.Name, name, f.Type)
		}
		if f.Type == TypeSelect && len(f.Options) == 0 {
			return tabula.Invalidf("schema: %s.%s: select field requires options", o.Name, name)
		}
		if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
			return tabula.Invalidf("schema: %s.%s: min %v exceeds max %v", o.Name, name, *f.Min, *f.Max)
		}
		if f.MinLength != nil && f.MaxLength != nil && *f.MinLength > *f.MaxLength {
			return tabula.Invalidf("schema: %s.%s: min_length %d exceeds max_length %d", o.Name, name, *f.MinLength, *f.MaxLength)
		}
	}
	for _, r := range o.Rules {
		if err := r.validate(o); err != nil {
			return err
		}
	}
	return nil
}

// SystemFields returns the managed field definitions every object
// carries. The pipeline stamps their values; metadata cannot redefine
// them as writable.
func SystemFields() map[string]*Field {
	return map[string]*Field{
		tabula.IDField: {Name: tabula.IDField, Type: TypeText, Readonly: true},
		"created_at":   {Name: "created_at", Type: TypeDatetime, Readonly: true},
		"updated_at":   {Name: "updated_at", Type: TypeDatetime, Readonly: true},
		"created_by":   {Name: "created_by", Type: TypeText, Readonly: true},
		"updated_by":   {Name: "updated_by", Type: TypeText, Readonly: true},
	}
}

// EnsureSystemFields injects the managed fields the definition omitted.
func EnsureSystemFields(o *Object) {
	if o.Fields == nil {
		o.Fields = make(map[string]*Field)
	}
	for name, f := range SystemFields() {
		if _, ok := o.Fields[name]; !ok {
			o.Fields[name] = f
		}
	}
}
