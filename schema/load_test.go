package schema_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabula-io/tabula/schema"
)

const accountsYAML = `
label: Accounts
icon: building
fields:
  name:
    type: text
    required: true
    max_length: 100
  status:
    type: select
    options:
      - label: Active
        value: active
      - label: Closed
        value: closed
  owner:
    type: lookup
    reference_to: users
  amount:
    type: currency
    min: 0
actions:
  archive:
    scope: record
    label: Archive
    handler: accounts.archive
listeners:
  beforeCreate: accounts.defaults
rules:
  - name: amount_required_when_active
    type: conditional
    when:
      field: status
      operator: "="
      value: active
    then:
      type: cross_field
      condition:
        field: amount
        operator: is_not_null
    message: active accounts need an amount
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadObject(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "accounts.object.yml", accountsYAML)

	o, err := schema.LoadObject(path)
	require.NoError(t, err)

	assert.Equal(t, "accounts", o.Name)
	assert.Equal(t, "Accounts", o.Label)
	assert.Equal(t, "default", o.DatasourceName())

	name, ok := o.Field("name")
	require.True(t, ok)
	assert.Equal(t, schema.TypeText, name.Type)
	assert.True(t, name.Required)
	assert.Equal(t, 100, *name.MaxLength)
	assert.Equal(t, "name", name.Name)

	owner, ok := o.Field("owner")
	require.True(t, ok)
	assert.Equal(t, "users", owner.ReferenceTo)

	require.Contains(t, o.Actions, "archive")
	assert.Equal(t, "archive", o.Actions["archive"].Name)
	assert.Equal(t, schema.ScopeRecord, o.Actions["archive"].Scope)
	assert.Equal(t, "accounts.defaults", o.Listeners["beforeCreate"])

	require.Len(t, o.Rules, 1)
	assert.Equal(t, schema.RuleConditional, o.Rules[0].Type)
	assert.Equal(t, "active accounts need an amount", o.Rules[0].Message.Literal)
}

func TestParseObjectExplicitName(t *testing.T) {
	o, err := schema.ParseObject("ignored", []byte("name: contracts\nfields:\n  title:\n    type: text\n"))
	require.NoError(t, err)
	assert.Equal(t, "contracts", o.Name)
}

func TestParseObjectRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		msg  string
	}{
		{
			name: "UnknownKey",
			yaml: "labell: Accounts\n",
			msg:  "labell",
		},
		{
			name: "UnknownFieldType",
			yaml: "fields:\n  x:\n    type: decimal\n",
			msg:  "unknown field type",
		},
		{
			name: "SelectWithoutOptions",
			yaml: "fields:\n  x:\n    type: select\n",
			msg:  "requires options",
		},
		{
			name: "LookupWithoutTarget",
			yaml: "fields:\n  x:\n    type: lookup\n",
			msg:  "requires reference_to",
		},
		{
			name: "BadFieldName",
			yaml: "fields:\n  $bad:\n    type: text\n",
			msg:  "invalid field name",
		},
		{
			name: "MinAboveMax",
			yaml: "fields:\n  x:\n    type: number\n    min: 10\n    max: 5\n",
			msg:  "exceeds max",
		},
		{
			name: "StateMachineUndeclaredField",
			yaml: "fields:\n  title:\n    type: text\nrules:\n  - name: r\n    type: state_machine\n    field: status\n    transitions:\n      draft:\n        allowed_next: [done]\n",
			msg:  "is not declared",
		},
		{
			name: "UnknownRuleType",
			yaml: "rules:\n  - name: r\n    type: magic\n",
			msg:  "unknown rule type",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := schema.ParseObject("accounts", []byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b_orders.object.yml", "fields:\n  total:\n    type: number\n")
	writeFile(t, dir, "a_accounts.object.yml", accountsYAML)
	writeFile(t, dir, "admin.role.yml", "policies:\n  - objects: ['*']\n    actions: ['*']\n")
	writeFile(t, dir, "notes.txt", "not metadata")

	objects, err := schema.LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, objects, 2)
	assert.Equal(t, "a_accounts", objects[0].Name)
	assert.Equal(t, "b_orders", objects[1].Name)
}

func TestLoadRole(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "sales.role.yml", `
label: Sales
inherits: [base]
policies:
  - objects: [accounts, contacts]
    actions: [read, update]
    filters: { status: active }
    readonly_fields: [amount]
`)
	r, err := schema.LoadRole(path)
	require.NoError(t, err)
	assert.Equal(t, "sales", r.Name)
	assert.Equal(t, []string{"base"}, r.Inherits)
	require.Len(t, r.Policies, 1)
	assert.True(t, r.Policies[0].AppliesTo("accounts"))
	assert.False(t, r.Policies[0].AppliesTo("orders"))
	assert.True(t, r.Policies[0].Allows("read"))
	assert.False(t, r.Policies[0].Allows("delete"))
}

func TestLoadRoleRejectsUnknownAction(t *testing.T) {
	_, err := schema.ParseRole("sales", []byte("policies:\n  - objects: [accounts]\n    actions: [annihilate]\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown policy action")
}
