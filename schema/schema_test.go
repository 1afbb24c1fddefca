package schema_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/tabula-io/tabula/schema"
)

func TestMessageForms(t *testing.T) {
	t.Run("YAMLLiteral", func(t *testing.T) {
		var m schema.Message
		require.NoError(t, yaml.Unmarshal([]byte(`"too short"`), &m))
		assert.Equal(t, "too short", m.Literal)
		assert.Empty(t, m.Localized)
	})
	t.Run("YAMLLanguageMap", func(t *testing.T) {
		var m schema.Message
		require.NoError(t, yaml.Unmarshal([]byte("en: too short\nzh-CN: 太短\n"), &m))
		assert.Empty(t, m.Literal)
		assert.Equal(t, "too short", m.Localized["en"])
		assert.Equal(t, "太短", m.Localized["zh-CN"])
	})
	t.Run("YAMLRejectsList", func(t *testing.T) {
		var m schema.Message
		assert.Error(t, yaml.Unmarshal([]byte("- a\n- b\n"), &m))
	})
	t.Run("JSONRoundTrip", func(t *testing.T) {
		for _, m := range []schema.Message{
			{Literal: "plain"},
			{Localized: map[string]string{"en": "plain", "fr": "simple"}},
		} {
			b, err := json.Marshal(m)
			require.NoError(t, err)
			var got schema.Message
			require.NoError(t, json.Unmarshal(b, &got))
			assert.Equal(t, m, got)
		}
	})
}

func TestFieldTypes(t *testing.T) {
	assert.True(t, schema.TypeLookup.Valid())
	assert.True(t, schema.TypeLookup.Relationship())
	assert.True(t, schema.TypeMasterDetail.Relationship())
	assert.False(t, schema.TypeText.Relationship())
	assert.True(t, schema.TypeCurrency.Numeric())
	assert.False(t, schema.FieldType("decimal").Valid())
}

func TestValidIdentifier(t *testing.T) {
	tests := []struct {
		in string
		ok bool
	}{
		{"accounts", true},
		{"_private", true},
		{"a1_b2", true},
		{"", false},
		{"1abc", false},
		{"foo-bar", false},
		{"foo.bar", false},
		{"$where", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.ok, schema.ValidIdentifier(tt.in))
		})
	}
}

func TestRuleGating(t *testing.T) {
	r := &schema.Rule{Type: schema.RuleCustom, Handler: "h"}
	assert.True(t, r.AppliesTo("create"))
	assert.True(t, r.AppliesTo("update"))

	r.Triggers = []string{"update"}
	assert.False(t, r.AppliesTo("create"))
	assert.True(t, r.AppliesTo("update"))

	assert.Equal(t, schema.SeverityError, r.EffectiveSeverity())
	r.Severity = schema.SeverityWarning
	assert.Equal(t, schema.SeverityWarning, r.EffectiveSeverity())
}

func TestValidationEffectivePattern(t *testing.T) {
	v := &schema.Validation{Regex: "^a"}
	assert.Equal(t, "^a", v.EffectivePattern())
	v.Pattern = "^b"
	assert.Equal(t, "^b", v.EffectivePattern())
}
