package sql

import (
	"encoding/json"
	"strings"
)

// jsonText marshals a composite value for storage in a text column.
func jsonText(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

// decodeText folds JSON-shaped text back into its composite form so
// array and object fields round-trip through text columns. Plain
// strings pass through untouched.
func decodeText(s string) any {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) == 0 {
		return s
	}
	switch trimmed[0] {
	case '{':
		var m map[string]any
		if err := json.Unmarshal([]byte(trimmed), &m); err == nil {
			return m
		}
	case '[':
		var l []any
		if err := json.Unmarshal([]byte(trimmed), &l); err == nil {
			return l
		}
	}
	return s
}
