// Package sql implements the driver contract over database/sql. Tables
// are provisioned externally, one column per declared field; the driver
// compiles the canonical query AST to dialect-native SQL with escaped
// identifiers and bound values.
package sql

import (
	"fmt"
	"regexp"
	"strings"
)

// Supported dialects.
const (
	Postgres = "postgres"
	MySQL    = "mysql"
	SQLite   = "sqlite"
)

// validIdentifierRe validates SQL identifiers (alphanumeric and
// underscores; no dots, the engine never addresses other schemas).
var validIdentifierRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidIdentifier(s string) bool {
	return s != "" && len(s) <= 128 && validIdentifierRe.MatchString(s)
}

// quoteIdent escapes an identifier for the dialect. Callers validate
// with isValidIdentifier first; quoting is the second line of defence.
func quoteIdent(dialect, name string) string {
	switch dialect {
	case MySQL:
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	default:
		return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
	}
}

// rebind rewrites ? placeholders to the dialect's native form. The
// builders emit ? throughout; postgres statements are rewritten once at
// the end.
func rebind(dialect, query string) string {
	if dialect != Postgres {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] != '?' {
			sb.WriteByte(query[i])
			continue
		}
		n++
		fmt.Fprintf(&sb, "$%d", n)
	}
	return sb.String()
}

// escapeLike escapes the LIKE pattern metacharacters in a literal value.
// Every emitted LIKE carries an explicit ESCAPE '\' clause so the three
// dialects agree.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
