package ident

import (
	"strings"
	"sync"
	"unicode"
)

// SplitQualified splits a potentially schema-qualified identifier into its parts.
// Double quotes and MySQL backticks both delimit quoted parts.
func SplitQualified(ident string) []string {
	ident = strings.TrimSpace(ident)
	if ident == "" {
		return nil
	}
	var parts []string
	var buf strings.Builder
	var quote rune
	runes := []rune(ident)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quote == 0 && (r == '"' || r == '`'):
			quote = r
		case quote != 0 && r == quote:
			if i+1 < len(runes) && runes[i+1] == quote {
				buf.WriteRune(r)
				i++
				continue
			}
			quote = 0
		case r == '.' && quote == 0:
			parts = append(parts, strings.TrimSpace(buf.String()))
			buf.Reset()
		default:
			buf.WriteRune(r)
		}
	}
	parts = append(parts, strings.TrimSpace(buf.String()))
	return parts
}

// StripAlias removes trailing alias tokens from an identifier while preserving quotes.
func StripAlias(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimRight(s, ",")
	runes := []rune(s)
	var quote rune
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quote == 0 && (r == '"' || r == '`'):
			quote = r
		case r == quote:
			quote = 0
		case quote == 0 && unicode.IsSpace(r):
			return strings.TrimSpace(string(runes[:i]))
		}
	}
	return s
}

// Clean removes identifier quoting (double quotes, backticks, brackets and
// stray single quotes) and keeps the dotted qualification.
func Clean(name string) string {
	parts := SplitQualified(name)
	for i, p := range parts {
		parts[i] = strings.Trim(p, "`\"'[]")
	}
	return strings.Join(parts, ".")
}

// QuoteQualified renders qualified identifier parts as a SQL identifier.
func QuoteQualified(parts []string) string {
	if len(parts) == 0 {
		return ""
	}
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = Quote(p)
	}
	return strings.Join(quoted, ".")
}

// Quote safely quotes a single identifier part.
func Quote(part string) string {
	return `"` + strings.ReplaceAll(part, `"`, `""`) + `"`
}

// BaseTableName returns the last segment of a qualified identifier.
func BaseTableName(ident string) string {
	parts := SplitQualified(ident)
	if len(parts) == 0 {
		return strings.TrimSpace(ident)
	}
	return parts[len(parts)-1]
}

var (
	camelCache sync.Map // snake_case -> camelCase
	snakeCache sync.Map // camelCase -> snake_case
)

// ToCamel folds a snake_case column name into its camelCase property name
// (user_name -> userName). Letters outside word boundaries are lowered so
// USER_NAME folds the same way.
func ToCamel(s string) string {
	if s == "" {
		return s
	}
	if v, ok := camelCache.Load(s); ok {
		return v.(string)
	}
	var b strings.Builder
	upper := false
	for _, r := range s {
		if r == '_' {
			upper = b.Len() > 0
			continue
		}
		if upper {
			b.WriteRune(unicode.ToUpper(r))
			upper = false
		} else {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	out := b.String()
	camelCache.Store(s, out)
	return out
}

// ToSnake converts a CamelCase or camelCase name to snake_case, keeping
// acronyms together (HTTPServer -> http_server).
func ToSnake(s string) string {
	if s == "" {
		return s
	}
	if v, ok := snakeCache.Load(s); ok {
		return v.(string)
	}
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(r)
		}
	}
	out := b.String()
	snakeCache.Store(s, out)
	return out
}
