package sqlcapture

import (
	"fmt"
	"strings"

	"github.com/mickamy/sqlcapture/internal/ident"
)

// RedactedValue replaces values masked by Mask.
const RedactedValue = "[REDACTED]"

// RedactFunc defines a function used to sanitize or mask a captured value.
// key is the parameter key as recorded on the Record.
type RedactFunc func(key string, v any) any

// RedactMap maps column names to specific redaction functions. Names match
// case-insensitively, also against the last segment of a qualified key
// ("u.password") and against keys suffixed after a repeat ("password_2").
type RedactMap map[string]RedactFunc

// Mask is a RedactFunc that replaces every value with RedactedValue.
func Mask(string, any) any { return RedactedValue }

// WithRedact adds key-based redaction. Entries override Config.RedactKeys.
func WithRedact(m RedactMap) Option {
	return func(h *Handler) {
		if h.redact == nil {
			h.redact = RedactMap{}
		}
		for k, fn := range m {
			h.redact[k] = fn
		}
	}
}

type redactor map[string]RedactFunc

func newRedactor(keys []string, m RedactMap) redactor {
	r := redactor{}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			r[strings.ToLower(k)] = Mask
		}
	}
	for k, fn := range m {
		if fn != nil {
			r[strings.ToLower(strings.TrimSpace(k))] = fn
		}
	}
	return r
}

func (r redactor) lookup(key string) RedactFunc {
	if len(r) == 0 {
		return nil
	}
	for _, k := range []string{key, ident.BaseTableName(key)} {
		k = strings.ToLower(k)
		if fn, ok := r[k]; ok {
			return fn
		}
		if fn, ok := r[trimRepeatSuffix(k)]; ok {
			return fn
		}
	}
	return nil
}

// trimRepeatSuffix drops the "_<n>" a repeated column gets in Params.
func trimRepeatSuffix(key string) string {
	i := strings.LastIndexByte(key, '_')
	if i <= 0 || i == len(key)-1 {
		return key
	}
	for _, c := range key[i+1:] {
		if c < '0' || c > '9' {
			return key
		}
	}
	return key[:i]
}

// apply redacts the parameter mappings, the matching string literals in the
// executable SQL and the matching columns of a row-set result. Row maps are
// copied since the caller still owns them.
func (r redactor) apply(rec *Record) {
	if len(r) == 0 {
		return
	}
	if rec.Params != nil {
		var keys []string
		for k := range rec.Params.FromOldest() {
			keys = append(keys, k)
		}
		for _, k := range keys {
			fn := r.lookup(k)
			if fn == nil {
				continue
			}
			old, _ := rec.Params.Get(k)
			masked := fn(k, old)
			rec.Params.Set(k, masked)
			if rec.WhereParams != nil {
				if _, ok := rec.WhereParams.Get(k); ok {
					rec.WhereParams.Set(k, masked)
				}
			}
			rec.ExecutableSQL = redactLiteral(rec.ExecutableSQL, old, masked)
		}
	}
	if rows, ok := rec.Result.([]map[string]any); ok {
		out := make([]map[string]any, len(rows))
		for i, row := range rows {
			cp := make(map[string]any, len(row))
			for k, v := range row {
				if fn := r.lookup(k); fn != nil {
					v = fn(k, v)
				}
				cp[k] = v
			}
			out[i] = cp
		}
		rec.Result = out
	}
}

// redactLiteral replaces the quoted literal of old in text with masked.
// Only string values are located; numbers are too ambiguous to replace.
func redactLiteral(text string, old, masked any) string {
	s, ok := old.(string)
	if !ok {
		return text
	}
	s = strings.TrimPrefix(s, "NOT ")
	switch s {
	case "", "?", "NULL":
		return text
	}
	quote := func(v string) string { return "'" + strings.ReplaceAll(v, "'", "''") + "'" }
	return strings.ReplaceAll(text, quote(s), quote(fmt.Sprint(masked)))
}
