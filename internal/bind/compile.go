// Package bind rebuilds executable SQL from a parameterized statement and the
// values its placeholders were bound to.
package bind

import (
	"strings"

	"github.com/zeebo/errs"
)

// Error is the error class for this package.
var Error = errs.Class("bind")

// Mode is the direction of a binding.
type Mode int

const (
	ModeIn Mode = iota
	ModeOut
	ModeInOut
)

func (m Mode) String() string {
	switch m {
	case ModeOut:
		return "OUT"
	case ModeInOut:
		return "INOUT"
	default:
		return "IN"
	}
}

// Binding names the property that feeds one positional placeholder.
type Binding struct {
	Property string // dotted path, e.g. "city.name" or "list[0].id"
	Mode     Mode
}

// Compile rewrites #{property} markers in text into positional '?'
// placeholders and returns the bindings in placeholder order. Options may
// follow the property after a comma (#{id,mode=OUT}); only mode is
// interpreted, others are accepted and ignored.
func Compile(text string) (string, []Binding, error) {
	var (
		out      strings.Builder
		bindings []Binding
	)
	out.Grow(len(text))
	rest := text
	for {
		i := strings.Index(rest, "#{")
		if i < 0 {
			out.WriteString(rest)
			break
		}
		out.WriteString(rest[:i])
		end := strings.IndexByte(rest[i:], '}')
		if end < 0 {
			return "", nil, Error.New("unterminated marker at offset %d", len(text)-len(rest)+i)
		}
		body := rest[i+2 : i+end]
		b, err := parseMarker(body)
		if err != nil {
			return "", nil, err
		}
		bindings = append(bindings, b)
		out.WriteByte('?')
		rest = rest[i+end+1:]
	}
	return out.String(), bindings, nil
}

func parseMarker(body string) (Binding, error) {
	parts := strings.Split(body, ",")
	b := Binding{Property: strings.TrimSpace(parts[0])}
	if b.Property == "" {
		return Binding{}, Error.New("empty property in #{%s}", body)
	}
	for _, opt := range parts[1:] {
		k, v, ok := strings.Cut(opt, "=")
		if !ok {
			return Binding{}, Error.New("malformed option %q in #{%s}", strings.TrimSpace(opt), body)
		}
		if !strings.EqualFold(strings.TrimSpace(k), "mode") {
			continue
		}
		switch strings.ToUpper(strings.TrimSpace(v)) {
		case "IN":
			b.Mode = ModeIn
		case "OUT":
			b.Mode = ModeOut
		case "INOUT":
			b.Mode = ModeInOut
		default:
			return Binding{}, Error.New("unknown mode %q in #{%s}", strings.TrimSpace(v), body)
		}
	}
	return b, nil
}
