package sqlcapture

import (
	"github.com/mickamy/sqlcapture/internal/bind"
)

// Statement is a mapped statement: SQL text with #{property} markers that
// are bound by name from a parameter object.
//
//	UPDATE city SET description = #{description} WHERE city_name = #{cityName}
//
// A marker may carry a mode: #{total,mode=OUT}. Properties may be dotted
// (#{city.name}) or indexed (#{ids[0]}).
type Statement struct {
	ID     string // operation identifier recorded on every Record
	Entity string // optional; derived from the parameter type when empty

	text     string
	query    string
	bindings []Binding
}

// NewStatement compiles text.
func NewStatement(id, text string) (*Statement, error) {
	query, bindings, err := bind.Compile(text)
	if err != nil {
		return nil, Error.New("statement %q: %w", id, err)
	}
	return &Statement{ID: id, text: text, query: query, bindings: bindings}, nil
}

// MustStatement is NewStatement that panics on a malformed statement.
func MustStatement(id, text string) *Statement {
	s, err := NewStatement(id, text)
	if err != nil {
		panic(err)
	}
	return s
}

// ForEntity returns a copy of s recorded under entity.
func (s *Statement) ForEntity(entity string) *Statement {
	cp := *s
	cp.Entity = entity
	return &cp
}

// Text returns the statement as written.
func (s *Statement) Text() string { return s.text }

// SQL returns the compiled statement with '?' placeholders.
func (s *Statement) SQL() string { return s.query }

// Bindings returns the compiled bindings in placeholder order.
func (s *Statement) Bindings() []Binding {
	out := make([]Binding, len(s.bindings))
	copy(out, s.bindings)
	return out
}

// ParamWith pairs a parameter object with synthetic bindings that take
// precedence over its properties, e.g. values expanded from a collection.
func ParamWith(param any, additional map[string]any) any {
	return boundParam{param: param, additional: additional}
}

type boundParam struct {
	param      any
	additional map[string]any
}

func (s *Statement) input(param any) CaptureInput {
	in := CaptureInput{
		StatementID: s.ID,
		Entity:      s.Entity,
		SQL:         s.query,
		Bindings:    s.bindings,
		Param:       param,
	}
	if bp, ok := param.(boundParam); ok {
		in.Param = bp.param
		in.Additional = bp.additional
	}
	return in
}

func (in CaptureInput) statement() bind.Statement {
	return bind.Statement{
		SQL:        in.SQL,
		Bindings:   in.Bindings,
		Param:      in.Param,
		Additional: in.Additional,
	}
}
