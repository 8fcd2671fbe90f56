package bind

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

// AssemblyError replaces the executable SQL when reconstruction fails as a whole.
const AssemblyError = "SQL_ASSEMBLY_ERROR"

// TruncatedMarker is appended to string values cut at the length ceiling.
const TruncatedMarker = "...(truncated)"

// DefaultMaxValueLength is the ceiling for a single formatted string value.
const DefaultMaxValueLength = 500

// Statement is a parameterized statement together with what it was bound to.
type Statement struct {
	SQL        string         // text with positional '?' placeholders
	Bindings   []Binding      // one per placeholder, in order
	Param      any            // parameter source object
	Additional map[string]any // synthetic bindings not present on Param
}

// Result is the outcome of a reconstruction.
type Result struct {
	SQL         string
	Substituted int  // placeholders replaced with literals
	Failed      bool // SQL is AssemblyError
}

// Reconstructor renders executable SQL.
type Reconstructor struct {
	log      *zap.Logger
	registry *Registry
	maxValue int
}

// NewReconstructor creates a Reconstructor. A nil registry uses NewRegistry;
// maxValueLength <= 0 uses DefaultMaxValueLength.
func NewReconstructor(log *zap.Logger, registry *Registry, maxValueLength int) *Reconstructor {
	if log == nil {
		log = zap.NewNop()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if maxValueLength <= 0 {
		maxValueLength = DefaultMaxValueLength
	}
	return &Reconstructor{log: log, registry: registry, maxValue: maxValueLength}
}

// Reconstruct replaces every placeholder with the literal of its binding.
// It never panics: a failure of the whole pass yields AssemblyError, and a
// binding that cannot be resolved renders as NULL.
func (r *Reconstructor) Reconstruct(stmt Statement) (res Result) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Warn("sql assembly failed", zap.Any("panic", rec))
			res = Result{SQL: AssemblyError, Failed: true}
		}
	}()

	text := Normalize(stmt.SQL)
	if len(stmt.Bindings) == 0 {
		return Result{SQL: text}
	}

	var out strings.Builder
	out.Grow(len(text) + 16*len(stmt.Bindings))
	next := 0
	scanPlaceholders(text, func(chunk string, ordinal int) {
		if ordinal < 0 {
			out.WriteString(chunk)
			return
		}
		i := ordinal - 1
		if ordinal == 0 {
			i = next
			next++
		}
		if i < 0 || i >= len(stmt.Bindings) || stmt.Bindings[i].Mode == ModeOut {
			out.WriteString(chunk)
			return
		}
		out.WriteString(r.literal(stmt, stmt.Bindings[i]))
		res.Substituted++
	})
	res.SQL = out.String()
	return res
}

func (r *Reconstructor) literal(stmt Statement, b Binding) (lit string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Debug("binding format failed", zap.String("property", b.Property), zap.Any("panic", rec))
			lit = "NULL"
		}
	}()
	return r.Format(r.Resolve(stmt, b.Property))
}

// Resolve finds the value bound to property using, in order: the additional
// bindings, the parameter itself when it is a scalar, a direct property of
// the parameter, and a nested path lookup. Anything that fails yields nil.
func (r *Reconstructor) Resolve(stmt Statement, property string) (v any) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Debug("binding resolution failed", zap.String("property", property), zap.Any("panic", rec))
			v = nil
		}
	}()

	if val, ok := stmt.Additional[property]; ok {
		return val
	}
	if head, tail, ok := strings.Cut(property, "."); ok {
		if base, found := stmt.Additional[head]; found {
			val, err := r.registry.Lookup(base, tail)
			if err != nil {
				r.log.Debug("binding resolution failed", zap.String("property", property), zap.Error(err))
				return nil
			}
			return val
		}
	}
	if stmt.Param == nil {
		return nil
	}
	if r.registry.IsScalar(stmt.Param) {
		return stmt.Param
	}
	if val, ok := r.registry.Getter(stmt.Param, property); ok {
		return val
	}
	val, err := r.registry.Lookup(stmt.Param, property)
	if err != nil {
		r.log.Debug("binding resolution failed", zap.String("property", property), zap.Error(err))
		return nil
	}
	return val
}

// Args resolves the driver arguments for stmt. OUT and INOUT bindings whose
// value is a pointer are passed as sql.Out.
func (r *Reconstructor) Args(stmt Statement) []any {
	args := make([]any, len(stmt.Bindings))
	for i, b := range stmt.Bindings {
		v := r.Resolve(stmt, b.Property)
		if b.Mode != ModeIn && v != nil && reflect.TypeOf(v).Kind() == reflect.Pointer {
			v = sql.Out{Dest: v, In: b.Mode == ModeInOut}
		}
		args[i] = v
	}
	return args
}

// Format renders v as a SQL literal.
func (r *Reconstructor) Format(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case bool:
		if val {
			return "1"
		}
		return "0"
	case string:
		return r.quote(val)
	case []byte:
		return r.quote(string(val))
	case time.Time:
		return "'" + val.Format(time.RFC3339Nano) + "'"
	case json.Number:
		return val.String()
	case *big.Int:
		if val == nil {
			return "NULL"
		}
		return val.String()
	case *big.Float:
		if val == nil {
			return "NULL"
		}
		return val.Text('f', -1)
	case *big.Rat:
		if val == nil {
			return "NULL"
		}
		return val.FloatString(10)
	case driver.Valuer:
		rv := reflect.ValueOf(val)
		if rv.Kind() == reflect.Pointer && rv.IsNil() {
			return "NULL"
		}
		inner, err := val.Value()
		if err != nil {
			return "NULL"
		}
		return r.Format(inner)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return "NULL"
		}
		return r.Format(rv.Elem().Interface())
	case reflect.Bool:
		return r.Format(rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10)
	case reflect.Float32:
		return strconv.FormatFloat(rv.Float(), 'f', -1, 32)
	case reflect.Float64:
		return strconv.FormatFloat(rv.Float(), 'f', -1, 64)
	case reflect.String:
		return r.quote(rv.String())
	}
	if s, ok := v.(fmt.Stringer); ok {
		return r.quote(s.String())
	}
	return r.quote(fmt.Sprint(v))
}

func (r *Reconstructor) quote(s string) string {
	if utf8.RuneCountInString(s) > r.maxValue {
		s = string([]rune(s)[:r.maxValue]) + TruncatedMarker
	}
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Normalize collapses runs of whitespace into single spaces.
func Normalize(sql string) string {
	return strings.Join(strings.Fields(sql), " ")
}

// scanPlaceholders splits q into plain chunks (ordinal -1), '?' placeholders
// (ordinal 0) and numbered $n placeholders (ordinal n), ignoring anything
// inside quoted strings, quoted identifiers and block comments.
func scanPlaceholders(q string, emit func(chunk string, ordinal int)) {
	start := 0
	var quote byte
	flush := func(end int) {
		if start < end {
			emit(q[start:end], -1)
		}
	}
	for i := 0; i < len(q); i++ {
		c := q[i]
		switch {
		case quote != 0:
			if c == quote {
				if i+1 < len(q) && q[i+1] == quote {
					i++
					continue
				}
				quote = 0
			}
		case c == '\'' || c == '"' || c == '`':
			quote = c
		case c == '/' && i+1 < len(q) && q[i+1] == '*':
			if end := strings.Index(q[i+2:], "*/"); end >= 0 {
				i += end + 3
			} else {
				i = len(q)
			}
		case c == '?':
			flush(i)
			emit("?", 0)
			start = i + 1
		case c == '$' && (i == 0 || !isIdentByte(q[i-1])):
			j := i + 1
			for j < len(q) && q[j] >= '0' && q[j] <= '9' {
				j++
			}
			if j == i+1 {
				continue
			}
			n, err := strconv.Atoi(q[i+1 : j])
			if err != nil || n == 0 {
				continue
			}
			flush(i)
			emit(q[i:j], n)
			start = j
			i = j - 1
		}
	}
	flush(len(q))
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '$' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= 0x80
}
