package bind

import (
	"database/sql/driver"
	"encoding/json"
	"math/big"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mickamy/sqlcapture/internal/ident"
)

var valuerType = reflect.TypeOf((*driver.Valuer)(nil)).Elem()

type fieldKey struct {
	t    reflect.Type
	name string
}

// Registry knows which types are bound as a single value and how to read
// named properties off everything else (structs, string-keyed maps, slices).
type Registry struct {
	mu      sync.RWMutex
	scalars map[reflect.Type]struct{}

	fields sync.Map // fieldKey -> []int, nil for a miss
}

// NewRegistry returns a Registry that treats basic kinds, time.Time, []byte,
// json.Number, math/big numbers and driver.Valuer implementations as scalars.
func NewRegistry() *Registry {
	r := &Registry{scalars: map[reflect.Type]struct{}{}}
	r.Register(
		reflect.TypeOf(time.Time{}),
		reflect.TypeOf([]byte(nil)),
		reflect.TypeOf(json.Number("")),
		reflect.TypeOf(big.Int{}),
		reflect.TypeOf(big.Float{}),
		reflect.TypeOf(big.Rat{}),
	)
	return r
}

// Register marks types as scalars. Pointer types register their element type.
func (r *Registry) Register(types ...reflect.Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range types {
		for t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		r.scalars[t] = struct{}{}
	}
}

// IsScalar reports whether v is bound as a whole rather than by property.
func (r *Registry) IsScalar(v any) bool {
	if v == nil {
		return false
	}
	t := reflect.TypeOf(v)
	if t.Implements(valuerType) {
		return true
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	r.mu.RLock()
	_, ok := r.scalars[t]
	r.mu.RUnlock()
	if ok || reflect.PointerTo(t).Implements(valuerType) {
		return true
	}
	switch t.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// Getter reads a single top-level property of v.
func (r *Registry) Getter(v any, name string) (any, bool) {
	rv, ok := indirect(reflect.ValueOf(v))
	if !ok {
		return nil, false
	}
	return r.get(rv, name)
}

// Lookup walks a dotted/indexed property path ("city.province.name",
// "list[1].id"). A nil value part way down resolves to nil.
func (r *Registry) Lookup(v any, path string) (any, error) {
	cur := v
	for _, tok := range splitPath(path) {
		rv, ok := indirect(reflect.ValueOf(cur))
		if !ok {
			return nil, nil
		}
		next, found := r.get(rv, tok)
		if !found {
			return nil, Error.New("no property %q on %s", tok, rv.Type())
		}
		cur = next
	}
	return cur, nil
}

func (r *Registry) get(rv reflect.Value, name string) (any, bool) {
	switch rv.Kind() {
	case reflect.Struct:
		idx := r.fieldIndex(rv.Type(), name)
		if idx == nil {
			return nil, false
		}
		f, err := rv.FieldByIndexErr(idx)
		if err != nil {
			// nil embedded pointer
			return nil, true
		}
		return f.Interface(), true
	case reflect.Map:
		kt := rv.Type().Key()
		if kt.Kind() != reflect.String {
			return nil, false
		}
		mv := rv.MapIndex(reflect.ValueOf(name).Convert(kt))
		if !mv.IsValid() {
			return nil, false
		}
		return mv.Interface(), true
	case reflect.Slice, reflect.Array:
		i, err := strconv.Atoi(name)
		if err != nil || i < 0 || i >= rv.Len() {
			return nil, false
		}
		return rv.Index(i).Interface(), true
	}
	return nil, false
}

// fieldIndex finds the exported field matching name by, in order: field
// name, `db` tag, `json` tag, case-insensitive field name, snake_case name.
func (r *Registry) fieldIndex(t reflect.Type, name string) []int {
	key := fieldKey{t: t, name: name}
	if v, ok := r.fields.Load(key); ok {
		return v.([]int)
	}

	fields := reflect.VisibleFields(t)
	matchers := []func(f reflect.StructField) bool{
		func(f reflect.StructField) bool { return f.Name == name },
		func(f reflect.StructField) bool { return tagName(f, "db") == name },
		func(f reflect.StructField) bool { return tagName(f, "json") == name },
		func(f reflect.StructField) bool { return strings.EqualFold(f.Name, name) },
		func(f reflect.StructField) bool { return ident.ToSnake(f.Name) == name },
	}
	var idx []int
outer:
	for _, match := range matchers {
		for _, f := range fields {
			if !f.IsExported() {
				continue
			}
			if match(f) {
				idx = f.Index
				break outer
			}
		}
	}
	r.fields.Store(key, idx)
	return idx
}

func tagName(f reflect.StructField, key string) string {
	tag, ok := f.Tag.Lookup(key)
	if !ok {
		return ""
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "-" {
		return ""
	}
	return name
}

// indirect dereferences pointers and interfaces; false means nil.
func indirect(rv reflect.Value) (reflect.Value, bool) {
	for rv.IsValid() && (rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface) {
		if rv.IsNil() {
			return reflect.Value{}, false
		}
		rv = rv.Elem()
	}
	return rv, rv.IsValid()
}

func splitPath(path string) []string {
	path = strings.NewReplacer("[", ".", "]", "").Replace(path)
	var out []string
	for _, p := range strings.Split(path, ".") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
