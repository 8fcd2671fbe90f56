package sqlcapture

import (
	"reflect"
	"strings"
	"sync"

	"github.com/jinzhu/inflection"

	"github.com/mickamy/sqlcapture/internal/ident"
)

// TableNamer provides a custom entity name for a parameter type.
type TableNamer interface {
	TableName() string
}

var tableNamerType = reflect.TypeOf((*TableNamer)(nil)).Elem()

// entityFor resolves the entity a statement works on. Results, including
// misses, are cached per statement id, or per parameter type for ad-hoc
// statements.
func (h *Handler) entityFor(statementID string, param any) string {
	if _, ok := param.(string); ok {
		// a scalar parameter, not a table target
		param = nil
	}
	var key any = statementID
	if statementID == "" {
		if param == nil {
			return ""
		}
		key = reflect.TypeOf(param)
	}
	if v, ok := h.entities.Load(key); ok {
		return v.(string)
	}
	name, _ := resolveTableName(param)
	v, _ := h.entities.LoadOrStore(key, name)
	return v.(string)
}

// resolveTableName derives an entity name from a TableNamer or from the
// plural snake_case of a named struct type.
func resolveTableName(target any) (string, error) {
	switch v := target.(type) {
	case nil:
		return "", Error.New("nil table target")
	case string:
		name := strings.TrimSpace(v)
		if name == "" {
			return "", Error.New("empty table name")
		}
		return name, nil
	}

	val := reflect.ValueOf(target)
	typ := val.Type()

	if typ.Kind() == reflect.Pointer {
		if val.IsNil() {
			return "", Error.New("nil pointer target %T", target)
		}
		typ = typ.Elem()
		val = val.Elem()
	}

	if namer, ok := val.Interface().(TableNamer); ok {
		return namerName(namer, target)
	}

	if typ.Kind() == reflect.Struct {
		if reflect.PointerTo(typ).Implements(tableNamerType) {
			if namer, ok := reflect.New(typ).Interface().(TableNamer); ok {
				return namerName(namer, target)
			}
		}
		if typ.Name() == "" {
			return "", Error.New("cannot derive table name for anonymous struct of type %v", typ)
		}
		return inflection.Plural(ident.ToSnake(typ.Name())), nil
	}

	return "", Error.New("unsupported table target %T", target)
}

func namerName(namer TableNamer, target any) (string, error) {
	name := strings.TrimSpace(namer.TableName())
	if name == "" {
		return "", Error.New("TableName returned empty string. %T", target)
	}
	return name, nil
}

// watchList restricts capture to registered entity/kind pairs. An empty
// list captures everything.
type watchList struct {
	mu      sync.RWMutex
	entries map[string]map[Kind]bool // entity -> kinds, empty set means all
}

// Watch opts an entity (or table) into capture for the given kinds, or for
// every kind when none are given. Once anything is watched, statements on
// entities that are not watched are ignored.
func (h *Handler) Watch(entity string, kinds ...Kind) {
	h.watch.add(entity, kinds...)
}

func (w *watchList) add(entity string, kinds ...Kind) {
	entity = strings.ToLower(strings.TrimSpace(entity))
	if entity == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.entries == nil {
		w.entries = map[string]map[Kind]bool{}
	}
	set, ok := w.entries[entity]
	if !ok {
		set = map[Kind]bool{}
		w.entries[entity] = set
	}
	for _, k := range kinds {
		set[k] = true
	}
}

func (w *watchList) allows(kind Kind, names ...string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.entries) == 0 {
		return true
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		set, ok := w.entries[strings.ToLower(name)]
		if !ok {
			set, ok = w.entries[strings.ToLower(ident.BaseTableName(name))]
		}
		if ok && (len(set) == 0 || set[kind]) {
			return true
		}
	}
	return false
}
