package sqlcapture

import (
	"sync"
	"time"

	orderedmap "github.com/pb33f/ordered-map/v2"
)

// Kind is the command kind of a captured statement.
type Kind string

const (
	KindInsert  Kind = "INSERT"
	KindUpdate  Kind = "UPDATE"
	KindDelete  Kind = "DELETE"
	KindSelect  Kind = "SELECT"
	KindUnknown Kind = "UNKNOWN"
)

func (k Kind) String() string { return string(k) }

func kindOf(s string) Kind {
	switch Kind(s) {
	case KindInsert, KindUpdate, KindDelete, KindSelect:
		return Kind(s)
	}
	return KindUnknown
}

// Params maps column names to literal values in statement order.
type Params = orderedmap.OrderedMap[string, any]

// Record is the audit message handed to consumers. Consumers must treat
// every exported field as read-only; the extension map (SetExt/Ext) is the
// only place a consumer may write, to pass signals to the consumers after
// it.
type Record struct {
	ID            string            `json:"id"`
	Entity        string            `json:"entity,omitempty"`
	Table         string            `json:"table,omitempty"`
	StatementID   string            `json:"statement_id,omitempty"`
	Kind          Kind              `json:"kind"`
	RawSQL        string            `json:"raw_sql"`
	ExecutableSQL string            `json:"executable_sql,omitempty"`
	Params        *Params           `json:"params"`
	WhereParams   *Params           `json:"where_params"`
	Success       bool              `json:"success"`
	Err           string            `json:"error,omitempty"`
	Duration      time.Duration     `json:"duration"`
	Result        any               `json:"result,omitempty"`
	ResultSummary string            `json:"result_summary,omitempty"`
	RowsAffected  int64             `json:"rows_affected"`
	Timestamp     time.Time         `json:"timestamp"`
	Operator      string            `json:"operator,omitempty"`
	TraceID       string            `json:"trace_id,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	Fields        map[string]string `json:"fields,omitempty"`

	mu  sync.RWMutex
	ext map[string]any
}

func newRecord() *Record {
	return &Record{
		Kind:        KindUnknown,
		Params:      orderedmap.New[string, any](),
		WhereParams: orderedmap.New[string, any](),
	}
}

// SetExt stores a value in the extension map.
func (r *Record) SetExt(key string, v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ext == nil {
		r.ext = map[string]any{}
	}
	r.ext[key] = v
}

// Ext reads a value from the extension map.
func (r *Record) Ext(key string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.ext[key]
	return v, ok
}

// ExtMap returns a copy of the extension map.
func (r *Record) ExtMap() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]any, len(r.ext))
	for k, v := range r.ext {
		out[k] = v
	}
	return out
}
