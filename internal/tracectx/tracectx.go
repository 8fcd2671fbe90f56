// Package tracectx carries request-scoped diagnostic fields (trace ids,
// operator names and the like) on a context and moves them onto worker
// goroutines.
package tracectx

import (
	"context"
	"sort"

	"go.uber.org/zap"
)

type fieldsKey struct{}

// Well-known field keys.
const (
	TraceID  = "trace_id"
	Operator = "operator"
	Reason   = "reason"
)

// Fields is a snapshot of diagnostic key/value pairs. A Fields value stored
// on a context is never mutated; With copies on write.
type Fields map[string]string

// With returns a copy of ctx carrying key=value in addition to the fields
// already present.
func With(ctx context.Context, key, value string) context.Context {
	prev := From(ctx)
	next := make(Fields, len(prev)+1)
	for k, v := range prev {
		next[k] = v
	}
	next[key] = value
	return context.WithValue(ctx, fieldsKey{}, next)
}

// From returns the fields attached to ctx, or nil.
func From(ctx context.Context) Fields {
	if ctx == nil {
		return nil
	}
	if f, ok := ctx.Value(fieldsKey{}).(Fields); ok {
		return f
	}
	return nil
}

// Get returns a single field.
func Get(ctx context.Context, key string) string {
	return From(ctx)[key]
}

// Zap renders the fields as zap fields in key order.
func (f Fields) Zap() []zap.Field {
	if len(f) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, zap.String(k, f[k]))
	}
	return out
}

// Logger returns log annotated with the fields on ctx.
func Logger(ctx context.Context, log *zap.Logger) *zap.Logger {
	fs := From(ctx).Zap()
	if len(fs) == 0 {
		return log
	}
	return log.With(fs...)
}

// Task is a unit of work executed on a worker goroutine.
type Task func(ctx context.Context)

// Wrap snapshots the fields present on submitter at wrap time. When the
// returned task runs, the snapshot is installed on the worker context for the
// duration of the call only; the worker context itself is never modified, so
// nothing survives into the next task. Without fields the task is returned
// unchanged.
func Wrap(submitter context.Context, task Task) Task {
	fields := From(submitter)
	if len(fields) == 0 {
		return task
	}
	return func(worker context.Context) {
		task(context.WithValue(worker, fieldsKey{}, fields))
	}
}
