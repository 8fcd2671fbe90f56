package sqlcapture

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mickamy/sqlcapture/internal/bind"
	"github.com/mickamy/sqlcapture/internal/query"
	"github.com/mickamy/sqlcapture/internal/tracectx"
)

// CaptureInput describes one statement at the interception boundary.
type CaptureInput struct {
	StatementID string         // mapper/operation identifier, optional
	Entity      string         // entity name; derived from Param when empty
	SQL         string         // statement text with '?' or $n placeholders
	Bindings    []Binding      // one per placeholder, in order
	Param       any            // parameter source (struct, map, slice, scalar)
	Additional  map[string]any // synthetic bindings not present on Param
}

// Capture holds one in-flight statement between Begin and Finish. The
// parameter object and bindings it references are released as soon as the
// executable SQL has been rebuilt; consumers only ever see the Record.
type Capture struct {
	h      *Handler
	ctx    context.Context
	record *Record
	stmt   bind.Statement
	start  time.Time
	done   atomic.Bool
}

// Begin starts capturing a statement. It returns nil when capture is
// disabled, skipped via WithSkip or filtered out by the watch list, and
// also when preparing the capture panics; Finish on a nil Capture is a
// no-op.
func (h *Handler) Begin(ctx context.Context, in CaptureInput) (c *Capture) {
	if !h.active(ctx) {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("capture begin failed", zap.String("statement_id", in.StatementID), zap.Any("panic", r))
			c = nil
		}
	}()
	cmd, _ := query.Classify(in.SQL)
	kind := kindOf(cmd.Kind)
	entity := in.Entity
	if entity == "" {
		entity = h.entityFor(in.StatementID, in.Param)
	}
	if !h.watch.allows(kind, entity, cmd.Table) {
		return nil
	}
	if entity == "" {
		entity = cmd.Table
	}

	fields := tracectx.From(ctx)
	rec := newRecord()
	rec.ID = uuid.NewString()
	rec.Entity = entity
	rec.Table = cmd.Table
	rec.StatementID = in.StatementID
	rec.Kind = kind
	rec.RawSQL = in.SQL
	rec.Timestamp = time.Now()
	rec.Operator = fields[tracectx.Operator]
	rec.TraceID = fields[tracectx.TraceID]
	rec.Reason = fields[tracectx.Reason]
	if len(fields) > 0 {
		rec.Fields = make(map[string]string, len(fields))
		for k, v := range fields {
			rec.Fields[k] = v
		}
	}

	return &Capture{
		h:      h,
		ctx:    ctx,
		record: rec,
		stmt:   in.statement(),
		start:  time.Now(),
	}
}

func (h *Handler) active(ctx context.Context) bool {
	return h != nil && h.cfg.IsEnabled() && !extractSkip(ctx)
}

// Finish records the outcome of the statement and hands the capture to the
// background pipeline. result is the value the statement produced (a
// sql.Result, a row set, a scalar, or nil) and err its error. Only the first
// call has an effect; Finish never blocks and never panics.
func (c *Capture) Finish(result any, err error) {
	if c == nil || !c.done.CompareAndSwap(false, true) {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.h.log.Error("capture finish failed", zap.Any("panic", r))
		}
	}()

	rec := c.record
	rec.Duration = time.Since(c.start)
	rec.Success = err == nil
	if err != nil {
		rec.Err = err.Error()
		rec.Result = "Exception: " + err.Error()
	} else {
		applyResultPolicy(rec, result, c.h.cfg.ResultListLimit)
	}
	c.h.dispatcher.Submit(c.ctx, c)
}

// release drops every reference to the execution-layer objects.
func (c *Capture) release() {
	c.stmt = bind.Statement{}
	c.ctx = nil
}

// applyResultPolicy stores result on rec: row sets larger than limit are
// replaced by a size summary, sql.Result is reduced to its row count and
// everything else is kept verbatim.
func applyResultPolicy(rec *Record, result any, limit int) {
	switch v := result.(type) {
	case nil:
		return
	case sql.Result:
		n, err := v.RowsAffected()
		if err != nil {
			return
		}
		rec.RowsAffected = n
		rec.Result = n
		rec.ResultSummary = strconv.FormatInt(n, 10)
		return
	case []byte:
		rec.Result = v
		rec.ResultSummary = string(v)
		return
	}

	rv := reflect.ValueOf(result)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		n := rv.Len()
		if n > limit {
			rec.Result = nil
			rec.ResultSummary = fmt.Sprintf("List Size: %d (Truncated)", n)
			return
		}
		rec.Result = result
		rec.ResultSummary = fmt.Sprintf("List Size: %d", n)
		return
	}
	rec.Result = result
	rec.ResultSummary = fmt.Sprint(result)
}
