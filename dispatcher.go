package sqlcapture

import (
	"context"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/mickamy/sqlcapture/internal/bind"
	"github.com/mickamy/sqlcapture/internal/executor"
	"github.com/mickamy/sqlcapture/internal/sqlparse"
	"github.com/mickamy/sqlcapture/internal/tracectx"
)

// TruncatedSQLMarker is appended to executable SQL cut at the length ceiling.
const TruncatedSQLMarker = " ...[TRUNCATED]"

// Dispatcher turns finished captures into Records on the worker pool and
// fans them out to the registered consumers.
type Dispatcher struct {
	log    *zap.Logger
	exec   *executor.Executor
	recon  *bind.Reconstructor
	parser *sqlparse.Parser
	maxSQL int
	redact redactor

	mu        sync.RWMutex
	consumers []Consumer

	dispatched atomic.Int64
}

func newDispatcher(log *zap.Logger, exec *executor.Executor, recon *bind.Reconstructor, parser *sqlparse.Parser, maxSQL int) *Dispatcher {
	return &Dispatcher{
		log:    log,
		exec:   exec,
		recon:  recon,
		parser: parser,
		maxSQL: maxSQL,
	}
}

// Register appends a consumer.
func (d *Dispatcher) Register(c Consumer) {
	if c == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	next := make([]Consumer, len(d.consumers), len(d.consumers)+1)
	copy(next, d.consumers)
	d.consumers = append(next, c)
}

// Consumers returns the registered consumers in order.
func (d *Dispatcher) Consumers() []Consumer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.consumers
}

// Dispatched is the number of records handed to the consumers so far.
func (d *Dispatcher) Dispatched() int64 {
	return d.dispatched.Load()
}

// Submit schedules c for processing and returns immediately. It reports
// false when the capture was dropped because the pool is saturated or
// closed.
func (d *Dispatcher) Submit(ctx context.Context, c *Capture) bool {
	if c == nil {
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if !d.exec.Submit(ctx, func(ctx context.Context) { d.process(ctx, c) }) {
		return false
	}
	mon.Counter("capture_submitted").Inc(1)
	return true
}

// process runs reconstruction, parsing and dispatch for one capture.
func (d *Dispatcher) process(ctx context.Context, c *Capture) {
	var err error
	defer mon.Task()(&ctx)(&err)

	log := tracectx.Logger(ctx, d.log)
	defer func() {
		if r := recover(); r != nil {
			err = Error.New("capture task panicked: %v", r)
			log.Error("capture task failed", zap.Any("panic", r))
		}
	}()

	rec := c.record
	res := d.recon.Reconstruct(c.stmt)
	c.release()

	parseText := res.SQL
	if res.Failed {
		mon.Counter("reconstruct_failed").Inc(1)
		parseText = rec.RawSQL
	}
	rec.ExecutableSQL = res.SQL

	if utf8.RuneCountInString(res.SQL) > d.maxSQL {
		mon.Counter("sql_truncated").Inc(1)
		rec.ExecutableSQL = string([]rune(res.SQL)[:d.maxSQL]) + TruncatedSQLMarker
		log.Debug("executable sql truncated, parameters not parsed",
			zap.String("id", rec.ID), zap.Int("max_sql_length", d.maxSQL))
	} else {
		a := d.parser.Parse(parseText)
		rec.Params, rec.WhereParams = a.All, a.Where
	}
	d.redact.apply(rec)

	d.dispatch(ctx, log, rec)
}

func (d *Dispatcher) dispatch(ctx context.Context, log *zap.Logger, rec *Record) {
	for _, c := range d.Consumers() {
		d.consume(ctx, log, c, rec)
	}
	d.dispatched.Add(1)
}

func (d *Dispatcher) consume(ctx context.Context, log *zap.Logger, c Consumer, rec *Record) {
	name := consumerName(c)
	defer func() {
		if r := recover(); r != nil {
			mon.Counter("consumer_failed").Inc(1)
			log.Error("consumer panicked", zap.String("consumer", name), zap.String("id", rec.ID), zap.Any("panic", r))
		}
	}()
	if err := c.Consume(ctx, rec); err != nil {
		mon.Counter("consumer_failed").Inc(1)
		log.Error("consumer failed", zap.String("consumer", name), zap.String("id", rec.ID), zap.Error(err))
	}
}
