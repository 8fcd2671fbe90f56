// Package sink persists captured records into a SQL table.
package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mickamy/sqlcapture"
	"github.com/mickamy/sqlcapture/internal/buffer"
	"github.com/mickamy/sqlcapture/internal/ident"
)

var (
	// Error is the error class for this package.
	Error = errs.Class("sink")

	mon = monkit.Package()
)

// Config controls batching and the target table.
type Config struct {
	Table         string        // default "sql_audit_log"; may be schema-qualified
	BatchSize     int           // flush once this many records are buffered (default 100)
	FlushInterval time.Duration // periodic flush; zero disables it
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Table) == "" {
		c.Table = "sql_audit_log"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

var columns = []string{
	"id", "entity", "table_name", "statement_id", "kind",
	"raw_sql", "executable_sql", "params", "where_params",
	"success", "error", "duration_ms", "result_summary", "rows_affected",
	"operated_at", "operated_by", "trace_id", "reason", "ext",
}

type row [19]any

// SQLSink is a consumer that buffers Records and writes them in batches.
// db must not be a capturing wrapper, or the sink would record its own
// inserts.
type SQLSink struct {
	log   *zap.Logger
	db    *sql.DB
	cfg   Config
	table string
	buf   *buffer.Buffer[row]

	flushMu sync.Mutex

	cancel context.CancelFunc
	eg     errgroup.Group
	once   sync.Once
}

// New creates a SQLSink. When cfg.FlushInterval is set a background loop
// flushes periodically until Close.
func New(log *zap.Logger, db *sql.DB, cfg Config) (*SQLSink, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	parts := ident.SplitQualified(cfg.Table)
	for _, p := range parts {
		if p == "" {
			return nil, Error.New("invalid table identifier %q", cfg.Table)
		}
	}
	table := ident.QuoteQualified(parts)
	s := &SQLSink{
		log:   log,
		db:    db,
		cfg:   cfg,
		table: table,
		buf:   buffer.NewBuffer[row](),
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if cfg.FlushInterval > 0 {
		s.eg.Go(func() error { return s.loop(ctx) })
	}
	return s, nil
}

// Name implements the optional consumer naming interface.
func (s *SQLSink) Name() string { return "sql-sink" }

// Migrate creates the audit table if it does not exist. The DDL sticks to
// types shared by PostgreSQL and SQLite.
func (s *SQLSink) Migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    id TEXT PRIMARY KEY,
    entity TEXT,
    table_name TEXT,
    statement_id TEXT,
    kind TEXT NOT NULL,
    raw_sql TEXT NOT NULL,
    executable_sql TEXT,
    params TEXT,
    where_params TEXT,
    success BOOLEAN NOT NULL,
    error TEXT,
    duration_ms BIGINT NOT NULL,
    result_summary TEXT,
    rows_affected BIGINT NOT NULL,
    operated_at TIMESTAMP NOT NULL,
    operated_by TEXT,
    trace_id TEXT,
    reason TEXT,
    ext TEXT
)`, s.table)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

// Consume buffers rec and flushes when the batch is full.
func (s *SQLSink) Consume(ctx context.Context, rec *sqlcapture.Record) error {
	r, err := toRow(rec)
	if err != nil {
		return err
	}
	if s.buf.Add(r) >= s.cfg.BatchSize {
		return s.Flush(ctx)
	}
	return nil
}

// Flush writes every buffered record in one transaction. A failed batch is
// dropped: persistence is best effort, like the rest of the pipeline.
func (s *SQLSink) Flush(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	rows := s.buf.Drain()
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", s.table, strings.Join(columns, ", "), placeholders(len(columns)))
	for _, r := range rows {
		if _, err := tx.ExecContext(ctx, stmt, r[:]...); err != nil {
			_ = tx.Rollback()
			mon.Counter("sink_rows_lost").Inc(int64(len(rows)))
			return Error.New("insert audit row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		mon.Counter("sink_rows_lost").Inc(int64(len(rows)))
		return Error.Wrap(err)
	}
	mon.IntVal("sink_batch_size").Observe(int64(len(rows)))
	return nil
}

// Pending is the number of buffered records not yet written.
func (s *SQLSink) Pending() int { return s.buf.Len() }

// Close stops the periodic flush and writes what is left.
func (s *SQLSink) Close(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = errs.Combine(s.eg.Wait(), s.Flush(ctx))
	})
	return err
}

func (s *SQLSink) loop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				s.log.Error("periodic flush failed", zap.Error(err))
			}
		}
	}
}

func toRow(rec *sqlcapture.Record) (row, error) {
	params, err := marshal(rec.Params)
	if err != nil {
		return row{}, err
	}
	where, err := marshal(rec.WhereParams)
	if err != nil {
		return row{}, err
	}
	var ext any
	if m := rec.ExtMap(); len(m) > 0 {
		if ext, err = marshal(m); err != nil {
			// extension values are arbitrary; keep the record without them
			ext = nil
		}
	}
	return row{
		rec.ID, nullable(rec.Entity), nullable(rec.Table), nullable(rec.StatementID), rec.Kind.String(),
		rec.RawSQL, nullable(rec.ExecutableSQL), params, where,
		rec.Success, nullable(rec.Err), rec.Duration.Milliseconds(), nullable(rec.ResultSummary), rec.RowsAffected,
		rec.Timestamp.UTC(), nullable(rec.Operator), nullable(rec.TraceID), nullable(rec.Reason), ext,
	}, nil
}

func marshal(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return string(b), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func placeholders(n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = fmt.Sprintf("$%d", i+1)
	}
	return strings.Join(ps, ", ")
}
