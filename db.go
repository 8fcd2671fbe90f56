package sqlcapture

import (
	"context"
	"database/sql"
	"strconv"
)

// DB wraps a *sql.DB so that statements run through it are captured.
// Methods inherited from *sql.DB that are not overridden here (Prepare,
// PingContext, ...) are not captured.
type DB struct {
	*sql.DB
	s session
}

// WrapDB attaches the handler to a *sql.DB connection.
func (h *Handler) WrapDB(db *sql.DB) *DB {
	return &DB{DB: db, s: session{h: h, q: db}}
}

// Tx wraps a *sql.Tx. Statements are captured as they run, independently of
// whether the transaction later commits.
type Tx struct {
	*sql.Tx
	s session
}

// BeginTx starts a wrapped transaction.
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	t, err := db.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{Tx: t, s: session{h: db.s.h, q: t}}, nil
}

// ExecContext runs and captures a statement.
func (db *DB) ExecContext(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return db.s.execContext(ctx, q, args)
}

// QueryContext runs and captures a query. The rows are streamed to the
// caller, so the Record carries no result.
func (db *DB) QueryContext(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return db.s.queryContext(ctx, q, args)
}

// QueryRowContext runs and captures a single-row query.
func (db *DB) QueryRowContext(ctx context.Context, q string, args ...any) *sql.Row {
	return db.s.queryRowContext(ctx, q, args)
}

// Query is QueryContext with a background context.
func (db *DB) Query(q string, args ...any) (*sql.Rows, error) {
	return db.QueryContext(context.Background(), q, args...)
}

// QueryRow is QueryRowContext with a background context.
func (db *DB) QueryRow(q string, args ...any) *sql.Row {
	return db.QueryRowContext(context.Background(), q, args...)
}

// Exec runs a mapped statement bound to param.
func (db *DB) Exec(ctx context.Context, st *Statement, param any) (sql.Result, error) {
	return db.s.exec(ctx, st, param)
}

// Select runs a mapped query and returns every row.
func (db *DB) Select(ctx context.Context, st *Statement, param any) ([]map[string]any, error) {
	return db.s.selectRows(ctx, st, param)
}

// SelectOne runs a mapped query that must return exactly one row.
func (db *DB) SelectOne(ctx context.Context, st *Statement, param any) (map[string]any, error) {
	return db.s.selectOne(ctx, st, param)
}

// ExecContext runs and captures a statement inside the transaction.
func (t *Tx) ExecContext(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return t.s.execContext(ctx, q, args)
}

// QueryContext runs and captures a query inside the transaction.
func (t *Tx) QueryContext(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return t.s.queryContext(ctx, q, args)
}

// QueryRowContext runs and captures a single-row query inside the transaction.
func (t *Tx) QueryRowContext(ctx context.Context, q string, args ...any) *sql.Row {
	return t.s.queryRowContext(ctx, q, args)
}

// Exec runs a mapped statement inside the transaction.
func (t *Tx) Exec(ctx context.Context, st *Statement, param any) (sql.Result, error) {
	return t.s.exec(ctx, st, param)
}

// Select runs a mapped query inside the transaction.
func (t *Tx) Select(ctx context.Context, st *Statement, param any) ([]map[string]any, error) {
	return t.s.selectRows(ctx, st, param)
}

// SelectOne runs a mapped single-row query inside the transaction.
func (t *Tx) SelectOne(ctx context.Context, st *Statement, param any) (map[string]any, error) {
	return t.s.selectOne(ctx, st, param)
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// session is the capture logic shared by DB and Tx.
type session struct {
	h *Handler
	q queryer
}

func (s session) begin(ctx context.Context, q string, args []any) *Capture {
	if !s.h.active(ctx) {
		return nil
	}
	bindings, params, additional := argBindings(args)
	return s.h.Begin(ctx, CaptureInput{SQL: q, Bindings: bindings, Param: params, Additional: additional})
}

func (s session) execContext(ctx context.Context, q string, args []any) (res sql.Result, err error) {
	c := s.begin(ctx, q, args)
	defer func() { c.Finish(res, err) }()
	return s.q.ExecContext(ctx, q, args...)
}

func (s session) queryContext(ctx context.Context, q string, args []any) (rows *sql.Rows, err error) {
	c := s.begin(ctx, q, args)
	defer func() { c.Finish(nil, err) }()
	return s.q.QueryContext(ctx, q, args...)
}

func (s session) queryRowContext(ctx context.Context, q string, args []any) (row *sql.Row) {
	c := s.begin(ctx, q, args)
	defer func() {
		var err error
		if row != nil {
			err = row.Err()
		}
		c.Finish(nil, err)
	}()
	return s.q.QueryRowContext(ctx, q, args...)
}

func (s session) exec(ctx context.Context, st *Statement, param any) (res sql.Result, err error) {
	if st == nil {
		return nil, Error.New("nil statement")
	}
	in := st.input(param)
	args := s.h.recon.Args(in.statement())
	c := s.h.Begin(ctx, in)
	defer func() { c.Finish(res, err) }()
	return s.q.ExecContext(ctx, st.query, args...)
}

func (s session) selectRows(ctx context.Context, st *Statement, param any) (out []map[string]any, err error) {
	if st == nil {
		return nil, Error.New("nil statement")
	}
	in := st.input(param)
	args := s.h.recon.Args(in.statement())
	c := s.h.Begin(ctx, in)
	defer func() { c.Finish(out, err) }()

	rows, err := s.q.QueryContext(ctx, st.query, args...)
	if err != nil {
		return nil, err
	}
	return scanAll(rows)
}

func (s session) selectOne(ctx context.Context, st *Statement, param any) (map[string]any, error) {
	rows, err := s.selectRows(ctx, st, param)
	if err != nil {
		return nil, err
	}
	switch len(rows) {
	case 0:
		return nil, sql.ErrNoRows
	case 1:
		return rows[0], nil
	default:
		return nil, Error.New("statement %q: expected one row, got %d", st.ID, len(rows))
	}
}

// argBindings turns driver arguments into bindings over the argument list:
// positional arguments bind by index, sql.NamedArg by name.
func argBindings(args []any) ([]Binding, []any, map[string]any) {
	bindings := make([]Binding, len(args))
	params := make([]any, len(args))
	var additional map[string]any
	for i, a := range args {
		prop, named := strconv.Itoa(i), false
		if na, ok := a.(sql.NamedArg); ok {
			prop, named, a = na.Name, true, na.Value
		}
		mode := ModeIn
		if out, ok := a.(sql.Out); ok {
			a = out.Dest
			mode = ModeOut
			if out.In {
				mode = ModeInOut
			}
		}
		if named {
			if additional == nil {
				additional = map[string]any{}
			}
			additional[prop] = a
		}
		bindings[i] = Binding{Property: prop, Mode: mode}
		params[i] = a
	}
	return bindings, params, additional
}
