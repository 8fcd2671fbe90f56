package sqlcapture

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/mickamy/sqlcapture/internal/bind"
	"github.com/mickamy/sqlcapture/internal/ident"
	"github.com/mickamy/sqlcapture/internal/sqlparse"
)

// ConnSource hands out short-lived connections. *sql.DB implements it.
type ConnSource interface {
	Conn(ctx context.Context) (*sql.Conn, error)
}

// Enricher looks up column values for a Record: first among the captured
// parameters, then by re-reading the row an UPDATE touched.
type Enricher struct {
	log    *zap.Logger
	source func() ConnSource
}

// NewEnricher creates an Enricher over src. src may be nil, in which case
// only captured parameters are consulted.
func NewEnricher(log *zap.Logger, src ConnSource) *Enricher {
	return NewLazyEnricher(log, func() ConnSource { return src })
}

// NewLazyEnricher creates an Enricher whose connection source is resolved
// on first use, for wiring where the database is opened after the handler.
func NewLazyEnricher(log *zap.Logger, resolve func() ConnSource) *Enricher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Enricher{log: log, source: sync.OnceValue(resolve)}
}

// EnrichColumns is Enrich with a comma-separated column list.
func (e *Enricher) EnrichColumns(ctx context.Context, rec *Record, columns string) map[string]any {
	var cols []string
	for _, c := range strings.Split(columns, ",") {
		if c = strings.TrimSpace(c); c != "" {
			cols = append(cols, c)
		}
	}
	return e.Enrich(ctx, rec, cols...)
}

// Enrich returns the values of columns for rec. Columns that cannot be found,
// including columns read back as NULL, are absent from the result. rec is
// not modified.
func (e *Enricher) Enrich(ctx context.Context, rec *Record, columns ...string) map[string]any {
	out := make(map[string]any, len(columns))
	if rec == nil || len(columns) == 0 {
		return out
	}

	var missing []string
	for _, col := range columns {
		if v, ok := lookupParam(rec.Params, col); ok {
			out[col] = v
			continue
		}
		missing = append(missing, col)
	}
	if len(missing) == 0 {
		return out
	}

	if err := e.fromDatabase(ctx, rec, missing, out); err != nil {
		if errors.Is(err, sqlparse.ErrNotDerivable) {
			e.log.Debug("enrichment fallback skipped", zap.String("id", rec.ID), zap.Error(err))
		} else {
			e.log.Error("enrichment fallback failed", zap.String("id", rec.ID), zap.Error(err))
		}
	}
	return out
}

// lookupParam finds col among the captured parameters by exact name, by its
// camelCase form and finally as the last segment of a qualified key.
func lookupParam(params *Params, col string) (any, bool) {
	if params == nil {
		return nil, false
	}
	if v, ok := params.Get(col); ok {
		return v, true
	}
	if v, ok := params.Get(ident.ToCamel(col)); ok {
		return v, true
	}
	for k, v := range params.FromOldest() {
		if strings.Contains(k, ".") && ident.BaseTableName(k) == col {
			return v, true
		}
	}
	return nil, false
}

func (e *Enricher) fromDatabase(ctx context.Context, rec *Record, missing []string, out map[string]any) error {
	src := e.source()
	if src == nil {
		return nil
	}
	text := rec.ExecutableSQL
	if text == "" || text == bind.AssemblyError || strings.HasSuffix(text, TruncatedSQLMarker) {
		return sqlparse.ErrNotDerivable
	}
	q, err := sqlparse.DeriveSelect(text, missing)
	if err != nil {
		return err
	}
	mon.Counter("enrich_db_fallback").Inc(1)

	conn, err := src.Conn(ctx)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = conn.Close() }()

	rows, err := conn.QueryContext(WithSkip(ctx), q)
	if err != nil {
		return Error.Wrap(err)
	}
	vals, err := scanFirst(rows)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return Error.Wrap(err)
	}
	for i, col := range missing {
		if i >= len(vals) || vals[i] == nil {
			continue
		}
		out[col] = normalizeValue(vals[i])
	}
	return nil
}

// EnrichConsumer resolves a fixed set of columns for every Record and
// stores the result in the extension map under Key.
type EnrichConsumer struct {
	Enricher *Enricher
	Columns  []string
	Key      string // default "enriched"
}

// Name implements the optional naming interface.
func (c *EnrichConsumer) Name() string { return "enrich" }

// Consume enriches rec.
func (c *EnrichConsumer) Consume(ctx context.Context, rec *Record) error {
	if c.Enricher == nil || len(c.Columns) == 0 {
		return nil
	}
	key := c.Key
	if key == "" {
		key = "enriched"
	}
	rec.SetExt(key, c.Enricher.Enrich(ctx, rec, c.Columns...))
	return nil
}
