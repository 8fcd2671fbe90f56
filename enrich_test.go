package sqlcapture_test

import (
	"context"
	"database/sql"
	"testing"

	orderedmap "github.com/pb33f/ordered-map/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mickamy/sqlcapture"
)

// failingSource fails the test when a connection is requested.
type failingSource struct{ t *testing.T }

func (f failingSource) Conn(context.Context) (*sql.Conn, error) {
	f.t.Errorf("unexpected database access")
	return nil, sql.ErrConnDone
}

func recordWith(executable string, kv ...any) *sqlcapture.Record {
	params := orderedmap.New[string, any]()
	for i := 0; i+1 < len(kv); i += 2 {
		params.Set(kv[i].(string), kv[i+1])
	}
	return &sqlcapture.Record{ExecutableSQL: executable, Params: params, WhereParams: orderedmap.New[string, any]()}
}

func TestEnrichFromMemory(t *testing.T) {
	t.Parallel()

	e := sqlcapture.NewEnricher(zaptest.NewLogger(t), failingSource{t: t})
	rec := recordWith("UPDATE city SET description = 'x' WHERE id = 5",
		"cityName", "Lagos", "c.population", "12", "description", "x")

	tcs := []struct {
		name   string
		column string
		want   any
	}{
		{name: "exact", column: "description", want: "x"},
		{name: "camel case folding", column: "city_name", want: "Lagos"},
		{name: "qualified key", column: "population", want: "12"},
	}
	for _, tc := range tcs {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := e.Enrich(context.Background(), rec, tc.column)
			assert.Equal(t, map[string]any{tc.column: tc.want}, got)
		})
	}
}

func TestEnrichFromDatabase(t *testing.T) {
	t.Parallel()

	raw := openDB(t)
	seedCities(t, raw, City{ID: 5, CityName: "Lagos", Population: 42})
	e := sqlcapture.NewEnricher(zaptest.NewLogger(t), raw)

	rec := recordWith("UPDATE city SET description = 'x' WHERE id = 5", "description", "x")
	got := e.EnrichColumns(context.Background(), rec, "description, population, city_name")
	assert.Equal(t, map[string]any{
		"description": "x",
		"population":  int64(42),
		"city_name":   "Lagos",
	}, got)

	// the record itself is untouched
	assert.Equal(t, 1, rec.Params.Len())
}

func TestEnrichSkipsNullColumns(t *testing.T) {
	t.Parallel()

	raw := openDB(t)
	_, err := raw.Exec(`INSERT INTO city (id, city_name, description) VALUES (5, 'Lagos', NULL)`)
	require.NoError(t, err)
	e := sqlcapture.NewEnricher(zaptest.NewLogger(t), raw)

	rec := recordWith("UPDATE city SET population = 3 WHERE id = 5", "population", "3")
	got := e.Enrich(context.Background(), rec, "description", "city_name")
	assert.Equal(t, map[string]any{"city_name": "Lagos"}, got)
	_, ok := got["description"]
	assert.False(t, ok)
}

func TestEnrichNoMatchingRow(t *testing.T) {
	t.Parallel()

	e := sqlcapture.NewEnricher(zaptest.NewLogger(t), openDB(t))
	rec := recordWith("UPDATE city SET description = 'x' WHERE id = 99")
	assert.Empty(t, e.Enrich(context.Background(), rec, "population"))
}

func TestEnrichNotDerivable(t *testing.T) {
	t.Parallel()

	e := sqlcapture.NewEnricher(zaptest.NewLogger(t), failingSource{t: t})

	for _, q := range []string{
		"INSERT INTO city (id) VALUES (5)",
		"UPDATE city SET description = 'x'",
		"SQL_ASSEMBLY_ERROR",
		"UPDATE city SET description = 'x' WHERE id = 5" + sqlcapture.TruncatedSQLMarker,
		"",
	} {
		assert.Empty(t, e.Enrich(context.Background(), recordWith(q), "population"), q)
	}
	assert.Empty(t, e.Enrich(context.Background(), nil, "population"))
}

func TestLazyEnricherResolvesOnce(t *testing.T) {
	t.Parallel()

	raw := openDB(t)
	seedCities(t, raw, City{ID: 5, CityName: "Lagos", Population: 42})
	calls := 0
	e := sqlcapture.NewLazyEnricher(zaptest.NewLogger(t), func() sqlcapture.ConnSource {
		calls++
		return raw
	})

	rec := recordWith("UPDATE city SET description = 'x' WHERE id = 5")
	for i := 0; i < 3; i++ {
		assert.Equal(t, map[string]any{"population": int64(42)}, e.Enrich(context.Background(), rec, "population"))
	}
	assert.Equal(t, 1, calls)
}

func TestEnrichConsumer(t *testing.T) {
	t.Parallel()

	raw := openDB(t)
	seedCities(t, raw, City{ID: 5, CityName: "Lagos", Population: 42})
	c := newCollector()
	h := newHandler(t, sqlcapture.Config{})
	h.Register(&sqlcapture.EnrichConsumer{
		Enricher: sqlcapture.NewEnricher(zaptest.NewLogger(t), raw),
		Columns:  []string{"description", "population"},
	})
	h.Register(c)
	db := h.WrapDB(raw)

	_, err := db.ExecContext(context.Background(), "UPDATE city SET description = ? WHERE id = 5", "Capital")
	require.NoError(t, err)

	rec := c.next(t)
	v, ok := rec.Ext("enriched")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"description": "Capital", "population": int64(42)}, v)

	require.NoError(t, h.Close(context.Background()))
	// the enrichment query itself is not captured
	assert.Len(t, c.records(), 1)
}
