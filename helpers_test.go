package sqlcapture_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mickamy/sqlcapture"
)

const citySchema = `CREATE TABLE city (
    id INTEGER PRIMARY KEY,
    city_name TEXT NOT NULL,
    description TEXT,
    status INTEGER NOT NULL DEFAULT 1,
    population INTEGER NOT NULL DEFAULT 0
)`

type City struct {
	ID          int64  `db:"id"`
	CityName    string `db:"city_name"`
	Description string `db:"description"`
	Status      int    `db:"status"`
	Population  int64  `db:"population"`
}

// openDB opens a file-backed sqlite database with the city table.
func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "city.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(citySchema)
	require.NoError(t, err)
	return db
}

func seedCities(t *testing.T, db *sql.DB, cities ...City) {
	t.Helper()
	for _, c := range cities {
		_, err := db.Exec(`INSERT INTO city (id, city_name, description, status, population) VALUES (?, ?, ?, ?, ?)`,
			c.ID, c.CityName, c.Description, c.Status, c.Population)
		require.NoError(t, err)
	}
}

func newHandler(t *testing.T, cfg sqlcapture.Config, consumers ...sqlcapture.Consumer) *sqlcapture.Handler {
	t.Helper()
	h, err := sqlcapture.New(cfg,
		sqlcapture.WithLogger(zaptest.NewLogger(t)),
		sqlcapture.WithConsumers(consumers...),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close(context.Background()) })
	return h
}

// collector keeps every record it is handed.
type collector struct {
	mu   sync.Mutex
	recs []*sqlcapture.Record
	ch   chan *sqlcapture.Record
}

func newCollector() *collector {
	return &collector{ch: make(chan *sqlcapture.Record, 64)}
}

func (c *collector) Consume(_ context.Context, rec *sqlcapture.Record) error {
	c.mu.Lock()
	c.recs = append(c.recs, rec)
	c.mu.Unlock()
	c.ch <- rec
	return nil
}

func (c *collector) next(t *testing.T) *sqlcapture.Record {
	t.Helper()
	select {
	case rec := <-c.ch:
		return rec
	case <-time.After(5 * time.Second):
		t.Fatalf("no record dispatched")
		return nil
	}
}

func (c *collector) records() []*sqlcapture.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*sqlcapture.Record, len(c.recs))
	copy(out, c.recs)
	return out
}

func keys(p *sqlcapture.Params) []string {
	var out []string
	for k := range p.FromOldest() {
		out = append(out, k)
	}
	return out
}

func get(t *testing.T, p *sqlcapture.Params, key string) any {
	t.Helper()
	v, ok := p.Get(key)
	require.Truef(t, ok, "missing key %q in %v", key, keys(p))
	return v
}
