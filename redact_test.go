package sqlcapture_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mickamy/sqlcapture"
)

func TestRedaction(t *testing.T) {
	t.Parallel()

	raw := openDB(t)
	_, err := raw.Exec(`CREATE TABLE users (name TEXT PRIMARY KEY, password TEXT, token TEXT)`)
	require.NoError(t, err)
	_, err = raw.Exec(`INSERT INTO users (name, password, token) VALUES ('ann', 'old', 't0')`)
	require.NoError(t, err)

	c := newCollector()
	h, err := sqlcapture.New(sqlcapture.Config{RedactKeys: []string{"Password"}},
		sqlcapture.WithLogger(zaptest.NewLogger(t)),
		sqlcapture.WithConsumers(c),
		sqlcapture.WithRedact(sqlcapture.RedactMap{
			"token": func(_ string, v any) any { return "***" },
		}),
	)
	require.NoError(t, err)
	defer func() { _ = h.Close(context.Background()) }()
	db := h.WrapDB(raw)
	ctx := context.Background()

	_, err = db.ExecContext(ctx, "UPDATE users SET password = ?, token = ? WHERE name = ? AND password = ?", "n3w", "abc", "ann", "old")
	require.NoError(t, err)

	rec := c.next(t)
	assert.Equal(t, []string{"password", "token", "name", "password_3"}, keys(rec.Params))
	assert.Equal(t, sqlcapture.RedactedValue, get(t, rec.Params, "password"))
	assert.Equal(t, "***", get(t, rec.Params, "token"))
	assert.Equal(t, "ann", get(t, rec.Params, "name"))
	assert.Equal(t, sqlcapture.RedactedValue, get(t, rec.Params, "password_3"))
	assert.Equal(t, sqlcapture.RedactedValue, get(t, rec.WhereParams, "password_3"))
	assert.Equal(t,
		"UPDATE users SET password = '[REDACTED]', token = '***' WHERE name = 'ann' AND password = '[REDACTED]'",
		rec.ExecutableSQL)

	all := sqlcapture.MustStatement("users.all", "SELECT u.name, u.password FROM users u")
	rows, err := db.Select(ctx, all, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "n3w", rows[0]["password"], "caller rows stay intact")

	rec = c.next(t)
	got, ok := rec.Result.([]map[string]any)
	require.True(t, ok)
	assert.Equal(t, []map[string]any{{"name": "ann", "password": sqlcapture.RedactedValue}}, got)
}

func TestRedactionDisabledByDefault(t *testing.T) {
	t.Parallel()

	raw := openDB(t)
	c := newCollector()
	db := newHandler(t, sqlcapture.Config{}, c).WrapDB(raw)

	_, err := db.ExecContext(context.Background(), "UPDATE city SET description = ? WHERE id = ?", "secret", 1)
	require.NoError(t, err)

	rec := c.next(t)
	assert.Equal(t, "secret", get(t, rec.Params, "description"))
	assert.Equal(t, "UPDATE city SET description = 'secret' WHERE id = 1", rec.ExecutableSQL)
}
