package sqlcapture

import (
	"bytes"
	"database/sql"
	"encoding/json"
)

// scanFirst consumes one row from rows and returns its values in column
// order.
func scanFirst(rows *sql.Rows) ([]any, error) {
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, sql.ErrNoRows
	}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	return vals, nil
}

// scanAll consumes rows into one map per row.
func scanAll(rows *sql.Rows) ([]map[string]any, error) {
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		out = append(out, rowToMap(cols, vals))
	}
	return out, rows.Err()
}

// rowToMap converts a single row (columns + values) to a map.
func rowToMap(cols []string, vals []any) map[string]any {
	m := make(map[string]any, len(cols))
	for i, c := range cols {
		m[c] = normalizeValue(vals[i])
	}
	return m
}

// normalizeValue turns driver byte slices holding a JSON object or array
// into decoded values, and any other byte slice into a string.
func normalizeValue(v any) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	if t := bytes.TrimSpace(b); len(t) > 0 && (t[0] == '{' || t[0] == '[') {
		var js any
		if json.Unmarshal(t, &js) == nil {
			return js
		}
	}
	return string(b)
}
