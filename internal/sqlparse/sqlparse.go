// Package sqlparse recovers column/value pairs from literal SQL text and
// derives read-only queries from mutating statements.
//
// Statements are parsed with the PostgreSQL grammar (pg_query). MySQL-style
// backtick identifiers and '?' placeholders are normalized first, so the
// raw parameterized text of a statement is analyzable as well.
package sqlparse

import (
	"strconv"
	"strings"

	orderedmap "github.com/pb33f/ordered-map/v2"
	pg_query "github.com/pganalyze/pg_query_go/v6"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// Error is the error class for this package.
var Error = errs.Class("sqlparse")

// Analysis holds the parameters found in one statement. Keys appear in the
// order the columns appear in the statement; Where is a subset of All.
type Analysis struct {
	All   *orderedmap.OrderedMap[string, any]
	Where *orderedmap.OrderedMap[string, any]
}

// NewAnalysis returns an empty Analysis.
func NewAnalysis() Analysis {
	return Analysis{
		All:   orderedmap.New[string, any](),
		Where: orderedmap.New[string, any](),
	}
}

// Empty reports whether nothing was found.
func (a Analysis) Empty() bool {
	return a.All == nil || a.All.Len() == 0
}

// Parser wraps Analyze with logging. Parse never fails.
type Parser struct {
	log *zap.Logger
}

// NewParser creates a Parser.
func NewParser(log *zap.Logger) *Parser {
	if log == nil {
		log = zap.NewNop()
	}
	return &Parser{log: log}
}

// Parse analyzes sql and degrades to an empty Analysis on failure.
func (p *Parser) Parse(sql string) Analysis {
	a, err := Analyze(sql)
	if err != nil {
		p.log.Debug("sql parse failed", zap.String("sql", sql), zap.Error(err))
		return NewAnalysis()
	}
	return a
}

// Analyze parses the first statement of sql and collects:
//
//   - SET items, INSERT column/value pairs and ON CONFLICT SET items into All;
//   - comparisons (=, <>, <, >, <=, >=, LIKE, ILIKE), IS [NOT] NULL tests and
//     IN lists between a column and a non-column, wherever they appear, into
//     both All and Where.
//
// Values are kept as literal text. A column that appears more than once gets
// its position in All appended to the key ("name_3").
func Analyze(sql string) (a Analysis, err error) {
	a = NewAnalysis()
	if strings.TrimSpace(sql) == "" {
		return a, nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			a, err = NewAnalysis(), Error.New("analyze: %v", rec)
		}
	}()

	src := Normalize(sql)
	tree, err := pg_query.Parse(src)
	if err != nil {
		return a, Error.Wrap(err)
	}
	if len(tree.Stmts) == 0 || tree.Stmts[0].Stmt == nil {
		return a, nil
	}

	c := &collector{src: src, analysis: a}
	walk(tree.Stmts[0].Stmt.ProtoReflect(), c.visit)
	return a, nil
}

// Normalize rewrites backtick-quoted identifiers into double-quoted ones and
// numbers '?' placeholders as $1, $2, ... Quoted text is left untouched.
func Normalize(sql string) string {
	var (
		b     strings.Builder
		quote byte
		n     int
	)
	b.Grow(len(sql) + 8)
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case quote == '`':
			switch c {
			case '`':
				if i+1 < len(sql) && sql[i+1] == '`' {
					b.WriteByte('`')
					i++
					continue
				}
				quote = 0
				b.WriteByte('"')
			case '"':
				b.WriteString(`""`)
			default:
				b.WriteByte(c)
			}
		case quote != 0:
			b.WriteByte(c)
			if c == quote {
				if i+1 < len(sql) && sql[i+1] == quote {
					b.WriteByte(c)
					i++
					continue
				}
				quote = 0
			}
		case c == '`':
			quote = c
			b.WriteByte('"')
		case c == '\'' || c == '"':
			quote = c
			b.WriteByte(c)
		case c == '?':
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
