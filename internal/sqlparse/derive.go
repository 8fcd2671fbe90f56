package sqlparse

import (
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/mickamy/sqlcapture/internal/ident"
)

// ErrNotDerivable is returned by DeriveSelect for statements that have no
// read-only equivalent: anything but a single UPDATE with a WHERE clause
// whose values are all literal.
var ErrNotDerivable = Error.New("statement has no read-only equivalent")

// DeriveSelect rewrites an UPDATE into a SELECT of columns over the same
// table source (including UPDATE ... FROM and WITH) and the same WHERE
// predicate, taken from the syntax tree of sql.
func DeriveSelect(sql string, columns []string) (string, error) {
	if len(columns) == 0 {
		return "", Error.New("no columns to select")
	}
	tree, err := pg_query.Parse(Normalize(sql))
	if err != nil {
		return "", Error.Wrap(err)
	}
	if len(tree.GetStmts()) != 1 {
		return "", ErrNotDerivable
	}
	upd := tree.GetStmts()[0].GetStmt().GetUpdateStmt()
	if upd == nil || upd.GetWhereClause() == nil || upd.GetRelation() == nil {
		return "", ErrNotDerivable
	}
	if hasPlaceholder(upd.GetWhereClause()) {
		return "", ErrNotDerivable
	}

	targets := make([]*pg_query.Node, 0, len(columns))
	for _, col := range columns {
		ref, ok := columnRef(col)
		if !ok {
			return "", Error.New("invalid column %q", col)
		}
		targets = append(targets, resTarget(ref))
	}

	from := make([]*pg_query.Node, 0, 1+len(upd.GetFromClause()))
	from = append(from, &pg_query.Node{Node: &pg_query.Node_RangeVar{RangeVar: upd.GetRelation()}})
	from = append(from, upd.GetFromClause()...)

	return deparseSelect(&pg_query.SelectStmt{
		TargetList:  targets,
		FromClause:  from,
		WhereClause: upd.GetWhereClause(),
		WithClause:  upd.GetWithClause(),
	})
}

// render prints a single expression by deparsing "SELECT <expr>".
func render(expr *pg_query.Node) (string, error) {
	out, err := deparseSelect(&pg_query.SelectStmt{
		TargetList: []*pg_query.Node{resTarget(expr)},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(out, "SELECT "), nil
}

func deparseSelect(sel *pg_query.SelectStmt) (string, error) {
	sel.Op = pg_query.SetOperation_SETOP_NONE
	sel.LimitOption = pg_query.LimitOption_LIMIT_OPTION_DEFAULT
	out, err := pg_query.Deparse(&pg_query.ParseResult{
		Stmts: []*pg_query.RawStmt{{
			Stmt: &pg_query.Node{Node: &pg_query.Node_SelectStmt{SelectStmt: sel}},
		}},
	})
	if err != nil {
		return "", Error.Wrap(err)
	}
	return out, nil
}

func resTarget(val *pg_query.Node) *pg_query.Node {
	return &pg_query.Node{
		Node: &pg_query.Node_ResTarget{
			ResTarget: &pg_query.ResTarget{Val: val},
		},
	}
}

func columnRef(col string) (*pg_query.Node, bool) {
	parts := ident.SplitQualified(col)
	if len(parts) == 0 {
		return nil, false
	}
	fields := make([]*pg_query.Node, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			return nil, false
		}
		fields = append(fields, &pg_query.Node{
			Node: &pg_query.Node_String_{String_: &pg_query.String{Sval: p}},
		})
	}
	return &pg_query.Node{
		Node: &pg_query.Node_ColumnRef{ColumnRef: &pg_query.ColumnRef{Fields: fields}},
	}, true
}

func hasPlaceholder(n *pg_query.Node) bool {
	found := false
	walk(n.ProtoReflect(), func(m protoreflect.ProtoMessage) {
		if _, ok := m.(*pg_query.ParamRef); ok {
			found = true
		}
	})
	return found
}
