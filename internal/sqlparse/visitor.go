package sqlparse

import (
	"strconv"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/mickamy/sqlcapture/internal/ident"
)

var comparisonOps = map[string]bool{
	"=":  true,
	"<>": true,
	"!=": true,
	"<":  true,
	">":  true,
	"<=": true,
	">=": true,
}

// negatedOps are recorded with a "NOT " prefix on the value. The parser
// reports NOT IN with the <> operator and NOT LIKE / NOT ILIKE as !~~ / !~~*.
var negatedOps = map[string]bool{
	"<>":   true,
	"!=":   true,
	"!~~":  true,
	"!~~*": true,
}

// clauseOrder lists, per node type, the fields whose declaration order
// differs from the order the clauses are written in. They are visited
// first, in the listed order; the remaining fields follow.
var clauseOrder = map[protoreflect.Name][]protoreflect.Name{
	"UpdateStmt": {"with_clause", "relation", "target_list", "from_clause", "where_clause"},
	"DeleteStmt": {"with_clause"},
	"InsertStmt": {"with_clause"},
	"SelectStmt": {"with_clause"},
}

var orderedFields sync.Map // protoreflect.FullName -> []protoreflect.FieldDescriptor

func fieldsOf(md protoreflect.MessageDescriptor) []protoreflect.FieldDescriptor {
	if v, ok := orderedFields.Load(md.FullName()); ok {
		return v.([]protoreflect.FieldDescriptor)
	}
	fields := md.Fields()
	out := make([]protoreflect.FieldDescriptor, 0, fields.Len())
	seen := map[protoreflect.Name]bool{}
	for _, name := range clauseOrder[md.Name()] {
		if fd := fields.ByName(name); fd != nil {
			out = append(out, fd)
			seen[name] = true
		}
	}
	for i := 0; i < fields.Len(); i++ {
		if fd := fields.Get(i); !seen[fd.Name()] {
			out = append(out, fd)
		}
	}
	v, _ := orderedFields.LoadOrStore(md.FullName(), out)
	return v.([]protoreflect.FieldDescriptor)
}

// walk visits m and every message below it in the order the clauses
// appear in the text: field declaration order, adjusted by clauseOrder.
func walk(m protoreflect.Message, visit func(protoreflect.ProtoMessage)) {
	if !m.IsValid() {
		return
	}
	visit(m.Interface())
	for _, fd := range fieldsOf(m.Descriptor()) {
		if fd.Message() == nil || fd.IsMap() || !m.Has(fd) {
			continue
		}
		if fd.IsList() {
			list := m.Get(fd).List()
			for j := 0; j < list.Len(); j++ {
				walk(list.Get(j).Message(), visit)
			}
			continue
		}
		walk(m.Get(fd).Message(), visit)
	}
}

type collector struct {
	src      string
	analysis Analysis
}

func (c *collector) visit(m protoreflect.ProtoMessage) {
	switch n := m.(type) {
	case *pg_query.UpdateStmt:
		c.setItems(n.GetTargetList())
	case *pg_query.OnConflictClause:
		c.setItems(n.GetTargetList())
	case *pg_query.InsertStmt:
		c.insertValues(n)
	case *pg_query.A_Expr:
		c.expr(n)
	case *pg_query.NullTest:
		if col := c.column(n.GetArg()); col != "" {
			val := "NULL"
			if n.GetNulltesttype() == pg_query.NullTestType_IS_NOT_NULL {
				val = "NOT NULL"
			}
			c.condition(col, val)
		}
	}
}

func (c *collector) setItems(targets []*pg_query.Node) {
	for _, t := range targets {
		rt := t.GetResTarget()
		if rt == nil || rt.GetName() == "" {
			continue
		}
		col := c.identAt(rt.GetLocation(), rt.GetName())
		val := rt.GetVal()
		if mar := val.GetMultiAssignRef(); mar != nil {
			// SET (a, b) = (1, 2)
			args := mar.GetSource().GetRowExpr().GetArgs()
			if i := int(mar.GetColno()) - 1; i >= 0 && i < len(args) {
				val = args[i]
			}
		}
		c.assign(col, c.value(val))
	}
}

func (c *collector) insertValues(n *pg_query.InsertStmt) {
	rows := n.GetSelectStmt().GetSelectStmt().GetValuesLists()
	cols := n.GetCols()
	if len(rows) == 0 || len(cols) == 0 {
		return
	}
	for _, row := range rows {
		items := row.GetList().GetItems()
		for i, col := range cols {
			rt := col.GetResTarget()
			if rt == nil || i >= len(items) {
				continue
			}
			c.assign(c.identAt(rt.GetLocation(), rt.GetName()), c.value(items[i]))
		}
	}
}

func (c *collector) expr(e *pg_query.A_Expr) {
	switch e.GetKind() {
	case pg_query.A_Expr_Kind_AEXPR_OP:
		if op := operator(e.GetName()); comparisonOps[op] {
			c.binary(e.GetLexpr(), e.GetRexpr(), negatedOps[op])
		}
	case pg_query.A_Expr_Kind_AEXPR_LIKE, pg_query.A_Expr_Kind_AEXPR_ILIKE:
		c.binary(e.GetLexpr(), e.GetRexpr(), negatedOps[operator(e.GetName())])
	case pg_query.A_Expr_Kind_AEXPR_IN:
		col := c.column(e.GetLexpr())
		if col == "" {
			return
		}
		items := e.GetRexpr().GetList().GetItems()
		if len(items) == 0 {
			// IN (subquery) is a SubLink, not a list
			return
		}
		vals := make([]string, len(items))
		for i, it := range items {
			vals[i] = c.value(it)
		}
		c.condition(col, negate(strings.Join(vals, ","), negatedOps[operator(e.GetName())]))
	}
}

func (c *collector) binary(l, r *pg_query.Node, negated bool) {
	lc, rc := c.column(l), c.column(r)
	switch {
	case lc != "" && rc == "":
		c.condition(lc, negate(c.value(r), negated))
	case rc != "" && lc == "":
		c.condition(rc, negate(c.value(l), negated))
	}
}

func negate(val string, negated bool) string {
	if negated {
		return "NOT " + val
	}
	return val
}

func (c *collector) assign(col, val string) {
	c.analysis.All.Set(c.key(col), val)
}

func (c *collector) condition(col, val string) {
	key := c.key(col)
	c.analysis.All.Set(key, val)
	c.analysis.Where.Set(key, val)
}

func (c *collector) key(col string) string {
	if _, taken := c.analysis.All.Get(col); !taken {
		return col
	}
	for i := c.analysis.All.Len(); ; i++ {
		k := col + "_" + strconv.Itoa(i)
		if _, taken := c.analysis.All.Get(k); !taken {
			return k
		}
	}
}

// column returns the name of a plain column reference, or "" when n is
// anything else (including t.*).
func (c *collector) column(n *pg_query.Node) string {
	cr := n.GetColumnRef()
	if cr == nil {
		return ""
	}
	parts := make([]string, 0, len(cr.GetFields()))
	for _, f := range cr.GetFields() {
		s := f.GetString_()
		if s == nil {
			return ""
		}
		parts = append(parts, s.GetSval())
	}
	return c.identAt(cr.GetLocation(), strings.Join(parts, "."))
}

// identAt reads the identifier chain at loc from the source text so the
// column keeps the case it was written in; the parser folds unquoted names
// to lower case. fallback is used when loc does not point at an identifier.
func (c *collector) identAt(loc int32, fallback string) string {
	i := int(loc)
	if i < 0 || i >= len(c.src) {
		return fallback
	}
	start := i
	for i < len(c.src) {
		if c.src[i] == '"' {
			i++
			for i < len(c.src) {
				if c.src[i] == '"' {
					if i+1 < len(c.src) && c.src[i+1] == '"' {
						i += 2
						continue
					}
					break
				}
				i++
			}
			i++
		} else {
			n := identLen(c.src[i:])
			if n == 0 {
				break
			}
			i += n
		}
		if i < len(c.src) && c.src[i] == '.' {
			i++
			continue
		}
		break
	}
	if i > len(c.src) {
		i = len(c.src)
	}
	name := ident.Clean(c.src[start:i])
	if !strings.EqualFold(name, fallback) {
		return fallback
	}
	return name
}

func identLen(s string) int {
	n := 0
	for n < len(s) {
		r, size := utf8.DecodeRuneInString(s[n:])
		if r != '_' && r != '$' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			break
		}
		n += size
	}
	return n
}

func operator(name []*pg_query.Node) string {
	if len(name) == 0 {
		return ""
	}
	return name[len(name)-1].GetString_().GetSval()
}

// value renders an expression as literal text: string constants lose their
// quotes, placeholders render as '?', anything else is deparsed.
func (c *collector) value(n *pg_query.Node) string {
	if n == nil {
		return "NULL"
	}
	switch v := n.GetNode().(type) {
	case *pg_query.Node_AConst:
		return constText(v.AConst)
	case *pg_query.Node_ParamRef:
		return "?"
	case *pg_query.Node_ColumnRef:
		if col := c.column(n); col != "" {
			return col
		}
	case *pg_query.Node_TypeCast:
		if ac := v.TypeCast.GetArg().GetAConst(); ac != nil {
			return constText(ac)
		}
	}
	text, err := render(n)
	if err != nil {
		return ""
	}
	if len(text) > 1 && text[0] == '\'' && text[len(text)-1] == '\'' {
		return strings.ReplaceAll(text[1:len(text)-1], "''", "'")
	}
	return text
}

func constText(ac *pg_query.A_Const) string {
	if ac.GetIsnull() {
		return "NULL"
	}
	switch v := ac.GetVal().(type) {
	case *pg_query.A_Const_Ival:
		return strconv.FormatInt(int64(v.Ival.GetIval()), 10)
	case *pg_query.A_Const_Fval:
		return v.Fval.GetFval()
	case *pg_query.A_Const_Sval:
		return v.Sval.GetSval()
	case *pg_query.A_Const_Boolval:
		return strconv.FormatBool(v.Boolval.GetBoolval())
	case *pg_query.A_Const_Bsval:
		return v.Bsval.GetBsval()
	}
	return "NULL"
}
