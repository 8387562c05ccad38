package relorm

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// Expr is a SQL expression fragment.
type Expr interface {
	writeSQL(w *sqlWriter)
}

// qualifier is implemented by expressions that can bind their unqualified
// column references to a table alias.
type qualifier interface {
	qualify(alias string) Expr
}

// Qualify binds every unqualified column reference in e to alias.
func Qualify(e Expr, alias string) Expr {
	if q, ok := e.(qualifier); ok {
		return q.qualify(alias)
	}
	return e
}

func qualifyAll(exprs []Expr, alias string) []Expr {
	if len(exprs) == 0 {
		return nil
	}
	out := make([]Expr, len(exprs))
	for i, e := range exprs {
		out[i] = Qualify(e, alias)
	}
	return out
}

// Ident is a column or table reference, optionally dotted ("albums.id").
type Ident string

// Q returns the column reference table.column.
func Q(table, column string) Ident {
	return Ident(table + "." + column)
}

func (i Ident) writeSQL(w *sqlWriter) {
	w.ident(string(i))
}

func (i Ident) qualify(alias string) Expr {
	if strings.Contains(string(i), ".") {
		return i
	}
	return Q(alias, string(i))
}

// columnRefs builds qualified column references.
func columnRefs(table string, cols []string) []Expr {
	out := make([]Expr, len(cols))
	for i, c := range cols {
		if table == "" {
			out[i] = Ident(c)
		} else {
			out[i] = Q(table, c)
		}
	}
	return out
}

type valueExpr struct{ v any }

// V binds v as a query argument.
func V(v any) Expr { return valueExpr{v: v} }

func (e valueExpr) writeSQL(w *sqlWriter) { w.arg(e.v) }

func toExpr(v any) Expr {
	if e, ok := v.(Expr); ok {
		return e
	}
	return valueExpr{v: v}
}

type binaryExpr struct {
	op   string
	l, r Expr
}

func (e binaryExpr) writeSQL(w *sqlWriter) {
	w.expr(e.l)
	w.write(" " + e.op + " ")
	w.expr(e.r)
}

func (e binaryExpr) qualify(alias string) Expr {
	return binaryExpr{op: e.op, l: Qualify(e.l, alias), r: Qualify(e.r, alias)}
}

// Eq compares l to r. A nil r renders IS NULL.
func Eq(l Expr, r any) Expr {
	if r == nil {
		return IsNull(l)
	}
	return binaryExpr{op: "=", l: l, r: toExpr(r)}
}

// Neq is the negation of Eq.
func Neq(l Expr, r any) Expr {
	if r == nil {
		return Not(IsNull(l))
	}
	return binaryExpr{op: "<>", l: l, r: toExpr(r)}
}

func Gt(l Expr, r any) Expr  { return binaryExpr{op: ">", l: l, r: toExpr(r)} }
func Gte(l Expr, r any) Expr { return binaryExpr{op: ">=", l: l, r: toExpr(r)} }
func Lt(l Expr, r any) Expr  { return binaryExpr{op: "<", l: l, r: toExpr(r)} }
func Lte(l Expr, r any) Expr { return binaryExpr{op: "<=", l: l, r: toExpr(r)} }

type nullExpr struct{ e Expr }

// IsNull renders e IS NULL.
func IsNull(e Expr) Expr { return nullExpr{e: e} }

func (n nullExpr) writeSQL(w *sqlWriter) {
	w.expr(n.e)
	w.write(" IS NULL")
}

func (n nullExpr) qualify(alias string) Expr { return nullExpr{e: Qualify(n.e, alias)} }

type notExpr struct{ e Expr }

// Not negates e.
func Not(e Expr) Expr { return notExpr{e: e} }

func (n notExpr) writeSQL(w *sqlWriter) {
	w.write("NOT (")
	w.expr(n.e)
	w.write(")")
}

func (n notExpr) qualify(alias string) Expr { return notExpr{e: Qualify(n.e, alias)} }

type junction struct {
	op    string
	exprs []Expr
}

// And joins exprs with AND. A single expression is returned as is.
func And(exprs ...Expr) Expr {
	if len(exprs) == 1 {
		return exprs[0]
	}
	return junction{op: " AND ", exprs: exprs}
}

// Or joins exprs with OR.
func Or(exprs ...Expr) Expr {
	if len(exprs) == 1 {
		return exprs[0]
	}
	return junction{op: " OR ", exprs: exprs}
}

func (j junction) writeSQL(w *sqlWriter) {
	if len(j.exprs) == 0 {
		if j.op == " AND " {
			w.write("(1 = 1)")
		} else {
			w.write("(1 = 0)")
		}
		return
	}
	w.write("(")
	for i, e := range j.exprs {
		if i > 0 {
			w.write(j.op)
		}
		w.expr(e)
	}
	w.write(")")
}

func (j junction) qualify(alias string) Expr {
	return junction{op: j.op, exprs: qualifyAll(j.exprs, alias)}
}

type rawExpr struct {
	sql  string
	args []any
}

// Raw embeds a SQL fragment. Each "?" binds the next argument.
func Raw(sql string, args ...any) Expr { return rawExpr{sql: sql, args: args} }

func (r rawExpr) writeSQL(w *sqlWriter) { w.raw(r.sql, r.args) }

// inExpr matches one or more columns against a list of key tuples.
type inExpr struct {
	cols   []Expr
	tuples [][]any
}

// In matches col against values.
func In(col Expr, values ...any) Expr {
	tuples := make([][]any, len(values))
	for i, v := range values {
		tuples[i] = []any{v}
	}
	return inExpr{cols: []Expr{col}, tuples: tuples}
}

// TupleIn matches a composite key against key tuples. Each tuple must have
// one value per column.
func TupleIn(cols []Expr, tuples [][]any) Expr {
	return inExpr{cols: cols, tuples: tuples}
}

func (e inExpr) writeSQL(w *sqlWriter) {
	if len(e.tuples) == 0 {
		w.write("(1 = 0)")
		return
	}
	if len(e.cols) == 1 {
		w.expr(e.cols[0])
		w.write(" IN (")
		for i, t := range e.tuples {
			if i > 0 {
				w.write(", ")
			}
			w.arg(t[0])
		}
		w.write(")")
		return
	}
	if !w.d.SupportsTupleIn {
		// Row-value lists are expanded to OR of ANDs where the database
		// only accepts a subquery on the right side of IN.
		w.write("(")
		for i, t := range e.tuples {
			if i > 0 {
				w.write(" OR ")
			}
			w.write("(")
			for j, c := range e.cols {
				if j > 0 {
					w.write(" AND ")
				}
				w.expr(c)
				w.write(" = ")
				w.arg(t[j])
			}
			w.write(")")
		}
		w.write(")")
		return
	}
	w.write("(")
	for i, c := range e.cols {
		if i > 0 {
			w.write(", ")
		}
		w.expr(c)
	}
	w.write(") IN (")
	for i, t := range e.tuples {
		if i > 0 {
			w.write(", ")
		}
		w.write("(")
		for j := range e.cols {
			if j > 0 {
				w.write(", ")
			}
			w.arg(t[j])
		}
		w.write(")")
	}
	w.write(")")
}

func (e inExpr) qualify(alias string) Expr {
	return inExpr{cols: qualifyAll(e.cols, alias), tuples: e.tuples}
}

// subqueryIn matches columns against the rows of a dataset.
type subqueryIn struct {
	cols []Expr
	ds   *Dataset
}

// InDataset matches cols against the result of ds.
func InDataset(cols []Expr, ds *Dataset) Expr {
	return subqueryIn{cols: cols, ds: ds}
}

func (e subqueryIn) writeSQL(w *sqlWriter) {
	if len(e.cols) == 1 {
		w.expr(e.cols[0])
	} else {
		w.write("(")
		for i, c := range e.cols {
			if i > 0 {
				w.write(", ")
			}
			w.expr(c)
		}
		w.write(")")
	}
	w.write(" IN (")
	e.ds.writeSelect(w)
	w.write(")")
}

func (e subqueryIn) qualify(alias string) Expr {
	return subqueryIn{cols: qualifyAll(e.cols, alias), ds: e.ds}
}

type arrayExpr struct {
	op     string
	col    Expr
	values []any
}

// ArrayContains matches rows whose array column contains v (PostgreSQL).
func ArrayContains(col Expr, v any) Expr {
	return arrayExpr{op: "any", col: col, values: []any{v}}
}

// ArrayOverlaps matches rows whose array column shares an element with
// values (PostgreSQL).
func ArrayOverlaps(col Expr, values []any) Expr {
	return arrayExpr{op: "&&", col: col, values: values}
}

func (e arrayExpr) writeSQL(w *sqlWriter) {
	if !w.d.SupportsArrays {
		w.fail(errors.Wrapf(ErrUnsupportedDialect, "array operators on %s", w.d.Name))
		return
	}
	if e.op == "any" {
		w.arg(e.values[0])
		w.write(" = ANY(")
		w.expr(e.col)
		w.write(")")
		return
	}
	if len(e.values) == 0 {
		w.write("(1 = 0)")
		return
	}
	w.expr(e.col)
	w.write(" && ARRAY[")
	for i, v := range e.values {
		if i > 0 {
			w.write(", ")
		}
		w.arg(v)
	}
	w.write("]")
}

func (e arrayExpr) qualify(alias string) Expr {
	return arrayExpr{op: e.op, col: Qualify(e.col, alias), values: e.values}
}

// anyColumnExpr renders l = ANY(r) where r is an array column.
type anyColumnExpr struct {
	l, arr Expr
}

func (e anyColumnExpr) writeSQL(w *sqlWriter) {
	if !w.d.SupportsArrays {
		w.fail(errors.Wrapf(ErrUnsupportedDialect, "array operators on %s", w.d.Name))
		return
	}
	w.expr(e.l)
	w.write(" = ANY(")
	w.expr(e.arr)
	w.write(")")
}

type aliasExpr struct {
	e     Expr
	alias string
}

// As renders e AS alias in a select list.
func As(e Expr, alias string) Expr { return aliasExpr{e: e, alias: alias} }

func (a aliasExpr) writeSQL(w *sqlWriter) {
	w.expr(a.e)
	w.write(" AS ")
	w.ident(a.alias)
}

type orderExpr struct {
	e    Expr
	desc bool
}

// Asc orders by e ascending.
func Asc(e Expr) Expr { return orderExpr{e: e} }

// Desc orders by e descending.
func Desc(e Expr) Expr { return orderExpr{e: e, desc: true} }

func (o orderExpr) writeSQL(w *sqlWriter) {
	w.expr(o.e)
	if o.desc {
		w.write(" DESC")
	} else {
		w.write(" ASC")
	}
}

func (o orderExpr) qualify(alias string) Expr {
	return orderExpr{e: Qualify(o.e, alias), desc: o.desc}
}

// keyMatch builds the equality of cols to a single key tuple.
func keyMatch(cols []Expr, key []any) Expr {
	if len(cols) == 1 {
		return Eq(cols[0], key[0])
	}
	parts := make([]Expr, len(cols))
	for i, c := range cols {
		parts[i] = Eq(c, key[i])
	}
	return And(parts...)
}

// columnsEqual joins two column lists pairwise.
func columnsEqual(left, right []Expr) Expr {
	parts := make([]Expr, len(left))
	for i := range left {
		parts[i] = binaryExpr{op: "=", l: left[i], r: right[i]}
	}
	if len(parts) == 1 {
		return junction{op: " AND ", exprs: parts}
	}
	return And(parts...)
}
