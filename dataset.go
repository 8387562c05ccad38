package relorm

import (
	"context"
	"database/sql"
	"slices"
	"sort"
	"strconv"

	"github.com/cockroachdb/errors"
)

// JoinKind is the SQL join operator.
type JoinKind string

const (
	InnerJoin JoinKind = "INNER JOIN"
	LeftJoin  JoinKind = "LEFT OUTER JOIN"
)

type joinClause struct {
	kind  JoinKind
	table string
	alias string
	on    Expr
}

type cteClause struct {
	name      string
	columns   []string
	base      *Dataset
	recursive *Dataset
}

// Dataset is an immutable SQL query builder. Every method returns a new
// dataset and leaves the receiver untouched, so datasets can be shared and
// extended freely.
type Dataset struct {
	db       *Database
	model    *Model
	table    string
	alias    string
	distinct bool
	selects  []Expr
	wheres   []Expr
	joins    []joinClause
	orders   []Expr
	limit    int
	offset   int
	ctes     []cteClause

	eager      []*EagerSpec
	graph      *graphState
	graphJoin  JoinKind
	concurrent bool

	err error
}

func (ds *Dataset) clone() *Dataset {
	c := *ds
	c.selects = slices.Clone(ds.selects)
	c.wheres = slices.Clone(ds.wheres)
	c.joins = slices.Clone(ds.joins)
	c.orders = slices.Clone(ds.orders)
	c.ctes = slices.Clone(ds.ctes)
	return &c
}

// Database returns the database the dataset runs against.
func (ds *Dataset) Database() *Database { return ds.db }

// Model returns the model rows are instantiated as, or nil.
func (ds *Dataset) Model() *Model { return ds.model }

// Table returns the FROM table name.
func (ds *Dataset) Table() string { return ds.table }

// Err returns the first error recorded while building the dataset.
func (ds *Dataset) Err() error { return ds.err }

func (ds *Dataset) withErr(err error) *Dataset {
	c := ds.clone()
	if c.err == nil {
		c.err = err
	}
	return c
}

// resetGraph drops a memoized graph plan whose aliases depend on the
// tables of the query.
func (ds *Dataset) resetGraph() {
	if ds.graph != nil {
		ds.graph = &graphState{specs: ds.graph.specs}
	}
}

// From changes the FROM table.
func (ds *Dataset) From(table string) *Dataset {
	c := ds.clone()
	c.table = table
	c.resetGraph()
	return c
}

// As aliases the FROM table.
func (ds *Dataset) As(alias string) *Dataset {
	c := ds.clone()
	c.alias = alias
	c.resetGraph()
	return c
}

// ref is the name columns of the FROM table are qualified with.
func (ds *Dataset) ref() string {
	if ds.alias != "" {
		return ds.alias
	}
	return ds.table
}

func selectExprs(cols []any) []Expr {
	out := make([]Expr, 0, len(cols))
	for _, c := range cols {
		switch v := c.(type) {
		case string:
			out = append(out, Ident(v))
		case Expr:
			out = append(out, v)
		}
	}
	return out
}

// Select replaces the select list. Strings are column references.
func (ds *Dataset) Select(cols ...any) *Dataset {
	c := ds.clone()
	c.selects = selectExprs(cols)
	return c
}

// SelectAppend adds to the select list. An empty list is treated as "*"
// of the FROM table.
func (ds *Dataset) SelectAppend(cols ...any) *Dataset {
	c := ds.clone()
	if len(c.selects) == 0 {
		c.selects = []Expr{Q(ds.ref(), "*")}
	}
	c.selects = append(c.selects, selectExprs(cols)...)
	return c
}

// Distinct adds DISTINCT to the select.
func (ds *Dataset) Distinct() *Dataset {
	c := ds.clone()
	c.distinct = true
	return c
}

// Where adds conditions joined with AND.
func (ds *Dataset) Where(exprs ...Expr) *Dataset {
	c := ds.clone()
	for _, e := range exprs {
		if e != nil {
			c.wheres = append(c.wheres, e)
		}
	}
	return c
}

// Join adds a join. An empty alias uses the table name.
func (ds *Dataset) Join(kind JoinKind, table, alias string, on Expr) *Dataset {
	c := ds.clone()
	c.joins = append(c.joins, joinClause{kind: kind, table: table, alias: alias, on: on})
	c.resetGraph()
	return c
}

// InnerJoin is Join with INNER JOIN.
func (ds *Dataset) InnerJoin(table string, on Expr) *Dataset {
	return ds.Join(InnerJoin, table, "", on)
}

// LeftJoin is Join with LEFT OUTER JOIN.
func (ds *Dataset) LeftJoin(table string, on Expr) *Dataset {
	return ds.Join(LeftJoin, table, "", on)
}

// Order replaces the ORDER BY list.
func (ds *Dataset) Order(exprs ...Expr) *Dataset {
	c := ds.clone()
	c.orders = slices.Clone(exprs)
	return c
}

// OrderAppend adds to the ORDER BY list.
func (ds *Dataset) OrderAppend(exprs ...Expr) *Dataset {
	c := ds.clone()
	c.orders = append(c.orders, exprs...)
	return c
}

// Limit sets LIMIT. Zero removes it.
func (ds *Dataset) Limit(n int) *Dataset {
	c := ds.clone()
	c.limit = n
	return c
}

// Offset sets OFFSET.
func (ds *Dataset) Offset(n int) *Dataset {
	c := ds.clone()
	c.offset = n
	return c
}

// With adds a common table expression.
func (ds *Dataset) With(name string, query *Dataset) *Dataset {
	c := ds.clone()
	c.ctes = append(c.ctes, cteClause{name: name, base: query})
	return c
}

// WithRecursive adds a recursive common table expression made of a base
// query and a recursive query joined with UNION ALL.
func (ds *Dataset) WithRecursive(name string, columns []string, base, recursive *Dataset) *Dataset {
	c := ds.clone()
	c.ctes = append(c.ctes, cteClause{name: name, columns: columns, base: base, recursive: recursive})
	return c
}

// Concurrent loads sibling eager associations in parallel.
func (ds *Dataset) Concurrent() *Dataset {
	c := ds.clone()
	c.concurrent = true
	return c
}

// Eager schedules associations to be loaded with one query per
// association after the main query. Arguments are association names,
// dotted paths ("albums.tracks") or *EagerSpec values.
func (ds *Dataset) Eager(specs ...any) *Dataset {
	parsed, err := parseEagerSpecs(specs)
	if err != nil {
		return ds.withErr(err)
	}
	c := ds.clone()
	c.eager = mergeEagerSpecs(slices.Clone(ds.eager), parsed)
	return c
}

// EagerGraph loads associations in the main query through JOINs.
func (ds *Dataset) EagerGraph(specs ...any) *Dataset {
	parsed, err := parseEagerSpecs(specs)
	if err != nil {
		return ds.withErr(err)
	}
	c := ds.clone()
	var prev []*EagerSpec
	if ds.graph != nil {
		prev = slices.Clone(ds.graph.specs)
	}
	c.graph = &graphState{specs: mergeEagerSpecs(prev, parsed)}
	return c
}

// EagerGraphJoinType sets the default join for eager graph associations
// that do not configure their own.
func (ds *Dataset) EagerGraphJoinType(kind JoinKind) *Dataset {
	c := ds.clone()
	c.graphJoin = kind
	c.resetGraph()
	return c
}

func (ds *Dataset) dialect() *Dialect {
	if ds.db == nil || ds.db.dialect == nil {
		return Dialects.PostgreSQL
	}
	return ds.db.dialect
}

// SQL renders the SELECT statement and its arguments.
func (ds *Dataset) SQL() (string, []any, error) {
	if ds.err != nil {
		return "", nil, ds.err
	}
	q := ds
	if ds.graph != nil {
		plan, err := ds.graphPlan()
		if err != nil {
			return "", nil, err
		}
		q = plan.apply(ds)
	}
	w := newSQLWriter(ds.dialect())
	q.writeSelect(w)
	return w.finish()
}

func (ds *Dataset) writeSelect(w *sqlWriter) {
	if ds.err != nil {
		w.fail(ds.err)
		return
	}
	if len(ds.ctes) > 0 {
		w.write("WITH ")
		for _, c := range ds.ctes {
			if c.recursive != nil {
				w.write("RECURSIVE ")
				break
			}
		}
		for i, c := range ds.ctes {
			if i > 0 {
				w.write(", ")
			}
			w.ident(c.name)
			if len(c.columns) > 0 {
				w.write("(")
				for j, col := range c.columns {
					if j > 0 {
						w.write(", ")
					}
					w.ident(col)
				}
				w.write(")")
			}
			w.write(" AS (")
			c.base.writeSelect(w)
			if c.recursive != nil {
				w.write(" UNION ALL ")
				c.recursive.writeSelect(w)
			}
			w.write(")")
		}
		w.write(" ")
	}

	w.write("SELECT ")
	if ds.distinct {
		w.write("DISTINCT ")
	}
	if len(ds.selects) == 0 {
		w.write("*")
	}
	for i, s := range ds.selects {
		if i > 0 {
			w.write(", ")
		}
		w.expr(s)
	}
	w.write(" FROM ")
	w.ident(ds.table)
	if ds.alias != "" && ds.alias != ds.table {
		w.write(" AS ")
		w.ident(ds.alias)
	}
	for _, j := range ds.joins {
		w.write(" " + string(j.kind) + " ")
		w.ident(j.table)
		if j.alias != "" && j.alias != j.table {
			w.write(" AS ")
			w.ident(j.alias)
		}
		w.write(" ON ")
		w.expr(j.on)
	}
	ds.writeWhere(w)
	if len(ds.orders) > 0 {
		w.write(" ORDER BY ")
		for i, o := range ds.orders {
			if i > 0 {
				w.write(", ")
			}
			w.expr(o)
		}
	}
	if ds.limit > 0 {
		w.write(" LIMIT " + strconv.Itoa(ds.limit))
	}
	if ds.offset > 0 {
		w.write(" OFFSET " + strconv.Itoa(ds.offset))
	}
}

func (ds *Dataset) writeWhere(w *sqlWriter) {
	if len(ds.wheres) == 0 {
		return
	}
	w.write(" WHERE ")
	for i, e := range ds.wheres {
		if i > 0 {
			w.write(" AND ")
		}
		w.expr(e)
	}
}

// Rows runs the query and returns raw rows keyed by column name.
func (ds *Dataset) Rows(ctx context.Context) ([]Row, error) {
	if ds.graph != nil {
		return nil, errors.New("relorm: Rows does not support eager graph datasets; use All")
	}
	q, args, err := ds.SQL()
	if err != nil {
		return nil, err
	}
	return ds.db.query(ctx, q, args)
}

// All runs the query and returns model instances with every scheduled
// association loaded. Eager plans are validated before any query runs.
func (ds *Dataset) All(ctx context.Context) ([]*Instance, error) {
	if ds.err != nil {
		return nil, ds.err
	}
	if ds.model == nil {
		return nil, ErrNoModel
	}
	if err := ds.model.requireFinalized(); err != nil && (len(ds.eager) > 0 || ds.graph != nil) {
		return nil, err
	}
	if err := validateEager(ds.model, ds.eager, false); err != nil {
		return nil, err
	}

	var (
		out []*Instance
		err error
	)
	if ds.graph != nil {
		out, err = ds.allGraph(ctx)
	} else {
		var rows []Row
		rows, err = ds.Rows(ctx)
		if err == nil {
			out = make([]*Instance, len(rows))
			for i, row := range rows {
				out[i] = ds.model.Instantiate(row)
			}
		}
	}
	if err != nil {
		return nil, err
	}

	if len(ds.eager) > 0 && len(out) > 0 {
		concurrent := ds.concurrent || ds.db.concurrentEager
		if err := ds.db.eagerLoad(ctx, ds.model, out, ds.eager, concurrent); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// First returns the first instance or ErrRecordNotFound.
func (ds *Dataset) First(ctx context.Context) (*Instance, error) {
	q := ds
	if ds.graph == nil {
		q = ds.Limit(1)
	}
	all, err := q.All(ctx)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, ErrRecordNotFound
	}
	return all[0], nil
}

// Each calls fn for every instance in order, stopping at the first error.
func (ds *Dataset) Each(ctx context.Context, fn func(*Instance) error) error {
	all, err := ds.All(ctx)
	if err != nil {
		return err
	}
	for _, inst := range all {
		if err := fn(inst); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of rows the dataset selects.
func (ds *Dataset) Count(ctx context.Context) (int64, error) {
	if ds.err != nil {
		return 0, ds.err
	}
	inner := ds.clone()
	inner.graph = nil
	inner.eager = nil
	inner.orders = nil
	w := newSQLWriter(ds.dialect())
	w.write("SELECT COUNT(*) AS ")
	w.ident("count")
	w.write(" FROM (")
	inner.writeSelect(w)
	w.write(") AS ")
	w.ident("t1")
	q, args, err := w.finish()
	if err != nil {
		return 0, err
	}
	rows, err := ds.db.query(ctx, q, args)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return toInt64(rows[0]["count"]), nil
}

func sortedColumns(row Row) []string {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// InsertSQL renders an INSERT of row into the dataset's table.
func (ds *Dataset) InsertSQL(row Row, returning ...string) (string, []any, error) {
	if ds.err != nil {
		return "", nil, ds.err
	}
	w := newSQLWriter(ds.dialect())
	w.write("INSERT INTO ")
	w.ident(ds.table)
	cols := sortedColumns(row)
	if len(cols) == 0 {
		if ds.dialect() == Dialects.MySQL {
			w.write(" () VALUES ()")
		} else {
			w.write(" DEFAULT VALUES")
		}
	} else {
		w.write(" (")
		for i, c := range cols {
			if i > 0 {
				w.write(", ")
			}
			w.ident(c)
		}
		w.write(") VALUES (")
		for i, c := range cols {
			if i > 0 {
				w.write(", ")
			}
			w.arg(row[c])
		}
		w.write(")")
	}
	if len(returning) > 0 {
		w.write(" RETURNING ")
		for i, c := range returning {
			if i > 0 {
				w.write(", ")
			}
			w.ident(c)
		}
	}
	return w.finish()
}

// Insert adds row to the dataset's table.
func (ds *Dataset) Insert(ctx context.Context, row Row) (sql.Result, error) {
	q, args, err := ds.InsertSQL(row)
	if err != nil {
		return nil, err
	}
	return ds.db.exec(ctx, "INSERT", q, args)
}

// UpdateSQL renders an UPDATE of the rows matched by the dataset.
func (ds *Dataset) UpdateSQL(set Row) (string, []any, error) {
	if ds.err != nil {
		return "", nil, ds.err
	}
	if len(set) == 0 {
		return "", nil, errors.New("relorm: update with no columns")
	}
	w := newSQLWriter(ds.dialect())
	w.write("UPDATE ")
	w.ident(ds.table)
	w.write(" SET ")
	for i, c := range sortedColumns(set) {
		if i > 0 {
			w.write(", ")
		}
		w.ident(c)
		w.write(" = ")
		w.expr(toExpr(set[c]))
	}
	ds.writeWhere(w)
	return w.finish()
}

// Update sets columns on every matched row and returns the affected count.
func (ds *Dataset) Update(ctx context.Context, set Row) (int64, error) {
	q, args, err := ds.UpdateSQL(set)
	if err != nil {
		return 0, err
	}
	res, err := ds.db.exec(ctx, "UPDATE", q, args)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteSQL renders a DELETE of the rows matched by the dataset.
func (ds *Dataset) DeleteSQL() (string, []any, error) {
	if ds.err != nil {
		return "", nil, ds.err
	}
	w := newSQLWriter(ds.dialect())
	w.write("DELETE FROM ")
	w.ident(ds.table)
	ds.writeWhere(w)
	return w.finish()
}

// Delete removes every matched row and returns the affected count.
func (ds *Dataset) Delete(ctx context.Context) (int64, error) {
	q, args, err := ds.DeleteSQL()
	if err != nil {
		return 0, err
	}
	res, err := ds.db.exec(ctx, "DELETE", q, args)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
