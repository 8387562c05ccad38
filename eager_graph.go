package relorm

import (
	"context"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// graphState is the eager graph of one dataset. The join plan is built on
// first use and shared by datasets derived with filters, limits or order.
type graphState struct {
	specs []*EagerSpec

	once sync.Once
	plan *graphPlan
	err  error
}

// graphNode is one model in the joined query: the root or an association.
type graphNode struct {
	id      int
	alias   string
	model   *Model
	refl    AssociationReflection
	columns []string
	// pkIdx locates the primary key in columns; nil disables dedupe.
	pkIdx    []int
	start    int
	children []*graphNode
}

type graphPlan struct {
	root    *graphNode
	nodes   []*graphNode
	joins   []joinClause
	selects []Expr
	orders  []Expr
	width   int
}

// aliasSet hands out unique table aliases: the table name first, then
// table_0, table_1 and so on.
type aliasSet struct {
	used map[string]bool
}

// reserve marks a name taken by a join of the dataset itself.
func (s *aliasSet) reserve(name string) {
	if s.used == nil {
		s.used = make(map[string]bool)
	}
	s.used[name] = true
}

func (s *aliasSet) next(table string) string {
	if s.used == nil {
		s.used = make(map[string]bool)
	}
	if !s.used[table] {
		s.used[table] = true
		return table
	}
	for i := 0; ; i++ {
		a := table + "_" + strconv.Itoa(i)
		if !s.used[a] {
			s.used[a] = true
			return a
		}
	}
}

// checkGraphable rejects associations that cannot be loaded with a JOIN.
func checkGraphable(r AssociationReflection, s *EagerSpec) error {
	if _, ok := r.(GraphJoiner); !ok {
		return newConfigError(r.Owner().name, r.Name(),
			errors.Wrapf(ErrEagerGraphNotAllowed, "%s associations cannot be joined", r.Type()),
			"load it with Eager instead")
	}
	if r.Options().NoEagerGraph {
		return newConfigError(r.Owner().name, r.Name(), ErrEagerGraphNotAllowed, "load it with Eager instead")
	}
	if s.Filter != nil {
		return newConfigError(r.Owner().name, r.Name(),
			errors.Wrap(ErrEagerGraphNotAllowed, "eager graphs do not take per-load filters"),
			"use Conditions on the association or Eager with a filter")
	}
	return nil
}

func (ds *Dataset) graphPlan() (*graphPlan, error) {
	g := ds.graph
	g.once.Do(func() {
		g.plan, g.err = buildGraphPlan(ds)
	})
	return g.plan, g.err
}

func buildGraphPlan(ds *Dataset) (*graphPlan, error) {
	m := ds.model
	if m == nil {
		return nil, ErrNoModel
	}
	if err := m.requireFinalized(); err != nil {
		return nil, err
	}
	if err := validateEager(m, ds.graph.specs, true); err != nil {
		return nil, err
	}

	var aliases aliasSet
	p := &graphPlan{}
	root, err := p.addNode(m, aliases.next(ds.ref()), nil)
	if err != nil {
		return nil, err
	}
	p.root = root
	for _, j := range ds.joins {
		if j.alias != "" {
			aliases.reserve(j.alias)
		} else {
			aliases.reserve(j.table)
		}
	}

	defaultKind := ds.graphJoin
	if defaultKind == "" {
		defaultKind = LeftJoin
	}

	var walk func(parent *graphNode, specs []*EagerSpec) error
	walk = func(parent *graphNode, specs []*EagerSpec) error {
		for _, s := range specs {
			r := parent.model.associations[s.Name]
			alias := aliases.next(r.Associated().table)
			joins, err := r.(GraphJoiner).GraphJoins(parent.alias, alias, aliases.next)
			if err != nil {
				return wrapAssociationError(s.Name, parent.model.name, err)
			}
			opts := r.Options()
			kind := defaultKind
			if opts.GraphJoinType != "" {
				kind = opts.GraphJoinType
			}
			for _, j := range joins {
				p.joins = append(p.joins, joinClause{kind: kind, table: j.Table, alias: j.Alias, on: j.On})
			}
			p.orders = append(p.orders, qualifyAll(opts.Order, alias)...)

			child, err := p.addNode(r.Associated(), alias, r)
			if err != nil {
				return err
			}
			parent.children = append(parent.children, child)
			if err := walk(child, s.Nested); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root, ds.graph.specs); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *graphPlan) addNode(m *Model, alias string, r AssociationReflection) (*graphNode, error) {
	if len(m.columns) == 0 {
		assoc := ""
		if r != nil {
			assoc = r.Name()
		}
		return nil, newConfigError(m.name, assoc,
			errors.Wrapf(ErrMissingOption, "eager graph needs the columns of %s", m.table),
			"declare them with WithColumns or load them with Database.LoadSchema")
	}
	n := &graphNode{
		id:      len(p.nodes),
		alias:   alias,
		model:   m,
		refl:    r,
		columns: slices.Clone(m.columns),
		start:   p.width,
	}
	for _, pk := range m.primaryKey {
		i := slices.Index(n.columns, pk)
		if i < 0 {
			n.pkIdx = nil
			break
		}
		n.pkIdx = append(n.pkIdx, i)
	}
	for _, c := range n.columns {
		p.selects = append(p.selects, As(Q(alias, c), alias+"_"+c))
	}
	p.width += len(n.columns)
	p.nodes = append(p.nodes, n)
	return n, nil
}

// apply returns ds with the plan's select list, joins and order.
func (p *graphPlan) apply(ds *Dataset) *Dataset {
	c := ds.clone()
	c.graph = nil
	c.selects = slices.Clone(p.selects)
	c.joins = append(c.joins, p.joins...)
	c.orders = append(c.orders, p.orders...)
	return c
}

func (ds *Dataset) allGraph(ctx context.Context) ([]*Instance, error) {
	plan, err := ds.graphPlan()
	if err != nil {
		return nil, err
	}
	q, args, err := ds.SQL()
	if err != nil {
		return nil, err
	}
	start := time.Now()
	_, values, err := ds.db.queryValues(ctx, "SELECT", q, args)
	if err != nil {
		return nil, err
	}
	out := plan.materialize(values)
	ds.db.logger.Debug("eager graph",
		zap.String(FieldModel, ds.model.name),
		zap.String(FieldStrategy, "graph"),
		zap.Int(FieldCount, len(out)),
		durationMS(time.Since(start)),
	)
	return out, nil
}

type graphKey struct {
	node int
	pk   string
}

type graphLink struct {
	parent, child *Instance
	name          string
}

// graphMaterializer splits joined rows into objects. Objects live in one
// arena; index maps (node, primary key) to their arena slot so a row
// repeated by a plural join reuses the object built for its first
// occurrence.
type graphMaterializer struct {
	plan   *graphPlan
	arena  []*Instance
	index  map[graphKey]int
	linked map[graphLink]bool
	roots  []*Instance
}

func (p *graphPlan) materialize(values [][]any) []*Instance {
	m := &graphMaterializer{
		plan:   p,
		index:  make(map[graphKey]int),
		linked: make(map[graphLink]bool),
	}
	for _, row := range values {
		root, created := m.object(p.root, row)
		if root == nil {
			continue
		}
		if created {
			m.roots = append(m.roots, root)
		}
		m.children(p.root, root, row)
	}
	return m.roots
}

// object returns the instance for n's columns in row, or nil when every
// column is NULL (no associated row matched the outer join).
func (m *graphMaterializer) object(n *graphNode, row []any) (*Instance, bool) {
	part := row[n.start : n.start+len(n.columns)]
	empty := true
	for _, v := range part {
		if v != nil {
			empty = false
			break
		}
	}
	if empty {
		return nil, false
	}

	var (
		key    graphKey
		dedupe = n.pkIdx != nil
	)
	if dedupe {
		pk := make([]any, len(n.pkIdx))
		for i, idx := range n.pkIdx {
			pk[i] = part[idx]
		}
		if !slices.ContainsFunc(pk, isNil) {
			key = graphKey{node: n.id, pk: tupleKey(pk)}
			if i, ok := m.index[key]; ok {
				return m.arena[i], false
			}
		} else {
			dedupe = false
		}
	}

	values := make(Row, len(n.columns))
	for i, c := range n.columns {
		values[c] = part[i]
	}
	inst := n.model.Instantiate(values)
	for _, c := range n.children {
		inst.initAssociation(c.refl.Name(), c.refl.ReturnsArray())
	}
	m.arena = append(m.arena, inst)
	if dedupe {
		m.index[key] = len(m.arena) - 1
	}
	return inst, true
}

func (m *graphMaterializer) children(n *graphNode, parent *Instance, row []any) {
	for _, c := range n.children {
		child, _ := m.object(c, row)
		if child == nil {
			continue
		}
		name := c.refl.Name()
		l := graphLink{parent: parent, child: child, name: name}
		if !m.linked[l] {
			m.linked[l] = true
			parent.attach(name, c.refl.ReturnsArray(), child)
		}
		m.children(c, child, row)
	}
}
