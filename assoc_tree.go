package relorm

import (
	"context"
	"slices"

	"github.com/cockroachdb/errors"
)

const (
	rootColumn  = "x_root_x"
	levelColumn = "x_level_x"
)

// syntheticColumner is implemented by associations whose datasets select
// bookkeeping columns that must not reach instances.
type syntheticColumner interface {
	syntheticColumns() []string
}

// afterLoader is implemented by associations that post-process lazily
// loaded objects.
type afterLoader interface {
	afterLoad(inst *Instance, loaded []*Instance)
}

// treeAssoc walks a self-referential parent key with a recursive common
// table expression: up for ancestors, down for descendants.
type treeAssoc struct {
	reflectionBase
	up bool
}

func newAncestors(owner *Model, name string, opts AssociationOptions) AssociationReflection {
	return &treeAssoc{reflectionBase: newBase(Ancestors, owner, name, opts, true), up: true}
}

func newDescendants(owner *Model, name string, opts AssociationOptions) AssociationReflection {
	return &treeAssoc{reflectionBase: newBase(Descendants, owner, name, opts, true)}
}

func (a *treeAssoc) Resolve(r *Registry) error {
	if a.opts.ClassName != "" {
		if err := a.resolveAssociated(r); err != nil {
			return err
		}
	} else {
		a.associated = a.owner
	}
	if len(a.opts.Key) == 0 {
		a.opts.Key = []string{"parent_id"}
	}
	pk, err := a.requirePK(a.opts.PrimaryKey, a.associated, "PrimaryKey")
	if err != nil {
		return err
	}
	a.opts.PrimaryKey = pk
	if len(a.opts.Key) != 1 || len(pk) != 1 {
		return a.configErr(errors.Wrap(ErrInvalidAssociation, "tree associations need a single-column parent key"), "")
	}
	return a.checkIdentifiers(a.opts.Key, a.opts.PrimaryKey)
}

func (a *treeAssoc) key() string { return a.opts.Key[0] }
func (a *treeAssoc) pk() string  { return a.opts.PrimaryKey[0] }
func (a *treeAssoc) cte() string { return a.associated.table + "_tree" }

func (a *treeAssoc) syntheticColumns() []string {
	if a.opts.MaxLevel > 0 {
		return []string{rootColumn, levelColumn}
	}
	return []string{rootColumn}
}

func (a *treeAssoc) CanHaveAssociatedObjects(inst *Instance) bool {
	if a.up {
		return !isNil(inst.values[a.key()])
	}
	return !isNil(inst.values[a.pk()])
}

// treeDataset builds the recursive query seeded by the rows matching seed.
// A non-nil root is carried through every level as rootColumn.
func (a *treeAssoc) treeDataset(db *Database, seed, root Expr) *Dataset {
	table, cte := a.associated.table, a.cte()
	baseSel := []any{Q(table, "*")}
	recSel := []any{Q(table, "*")}
	if root != nil {
		baseSel = append(baseSel, As(root, rootColumn))
		recSel = append(recSel, Q(cte, rootColumn))
	}
	if a.opts.MaxLevel > 0 {
		baseSel = append(baseSel, As(Raw("1"), levelColumn))
		recSel = append(recSel, As(binaryExpr{op: "+", l: Q(cte, levelColumn), r: Raw("1")}, levelColumn))
	}

	var on Expr
	if a.up {
		on = columnsEqual([]Expr{Q(table, a.pk())}, []Expr{Q(cte, a.key())})
	} else {
		on = columnsEqual([]Expr{Q(table, a.key())}, []Expr{Q(cte, a.pk())})
	}
	base := db.From(table).Select(baseSel...).Where(seed)
	rec := db.From(table).Select(recSel...).InnerJoin(cte, on)
	if a.opts.MaxLevel > 0 {
		rec = rec.Where(Lt(Q(cte, levelColumn), a.opts.MaxLevel))
	}

	ds := db.Dataset(a.associated).From(cte).Select(Q(cte, "*")).WithRecursive(cte, nil, base, rec)
	if len(a.opts.Conditions) > 0 {
		ds = ds.Where(qualifyAll(a.opts.Conditions, cte)...)
	}
	if len(a.opts.Order) > 0 {
		ds = ds.Order(qualifyAll(a.opts.Order, cte)...)
	}
	if a.opts.Filter != nil {
		ds = a.opts.Filter(ds)
	}
	return ds
}

func (a *treeAssoc) Dataset(db *Database, inst *Instance) (*Dataset, error) {
	var seed Expr
	if a.up {
		seed = Eq(Q(a.associated.table, a.pk()), inst.values[a.key()])
	} else {
		seed = Eq(Q(a.associated.table, a.key()), inst.values[a.pk()])
	}
	if !a.CanHaveAssociatedObjects(inst) {
		seed = Or()
	}
	return a.lazyLimit(a.treeDataset(db, seed, nil)), nil
}

// EagerDataset seeds the recursion with every owner at once and tags each
// row with the owner key it descends from.
func (a *treeAssoc) EagerDataset(db *Database, keys [][]any) (*Dataset, error) {
	col := Q(a.associated.table, a.key())
	if a.up {
		col = Q(a.associated.table, a.pk())
	}
	return a.treeDataset(db, TupleIn([]Expr{col}, keys), col), nil
}

func (a *treeAssoc) EagerLoad(ctx context.Context, db *Database, parents []*Instance, filter func(*Dataset) *Dataset) ([]*Instance, error) {
	if a.opts.EagerLoader != nil {
		return a.opts.EagerLoader(ctx, db, parents, filter)
	}
	ownerKeys := singleKey(a.opts.PrimaryKey)
	if a.up {
		ownerKeys = singleKey(a.opts.Key)
	}
	children, err := eagerBatch{
		refl:      &a.reflectionBase,
		ownerKeys: ownerKeys,
		query:     func(keys [][]any) (*Dataset, error) { return a.EagerDataset(db, keys) },
		rowKeys:   rowKey([]string{rootColumn}),
		strip:     a.syntheticColumns(),
		dedupe:    true,
	}.run(ctx, parents, filter)
	if err != nil {
		return nil, err
	}
	a.linkTree(append(slices.Clone(children), parents...))
	return children, nil
}

func (a *treeAssoc) afterLoad(inst *Instance, loaded []*Instance) {
	a.linkTree(append(slices.Clone(loaded), inst))
}

// selfAssociations finds the plain parent and children associations that
// use the same parent key, so loaded nodes can fill them.
func (a *treeAssoc) selfAssociations() (parent, children string) {
	for _, r := range a.owner.Associations() {
		if r.Associated() != a.associated {
			continue
		}
		o := r.Options()
		if !slices.Equal(o.Key, a.opts.Key) || !slices.Equal(o.PrimaryKey, a.opts.PrimaryKey) {
			continue
		}
		switch r.Type() {
		case ManyToOne:
			parent = r.Name()
		case OneToMany:
			children = r.Name()
		}
	}
	return parent, children
}

// linkTree fills parent caches of every node and, for unbounded
// descendant loads, the children caches. Later nodes win on duplicate
// keys, so owners passed last keep their identity.
func (a *treeAssoc) linkTree(nodes []*Instance) {
	parent, children := a.selfAssociations()
	if a.up || a.opts.MaxLevel > 0 {
		children = ""
	}
	if parent == "" && children == "" {
		return
	}

	byPK := make(map[string]*Instance, len(nodes))
	for _, n := range nodes {
		if v := n.values[a.pk()]; !isNil(v) {
			byPK[keyString(v)] = n
		}
	}
	owned := func(n *Instance) bool {
		v := n.values[a.pk()]
		return !isNil(v) && byPK[keyString(v)] == n
	}

	if children != "" {
		for _, n := range nodes {
			if owned(n) {
				n.initAssociation(children, true)
			}
		}
	}
	for _, n := range nodes {
		if !owned(n) {
			continue
		}
		pv := n.values[a.key()]
		if isNil(pv) {
			if parent != "" {
				n.SetCached(parent, (*Instance)(nil))
			}
			continue
		}
		p, ok := byPK[keyString(pv)]
		if !ok {
			continue
		}
		if parent != "" {
			n.SetCached(parent, p)
		}
		if children != "" {
			p.attach(children, true, n)
		}
	}
}
