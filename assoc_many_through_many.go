package relorm

import (
	"context"
	"slices"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/iancoleman/strcase"
)

// manyThroughMany reaches the associated model through a chain of join
// tables. many_to_many is the single-edge case.
type manyThroughMany struct {
	reflectionBase
	edges []JoinEdge
	// leftPrimaryKey is referenced by the first edge's LeftKey,
	// rightPrimaryKey by the last edge's RightKey.
	leftPrimaryKey  []string
	rightPrimaryKey []string
}

func newManyThroughMany(owner *Model, name string, opts AssociationOptions) AssociationReflection {
	return &manyThroughMany{reflectionBase: newBase(ManyThroughMany, owner, name, opts, true)}
}

func (a *manyThroughMany) Resolve(r *Registry) error {
	if err := a.resolveAssociated(r); err != nil {
		return err
	}
	if len(a.opts.Through) == 0 {
		return a.configErr(errors.Wrap(ErrMissingOption, "Through is required"),
			"declare the join chain with Through(Edge(table, leftKey, rightKey), ...)")
	}
	a.edges = a.opts.Through
	return a.resolveChain()
}

func (a *manyThroughMany) resolveChain() error {
	var err error
	if a.leftPrimaryKey, err = a.requirePK(a.opts.LeftPrimaryKey, a.owner, "LeftPrimaryKey"); err != nil {
		return err
	}
	if a.rightPrimaryKey, err = a.requirePK(a.opts.RightPrimaryKey, a.associated, "RightPrimaryKey"); err != nil {
		return err
	}
	a.opts.LeftPrimaryKey = a.leftPrimaryKey
	a.opts.RightPrimaryKey = a.rightPrimaryKey

	for i, e := range a.edges {
		if !validIdentifier(e.Table) {
			return a.configErr(errors.Wrapf(ErrInvalidIdentifier, "join table %q", e.Table), "")
		}
		if len(e.LeftKey) == 0 || len(e.RightKey) == 0 {
			return a.configErr(errors.Wrapf(ErrMissingOption, "join table %s needs left and right keys", e.Table), "")
		}
		prev := a.leftPrimaryKey
		if i > 0 {
			prev = a.edges[i-1].RightKey
		}
		if err := a.checkArity("LeftKey of "+e.Table, e.LeftKey, prev); err != nil {
			return err
		}
		if err := a.checkIdentifiers(e.LeftKey, e.RightKey); err != nil {
			return err
		}
	}
	last := a.edges[len(a.edges)-1]
	if err := a.checkArity("RightKey of "+last.Table, last.RightKey, a.rightPrimaryKey); err != nil {
		return err
	}
	return a.checkIdentifiers(a.leftPrimaryKey, a.rightPrimaryKey)
}

// joinedDataset joins the edges in reverse order starting from the
// associated table. It returns the alias of the first edge's table, whose
// LeftKey columns hold the owner key.
func (a *manyThroughMany) joinedDataset(db *Database) (*Dataset, string) {
	var aliases aliasSet
	table := a.associated.table
	aliases.next(table)

	ds := a.baseDataset(db)
	prevAlias, prevCols := table, a.rightPrimaryKey
	for i := len(a.edges) - 1; i >= 0; i-- {
		e := a.edges[i]
		alias := aliases.next(e.Table)
		on := columnsEqual(columnRefs(alias, e.RightKey), columnRefs(prevAlias, prevCols))
		ds = ds.Join(InnerJoin, e.Table, alias, on)
		prevAlias, prevCols = alias, e.LeftKey
	}
	return ds, prevAlias
}

func (a *manyThroughMany) CanHaveAssociatedObjects(inst *Instance) bool {
	_, ok := keyValues(inst.values, a.leftPrimaryKey)
	return ok
}

func (a *manyThroughMany) Dataset(db *Database, inst *Instance) (*Dataset, error) {
	ds, first := a.joinedDataset(db)
	vals, ok := keyValues(inst.values, a.leftPrimaryKey)
	if !ok {
		return ds.Where(Or()), nil
	}
	return a.lazyLimit(ds.Where(keyMatch(columnRefs(first, a.edges[0].LeftKey), vals))), nil
}

// EagerDataset selects the owner key of each row under a synthetic alias so
// rows can be mapped back to their owners.
func (a *manyThroughMany) EagerDataset(db *Database, keys [][]any) (*Dataset, error) {
	ds, first := a.joinedDataset(db)
	left := columnRefs(first, a.edges[0].LeftKey)
	synth := syntheticKeys("left", len(left))
	sel := make([]any, len(left))
	for i, c := range left {
		sel[i] = As(c, synth[i])
	}
	return ds.SelectAppend(sel...).Where(TupleIn(left, keys)), nil
}

func (a *manyThroughMany) EagerLoad(ctx context.Context, db *Database, parents []*Instance, filter func(*Dataset) *Dataset) ([]*Instance, error) {
	if a.opts.EagerLoader != nil {
		return a.opts.EagerLoader(ctx, db, parents, filter)
	}
	synth := syntheticKeys("left", len(a.leftPrimaryKey))
	return eagerBatch{
		refl:      &a.reflectionBase,
		ownerKeys: singleKey(a.leftPrimaryKey),
		query:     func(keys [][]any) (*Dataset, error) { return a.EagerDataset(db, keys) },
		rowKeys:   rowKey(synth),
		strip:     synth,
		dedupe:    true,
	}.run(ctx, parents, filter)
}

// GraphJoins walks the edges forward from the owner. Join tables get
// aliases of their own and contribute no columns.
func (a *manyThroughMany) GraphJoins(parentAlias, alias string, aliases func(string) string) ([]GraphJoin, error) {
	joins := make([]GraphJoin, 0, len(a.edges)+1)
	prevAlias, prevCols := parentAlias, a.leftPrimaryKey
	for _, e := range a.edges {
		ea := aliases(e.Table)
		joins = append(joins, GraphJoin{
			Table: e.Table,
			Alias: ea,
			On:    columnsEqual(columnRefs(ea, e.LeftKey), columnRefs(prevAlias, prevCols)),
		})
		prevAlias, prevCols = ea, e.RightKey
	}
	on := columnsEqual(columnRefs(alias, a.rightPrimaryKey), columnRefs(prevAlias, prevCols))
	joins = append(joins, GraphJoin{Table: a.associated.table, Alias: alias, On: a.graphOn(on, alias)})
	return joins, nil
}

// FilterExpr matches owners reachable from one of objs through the chain.
func (a *manyThroughMany) FilterExpr(ownerAlias string, objs []*Instance) (Expr, error) {
	for _, o := range objs {
		if err := a.checkChild(o); err != nil {
			return nil, err
		}
	}
	ds, first := a.joinedDataset(nil)
	left := columnRefs(first, a.edges[0].LeftKey)
	sel := make([]any, len(left))
	for i, c := range left {
		sel[i] = c
	}
	ds = ds.Select(sel...).Order().
		Where(TupleIn(columnRefs(a.associated.table, a.rightPrimaryKey), keyTuples(objs, a.rightPrimaryKey)))
	return InDataset(columnRefs(ownerAlias, a.leftPrimaryKey), ds), nil
}

// manyToMany joins through one join table and supports adding and
// removing join rows.
type manyToMany struct {
	manyThroughMany
}

func newManyToMany(owner *Model, name string, opts AssociationOptions) AssociationReflection {
	return &manyToMany{manyThroughMany{reflectionBase: newBase(ManyToMany, owner, name, opts, true)}}
}

func (a *manyToMany) Resolve(r *Registry) error {
	if err := a.resolveAssociated(r); err != nil {
		return err
	}
	o := &a.opts
	if o.JoinTable == "" {
		tables := []string{a.owner.table, a.associated.table}
		sort.Strings(tables)
		o.JoinTable = strings.Join(tables, "_")
	}
	if len(o.LeftKey) == 0 {
		if len(o.LeftPrimaryKey) > 1 || (len(o.LeftPrimaryKey) == 0 && len(a.owner.primaryKey) > 1) {
			return a.configErr(errors.Wrap(ErrMissingOption, "LeftKey is required with a composite primary key"), "")
		}
		o.LeftKey = []string{a.owner.defaultForeignKey("_id")}
	}
	if len(o.RightKey) == 0 {
		if len(o.RightPrimaryKey) > 1 || (len(o.RightPrimaryKey) == 0 && len(a.associated.primaryKey) > 1) {
			return a.configErr(errors.Wrap(ErrMissingOption, "RightKey is required with a composite primary key"), "")
		}
		o.RightKey = []string{strcase.ToSnake(inflector.Singular(a.name)) + "_id"}
	}
	if slices.Equal(o.LeftKey, o.RightKey) {
		return a.configErr(errors.Wrapf(ErrMissingOption, "LeftKey and RightKey are both %v", o.LeftKey),
			"self-referential many_to_many needs explicit LeftKey and RightKey")
	}
	a.edges = []JoinEdge{{Table: o.JoinTable, LeftKey: o.LeftKey, RightKey: o.RightKey}}
	return a.resolveChain()
}

// joinRow builds the join table row linking owner and child.
func (a *manyToMany) joinRow(owner, child *Instance) (Row, error) {
	lv, err := a.keysOf(owner, a.leftPrimaryKey)
	if err != nil {
		return nil, err
	}
	rv, err := a.keysOf(child, a.rightPrimaryKey)
	if err != nil {
		return nil, err
	}
	row := make(Row, len(lv)+len(rv))
	for i, k := range a.opts.LeftKey {
		row[k] = lv[i]
	}
	for i, k := range a.opts.RightKey {
		row[k] = rv[i]
	}
	return row, nil
}

// Add inserts a join row, saving new instances first.
func (a *manyToMany) Add(ctx context.Context, db *Database, owner, child *Instance) error {
	if err := a.checkMutable(); err != nil {
		return err
	}
	if owner == nil {
		return ErrNilInstance
	}
	if err := a.checkChild(child); err != nil {
		return err
	}
	for _, inst := range []*Instance{owner, child} {
		if inst.IsNew() {
			if err := db.Save(ctx, inst); err != nil {
				return err
			}
		}
	}
	row, err := a.joinRow(owner, child)
	if err != nil {
		return err
	}
	if _, err := db.From(a.opts.JoinTable).Insert(ctx, row); err != nil {
		return err
	}
	if owner.IsLoaded(a.name) && !slices.Contains(owner.Many(a.name), child) {
		owner.attach(a.name, true, child)
	}
	return nil
}

// Remove deletes the join row linking owner and child.
func (a *manyToMany) Remove(ctx context.Context, db *Database, owner, child *Instance) error {
	if err := a.checkMutable(); err != nil {
		return err
	}
	if owner == nil {
		return ErrNilInstance
	}
	if err := a.checkChild(child); err != nil {
		return err
	}
	row, err := a.joinRow(owner, child)
	if err != nil {
		return err
	}
	conds := make([]Expr, 0, len(row))
	for _, c := range sortedColumns(row) {
		conds = append(conds, Eq(Ident(c), row[c]))
	}
	if _, err := db.From(a.opts.JoinTable).Where(conds...).Delete(ctx); err != nil {
		return err
	}
	owner.detach(a.name, child)
	return nil
}

// RemoveAll deletes every join row of owner.
func (a *manyToMany) RemoveAll(ctx context.Context, db *Database, owner *Instance) error {
	if err := a.checkMutable(); err != nil {
		return err
	}
	if owner == nil {
		return ErrNilInstance
	}
	lv, err := a.keysOf(owner, a.leftPrimaryKey)
	if err != nil {
		return err
	}
	if _, err := db.From(a.opts.JoinTable).Where(keyMatch(columnRefs("", a.opts.LeftKey), lv)).Delete(ctx); err != nil {
		return err
	}
	owner.initAssociation(a.name, true)
	return nil
}
