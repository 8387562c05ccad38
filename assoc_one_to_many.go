package relorm

import (
	"context"
	"slices"

	"github.com/cockroachdb/errors"
)

// childKeys is the shared part of one_to_many and one_to_one: the foreign
// key lives on the associated table and references the owner.
type childKeys struct {
	reflectionBase
}

func (a *childKeys) Resolve(r *Registry) error {
	if err := a.resolveAssociated(r); err != nil {
		return err
	}
	pk, err := a.requirePK(a.opts.PrimaryKey, a.owner, "PrimaryKey")
	if err != nil {
		return err
	}
	a.opts.PrimaryKey = pk
	if len(a.opts.Key) == 0 {
		if len(pk) > 1 {
			return a.configErr(errors.Wrap(ErrMissingOption, "Key is required with a composite primary key"),
				"pass Key with one column per primary key column")
		}
		a.opts.Key = []string{a.owner.defaultForeignKey("_id")}
	}
	if err := a.checkArity("Key", a.opts.Key, a.opts.PrimaryKey); err != nil {
		return err
	}
	return a.checkIdentifiers(a.opts.Key, a.opts.PrimaryKey)
}

// CanHaveAssociatedObjects is false while the owner's key is unset.
func (a *childKeys) CanHaveAssociatedObjects(inst *Instance) bool {
	_, ok := keyValues(inst.values, a.opts.PrimaryKey)
	return ok
}

func (a *childKeys) Dataset(db *Database, inst *Instance) (*Dataset, error) {
	ds := a.baseDataset(db)
	vals, ok := keyValues(inst.values, a.opts.PrimaryKey)
	if !ok {
		return ds.Where(Or()), nil
	}
	return a.lazyLimit(ds.Where(keyMatch(columnRefs(a.associated.table, a.opts.Key), vals))), nil
}

func (a *childKeys) EagerDataset(db *Database, keys [][]any) (*Dataset, error) {
	return a.baseDataset(db).Where(TupleIn(columnRefs(a.associated.table, a.opts.Key), keys)), nil
}

// EagerLoad attaches every matching row to its owner. For one_to_one the
// last matching row wins.
func (a *childKeys) EagerLoad(ctx context.Context, db *Database, parents []*Instance, filter func(*Dataset) *Dataset) ([]*Instance, error) {
	if a.opts.EagerLoader != nil {
		return a.opts.EagerLoader(ctx, db, parents, filter)
	}
	return eagerBatch{
		refl:      &a.reflectionBase,
		ownerKeys: singleKey(a.opts.PrimaryKey),
		query:     func(keys [][]any) (*Dataset, error) { return a.EagerDataset(db, keys) },
		rowKeys:   rowKey(a.opts.Key),
	}.run(ctx, parents, filter)
}

func (a *childKeys) GraphJoins(parentAlias, alias string, _ func(string) string) ([]GraphJoin, error) {
	on := columnsEqual(columnRefs(alias, a.opts.Key), columnRefs(parentAlias, a.opts.PrimaryKey))
	return []GraphJoin{{Table: a.associated.table, Alias: alias, On: a.graphOn(on, alias)}}, nil
}

// FilterExpr matches owners referenced by the foreign key of one of objs.
func (a *childKeys) FilterExpr(ownerAlias string, objs []*Instance) (Expr, error) {
	for _, o := range objs {
		if err := a.checkChild(o); err != nil {
			return nil, err
		}
	}
	return TupleIn(columnRefs(ownerAlias, a.opts.PrimaryKey), keyTuples(objs, a.opts.Key)), nil
}

// ownerKey saves a new owner and returns its key values.
func (a *childKeys) ownerKey(ctx context.Context, db *Database, owner *Instance) ([]any, error) {
	if owner == nil {
		return nil, ErrNilInstance
	}
	if owner.IsNew() {
		if err := db.Save(ctx, owner); err != nil {
			return nil, err
		}
	}
	return a.keysOf(owner, a.opts.PrimaryKey)
}

func (a *childKeys) setKey(child *Instance, vals []any) {
	for i, k := range a.opts.Key {
		if vals == nil {
			child.Set(k, nil)
		} else {
			child.Set(k, vals[i])
		}
	}
}

func (a *childKeys) nullKeys() Row {
	row := make(Row, len(a.opts.Key))
	for _, k := range a.opts.Key {
		row[k] = nil
	}
	return row
}

type oneToMany struct {
	childKeys
}

func newOneToMany(owner *Model, name string, opts AssociationOptions) AssociationReflection {
	return &oneToMany{childKeys{reflectionBase: newBase(OneToMany, owner, name, opts, true)}}
}

// Add points child's foreign key at owner and saves child. A loaded
// association cache gains child.
func (a *oneToMany) Add(ctx context.Context, db *Database, owner, child *Instance) error {
	if err := a.checkMutable(); err != nil {
		return err
	}
	if err := a.checkChild(child); err != nil {
		return err
	}
	vals, err := a.ownerKey(ctx, db, owner)
	if err != nil {
		return err
	}
	a.setKey(child, vals)
	if err := db.Save(ctx, child); err != nil {
		return err
	}
	if owner.IsLoaded(a.name) && !slices.Contains(owner.Many(a.name), child) {
		owner.attach(a.name, true, child)
	}
	return nil
}

// Remove clears child's foreign key and saves child.
func (a *oneToMany) Remove(ctx context.Context, db *Database, owner, child *Instance) error {
	if err := a.checkMutable(); err != nil {
		return err
	}
	if err := a.checkChild(child); err != nil {
		return err
	}
	vals, err := a.ownerKey(ctx, db, owner)
	if err != nil {
		return err
	}
	if cur, ok := keyValues(child.values, a.opts.Key); !ok || tupleKey(cur) != tupleKey(vals) {
		return errors.Wrapf(ErrInvalidAssociation, "%s: %s is not associated with %s", a.name, child.model.name, owner.model.name)
	}
	a.setKey(child, nil)
	if err := db.Save(ctx, child); err != nil {
		return err
	}
	owner.detach(a.name, child)
	return nil
}

// RemoveAll clears the foreign key of every associated row with one
// UPDATE.
func (a *oneToMany) RemoveAll(ctx context.Context, db *Database, owner *Instance) error {
	if err := a.checkMutable(); err != nil {
		return err
	}
	vals, err := a.ownerKey(ctx, db, owner)
	if err != nil {
		return err
	}
	ds := db.Dataset(a.associated).Where(keyMatch(columnRefs("", a.opts.Key), vals))
	if err := db.uncacheMatching(ctx, ds); err != nil {
		return err
	}
	if _, err := ds.Update(ctx, a.nullKeys()); err != nil {
		return err
	}
	for _, child := range owner.Many(a.name) {
		a.setKey(child, nil)
		child.markPersisted()
	}
	owner.initAssociation(a.name, true)
	return nil
}

// oneToOne is a one_to_many limited to a single associated row.
type oneToOne struct {
	childKeys
}

func newOneToOne(owner *Model, name string, opts AssociationOptions) AssociationReflection {
	return &oneToOne{childKeys{reflectionBase: newBase(OneToOne, owner, name, opts, false)}}
}

// Set makes target the only row referencing owner: other rows have their
// foreign key cleared in the same transaction. A nil target clears every
// reference.
func (a *oneToOne) Set(ctx context.Context, db *Database, owner, target *Instance) error {
	if err := a.checkMutable(); err != nil {
		return err
	}
	if target != nil {
		if err := a.checkChild(target); err != nil {
			return err
		}
	}
	vals, err := a.ownerKey(ctx, db, owner)
	if err != nil {
		return err
	}

	err = db.Transaction(ctx, func(tx *Database) error {
		ds := tx.Dataset(a.associated).Where(keyMatch(columnRefs("", a.opts.Key), vals))
		if target != nil && !target.IsNew() && len(a.associated.primaryKey) > 0 {
			if pk, ok := keyValues(target.values, a.associated.primaryKey); ok {
				ds = ds.Where(Not(keyMatch(columnRefs("", a.associated.primaryKey), pk)))
			}
		}
		if err := tx.uncacheMatching(ctx, ds); err != nil {
			return err
		}
		if _, err := ds.Update(ctx, a.nullKeys()); err != nil {
			return err
		}
		if target == nil {
			return nil
		}
		a.setKey(target, vals)
		return tx.Save(ctx, target)
	})
	if err != nil {
		return err
	}
	owner.SetCached(a.name, target)
	return nil
}
