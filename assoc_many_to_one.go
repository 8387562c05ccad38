package relorm

import (
	"context"

	"github.com/iancoleman/strcase"
)

// manyToOne is an association whose foreign key lives on the owner, such
// as album.artist through albums.artist_id.
type manyToOne struct {
	reflectionBase
}

func newManyToOne(owner *Model, name string, opts AssociationOptions) AssociationReflection {
	return &manyToOne{reflectionBase: newBase(ManyToOne, owner, name, opts, false)}
}

func (a *manyToOne) Resolve(r *Registry) error {
	if err := a.resolveAssociated(r); err != nil {
		return err
	}
	if len(a.opts.Key) == 0 {
		a.opts.Key = []string{strcase.ToSnake(a.name) + "_id"}
	}
	pk, err := a.requirePK(a.opts.PrimaryKey, a.associated, "PrimaryKey")
	if err != nil {
		return err
	}
	a.opts.PrimaryKey = pk
	if err := a.checkArity("Key", a.opts.Key, a.opts.PrimaryKey); err != nil {
		return err
	}
	return a.checkIdentifiers(a.opts.Key, a.opts.PrimaryKey)
}

// CanHaveAssociatedObjects is false when any foreign key column is NULL.
func (a *manyToOne) CanHaveAssociatedObjects(inst *Instance) bool {
	_, ok := keyValues(inst.values, a.opts.Key)
	return ok
}

func (a *manyToOne) Dataset(db *Database, inst *Instance) (*Dataset, error) {
	ds := a.baseDataset(db)
	vals, ok := keyValues(inst.values, a.opts.Key)
	if !ok {
		return ds.Where(Or()), nil
	}
	return a.lazyLimit(ds.Where(keyMatch(columnRefs(a.associated.table, a.opts.PrimaryKey), vals))), nil
}

func (a *manyToOne) EagerDataset(db *Database, keys [][]any) (*Dataset, error) {
	return a.baseDataset(db).Where(TupleIn(columnRefs(a.associated.table, a.opts.PrimaryKey), keys)), nil
}

func (a *manyToOne) EagerLoad(ctx context.Context, db *Database, parents []*Instance, filter func(*Dataset) *Dataset) ([]*Instance, error) {
	if a.opts.EagerLoader != nil {
		return a.opts.EagerLoader(ctx, db, parents, filter)
	}
	return eagerBatch{
		refl:      &a.reflectionBase,
		ownerKeys: singleKey(a.opts.Key),
		query:     func(keys [][]any) (*Dataset, error) { return a.EagerDataset(db, keys) },
		rowKeys:   rowKey(a.opts.PrimaryKey),
	}.run(ctx, parents, filter)
}

func (a *manyToOne) GraphJoins(parentAlias, alias string, _ func(string) string) ([]GraphJoin, error) {
	on := columnsEqual(columnRefs(alias, a.opts.PrimaryKey), columnRefs(parentAlias, a.opts.Key))
	return []GraphJoin{{Table: a.associated.table, Alias: alias, On: a.graphOn(on, alias)}}, nil
}

// Set points the owner's foreign key at target, or clears it when target
// is nil, and saves the owner. A new target is saved first.
func (a *manyToOne) Set(ctx context.Context, db *Database, owner, target *Instance) error {
	if err := a.checkMutable(); err != nil {
		return err
	}
	if owner == nil {
		return ErrNilInstance
	}
	if target == nil {
		for _, k := range a.opts.Key {
			owner.Set(k, nil)
		}
	} else {
		if err := a.checkChild(target); err != nil {
			return err
		}
		if target.IsNew() {
			if err := db.Save(ctx, target); err != nil {
				return err
			}
		}
		vals, err := a.keysOf(target, a.opts.PrimaryKey)
		if err != nil {
			return err
		}
		for i, k := range a.opts.Key {
			owner.Set(k, vals[i])
		}
	}
	if err := db.Save(ctx, owner); err != nil {
		return err
	}
	owner.SetCached(a.name, target)
	return nil
}

// FilterExpr matches owners whose foreign key references one of objs.
func (a *manyToOne) FilterExpr(ownerAlias string, objs []*Instance) (Expr, error) {
	for _, o := range objs {
		if err := a.checkChild(o); err != nil {
			return nil, err
		}
	}
	return TupleIn(columnRefs(ownerAlias, a.opts.Key), keyTuples(objs, a.opts.PrimaryKey)), nil
}
