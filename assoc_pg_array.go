package relorm

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/iancoleman/strcase"
)

// arrayBase holds the single-column checks shared by both array
// associations.
type arrayBase struct {
	reflectionBase
}

func (a *arrayBase) resolveArray(defaultKey string, pkModel *Model) error {
	if len(a.opts.Key) == 0 {
		a.opts.Key = []string{defaultKey}
	}
	pk, err := a.requirePK(a.opts.PrimaryKey, pkModel, "PrimaryKey")
	if err != nil {
		return err
	}
	a.opts.PrimaryKey = pk
	if len(a.opts.Key) != 1 || len(pk) != 1 {
		return a.configErr(errors.Wrap(ErrInvalidAssociation, "array associations need single-column keys"), "")
	}
	return a.checkIdentifiers(a.opts.Key, a.opts.PrimaryKey)
}

func (a *arrayBase) key() string { return a.opts.Key[0] }
func (a *arrayBase) pk() string  { return a.opts.PrimaryKey[0] }

func flatten(keys [][]any) []any {
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k[0]
	}
	return out
}

// pgArrayToMany stores the associated keys in an array column of the
// owner, such as tags through albums.tag_ids.
type pgArrayToMany struct {
	arrayBase
}

func newPgArrayToMany(owner *Model, name string, opts AssociationOptions) AssociationReflection {
	return &pgArrayToMany{arrayBase{newBase(PgArrayToMany, owner, name, opts, true)}}
}

func (a *pgArrayToMany) Resolve(r *Registry) error {
	if err := a.resolveAssociated(r); err != nil {
		return err
	}
	return a.resolveArray(strcase.ToSnake(inflector.Singular(a.name))+"_ids", a.associated)
}

// CanHaveAssociatedObjects is false for a NULL or empty array. A value
// that does not parse is left to Dataset to report.
func (a *pgArrayToMany) CanHaveAssociatedObjects(inst *Instance) bool {
	keys, err := arrayKeys(inst.values[a.key()])
	return err != nil || len(keys) > 0
}

// arrayKeysOf reads the key tuples of an array column value.
func (a *arrayBase) arrayKeysOf(v any) ([][]any, error) {
	keys, err := arrayKeys(v)
	if err != nil {
		return nil, a.configErr(err, "")
	}
	return keys, nil
}

func (a *pgArrayToMany) Dataset(db *Database, inst *Instance) (*Dataset, error) {
	elems, err := arrayElements(inst.values[a.key()])
	if err != nil {
		return nil, a.configErr(err, "")
	}
	ds := a.baseDataset(db).Where(In(Q(a.associated.table, a.pk()), elems...))
	return a.lazyLimit(ds), nil
}

func (a *pgArrayToMany) EagerDataset(db *Database, keys [][]any) (*Dataset, error) {
	return a.baseDataset(db).Where(In(Q(a.associated.table, a.pk()), flatten(keys)...)), nil
}

func (a *pgArrayToMany) EagerLoad(ctx context.Context, db *Database, parents []*Instance, filter func(*Dataset) *Dataset) ([]*Instance, error) {
	if a.opts.EagerLoader != nil {
		return a.opts.EagerLoader(ctx, db, parents, filter)
	}
	return eagerBatch{
		refl:      &a.reflectionBase,
		ownerKeys: func(inst *Instance) ([][]any, error) { return a.arrayKeysOf(inst.values[a.key()]) },
		query:     func(keys [][]any) (*Dataset, error) { return a.EagerDataset(db, keys) },
		rowKeys:   rowKey(a.opts.PrimaryKey),
	}.run(ctx, parents, filter)
}

func (a *pgArrayToMany) GraphJoins(parentAlias, alias string, _ func(string) string) ([]GraphJoin, error) {
	on := anyColumnExpr{l: Q(alias, a.pk()), arr: Q(parentAlias, a.key())}
	return []GraphJoin{{Table: a.associated.table, Alias: alias, On: a.graphOn(on, alias)}}, nil
}

// FilterExpr matches owners whose array lists the key of one of objs.
func (a *pgArrayToMany) FilterExpr(ownerAlias string, objs []*Instance) (Expr, error) {
	for _, o := range objs {
		if err := a.checkChild(o); err != nil {
			return nil, err
		}
	}
	return ArrayOverlaps(Q(ownerAlias, a.key()), flatten(keyTuples(objs, a.opts.PrimaryKey))), nil
}

// manyToPgArray is the reverse of pgArrayToMany: associated rows list the
// owner's key in an array column.
type manyToPgArray struct {
	arrayBase
}

func newManyToPgArray(owner *Model, name string, opts AssociationOptions) AssociationReflection {
	return &manyToPgArray{arrayBase{newBase(ManyToPgArray, owner, name, opts, true)}}
}

func (a *manyToPgArray) Resolve(r *Registry) error {
	if err := a.resolveAssociated(r); err != nil {
		return err
	}
	return a.resolveArray(a.owner.defaultForeignKey("_ids"), a.owner)
}

func (a *manyToPgArray) CanHaveAssociatedObjects(inst *Instance) bool {
	return !isNil(inst.values[a.pk()])
}

func (a *manyToPgArray) Dataset(db *Database, inst *Instance) (*Dataset, error) {
	ds := a.baseDataset(db)
	v := inst.values[a.pk()]
	if isNil(v) {
		return ds.Where(Or()), nil
	}
	return a.lazyLimit(ds.Where(ArrayContains(Q(a.associated.table, a.key()), v))), nil
}

func (a *manyToPgArray) EagerDataset(db *Database, keys [][]any) (*Dataset, error) {
	return a.baseDataset(db).Where(ArrayOverlaps(Q(a.associated.table, a.key()), flatten(keys))), nil
}

func (a *manyToPgArray) EagerLoad(ctx context.Context, db *Database, parents []*Instance, filter func(*Dataset) *Dataset) ([]*Instance, error) {
	if a.opts.EagerLoader != nil {
		return a.opts.EagerLoader(ctx, db, parents, filter)
	}
	return eagerBatch{
		refl:      &a.reflectionBase,
		ownerKeys: singleKey(a.opts.PrimaryKey),
		query:     func(keys [][]any) (*Dataset, error) { return a.EagerDataset(db, keys) },
		rowKeys:   func(row Row) ([][]any, error) { return a.arrayKeysOf(row[a.key()]) },
	}.run(ctx, parents, filter)
}

func (a *manyToPgArray) GraphJoins(parentAlias, alias string, _ func(string) string) ([]GraphJoin, error) {
	on := anyColumnExpr{l: Q(parentAlias, a.pk()), arr: Q(alias, a.key())}
	return []GraphJoin{{Table: a.associated.table, Alias: alias, On: a.graphOn(on, alias)}}, nil
}

// FilterExpr matches owners listed in the array of one of objs.
func (a *manyToPgArray) FilterExpr(ownerAlias string, objs []*Instance) (Expr, error) {
	var keys []any
	for _, o := range objs {
		if err := a.checkChild(o); err != nil {
			return nil, err
		}
		ks, err := a.arrayKeysOf(o.values[a.key()])
		if err != nil {
			return nil, err
		}
		keys = append(keys, flatten(ks)...)
	}
	return In(Q(ownerAlias, a.pk()), keys...), nil
}
