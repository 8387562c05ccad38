package relorm

import (
	"context"
	"slices"

	"github.com/cockroachdb/errors"
)

// Find returns the instance of m with the given primary key.
func (d *Database) Find(ctx context.Context, m *Model, pk ...any) (*Instance, error) {
	if len(m.primaryKey) == 0 {
		return nil, errors.Wrapf(ErrNoPrimaryKey, "find %s", m.name)
	}
	if len(pk) != len(m.primaryKey) {
		return nil, errors.Newf("relorm: %s has %d primary key columns, got %d values", m.name, len(m.primaryKey), len(pk))
	}
	return d.Dataset(m).Where(keyMatch(columnRefs(m.table, m.primaryKey), pk)).First(ctx)
}

// Insert saves a new instance. NULL primary key columns are left to the
// database and read back with RETURNING or LastInsertId.
func (d *Database) Insert(ctx context.Context, inst *Instance) error {
	if inst == nil {
		return ErrNilInstance
	}
	m := inst.model
	row := make(Row, len(inst.values))
	generated := false
	for c, v := range inst.values {
		if isNil(v) && slices.Contains(m.primaryKey, c) {
			generated = true
			continue
		}
		row[c] = v
	}
	for _, c := range m.primaryKey {
		if _, ok := inst.values[c]; !ok {
			generated = true
		}
	}

	ds := d.Dataset(m)
	switch {
	case generated && d.dialect.SupportsReturning:
		q, args, err := ds.InsertSQL(row, m.primaryKey...)
		if err != nil {
			return err
		}
		cols, vals, err := d.queryValues(ctx, "INSERT", q, args)
		if err != nil {
			return err
		}
		if len(vals) > 0 {
			for i, c := range cols {
				inst.values[c] = vals[0][i]
			}
		}
	default:
		res, err := ds.Insert(ctx, row)
		if err != nil {
			return err
		}
		if generated && len(m.primaryKey) == 1 {
			id, err := res.LastInsertId()
			if err != nil {
				return errors.Wrapf(err, "relorm: read generated key of %s", m.name)
			}
			inst.values[m.primaryKey[0]] = id
		}
	}
	inst.markPersisted()
	return nil
}

// pkWhere matches inst's row by the primary key last read from or
// written to the database.
func pkWhere(inst *Instance) (Expr, error) {
	m := inst.model
	if len(m.primaryKey) == 0 {
		return nil, errors.Wrapf(ErrNoPrimaryKey, "%s", m.name)
	}
	src := inst.original
	if src == nil {
		src = inst.values
	}
	vals, ok := keyValues(src, m.primaryKey)
	if !ok {
		return nil, errors.Wrapf(ErrNoPrimaryKey, "%s has a NULL primary key", m.name)
	}
	return keyMatch(columnRefs("", m.primaryKey), vals), nil
}

// Update writes the changed columns of a saved instance. It is a no-op
// when nothing changed.
func (d *Database) Update(ctx context.Context, inst *Instance) error {
	if inst == nil {
		return ErrNilInstance
	}
	if inst.IsNew() {
		return errors.Newf("relorm: update of unsaved %s", inst.model.name)
	}
	changed := inst.Changed()
	if len(changed) == 0 {
		return nil
	}
	where, err := pkWhere(inst)
	if err != nil {
		return err
	}
	set := make(Row, len(changed))
	for _, c := range changed {
		set[c] = inst.values[c]
	}
	if _, err := d.Dataset(inst.model).Where(where).Update(ctx, set); err != nil {
		return err
	}
	d.uncacheInstance(ctx, inst)
	inst.markPersisted()
	return nil
}

// Save inserts new instances and updates saved ones.
func (d *Database) Save(ctx context.Context, inst *Instance) error {
	if inst == nil {
		return ErrNilInstance
	}
	if inst.IsNew() {
		return d.Insert(ctx, inst)
	}
	return d.Update(ctx, inst)
}

// Delete removes a saved instance's row.
func (d *Database) Delete(ctx context.Context, inst *Instance) error {
	if inst == nil {
		return ErrNilInstance
	}
	where, err := pkWhere(inst)
	if err != nil {
		return err
	}
	n, err := d.Dataset(inst.model).Where(where).Delete(ctx)
	if err != nil {
		return err
	}
	d.uncacheInstance(ctx, inst)
	if n == 0 {
		return errors.Wrapf(ErrRecordNotFound, "delete %s", inst.model.name)
	}
	return nil
}
