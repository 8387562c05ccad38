package relorm

import (
	"context"
	"maps"
	"reflect"
)

// IsDirty reports whether col differs from the value last read from or
// written to the database.
func (i *Instance) IsDirty(col string) bool {
	if i.isNew {
		_, ok := i.values[col]
		return ok
	}
	orig, ok := i.original[col]
	cur, has := i.values[col]
	if ok != has {
		return true
	}
	return !reflect.DeepEqual(orig, cur)
}

// IsClean is the negation of IsDirty.
func (i *Instance) IsClean(col string) bool {
	return !i.IsDirty(col)
}

// Dirty returns the changed columns with their current values.
func (i *Instance) Dirty() map[string]any {
	out := make(map[string]any)
	for _, c := range i.Changed() {
		out[c] = i.values[c]
	}
	return out
}

// Revert restores the persisted values of a saved instance.
func (i *Instance) Revert() {
	if i.isNew {
		return
	}
	i.values = maps.Clone(i.original)
}

// Refresh reloads inst's row and clears its association cache, since
// cached objects may no longer match the reloaded keys.
func (d *Database) Refresh(ctx context.Context, inst *Instance) error {
	if inst == nil {
		return ErrNilInstance
	}
	where, err := pkWhere(inst)
	if err != nil {
		return err
	}
	rows, err := d.Dataset(inst.model).Where(where).Limit(1).Rows(ctx)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return ErrRecordNotFound
	}
	inst.values = rows[0]
	inst.markPersisted()
	inst.ClearCache()
	return nil
}
