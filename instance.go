package relorm

import (
	"maps"
	"reflect"
	"sort"
	"sync"
)

// Instance is one row of a model with its association cache. Column
// values are not synchronized; the association cache is, so sibling
// associations can be eager loaded concurrently.
type Instance struct {
	model    *Model
	values   map[string]any
	original map[string]any
	isNew    bool

	mu    sync.Mutex
	cache map[string]any
}

func newInstance(m *Model, values map[string]any, isNew bool) *Instance {
	if values == nil {
		values = map[string]any{}
	}
	inst := &Instance{model: m, values: values, isNew: isNew}
	if !isNew {
		inst.original = maps.Clone(values)
	}
	return inst
}

// Model returns the instance's model.
func (i *Instance) Model() *Model { return i.model }

// Get returns a column value.
func (i *Instance) Get(col string) any { return i.values[col] }

// Set changes a column value.
func (i *Instance) Set(col string, v any) *Instance {
	i.values[col] = v
	return i
}

// Values returns a copy of the column values.
func (i *Instance) Values() map[string]any { return maps.Clone(i.values) }

// IsNew reports whether the instance has not been saved.
func (i *Instance) IsNew() bool { return i.isNew }

// PK returns the primary key values, or nil for keyless models.
func (i *Instance) PK() []any {
	pk := i.model.primaryKey
	if len(pk) == 0 {
		return nil
	}
	out := make([]any, len(pk))
	for j, c := range pk {
		out[j] = i.values[c]
	}
	return out
}

// pkKey returns the normalized primary key, or false when the model has no
// primary key or any part of it is NULL.
func (i *Instance) pkKey() (string, bool) {
	if len(i.model.primaryKey) == 0 {
		return "", false
	}
	vals, ok := keyValues(i.values, i.model.primaryKey)
	if !ok {
		return "", false
	}
	return tupleKey(vals), true
}

// Changed returns the columns that differ from the values last read from
// or written to the database, sorted by name. New instances report every
// column.
func (i *Instance) Changed() []string {
	var out []string
	for col, v := range i.values {
		orig, ok := i.original[col]
		if i.isNew || !ok || !reflect.DeepEqual(orig, v) {
			out = append(out, col)
		}
	}
	sort.Strings(out)
	return out
}

// Original returns the column value last read from or written to the
// database.
func (i *Instance) Original(col string) any { return i.original[col] }

// markPersisted records the current values as the database state.
func (i *Instance) markPersisted() {
	i.isNew = false
	i.original = maps.Clone(i.values)
}

// Cached returns the cached value of an association: *Instance (possibly
// nil) for singular associations, []*Instance for plural ones. ok is false
// when the association has not been loaded.
func (i *Instance) Cached(name string) (any, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	v, ok := i.cache[name]
	return v, ok
}

// One returns a loaded singular association, or nil.
func (i *Instance) One(name string) *Instance {
	v, _ := i.Cached(name)
	inst, _ := v.(*Instance)
	return inst
}

// Many returns a loaded plural association, or nil when not loaded.
func (i *Instance) Many(name string) []*Instance {
	v, _ := i.Cached(name)
	list, _ := v.([]*Instance)
	return list
}

// IsLoaded reports whether the association cache holds name.
func (i *Instance) IsLoaded(name string) bool {
	_, ok := i.Cached(name)
	return ok
}

// SetCached stores an association value: *Instance or nil for singular
// associations, []*Instance for plural ones.
func (i *Instance) SetCached(name string, v any) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.cache == nil {
		i.cache = make(map[string]any)
	}
	i.cache[name] = v
}

// ClearCache forgets the given associations, or every association when
// called without names.
func (i *Instance) ClearCache(names ...string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(names) == 0 {
		i.cache = nil
		return
	}
	for _, n := range names {
		delete(i.cache, n)
	}
}

// initAssociation marks an association loaded and empty.
func (i *Instance) initAssociation(name string, plural bool) {
	if plural {
		i.SetCached(name, []*Instance{})
	} else {
		i.SetCached(name, (*Instance)(nil))
	}
}

// attach adds child to a plural association or replaces a singular one.
// Plural associations are initialized on first attach.
func (i *Instance) attach(name string, plural bool, child *Instance) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.cache == nil {
		i.cache = make(map[string]any)
	}
	if !plural {
		i.cache[name] = child
		return
	}
	list, _ := i.cache[name].([]*Instance)
	i.cache[name] = append(list, child)
}

// detach removes child from a loaded plural association.
func (i *Instance) detach(name string, child *Instance) {
	i.mu.Lock()
	defer i.mu.Unlock()
	list, ok := i.cache[name].([]*Instance)
	if !ok {
		return
	}
	out := list[:0:0]
	for _, c := range list {
		if c != child {
			out = append(out, c)
		}
	}
	i.cache[name] = out
}
