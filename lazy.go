package relorm

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type loadOptions struct {
	reload bool
	filter func(*Dataset) *Dataset
}

// LoadOption changes one lazy load.
type LoadOption func(*loadOptions)

// Reload ignores the cached value and queries again.
func Reload() LoadOption {
	return func(o *loadOptions) { o.reload = true }
}

// LoadFilter applies fn to the association's dataset. Filtered results
// are returned without touching the cache.
func LoadFilter(fn func(*Dataset) *Dataset) LoadOption {
	return func(o *loadOptions) { o.filter = fn }
}

// AssociationDataset returns the dataset of inst's associated rows.
func (d *Database) AssociationDataset(inst *Instance, name string) (*Dataset, error) {
	if inst == nil {
		return nil, ErrNilInstance
	}
	r, err := inst.model.Association(name)
	if err != nil {
		return nil, err
	}
	ds, err := r.Dataset(d, inst)
	if err != nil {
		return nil, wrapAssociationError(name, inst.model.name, err)
	}
	return ds, nil
}

// Load returns an association of inst: *Instance (nil when nothing is
// associated) for singular associations, []*Instance for plural ones. The
// cached value is returned when present; otherwise one query runs and the
// result is cached.
func (d *Database) Load(ctx context.Context, inst *Instance, name string, opts ...LoadOption) (any, error) {
	if inst == nil {
		return nil, ErrNilInstance
	}
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}
	r, err := inst.model.Association(name)
	if err != nil {
		return nil, err
	}
	if !o.reload && o.filter == nil {
		if v, ok := inst.Cached(name); ok {
			return v, nil
		}
	}

	start := time.Now()
	result, err := d.loadAssociation(ctx, r, inst, o.filter)
	if err != nil {
		return nil, wrapAssociationError(name, inst.model.name, err)
	}
	d.logger.Debug("lazy load",
		zap.String(FieldModel, inst.model.name),
		zap.String(FieldAssociation, name),
		zap.String(FieldStrategy, "lazy"),
		durationMS(time.Since(start)),
	)
	if o.filter == nil {
		inst.SetCached(name, result)
	}
	return result, nil
}

// LoadOne is Load for singular associations. On a plural association it
// returns the first object.
func (d *Database) LoadOne(ctx context.Context, inst *Instance, name string, opts ...LoadOption) (*Instance, error) {
	v, err := d.Load(ctx, inst, name, opts...)
	if err != nil {
		return nil, err
	}
	switch x := v.(type) {
	case *Instance:
		return x, nil
	case []*Instance:
		if len(x) > 0 {
			return x[0], nil
		}
	}
	return nil, nil
}

// LoadMany is Load for plural associations. On a singular association it
// returns zero or one object.
func (d *Database) LoadMany(ctx context.Context, inst *Instance, name string, opts ...LoadOption) ([]*Instance, error) {
	v, err := d.Load(ctx, inst, name, opts...)
	if err != nil {
		return nil, err
	}
	switch x := v.(type) {
	case []*Instance:
		return x, nil
	case *Instance:
		if x != nil {
			return []*Instance{x}, nil
		}
	}
	return []*Instance{}, nil
}

func emptyAssociation(r AssociationReflection) any {
	if r.ReturnsArray() {
		return []*Instance{}
	}
	return (*Instance)(nil)
}

func (d *Database) loadAssociation(ctx context.Context, r AssociationReflection, inst *Instance, filter func(*Dataset) *Dataset) (any, error) {
	if !r.CanHaveAssociatedObjects(inst) {
		return emptyAssociation(r), nil
	}

	cacheable := filter == nil && d.rowCacheable(r)
	if cacheable {
		if hit, ok := d.cachedTarget(ctx, r, inst); ok {
			return hit, nil
		}
	}

	ds, err := r.Dataset(d, inst)
	if err != nil {
		return nil, err
	}
	if filter != nil {
		ds = filter(ds)
	}

	var objs []*Instance
	if sc, ok := r.(syntheticColumner); ok {
		rows, err := ds.Rows(ctx)
		if err != nil {
			return nil, err
		}
		objs = make([]*Instance, len(rows))
		for i, row := range rows {
			for _, c := range sc.syntheticColumns() {
				delete(row, c)
			}
			objs[i] = r.Associated().Instantiate(row)
		}
	} else if objs, err = ds.All(ctx); err != nil {
		return nil, err
	}

	if h, ok := r.(afterLoader); ok {
		h.afterLoad(inst, objs)
	}
	if r.ReturnsArray() {
		if objs == nil {
			objs = []*Instance{}
		}
		return objs, nil
	}
	if len(objs) == 0 {
		return (*Instance)(nil), nil
	}
	if cacheable {
		d.cacheInstance(ctx, objs[0])
	}
	return objs[0], nil
}
