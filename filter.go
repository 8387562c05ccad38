package relorm

import (
	"github.com/cockroachdb/errors"
)

// WhereAssociated restricts the dataset to owners associated with at
// least one of objs. With no objects the dataset matches nothing.
func (ds *Dataset) WhereAssociated(name string, objs ...*Instance) *Dataset {
	if ds.model == nil {
		return ds.withErr(ErrNoModel)
	}
	r, err := ds.model.Association(name)
	if err != nil {
		return ds.withErr(err)
	}
	f, ok := r.(AssociatedFilter)
	if !ok {
		return ds.withErr(newConfigError(ds.model.name, name,
			errors.Wrapf(ErrInvalidAssociation, "%s associations cannot filter datasets", r.Type()), ""))
	}
	e, err := f.FilterExpr(ds.ref(), objs)
	if err != nil {
		return ds.withErr(wrapAssociationError(name, ds.model.name, err))
	}
	return ds.Where(e)
}
