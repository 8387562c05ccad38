package relorm

import (
	"context"

	"github.com/cockroachdb/errors"
)

func (d *Database) mutable(owner *Instance, name string) (AssociationReflection, error) {
	if owner == nil {
		return nil, ErrNilInstance
	}
	return owner.model.Association(name)
}

func unsupported(r AssociationReflection, op string) error {
	return newConfigError(r.Owner().name, r.Name(),
		errors.Wrapf(ErrInvalidAssociation, "%s associations do not support %s", r.Type(), op), "")
}

// Add associates child with owner: one_to_many sets child's foreign key,
// many_to_many inserts a join row.
func (d *Database) Add(ctx context.Context, owner *Instance, name string, child *Instance) error {
	r, err := d.mutable(owner, name)
	if err != nil {
		return err
	}
	a, ok := r.(Adder)
	if !ok {
		return unsupported(r, "Add")
	}
	return wrapAssociationError(name, owner.model.name, a.Add(ctx, d, owner, child))
}

// Remove dissociates child from owner.
func (d *Database) Remove(ctx context.Context, owner *Instance, name string, child *Instance) error {
	r, err := d.mutable(owner, name)
	if err != nil {
		return err
	}
	rm, ok := r.(Remover)
	if !ok {
		return unsupported(r, "Remove")
	}
	return wrapAssociationError(name, owner.model.name, rm.Remove(ctx, d, owner, child))
}

// RemoveAll dissociates every associated row from owner.
func (d *Database) RemoveAll(ctx context.Context, owner *Instance, name string) error {
	r, err := d.mutable(owner, name)
	if err != nil {
		return err
	}
	rm, ok := r.(Remover)
	if !ok {
		return unsupported(r, "RemoveAll")
	}
	return wrapAssociationError(name, owner.model.name, rm.RemoveAll(ctx, d, owner))
}

// SetAssociated replaces a singular association. A nil target clears it.
func (d *Database) SetAssociated(ctx context.Context, owner *Instance, name string, target *Instance) error {
	r, err := d.mutable(owner, name)
	if err != nil {
		return err
	}
	s, ok := r.(Setter)
	if !ok {
		return unsupported(r, "SetAssociated")
	}
	return wrapAssociationError(name, owner.model.name, s.Set(ctx, d, owner, target))
}
