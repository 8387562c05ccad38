package relorm

import (
	"slices"
	"sort"
	"strings"

	"github.com/gertd/go-pluralize"
	"github.com/iancoleman/strcase"
)

var inflector = pluralize.NewClient()

// RowFunc builds an instance from a result row. Models use
// DefaultRowFunc unless configured otherwise.
type RowFunc func(m *Model, row Row) *Instance

// DefaultRowFunc wraps row as a persisted instance of m.
func DefaultRowFunc(m *Model, row Row) *Instance {
	return newInstance(m, row, false)
}

// Model describes a table, its key and the associations declared on it.
// Associations are declared before Registry.Finalize and are immutable
// afterwards.
type Model struct {
	name       string
	table      string
	primaryKey []string
	pkSet      bool
	columns    []string
	rowFunc    RowFunc
	registry   *Registry
	parent     *Model

	decls        []assocDecl
	associations map[string]AssociationReflection
	assocOrder   []string
	errs         []error
}

// assocDecl is an association recorded before finalization.
type assocDecl struct {
	typ  AssociationType
	name string
	opts AssociationOptions
}

// ModelOption configures a model at definition time.
type ModelOption func(*Model)

// WithPrimaryKey sets the primary key columns. Calling it with no columns
// declares a model without a primary key.
func WithPrimaryKey(cols ...string) ModelOption {
	return func(m *Model) {
		m.primaryKey = slices.Clone(cols)
		m.pkSet = true
	}
}

// WithColumns declares the table's columns. Eager graphs need the column
// list of every joined model, either declared here or loaded with
// Database.LoadSchema.
func WithColumns(cols ...string) ModelOption {
	return func(m *Model) {
		m.columns = slices.Clone(cols)
	}
}

// WithRowFunc overrides row instantiation.
func WithRowFunc(fn RowFunc) ModelOption {
	return func(m *Model) {
		m.rowFunc = fn
	}
}

func (m *Model) Name() string { return m.name }

func (m *Model) Table() string { return m.table }

// PrimaryKey returns the primary key columns, empty for keyless tables.
func (m *Model) PrimaryKey() []string { return slices.Clone(m.primaryKey) }

// Columns returns the declared or loaded column names.
func (m *Model) Columns() []string { return slices.Clone(m.columns) }

// Registry returns the registry the model belongs to.
func (m *Model) Registry() *Registry { return m.registry }

// Parent returns the model this one was derived from with Subclass.
func (m *Model) Parent() *Model { return m.parent }

// Instantiate builds an instance from a row with the model's row function.
func (m *Model) Instantiate(row Row) *Instance {
	if m.rowFunc != nil {
		return m.rowFunc(m, row)
	}
	return DefaultRowFunc(m, row)
}

// New builds an unsaved instance.
func (m *Model) New(values map[string]any) *Instance {
	return newInstance(m, values, true)
}

// Association returns a finalized association by name.
func (m *Model) Association(name string) (AssociationReflection, error) {
	if err := m.requireFinalized(); err != nil {
		return nil, err
	}
	r, ok := m.associations[name]
	if !ok {
		return nil, newConfigError(m.name, name, ErrAssociationNotFound,
			"declared associations: "+strings.Join(m.assocOrder, ", "))
	}
	return r, nil
}

// Associations returns every finalized association in declaration order.
func (m *Model) Associations() []AssociationReflection {
	out := make([]AssociationReflection, 0, len(m.assocOrder))
	for _, name := range m.assocOrder {
		out = append(out, m.associations[name])
	}
	return out
}

func (m *Model) requireFinalized() error {
	if m.registry == nil || !m.registry.isFinalized() {
		return newConfigError(m.name, "", ErrNotFinalized, "call Registry.Finalize after declaring models")
	}
	return nil
}

// Associate declares an association of a registered type. The built-in
// helpers (ManyToOne, OneToMany, ...) call it with their type.
func (m *Model) Associate(typ AssociationType, name string, opts ...AssociationOption) *Model {
	if m.registry != nil && m.registry.isFinalized() {
		panic("relorm: association " + name + " declared on " + m.name + " after Finalize")
	}
	var o AssociationOptions
	for _, opt := range opts {
		opt(&o)
	}
	m.decls = append(m.decls, assocDecl{typ: typ, name: name, opts: o})
	return m
}

func (m *Model) ManyToOne(name string, opts ...AssociationOption) *Model {
	return m.Associate(ManyToOne, name, opts...)
}

func (m *Model) OneToMany(name string, opts ...AssociationOption) *Model {
	return m.Associate(OneToMany, name, opts...)
}

func (m *Model) OneToOne(name string, opts ...AssociationOption) *Model {
	return m.Associate(OneToOne, name, opts...)
}

func (m *Model) ManyToMany(name string, opts ...AssociationOption) *Model {
	return m.Associate(ManyToMany, name, opts...)
}

// ManyThroughMany declares an association reached through a chain of join
// tables. The Through option is required.
func (m *Model) ManyThroughMany(name string, opts ...AssociationOption) *Model {
	return m.Associate(ManyThroughMany, name, opts...)
}

// PgArrayToMany declares an association whose keys are stored in an array
// column of the owner (PostgreSQL).
func (m *Model) PgArrayToMany(name string, opts ...AssociationOption) *Model {
	return m.Associate(PgArrayToMany, name, opts...)
}

// ManyToPgArray declares an association whose rows list the owner's key in
// an array column (PostgreSQL).
func (m *Model) ManyToPgArray(name string, opts ...AssociationOption) *Model {
	return m.Associate(ManyToPgArray, name, opts...)
}

// Tree declares "ancestors" and "descendants" associations over a
// self-referential parent key, loaded with recursive common table
// expressions.
func (m *Model) Tree(opts ...AssociationOption) *Model {
	m.Associate(Ancestors, "ancestors", opts...)
	return m.Associate(Descendants, "descendants", opts...)
}

// Subclass defines a model in the same registry that inherits every
// association declared on m so far. Later declarations on either model do
// not affect the other.
func (m *Model) Subclass(name, table string, opts ...ModelOption) *Model {
	sub := m.registry.Define(name, table,
		WithPrimaryKey(m.primaryKey...),
		WithColumns(m.columns...),
		WithRowFunc(m.rowFunc),
	)
	for _, opt := range opts {
		opt(sub)
	}
	sub.parent = m
	for _, d := range m.decls {
		sub.decls = append(sub.decls, assocDecl{typ: d.typ, name: d.name, opts: d.opts.clone()})
	}
	return sub
}

// finalize builds and resolves every declared association. Redeclaring a
// name replaces the earlier declaration.
func (m *Model) finalize() error {
	if len(m.errs) > 0 {
		return m.errs[0]
	}
	m.associations = make(map[string]AssociationReflection, len(m.decls))
	m.assocOrder = m.assocOrder[:0]
	for _, d := range m.decls {
		factory, err := associationFactory(d.typ)
		if err != nil {
			return newConfigError(m.name, d.name, err, "registered types: "+strings.Join(registeredTypes(), ", "))
		}
		r := factory(m, d.name, d.opts.clone())
		if _, dup := m.associations[d.name]; !dup {
			m.assocOrder = append(m.assocOrder, d.name)
		}
		m.associations[d.name] = r
	}
	for _, name := range m.assocOrder {
		if err := m.associations[name].Resolve(m.registry); err != nil {
			return err
		}
	}
	return nil
}

// defaultForeignKey is the conventional key column referencing m.
func (m *Model) defaultForeignKey(suffix string) string {
	return strcase.ToSnake(inflector.Singular(m.table)) + suffix
}

func sortedNames(names []string) []string {
	out := slices.Clone(names)
	sort.Strings(out)
	return out
}
