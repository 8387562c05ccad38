package relorm

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/iancoleman/strcase"
)

// AssociationType names an association kind.
type AssociationType string

const (
	ManyToOne       AssociationType = "many_to_one"
	OneToMany       AssociationType = "one_to_many"
	OneToOne        AssociationType = "one_to_one"
	ManyToMany      AssociationType = "many_to_many"
	ManyThroughMany AssociationType = "many_through_many"
	PgArrayToMany   AssociationType = "pg_array_to_many"
	ManyToPgArray   AssociationType = "many_to_pg_array"
	Ancestors       AssociationType = "ancestors"
	Descendants     AssociationType = "descendants"
)

// JoinEdge is one hop of a many_through_many chain. LeftKey columns of
// Table reference the previous hop (or the owner), RightKey columns are
// referenced by the next hop (or the associated model).
type JoinEdge struct {
	Table    string
	LeftKey  []string
	RightKey []string
}

// Edge is a JoinEdge with single-column keys.
func Edge(table, leftKey, rightKey string) JoinEdge {
	return JoinEdge{Table: table, LeftKey: []string{leftKey}, RightKey: []string{rightKey}}
}

// EagerLoaderFunc replaces the built-in eager loader of an association.
// It must initialize the association cache of every parent.
type EagerLoaderFunc func(ctx context.Context, db *Database, parents []*Instance, filter func(*Dataset) *Dataset) ([]*Instance, error)

// AssociationOptions holds the declared configuration of an association.
// Unset fields are inferred by Registry.Finalize.
type AssociationOptions struct {
	ClassName string
	// Key is the foreign key: on the owner for many_to_one, on the
	// associated table for one_to_many and one_to_one, the array column for
	// pg array associations and the parent key for trees.
	Key []string
	// PrimaryKey is the column set Key references.
	PrimaryKey []string

	JoinTable       string
	LeftKey         []string
	RightKey        []string
	LeftPrimaryKey  []string
	RightPrimaryKey []string
	Through         []JoinEdge

	Order      []Expr
	Conditions []Expr
	Filter     func(*Dataset) *Dataset
	Limit      int

	ReadOnly      bool
	NoEagerGraph  bool
	GraphJoinType JoinKind
	Cache         bool
	EagerLoader   EagerLoaderFunc
	MaxLevel      int
}

func (o AssociationOptions) clone() AssociationOptions {
	c := o
	c.Key = slices.Clone(o.Key)
	c.PrimaryKey = slices.Clone(o.PrimaryKey)
	c.LeftKey = slices.Clone(o.LeftKey)
	c.RightKey = slices.Clone(o.RightKey)
	c.LeftPrimaryKey = slices.Clone(o.LeftPrimaryKey)
	c.RightPrimaryKey = slices.Clone(o.RightPrimaryKey)
	c.Order = slices.Clone(o.Order)
	c.Conditions = slices.Clone(o.Conditions)
	c.Through = make([]JoinEdge, len(o.Through))
	for i, e := range o.Through {
		c.Through[i] = JoinEdge{Table: e.Table, LeftKey: slices.Clone(e.LeftKey), RightKey: slices.Clone(e.RightKey)}
	}
	return c
}

// AssociationOption sets one association option.
type AssociationOption func(*AssociationOptions)

// Class names the associated model when it differs from the convention.
func Class(name string) AssociationOption {
	return func(o *AssociationOptions) { o.ClassName = name }
}

func Key(cols ...string) AssociationOption {
	return func(o *AssociationOptions) { o.Key = cols }
}

func PrimaryKey(cols ...string) AssociationOption {
	return func(o *AssociationOptions) { o.PrimaryKey = cols }
}

func JoinTable(table string) AssociationOption {
	return func(o *AssociationOptions) { o.JoinTable = table }
}

func LeftKey(cols ...string) AssociationOption {
	return func(o *AssociationOptions) { o.LeftKey = cols }
}

func RightKey(cols ...string) AssociationOption {
	return func(o *AssociationOptions) { o.RightKey = cols }
}

func LeftPrimaryKey(cols ...string) AssociationOption {
	return func(o *AssociationOptions) { o.LeftPrimaryKey = cols }
}

func RightPrimaryKey(cols ...string) AssociationOption {
	return func(o *AssociationOptions) { o.RightPrimaryKey = cols }
}

// Through sets the join chain of a many_through_many association.
func Through(edges ...JoinEdge) AssociationOption {
	return func(o *AssociationOptions) { o.Through = edges }
}

// OrderBy orders associated rows. Unqualified columns refer to the
// associated table.
func OrderBy(exprs ...Expr) AssociationOption {
	return func(o *AssociationOptions) { o.Order = exprs }
}

// Conditions restricts associated rows. Unqualified columns refer to the
// associated table.
func Conditions(exprs ...Expr) AssociationOption {
	return func(o *AssociationOptions) { o.Conditions = exprs }
}

// Filter applies fn to every dataset of the association. It is not used
// by eager graphs.
func Filter(fn func(*Dataset) *Dataset) AssociationOption {
	return func(o *AssociationOptions) { o.Filter = fn }
}

// LimitTo limits lazily loaded plural associations.
func LimitTo(n int) AssociationOption {
	return func(o *AssociationOptions) { o.Limit = n }
}

// ReadOnly rejects add, remove and set operations.
func ReadOnly() AssociationOption {
	return func(o *AssociationOptions) { o.ReadOnly = true }
}

// NoEagerGraph rejects the association in eager graphs.
func NoEagerGraph() AssociationOption {
	return func(o *AssociationOptions) { o.NoEagerGraph = true }
}

// GraphJoinKind sets the join used when the association is eager graphed.
func GraphJoinKind(kind JoinKind) AssociationOption {
	return func(o *AssociationOptions) { o.GraphJoinType = kind }
}

// CacheLookups serves lazy many_to_one lookups by primary key from the
// database row cache.
func CacheLookups() AssociationOption {
	return func(o *AssociationOptions) { o.Cache = true }
}

// CustomEagerLoader replaces the built-in eager loader.
func CustomEagerLoader(fn EagerLoaderFunc) AssociationOption {
	return func(o *AssociationOptions) { o.EagerLoader = fn }
}

// MaxLevel bounds the depth of tree associations.
func MaxLevel(n int) AssociationOption {
	return func(o *AssociationOptions) { o.MaxLevel = n }
}

// AssociationReflection is the resolved description of one association.
type AssociationReflection interface {
	Name() string
	Type() AssociationType
	Owner() *Model
	Associated() *Model
	ReturnsArray() bool
	Options() AssociationOptions
	// CanHaveAssociatedObjects is false when the instance's keys make any
	// match impossible, so no query is needed.
	CanHaveAssociatedObjects(inst *Instance) bool
	// Resolve fills inferred options and validates them. It is called
	// once by Registry.Finalize.
	Resolve(r *Registry) error
	// Dataset returns the query for one instance's associated rows.
	Dataset(db *Database, inst *Instance) (*Dataset, error)
	// EagerDataset returns the batch query for the given owner key tuples.
	EagerDataset(db *Database, keys [][]any) (*Dataset, error)
	// EagerLoad loads the association for every parent with one query
	// and fills each parent's cache.
	EagerLoad(ctx context.Context, db *Database, parents []*Instance, filter func(*Dataset) *Dataset) ([]*Instance, error)
}

// GraphJoin is one join added by an eager graph.
type GraphJoin struct {
	Table string
	Alias string
	On    Expr
}

// GraphJoiner is implemented by associations that can be eager graphed.
// The last join must use alias; aliases allocates names for intermediate
// tables.
type GraphJoiner interface {
	GraphJoins(parentAlias, alias string, aliases func(table string) string) ([]GraphJoin, error)
}

// Adder is implemented by associations that support Database.Add.
type Adder interface {
	Add(ctx context.Context, db *Database, owner, child *Instance) error
}

// Remover is implemented by associations that support Database.Remove and
// Database.RemoveAll.
type Remover interface {
	Remove(ctx context.Context, db *Database, owner, child *Instance) error
	RemoveAll(ctx context.Context, db *Database, owner *Instance) error
}

// Setter is implemented by singular associations that support
// Database.SetAssociated.
type Setter interface {
	Set(ctx context.Context, db *Database, owner, target *Instance) error
}

// AssociatedFilter is implemented by associations usable in
// Dataset.WhereAssociated. ownerAlias qualifies the owner's columns.
type AssociatedFilter interface {
	FilterExpr(ownerAlias string, objs []*Instance) (Expr, error)
}

// AssociationFactory builds an unresolved association.
type AssociationFactory func(owner *Model, name string, opts AssociationOptions) AssociationReflection

var associationTypes = struct {
	sync.RWMutex
	m map[AssociationType]AssociationFactory
}{m: make(map[AssociationType]AssociationFactory)}

// RegisterAssociationType makes typ available to Model.Associate.
// Registering an existing type replaces it.
func RegisterAssociationType(typ AssociationType, factory AssociationFactory) {
	associationTypes.Lock()
	defer associationTypes.Unlock()
	associationTypes.m[typ] = factory
}

func associationFactory(typ AssociationType) (AssociationFactory, error) {
	associationTypes.RLock()
	defer associationTypes.RUnlock()
	f, ok := associationTypes.m[typ]
	if !ok {
		return nil, errors.Wrapf(ErrInvalidAssociation, "type %q", typ)
	}
	return f, nil
}

func registeredTypes() []string {
	associationTypes.RLock()
	defer associationTypes.RUnlock()
	out := make([]string, 0, len(associationTypes.m))
	for t := range associationTypes.m {
		out = append(out, string(t))
	}
	sort.Strings(out)
	return out
}

func init() {
	RegisterAssociationType(ManyToOne, newManyToOne)
	RegisterAssociationType(OneToMany, newOneToMany)
	RegisterAssociationType(OneToOne, newOneToOne)
	RegisterAssociationType(ManyToMany, newManyToMany)
	RegisterAssociationType(ManyThroughMany, newManyThroughMany)
	RegisterAssociationType(PgArrayToMany, newPgArrayToMany)
	RegisterAssociationType(ManyToPgArray, newManyToPgArray)
	RegisterAssociationType(Ancestors, newAncestors)
	RegisterAssociationType(Descendants, newDescendants)
}

// reflectionBase carries the data shared by every association type.
type reflectionBase struct {
	typ          AssociationType
	name         string
	owner        *Model
	associated   *Model
	opts         AssociationOptions
	returnsArray bool
}

func newBase(typ AssociationType, owner *Model, name string, opts AssociationOptions, plural bool) reflectionBase {
	return reflectionBase{typ: typ, name: name, owner: owner, opts: opts, returnsArray: plural}
}

func (b *reflectionBase) Name() string         { return b.name }
func (b *reflectionBase) Type() AssociationType { return b.typ }
func (b *reflectionBase) Owner() *Model         { return b.owner }
func (b *reflectionBase) Associated() *Model    { return b.associated }
func (b *reflectionBase) ReturnsArray() bool    { return b.returnsArray }

func (b *reflectionBase) Options() AssociationOptions { return b.opts.clone() }

func (b *reflectionBase) configErr(err error, hint string) error {
	return newConfigError(b.owner.name, b.name, err, hint)
}

// resolveAssociated looks up the associated model by class name. The
// default class is the camel-cased name, singularized for plural
// associations.
func (b *reflectionBase) resolveAssociated(r *Registry) error {
	class := b.opts.ClassName
	if class == "" {
		if b.returnsArray {
			class = strcase.ToCamel(inflector.Singular(b.name))
		} else {
			class = strcase.ToCamel(b.name)
		}
	}
	m, ok := r.lookup(class)
	if !ok {
		return b.configErr(errors.Wrapf(ErrUnresolvedModel, "class %q", class),
			"defined models: "+r.modelNames())
	}
	b.associated = m
	return nil
}

// requirePK fills cols with m's primary key when empty.
func (b *reflectionBase) requirePK(cols []string, m *Model, what string) ([]string, error) {
	if len(cols) > 0 {
		return cols, nil
	}
	if len(m.primaryKey) == 0 {
		return nil, b.configErr(errors.Wrapf(ErrNoPrimaryKey, "%s defaults to the primary key of %s", what, m.name),
			"set "+what+" explicitly")
	}
	return slices.Clone(m.primaryKey), nil
}

func (b *reflectionBase) checkArity(what string, a, c []string) error {
	if len(a) != len(c) {
		return b.configErr(errors.Wrapf(ErrMissingOption, "%s: %d key columns against %d", what, len(a), len(c)), "")
	}
	return nil
}

func (b *reflectionBase) checkIdentifiers(cols ...[]string) error {
	for _, set := range cols {
		for _, c := range set {
			if !validIdentifier(c) {
				return b.configErr(errors.Wrapf(ErrInvalidIdentifier, "column %q", c), "")
			}
		}
	}
	return nil
}

// baseDataset is the associated table with the association's conditions,
// order and filter applied.
func (b *reflectionBase) baseDataset(db *Database) *Dataset {
	table := b.associated.table
	ds := db.Dataset(b.associated).Select(Q(table, "*"))
	if len(b.opts.Conditions) > 0 {
		ds = ds.Where(qualifyAll(b.opts.Conditions, table)...)
	}
	if len(b.opts.Order) > 0 {
		ds = ds.Order(qualifyAll(b.opts.Order, table)...)
	}
	if b.opts.Filter != nil {
		ds = b.opts.Filter(ds)
	}
	return ds
}

// lazyLimit applies the singular or configured limit to a lazy dataset.
func (b *reflectionBase) lazyLimit(ds *Dataset) *Dataset {
	if !b.returnsArray {
		return ds.Limit(1)
	}
	if b.opts.Limit > 0 {
		return ds.Limit(b.opts.Limit)
	}
	return ds
}

// graphOn adds the association's conditions, bound to alias, to a join
// condition.
func (b *reflectionBase) graphOn(on Expr, alias string) Expr {
	if len(b.opts.Conditions) == 0 {
		return on
	}
	return And(append([]Expr{on}, qualifyAll(b.opts.Conditions, alias)...)...)
}

// keyTuples collects the non-NULL values of cols from objs.
func keyTuples(objs []*Instance, cols []string) [][]any {
	var out [][]any
	for _, o := range objs {
		if vals, ok := keyValues(o.values, cols); ok {
			out = append(out, vals)
		}
	}
	return out
}

// keysOf reads cols from inst, failing when any part is NULL.
func (b *reflectionBase) keysOf(inst *Instance, cols []string) ([]any, error) {
	vals, ok := keyValues(inst.values, cols)
	if !ok {
		return nil, errors.Wrapf(ErrNoPrimaryKey, "%s: %s has no value for %v", b.name, inst.model.name, cols)
	}
	return vals, nil
}

func (b *reflectionBase) checkMutable() error {
	if b.opts.ReadOnly {
		return b.configErr(ErrReadOnly, "")
	}
	return nil
}

func (b *reflectionBase) checkChild(child *Instance) error {
	if child == nil {
		return ErrNilInstance
	}
	if child.model != b.associated && child.model.parent != b.associated {
		return &MismatchError{Association: b.name, Expected: b.associated.name, Got: child.model.name}
	}
	return nil
}

func (b *reflectionBase) String() string {
	target := b.opts.ClassName
	if b.associated != nil {
		target = b.associated.name
	}
	return fmt.Sprintf("%s %s.%s -> %s", b.typ, b.owner.name, b.name, target)
}
