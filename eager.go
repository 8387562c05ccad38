package relorm

import (
	"context"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// EagerSpec names an association to eager load, with an optional dataset
// callback and nested associations to load on its results.
type EagerSpec struct {
	Name   string
	Filter func(*Dataset) *Dataset
	Nested []*EagerSpec

	err error
}

// E builds an EagerSpec. Nested entries are association names, dotted
// paths or *EagerSpec values; an unsupported entry is reported by the
// dataset the spec is passed to.
func E(name string, nested ...any) *EagerSpec {
	specs, err := parseEagerSpecs(nested)
	return &EagerSpec{Name: name, Nested: specs, err: err}
}

// Err returns the error recorded while building s.
func (s *EagerSpec) Err() error { return s.err }

// WithFilter returns a copy of s that applies fn to the association's
// dataset for this load only.
func (s *EagerSpec) WithFilter(fn func(*Dataset) *Dataset) *EagerSpec {
	c := *s
	c.Filter = fn
	return &c
}

func parseEagerSpecs(specs []any) ([]*EagerSpec, error) {
	var out []*EagerSpec
	for _, s := range specs {
		switch v := s.(type) {
		case string:
			out = mergeEagerSpecs(out, []*EagerSpec{parsePath(v)})
		case []string:
			for _, p := range v {
				out = mergeEagerSpecs(out, []*EagerSpec{parsePath(p)})
			}
		case *EagerSpec:
			if v == nil {
				continue
			}
			if v.err != nil {
				return nil, errors.Wrapf(v.err, "relorm: eager %q", v.Name)
			}
			out = mergeEagerSpecs(out, []*EagerSpec{v})
		case map[string]any:
			names := make([]string, 0, len(v))
			for n := range v {
				names = append(names, n)
			}
			sort.Strings(names)
			for _, n := range names {
				nested, err := parseEagerSpecs([]any{v[n]})
				if err != nil {
					return nil, err
				}
				out = mergeEagerSpecs(out, []*EagerSpec{{Name: n, Nested: nested}})
			}
		case nil:
		default:
			return nil, errors.Newf("relorm: unsupported eager argument %T", s)
		}
	}
	return out, nil
}

// parsePath turns "albums.tracks" into a nested spec chain.
func parsePath(path string) *EagerSpec {
	parts := strings.Split(path, ".")
	spec := &EagerSpec{Name: parts[len(parts)-1]}
	for i := len(parts) - 2; i >= 0; i-- {
		spec = &EagerSpec{Name: parts[i], Nested: []*EagerSpec{spec}}
	}
	return spec
}

// mergeEagerSpecs combines two spec lists by name without modifying
// either input.
func mergeEagerSpecs(base, add []*EagerSpec) []*EagerSpec {
	out := slices.Clone(base)
	for _, a := range add {
		idx := slices.IndexFunc(out, func(s *EagerSpec) bool { return s.Name == a.Name })
		if idx < 0 {
			out = append(out, a)
			continue
		}
		merged := &EagerSpec{
			Name:   a.Name,
			Filter: out[idx].Filter,
			Nested: mergeEagerSpecs(out[idx].Nested, a.Nested),
		}
		if a.Filter != nil {
			merged.Filter = a.Filter
		}
		out[idx] = merged
	}
	return out
}

// validateEager checks a whole plan against the model graph so that
// configuration errors surface before any query runs.
func validateEager(m *Model, specs []*EagerSpec, graph bool) error {
	for _, s := range specs {
		r, err := m.Association(s.Name)
		if err != nil {
			return err
		}
		if graph {
			if err := checkGraphable(r, s); err != nil {
				return err
			}
		}
		if err := validateEager(r.Associated(), s.Nested, graph); err != nil {
			return err
		}
	}
	return nil
}

// eagerLoad loads specs for parents, then recurses into nested specs with
// the loaded objects as the next level's parents.
func (d *Database) eagerLoad(ctx context.Context, m *Model, parents []*Instance, specs []*EagerSpec, concurrent bool) error {
	if len(parents) == 0 || len(specs) == 0 {
		return nil
	}

	load := func(ctx context.Context, s *EagerSpec) error {
		r := m.associations[s.Name]
		start := time.Now()
		children, err := r.EagerLoad(ctx, d, parents, s.Filter)
		if err != nil {
			return wrapAssociationError(s.Name, m.name, err)
		}
		d.logger.Debug("eager load",
			zap.String(FieldModel, m.name),
			zap.String(FieldAssociation, s.Name),
			zap.String(FieldStrategy, "eager"),
			zap.Int(FieldCount, len(children)),
			durationMS(time.Since(start)),
		)
		if len(s.Nested) > 0 && len(children) > 0 {
			return d.eagerLoad(ctx, r.Associated(), children, s.Nested, concurrent)
		}
		return nil
	}

	if !concurrent || len(specs) == 1 {
		for _, s := range specs {
			if err := load(ctx, s); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range specs {
		g.Go(func() error { return load(gctx, s) })
	}
	return g.Wait()
}

// eagerBatch describes how one association is loaded for many parents in
// a single query and how result rows map back to parents.
type eagerBatch struct {
	refl *reflectionBase
	// ownerKeys returns the key tuples a parent matches; nil when the
	// parent cannot have associated objects.
	ownerKeys func(*Instance) ([][]any, error)
	query     func(keys [][]any) (*Dataset, error)
	// rowKeys returns the owner key tuples a result row belongs to.
	rowKeys func(Row) ([][]any, error)
	// strip lists synthetic columns removed before instantiation.
	strip []string
	// dedupe shares one instance per associated primary key.
	dedupe bool
}

func (b eagerBatch) run(ctx context.Context, parents []*Instance, filter func(*Dataset) *Dataset) ([]*Instance, error) {
	r := b.refl

	idMap := make(map[string][]*Instance)
	var keys [][]any
	for _, p := range parents {
		p.initAssociation(r.name, r.returnsArray)
		pks, err := b.ownerKeys(p)
		if err != nil {
			return nil, err
		}
		for _, k := range pks {
			ks := tupleKey(k)
			list, seen := idMap[ks]
			if !seen {
				keys = append(keys, k)
			}
			if !slices.Contains(list, p) {
				idMap[ks] = append(list, p)
			}
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}

	ds, err := b.query(keys)
	if err != nil {
		return nil, err
	}
	if filter != nil {
		ds = filter(ds)
	}
	rows, err := ds.Rows(ctx)
	if err != nil {
		return nil, err
	}

	type link struct{ parent, child *Instance }
	var (
		children []*Instance
		byPK     map[string]*Instance
		linked   map[link]bool
	)
	if b.dedupe {
		byPK = make(map[string]*Instance)
		linked = make(map[link]bool)
	}
	for _, row := range rows {
		rks, err := b.rowKeys(row)
		if err != nil {
			return nil, err
		}
		for _, c := range b.strip {
			delete(row, c)
		}

		var child *Instance
		pk, hasPK := "", false
		if b.dedupe {
			if vals, ok := keyValues(row, r.associated.primaryKey); ok && len(vals) > 0 {
				pk, hasPK = tupleKey(vals), true
				child = byPK[pk]
			}
		}
		if child == nil {
			child = r.associated.Instantiate(row)
			children = append(children, child)
			if hasPK {
				byPK[pk] = child
			}
		}

		for _, k := range rks {
			for _, p := range idMap[tupleKey(k)] {
				if b.dedupe {
					l := link{p, child}
					if linked[l] {
						continue
					}
					linked[l] = true
				}
				p.attach(r.name, r.returnsArray, child)
			}
		}
	}
	return children, nil
}

// singleKey adapts a column list to an ownerKeys function.
func singleKey(cols []string) func(*Instance) ([][]any, error) {
	return func(inst *Instance) ([][]any, error) {
		vals, ok := keyValues(inst.values, cols)
		if !ok {
			return nil, nil
		}
		return [][]any{vals}, nil
	}
}

// rowKey adapts a column list to a rowKeys function.
func rowKey(cols []string) func(Row) ([][]any, error) {
	return func(row Row) ([][]any, error) {
		vals, ok := keyValues(row, cols)
		if !ok {
			return nil, nil
		}
		return [][]any{vals}, nil
	}
}

// syntheticKeys names the aliased key columns added to eager queries.
func syntheticKeys(prefix string, n int) []string {
	if n == 1 {
		return []string{"x_" + prefix + "_key_x"}
	}
	out := make([]string, n)
	for i := range out {
		out[i] = "x_" + prefix + "_key_" + strconv.Itoa(i) + "_x"
	}
	return out
}
