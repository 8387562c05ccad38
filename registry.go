package relorm

import (
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

// Registry holds a set of models that may reference each other by name.
// Models are declared first and resolved together by Finalize, so an
// association can name a model defined later.
type Registry struct {
	mu        sync.RWMutex
	models    map[string]*Model
	byTable   map[string]*Model
	order     []string
	finalized bool
	errs      []error
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		models:  make(map[string]*Model),
		byTable: make(map[string]*Model),
	}
}

// Define adds a model. The first model defined for a table is the one
// found by table lookups.
func (r *Registry) Define(name, table string, opts ...ModelOption) *Model {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		panic("relorm: model " + name + " defined after Finalize")
	}

	m := &Model{name: name, table: table, primaryKey: []string{"id"}, registry: r}
	for _, opt := range opts {
		opt(m)
	}
	if !validIdentifier(table) {
		r.errs = append(r.errs, newConfigError(name, "", ErrInvalidIdentifier, "table "+table))
	}
	if _, dup := r.models[name]; dup {
		r.errs = append(r.errs, newConfigError(name, "", errors.New("model defined twice"), ""))
	} else {
		r.order = append(r.order, name)
	}
	r.models[name] = m
	if _, ok := r.byTable[table]; !ok {
		r.byTable[table] = m
	}
	return m
}

// Model looks up a model by name.
func (r *Registry) Model(name string) (*Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnresolvedModel, "model %q", name)
	}
	return m, nil
}

// MustModel is Model that panics on unknown names.
func (r *Registry) MustModel(name string) *Model {
	m, err := r.Model(name)
	if err != nil {
		panic(err)
	}
	return m
}

// Models returns every model in definition order.
func (r *Registry) Models() []*Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Model, len(r.order))
	for i, n := range r.order {
		out[i] = r.models[n]
	}
	return out
}

// lookup resolves an association class name. Names match model names
// first, then table names.
func (r *Registry) lookup(name string) (*Model, bool) {
	if m, ok := r.models[name]; ok {
		return m, true
	}
	m, ok := r.byTable[name]
	return m, ok
}

// Finalize resolves every association of every model: class names are
// looked up, conventional keys filled in and the configuration validated.
// The first error is returned and the registry stays unfinalized.
func (r *Registry) Finalize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return nil
	}
	if len(r.errs) > 0 {
		return r.errs[0]
	}
	for _, name := range r.order {
		if err := r.models[name].finalize(); err != nil {
			return err
		}
	}
	r.finalized = true
	return nil
}

func (r *Registry) isFinalized() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.finalized
}

func (r *Registry) modelNames() string {
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return strings.Join(names, ", ")
}

func validIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, c := range name {
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
