package relorm

import (
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// SchemaFile is the YAML form of a registry, used by the relorm command
// and by applications that keep model definitions outside Go code.
type SchemaFile struct {
	Models []ModelSpec `yaml:"models"`
}

type ModelSpec struct {
	Name         string            `yaml:"name"`
	Table        string            `yaml:"table"`
	PrimaryKey   []string          `yaml:"primary_key,omitempty"`
	Columns      []string          `yaml:"columns,omitempty"`
	Tree         *AssociationSpec  `yaml:"tree,omitempty"`
	Associations []AssociationSpec `yaml:"associations,omitempty"`
}

type AssociationSpec struct {
	Name            string     `yaml:"name"`
	Type            string     `yaml:"type"`
	Class           string     `yaml:"class,omitempty"`
	Key             []string   `yaml:"key,omitempty"`
	PrimaryKey      []string   `yaml:"primary_key,omitempty"`
	JoinTable       string     `yaml:"join_table,omitempty"`
	LeftKey         []string   `yaml:"left_key,omitempty"`
	RightKey        []string   `yaml:"right_key,omitempty"`
	LeftPrimaryKey  []string   `yaml:"left_primary_key,omitempty"`
	RightPrimaryKey []string   `yaml:"right_primary_key,omitempty"`
	Through         []EdgeSpec `yaml:"through,omitempty"`
	// Order lists columns; a leading "-" sorts descending.
	Order        []string `yaml:"order,omitempty"`
	Limit        int      `yaml:"limit,omitempty"`
	ReadOnly     bool     `yaml:"read_only,omitempty"`
	NoEagerGraph bool     `yaml:"no_eager_graph,omitempty"`
	// GraphJoin is "inner" or "left".
	GraphJoin string `yaml:"graph_join,omitempty"`
	Cache     bool   `yaml:"cache,omitempty"`
	MaxLevel  int    `yaml:"max_level,omitempty"`
}

type EdgeSpec struct {
	Table    string   `yaml:"table"`
	LeftKey  []string `yaml:"left_key"`
	RightKey []string `yaml:"right_key"`
}

// LoadSchemaFile reads a YAML schema file into a finalized registry.
func LoadSchemaFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "relorm: read schema %s", path)
	}
	return ParseSchema(data)
}

// ParseSchema builds a finalized registry from YAML.
func ParseSchema(data []byte) (*Registry, error) {
	var f SchemaFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "relorm: parse schema")
	}
	r, err := f.Registry()
	if err != nil {
		return nil, err
	}
	if err := r.Finalize(); err != nil {
		return nil, err
	}
	return r, nil
}

// Registry defines every model of the file in a new registry. The
// registry is not finalized.
func (f *SchemaFile) Registry() (*Registry, error) {
	r := NewRegistry()
	for _, ms := range f.Models {
		if ms.Name == "" || ms.Table == "" {
			return nil, errors.Wrap(ErrMissingOption, "relorm: schema models need a name and a table")
		}
		var opts []ModelOption
		if ms.PrimaryKey != nil {
			opts = append(opts, WithPrimaryKey(ms.PrimaryKey...))
		}
		if len(ms.Columns) > 0 {
			opts = append(opts, WithColumns(ms.Columns...))
		}
		m := r.Define(ms.Name, ms.Table, opts...)

		if ms.Tree != nil {
			o, err := ms.Tree.options()
			if err != nil {
				return nil, newConfigError(ms.Name, "tree", err, "")
			}
			m.Tree(o...)
		}
		for _, as := range ms.Associations {
			o, err := as.options()
			if err != nil {
				return nil, newConfigError(ms.Name, as.Name, err, "")
			}
			m.Associate(AssociationType(as.Type), as.Name, o...)
		}
	}
	return r, nil
}

func (s AssociationSpec) options() ([]AssociationOption, error) {
	var opts []AssociationOption
	add := func(ok bool, o AssociationOption) {
		if ok {
			opts = append(opts, o)
		}
	}
	add(s.Class != "", Class(s.Class))
	add(len(s.Key) > 0, Key(s.Key...))
	add(len(s.PrimaryKey) > 0, PrimaryKey(s.PrimaryKey...))
	add(s.JoinTable != "", JoinTable(s.JoinTable))
	add(len(s.LeftKey) > 0, LeftKey(s.LeftKey...))
	add(len(s.RightKey) > 0, RightKey(s.RightKey...))
	add(len(s.LeftPrimaryKey) > 0, LeftPrimaryKey(s.LeftPrimaryKey...))
	add(len(s.RightPrimaryKey) > 0, RightPrimaryKey(s.RightPrimaryKey...))
	add(s.Limit > 0, LimitTo(s.Limit))
	add(s.ReadOnly, ReadOnly())
	add(s.NoEagerGraph, NoEagerGraph())
	add(s.Cache, CacheLookups())
	add(s.MaxLevel > 0, MaxLevel(s.MaxLevel))

	if len(s.Through) > 0 {
		edges := make([]JoinEdge, len(s.Through))
		for i, e := range s.Through {
			edges[i] = JoinEdge{Table: e.Table, LeftKey: e.LeftKey, RightKey: e.RightKey}
		}
		opts = append(opts, Through(edges...))
	}
	if len(s.Order) > 0 {
		order := make([]Expr, len(s.Order))
		for i, o := range s.Order {
			if col, desc := strings.CutPrefix(o, "-"); desc {
				order[i] = Desc(Ident(col))
			} else {
				order[i] = Asc(Ident(o))
			}
		}
		opts = append(opts, OrderBy(order...))
	}
	switch strings.ToLower(s.GraphJoin) {
	case "":
	case "inner":
		opts = append(opts, GraphJoinKind(InnerJoin))
	case "left":
		opts = append(opts, GraphJoinKind(LeftJoin))
	default:
		return nil, errors.Wrapf(ErrInvalidAssociation, "graph_join %q", s.GraphJoin)
	}
	return opts, nil
}
