package relorm

import (
	"context"
	"slices"
	"sort"

	"github.com/cockroachdb/errors"
)

type tableColumns struct {
	names []string
	// pk holds primary key columns ordered by key position.
	pk []string
}

// tableColumns reads a table's columns from the database catalog. A
// missing table yields no columns.
func (d *Database) tableColumns(ctx context.Context, table string) (tableColumns, error) {
	_, values, err := d.queryValues(ctx, "SELECT", d.dialect.QueryTableColumns, []any{table})
	if err != nil {
		return tableColumns{}, err
	}
	var (
		out tableColumns
		pos = make(map[string]int64)
	)
	for _, row := range values {
		if len(row) < 2 {
			continue
		}
		name := keyString(row[0])
		out.names = append(out.names, name)
		if p := toInt64(row[1]); p > 0 {
			out.pk = append(out.pk, name)
			pos[name] = p
		}
	}
	sort.SliceStable(out.pk, func(i, j int) bool { return pos[out.pk[i]] < pos[out.pk[j]] })
	return out, nil
}

// LoadSchema reads the columns of every model's table. Models without
// declared columns get them; models whose primary key was not set
// explicitly take the table's key. Once the registry is finalized, the
// key columns of every association are checked against the database.
func (d *Database) LoadSchema(ctx context.Context, r *Registry) error {
	finalized := r.isFinalized()
	schema := make(map[string]tableColumns)
	load := func(table string) (tableColumns, error) {
		if tc, ok := schema[table]; ok {
			return tc, nil
		}
		tc, err := d.tableColumns(ctx, table)
		if err != nil {
			return tc, err
		}
		schema[table] = tc
		return tc, nil
	}

	for _, m := range r.Models() {
		tc, err := load(m.table)
		if err != nil {
			return err
		}
		if len(tc.names) == 0 {
			return newConfigError(m.name, "", errors.Newf("table %s not found in the database", m.table),
				"the database is out of sync with the model definitions")
		}
		if len(m.columns) == 0 {
			m.columns = tc.names
		}
		if !finalized && !m.pkSet && len(tc.pk) > 0 {
			m.primaryKey = tc.pk
		}
	}
	if !finalized {
		return nil
	}

	for _, m := range r.Models() {
		for _, a := range m.Associations() {
			if err := checkAssociationColumns(a, load); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkAssociationColumns verifies that the columns an association joins
// on exist in the database.
func checkAssociationColumns(a AssociationReflection, load func(string) (tableColumns, error)) error {
	o := a.Options()
	need := map[string][]string{}
	switch a.Type() {
	case ManyToOne:
		need[a.Owner().table] = o.Key
	case OneToMany, OneToOne:
		need[a.Associated().table] = o.Key
	case ManyToMany:
		need[o.JoinTable] = append(slices.Clone(o.LeftKey), o.RightKey...)
	case ManyThroughMany:
		for _, e := range o.Through {
			need[e.Table] = append(need[e.Table], append(slices.Clone(e.LeftKey), e.RightKey...)...)
		}
	case PgArrayToMany:
		need[a.Owner().table] = o.Key
	case ManyToPgArray:
		need[a.Associated().table] = o.Key
	case Ancestors, Descendants:
		need[a.Associated().table] = o.Key
	}

	tables := make([]string, 0, len(need))
	for t := range need {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	for _, t := range tables {
		tc, err := load(t)
		if err != nil {
			return err
		}
		if len(tc.names) == 0 {
			return newConfigError(a.Owner().name, a.Name(), errors.Newf("table %s not found in the database", t), "")
		}
		for _, c := range need[t] {
			if !slices.Contains(tc.names, c) {
				return newConfigError(a.Owner().name, a.Name(), errors.Newf("column %s.%s not found in the database", t, c), "")
			}
		}
	}
	return nil
}
