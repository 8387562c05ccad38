package relorm

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/jedib0t/go-pretty/table"
)

// Describe writes the model's columns and finalized associations as
// tables.
func (m *Model) Describe(w io.Writer) {
	fmt.Fprintf(w, "%s (table %s)\n", m.name, m.table)

	cols := table.NewWriter()
	cols.AppendHeader(table.Row{"Column", "Primary Key"})
	for _, c := range m.columns {
		cols.AppendRow(table.Row{c, slices.Contains(m.primaryKey, c)})
	}
	if len(m.columns) == 0 {
		cols.AppendRow(table.Row{"(not declared)", strings.Join(m.primaryKey, ", ")})
	}
	fmt.Fprintln(w, cols.Render())

	if len(m.assocOrder) == 0 {
		fmt.Fprintln(w)
		return
	}
	assocs := table.NewWriter()
	assocs.AppendHeader(table.Row{"Association", "Type", "Class", "Key", "Primary Key", "Join"})
	for _, r := range m.Associations() {
		o := r.Options()
		class := o.ClassName
		if r.Associated() != nil {
			class = r.Associated().name
		}
		assocs.AppendRow(table.Row{
			r.Name(), r.Type(), class,
			strings.Join(o.Key, ", "),
			strings.Join(o.PrimaryKey, ", "),
			describeJoin(r),
		})
	}
	fmt.Fprintln(w, assocs.Render())
	fmt.Fprintln(w)
}

func describeJoin(r AssociationReflection) string {
	o := r.Options()
	switch r.Type() {
	case ManyToMany:
		return fmt.Sprintf("%s(%s -> %s)", o.JoinTable, strings.Join(o.LeftKey, ", "), strings.Join(o.RightKey, ", "))
	case ManyThroughMany:
		parts := make([]string, len(o.Through))
		for i, e := range o.Through {
			parts[i] = fmt.Sprintf("%s(%s -> %s)", e.Table, strings.Join(e.LeftKey, ", "), strings.Join(e.RightKey, ", "))
		}
		return strings.Join(parts, " / ")
	case Ancestors, Descendants:
		if o.MaxLevel > 0 {
			return fmt.Sprintf("recursive, %d levels", o.MaxLevel)
		}
		return "recursive"
	}
	return ""
}

// Describe writes every model of the registry.
func (r *Registry) Describe(w io.Writer) {
	for _, m := range r.Models() {
		m.Describe(w)
	}
}
