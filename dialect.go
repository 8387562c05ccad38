package relorm

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Dialect describes the SQL differences between supported databases.
type Dialect struct {
	Name string
	// DriverName is the database/sql driver registered for the dialect.
	DriverName string
	// QuoteChar wraps identifiers.
	QuoteChar byte
	// NumberedPlaceholders renders $1, $2 instead of ?.
	NumberedPlaceholders bool
	SupportsArrays       bool
	SupportsTupleIn      bool
	SupportsReturning    bool
	// QueryTableColumns lists (column name, primary key position) for one
	// table. The table name is the only bind argument.
	QueryTableColumns string
}

var Dialects = &struct {
	MySQL      *Dialect
	PostgreSQL *Dialect
	SQLite3    *Dialect
}{
	MySQL: &Dialect{
		Name:              "mysql",
		DriverName:        "mysql",
		QuoteChar:         '`',
		SupportsTupleIn:   true,
		QueryTableColumns: "SELECT COLUMN_NAME, CASE WHEN COLUMN_KEY = 'PRI' THEN 1 ELSE 0 END FROM information_schema.COLUMNS WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ? ORDER BY ORDINAL_POSITION",
	},

	PostgreSQL: &Dialect{
		Name:                 "postgres",
		DriverName:           "pgx",
		QuoteChar:            '"',
		NumberedPlaceholders: true,
		SupportsArrays:       true,
		SupportsTupleIn:      true,
		SupportsReturning:    true,
		QueryTableColumns:    "SELECT c.column_name, COALESCE(k.ordinal_position, 0) FROM information_schema.columns c LEFT JOIN (SELECT kcu.column_name, kcu.ordinal_position FROM information_schema.table_constraints tc JOIN information_schema.key_column_usage kcu ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_name = $1) k ON k.column_name = c.column_name WHERE c.table_name = $1 AND c.table_schema = current_schema() ORDER BY c.ordinal_position",
	},

	SQLite3: &Dialect{
		Name:              "sqlite3",
		DriverName:        "sqlite3",
		QuoteChar:         '"',
		QueryTableColumns: "SELECT name, pk FROM pragma_table_info(?) ORDER BY cid",
	},
}

// DialectFor returns the dialect for a driver or dialect name.
func DialectFor(name string) (*Dialect, error) {
	switch strings.ToLower(name) {
	case "postgres", "postgresql", "pgx":
		return Dialects.PostgreSQL, nil
	case "mysql":
		return Dialects.MySQL, nil
	case "sqlite", "sqlite3":
		return Dialects.SQLite3, nil
	}
	return nil, errors.Wrapf(ErrUnsupportedDialect, "dialect %q", name)
}

// Quote quotes an identifier. Dotted names are quoted per part and "*" is
// left bare.
func (d *Dialect) Quote(ident string) string {
	var sb strings.Builder
	d.writeQuoted(&sb, ident)
	return sb.String()
}

func (d *Dialect) writeQuoted(sb *strings.Builder, ident string) {
	q := string(d.QuoteChar)
	for i, part := range strings.Split(ident, ".") {
		if i > 0 {
			sb.WriteByte('.')
		}
		if part == "*" {
			sb.WriteByte('*')
			continue
		}
		sb.WriteString(q)
		sb.WriteString(strings.ReplaceAll(part, q, q+q))
		sb.WriteString(q)
	}
}

// Placeholder returns the bind placeholder for the n-th argument (1-based).
func (d *Dialect) Placeholder(n int) string {
	if d.NumberedPlaceholders {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}
