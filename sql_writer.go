package relorm

import (
	"strings"
	"sync"
)

var builderPool = sync.Pool{
	New: func() any { return new(strings.Builder) },
}

// GetStringBuilder returns a reset builder from the pool.
func GetStringBuilder() *strings.Builder {
	sb := builderPool.Get().(*strings.Builder)
	sb.Reset()
	return sb
}

// PutStringBuilder returns a builder to the pool. Oversized builders are
// dropped so the pool does not pin large buffers.
func PutStringBuilder(sb *strings.Builder) {
	if sb.Cap() > 64*1024 {
		return
	}
	builderPool.Put(sb)
}

// sqlWriter accumulates SQL text and bind arguments for one statement.
type sqlWriter struct {
	sb   *strings.Builder
	args []any
	d    *Dialect
	err  error
}

func newSQLWriter(d *Dialect) *sqlWriter {
	return &sqlWriter{sb: GetStringBuilder(), d: d}
}

// finish returns the statement and releases the builder.
func (w *sqlWriter) finish() (string, []any, error) {
	s := w.sb.String()
	PutStringBuilder(w.sb)
	w.sb = nil
	if w.err != nil {
		return "", nil, w.err
	}
	return s, w.args, nil
}

func (w *sqlWriter) write(s string) {
	w.sb.WriteString(s)
}

func (w *sqlWriter) ident(name string) {
	w.d.writeQuoted(w.sb, name)
}

func (w *sqlWriter) arg(v any) {
	w.args = append(w.args, v)
	w.sb.WriteString(w.d.Placeholder(len(w.args)))
}

func (w *sqlWriter) expr(e Expr) {
	if e == nil {
		w.write("NULL")
		return
	}
	e.writeSQL(w)
}

func (w *sqlWriter) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

// raw writes a SQL fragment, replacing each "?" with a dialect placeholder
// bound to the next value of args.
func (w *sqlWriter) raw(fragment string, args []any) {
	n := 0
	for i := 0; i < len(fragment); i++ {
		c := fragment[i]
		if c == '?' && n < len(args) {
			w.arg(args[n])
			n++
			continue
		}
		w.sb.WriteByte(c)
	}
}
