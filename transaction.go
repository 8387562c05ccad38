package relorm

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"
)

// Transaction runs fn with a Database bound to a new transaction. The
// transaction commits when fn returns nil and rolls back on error or panic.
// Nested calls reuse the enclosing transaction.
func (d *Database) Transaction(ctx context.Context, fn func(tx *Database) error) (err error) {
	if d.tx != nil {
		return fn(d)
	}
	if d.db == nil {
		return sql.ErrConnDone
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "relorm: begin transaction")
	}

	txdb := *d
	txdb.tx = tx

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&txdb); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			return errors.CombineErrors(err, rerr)
		}
		return err
	}

	return errors.Wrap(tx.Commit(), "relorm: commit")
}

// InTransaction reports whether the database is bound to a transaction.
func (d *Database) InTransaction() bool {
	return d.tx != nil
}
