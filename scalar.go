package relorm

import (
	"context"
)

// Pluck returns the values of one column for every matched row.
func (ds *Dataset) Pluck(ctx context.Context, column string) ([]any, error) {
	if !validIdentifier(column) {
		return nil, ErrInvalidIdentifier
	}
	q := ds.Select(Ident(column))
	q.graph, q.eager = nil, nil
	sqlText, args, err := q.SQL()
	if err != nil {
		return nil, err
	}
	_, values, err := ds.db.queryValues(ctx, "SELECT", sqlText, args)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(values))
	for _, v := range values {
		out = append(out, v[0])
	}
	return out, nil
}

// Exists reports whether the dataset matches at least one row.
func (ds *Dataset) Exists(ctx context.Context) (bool, error) {
	q := ds.Select(Raw("1")).Order().Limit(1)
	q.graph, q.eager = nil, nil
	q.offset = 0
	sqlText, args, err := q.SQL()
	if err != nil {
		return false, err
	}
	_, values, err := ds.db.queryValues(ctx, "SELECT", sqlText, args)
	if err != nil {
		return false, err
	}
	return len(values) > 0, nil
}
